// Package sinks holds progress.Sink implementations: server-sent event
// streaming, structured logging, and Prometheus export.
package sinks
