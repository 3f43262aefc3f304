// Package progress defines the ordered event stream emitted while a
// search job runs. Events are delivered to sinks strictly in emission
// order; a complete event terminates the stream.
package progress
