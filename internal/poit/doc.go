// Package poit defines the domain types and site-specific constants for the
// Bolagsverket POIT announcement registry: result records, query handling,
// Swedish date parsing, and the DOM markers the scraping layers key off.
package poit
