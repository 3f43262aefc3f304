// Package search runs the announcement search flow on an open browser
// session: submitting query variants through the right form field,
// polling the results view, and extracting result rows.
package search
