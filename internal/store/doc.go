// Package store persists scraped announcements to Postgres. Writes are
// upserts that never let an un-enriched re-scrape erase detail text an
// earlier run already captured.
package store
