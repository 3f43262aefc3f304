// Package enrich fetches and extracts the full text of collected
// announcements with a bounded worker pool. Two fetch transports exist: a
// browser-tab fetcher that reads the SPA's own REST responses, and a plain
// HTTP fetcher built on colly that calls those endpoints directly.
package enrich
