package poit

import "time"

// Announcement is one registry announcement. The identity fields are set at
// row-collection time; DetailText and FullText are added by enrichment, at
// most once. A failed enrichment leaves the record exactly as collected.
type Announcement struct {
	// ID is the registry-assigned identifier (e.g. "K123456-25"). It is
	// stable across re-scrapes and serves as the upsert key.
	ID string `json:"id"`
	// Query is the search term that produced this record.
	Query    string `json:"query"`
	Reporter string `json:"reporter,omitempty"`
	// Type is the announcement category as free text from the source.
	Type    string `json:"type,omitempty"`
	Subject string `json:"subject"`
	// PubDate is the publication date exactly as rendered by the source.
	PubDate string `json:"pubDate,omitempty"`
	// PublishedAt is the parsed publication date; nil when parsing failed.
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	// DetailText is a bounded preview (<=100 words / <=1000 characters).
	DetailText string `json:"detailText,omitempty"`
	// FullText is the complete extracted announcement text.
	FullText  string    `json:"fullText,omitempty"`
	URL       string    `json:"url,omitempty"`
	OrgNumber string    `json:"orgNumber,omitempty"`
	ScrapedAt time.Time `json:"scrapedAt"`
}

// Enriched reports whether detail extraction succeeded for this record.
func (a *Announcement) Enriched() bool {
	return a.FullText != ""
}

// ResultRow is a raw search-result row before conversion to Announcement.
// Cells holds the positional column texts; RowText the whole-row fallback.
type ResultRow struct {
	ID       string
	URL      string
	Cells    []string
	RowText  string
	Reporter string
	Type     string
	Subject  string
	PubDate  string
}

// Announcement converts the row into an identity-only Announcement.
func (r ResultRow) Announcement(query string, now time.Time) Announcement {
	a := Announcement{
		ID:        r.ID,
		Query:     query,
		Reporter:  r.Reporter,
		Type:      r.Type,
		Subject:   r.Subject,
		PubDate:   r.PubDate,
		URL:       r.URL,
		ScrapedAt: now,
	}
	if t, ok := ParseSwedishDate(r.PubDate); ok {
		a.PublishedAt = &t
	}
	return a
}

// SearchRequest is the inbound request consumed by the orchestrator.
type SearchRequest struct {
	// Query must be at least 2 characters after trimming.
	Query string `json:"query"`
	// OrgNumber is an optional hint persisted alongside the results.
	OrgNumber string `json:"orgNumber,omitempty"`
	// SkipDetails disables the enrichment phase entirely.
	SkipDetails bool `json:"skipDetails,omitempty"`
	// DetailLimit caps how many leading results are enriched.
	DetailLimit int `json:"detailLimit,omitempty"`
}

// Summary carries the terminal counts reported with the complete event.
type Summary struct {
	Total       int `json:"total"`
	Saved       int `json:"saved"`
	WithDetails int `json:"withDetails"`
}
