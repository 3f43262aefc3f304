package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loopdesk/poit-crawler/internal/browser"
	"github.com/loopdesk/poit-crawler/internal/poit"
)

// Fetch outcomes the pool retries on.
var (
	// ErrRateLimited signals a 429 from the registry.
	ErrRateLimited = errors.New("enrich: rate limited")
	// ErrEmptyDetail signals a successful fetch that produced no text.
	ErrEmptyDetail = errors.New("enrich: empty detail")
)

// Detail is one extracted announcement text with its provenance.
type Detail struct {
	Text string
	// Source is "api" when extracted from a REST payload, "dom" when
	// scraped from the rendered page.
	Source string
}

// Fetcher fetches the full text of a single announcement.
type Fetcher interface {
	FetchDetail(ctx context.Context, row poit.ResultRow) (Detail, error)
}

// ExtendedFetcher is implemented by fetchers that support one final
// attempt with stretched timeouts after regular retries are exhausted.
type ExtendedFetcher interface {
	FetchDetailExtended(ctx context.Context, row poit.ResultRow) (Detail, error)
}

// TabSource opens auxiliary browser tabs. *browser.ChromeDriver satisfies
// it.
type TabSource interface {
	OpenTab(ctx context.Context) (browser.Tab, error)
}

// TabFetcherConfig controls per-item waits of the browser-tab fetcher.
type TabFetcherConfig struct {
	// SearchWait bounds the wait for the search-detail REST response.
	SearchWait time.Duration
	// FetchWait bounds the wait for the full-payload REST response.
	FetchWait time.Duration
	Logger    *zap.Logger
}

// TabFetcher fetches details by opening the announcement page in a fresh
// tab and reading the REST responses the SPA itself issues. This keeps the
// fetch on the session's proxy and cookies without extra HTTP plumbing.
type TabFetcher struct {
	source TabSource
	cfg    TabFetcherConfig
	logger *zap.Logger
}

// NewTabFetcher builds a TabFetcher with defaulted waits.
func NewTabFetcher(source TabSource, cfg TabFetcherConfig) *TabFetcher {
	if cfg.SearchWait <= 0 {
		cfg.SearchWait = 15 * time.Second
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 20 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TabFetcher{source: source, cfg: cfg, logger: logger}
}

// FetchDetail opens the announcement in a new tab and extracts its text,
// preferring the REST payloads over the rendered page.
func (f *TabFetcher) FetchDetail(ctx context.Context, row poit.ResultRow) (Detail, error) {
	return f.fetch(ctx, row, 1)
}

// FetchDetailExtended retries once with timeouts stretched by half.
func (f *TabFetcher) FetchDetailExtended(ctx context.Context, row poit.ResultRow) (Detail, error) {
	return f.fetch(ctx, row, 1.5)
}

func (f *TabFetcher) fetch(ctx context.Context, row poit.ResultRow, scale float64) (Detail, error) {
	if row.URL == "" {
		return Detail{}, fmt.Errorf("announcement %s has no detail URL", row.ID)
	}

	tab, err := f.source.OpenTab(ctx)
	if err != nil {
		return Detail{}, fmt.Errorf("open detail tab: %w", err)
	}
	defer tab.Close()

	if err := tab.Navigate(ctx, row.URL); err != nil {
		return Detail{}, fmt.Errorf("open announcement %s: %w", row.ID, err)
	}

	searchWait := time.Duration(float64(f.cfg.SearchWait) * scale)
	fetchWait := time.Duration(float64(f.cfg.FetchWait) * scale)

	text, err := f.textFromResponses(ctx, tab, row, searchWait, fetchWait)
	if err != nil {
		return Detail{}, err
	}
	if text != "" {
		return Detail{Text: text, Source: "api"}, nil
	}

	body, err := tab.BodyText(ctx)
	if err != nil {
		return Detail{}, fmt.Errorf("read detail page for %s: %w", row.ID, err)
	}
	if text := TextFromDOM(body); text != "" {
		return Detail{Text: text, Source: "dom"}, nil
	}
	return Detail{}, ErrEmptyDetail
}

// textFromResponses waits for the SPA's two detail endpoints and keeps the
// longer extraction. A 429 on either aborts the item immediately.
func (f *TabFetcher) textFromResponses(ctx context.Context, tab browser.Tab, row poit.ResultRow, searchWait, fetchWait time.Duration) (string, error) {
	best := ""
	for _, probe := range []struct {
		endpoint string
		wait     time.Duration
	}{
		{poit.DetailSearchEndpoint, searchWait},
		{poit.DetailFetchEndpoint, fetchWait},
	} {
		resp, err := tab.AwaitResponse(ctx, probe.endpoint, probe.wait)
		if errors.Is(err, browser.ErrNoResponse) {
			f.logger.Debug("detail endpoint never answered",
				zap.String("id", row.ID),
				zap.String("endpoint", probe.endpoint))
			continue
		}
		if err != nil {
			return "", err
		}
		if resp.Status == 429 {
			return "", ErrRateLimited
		}
		if text := TextFromAPI(resp.Body); len(text) > len(best) {
			best = text
		}
	}
	return best, nil
}
