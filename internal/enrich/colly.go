package enrich

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/loopdesk/poit-crawler/internal/poit"
	"github.com/loopdesk/poit-crawler/internal/proxy"
)

const defaultBaseURL = "https://poit.bolagsverket.se"

// ProxyDirector exposes the current routing decision of the proxy pool.
// *proxy.Pool satisfies it.
type ProxyDirector interface {
	Active() bool
	Current() (proxy.Record, bool)
}

// HTTPFetcherConfig controls the colly-backed fetcher.
type HTTPFetcherConfig struct {
	// BaseURL is the registry origin; overridden only in tests.
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// Proxies, when set, routes requests through the pool's current proxy
	// whenever the pool is active.
	Proxies ProxyDirector
	Logger  *zap.Logger
}

// HTTPFetcher fetches announcement details by calling the registry's REST
// endpoints directly, without a browser. It cannot fall back to the
// rendered page, so it only succeeds when the payloads carry the text.
type HTTPFetcher struct {
	cfg           HTTPFetcherConfig
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// NewHTTPFetcher builds an HTTPFetcher.
func NewHTTPFetcher(cfg HTTPFetcherConfig) *HTTPFetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	// Retries revisit the same endpoint URLs and clones share the visited
	// set, so revisits must stay legal.
	c.AllowURLRevisit = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newHTTPTransport(cfg.Proxies))

	return &HTTPFetcher{cfg: cfg, baseCollector: c, logger: logger}
}

// FetchDetail queries the search endpoint first and the full-payload
// endpoint second, keeping the longer extraction.
func (f *HTTPFetcher) FetchDetail(ctx context.Context, row poit.ResultRow) (Detail, error) {
	if row.ID == "" {
		return Detail{}, fmt.Errorf("announcement row has no id")
	}

	best := ""
	for _, endpoint := range []string{poit.DetailSearchEndpoint, poit.DetailFetchEndpoint} {
		status, body, err := f.get(ctx, f.detailURL(endpoint, row.ID))
		if err != nil {
			return Detail{}, err
		}
		if status == http.StatusTooManyRequests {
			return Detail{}, ErrRateLimited
		}
		if status != http.StatusOK {
			f.logger.Debug("detail endpoint refused",
				zap.String("id", row.ID),
				zap.String("endpoint", endpoint),
				zap.Int("status", status))
			continue
		}
		if text := TextFromAPI(body); len(text) > len(best) {
			best = text
		}
	}
	if best == "" {
		return Detail{}, ErrEmptyDetail
	}
	return Detail{Text: best, Source: "api"}, nil
}

func (f *HTTPFetcher) detailURL(endpoint, id string) string {
	return f.cfg.BaseURL + endpoint + "?kungorelseid=" + url.QueryEscape(id)
}

// get runs one request on a cloned collector so concurrent workers never
// share response state.
func (f *HTTPFetcher) get(ctx context.Context, u string) (int, []byte, error) {
	collector := f.baseCollector.Clone()

	var (
		status   int
		body     []byte
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(u)
	}()

	select {
	case <-ctx.Done():
		return 0, nil, fmt.Errorf("detail fetch canceled: %w", ctx.Err())
	case err := <-done:
		// Colly reports non-2xx statuses through OnError; a captured
		// status means the request itself went through.
		if status != 0 {
			return status, body, nil
		}
		if err != nil {
			return 0, nil, fmt.Errorf("detail fetch %s: %w", u, err)
		}
		if fetchErr != nil {
			return 0, nil, fmt.Errorf("detail fetch %s: %w", u, fetchErr)
		}
		return status, body, nil
	}
}

// newHTTPTransport builds the pooled transport; when a ProxyDirector is
// given, each request consults it so an activation mid-run takes effect
// without rebuilding the fetcher.
func newHTTPTransport(proxies ProxyDirector) *http.Transport {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxies == nil {
		t.Proxy = http.ProxyFromEnvironment
		return t
	}
	t.Proxy = func(*http.Request) (*url.URL, error) {
		if !proxies.Active() {
			return nil, nil
		}
		rec, ok := proxies.Current()
		if !ok {
			return nil, nil
		}
		return url.Parse(rec.URL())
	}
	return t
}
