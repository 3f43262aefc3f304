// Package crawler executes complete search runs: open the registry, get
// past the entry block, submit the query, enrich the results and persist
// them, reporting progress along the way.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loopdesk/poit-crawler/internal/browser"
	"github.com/loopdesk/poit-crawler/internal/enrich"
	"github.com/loopdesk/poit-crawler/internal/metrics"
	"github.com/loopdesk/poit-crawler/internal/poit"
	"github.com/loopdesk/poit-crawler/internal/progress"
	"github.com/loopdesk/poit-crawler/internal/proxy"
	"github.com/loopdesk/poit-crawler/internal/search"
	"github.com/loopdesk/poit-crawler/internal/session"
)

// ErrQueryTooShort rejects queries under two characters before any browser
// work starts.
var ErrQueryTooShort = errors.New("crawler: query must be at least 2 characters")

// Saver persists a batch of announcements. *store.AnnouncementStore
// satisfies it; a nil Saver runs without persistence.
type Saver interface {
	UpsertAll(ctx context.Context, anns []poit.Announcement) (int, error)
}

// DriverFactory builds a browser for one run. The default starts headless
// Chrome; tests substitute scripted fakes.
type DriverFactory func(cfg browser.DriverConfig) (browser.Driver, error)

// FetcherFactory builds the detail-fetch transport for one run, given the
// run's browser.
type FetcherFactory func(drv browser.Driver) enrich.Fetcher

// Config carries the per-subsystem settings a run is assembled from. The
// Solver, Stats, Sessions and Emitter slots of the nested configs are
// filled per run and must be left empty here.
type Config struct {
	Driver  browser.DriverConfig
	Browser browser.Config
	Search  search.Config
	Enrich  enrich.Config
	Logger  *zap.Logger
	// Now is the clock; tests pin it.
	Now func() time.Time
}

// Crawler runs searches. Safe for concurrent use as long as the underlying
// proxy pool and store are; each run gets its own browser.
type Crawler struct {
	cfg        Config
	solver     browser.CaptchaSolver
	proxies    *proxy.Pool
	sessions   session.Store
	saver      Saver
	newDriver  DriverFactory
	newFetcher FetcherFactory
	logger     *zap.Logger
	now        func() time.Time
}

// Options bundle the collaborators of a Crawler. Solver, Proxies, Sessions
// and Saver may be nil; the corresponding behavior is skipped.
type Options struct {
	Solver   browser.CaptchaSolver
	Proxies  *proxy.Pool
	Sessions session.Store
	Saver    Saver
	// NewDriver defaults to starting headless Chrome.
	NewDriver DriverFactory
	// NewFetcher defaults to the browser-tab transport when the driver
	// supports tabs.
	NewFetcher FetcherFactory
}

// New builds a Crawler.
func New(cfg Config, opts Options) *Crawler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newDriver := opts.NewDriver
	if newDriver == nil {
		newDriver = func(dcfg browser.DriverConfig) (browser.Driver, error) {
			return browser.NewChromeDriver(dcfg)
		}
	}
	c := &Crawler{
		cfg:       cfg,
		solver:    opts.Solver,
		proxies:   opts.Proxies,
		sessions:  opts.Sessions,
		saver:     opts.Saver,
		newDriver: newDriver,
		logger:    logger,
		now:       now,
	}
	c.newFetcher = opts.NewFetcher
	if c.newFetcher == nil {
		c.newFetcher = c.defaultFetcher
	}
	return c
}

func (c *Crawler) defaultFetcher(drv browser.Driver) enrich.Fetcher {
	if src, ok := drv.(enrich.TabSource); ok {
		return enrich.NewTabFetcher(src, enrich.TabFetcherConfig{Logger: c.logger})
	}
	return enrich.NewHTTPFetcher(enrich.HTTPFetcherConfig{
		UserAgent: c.cfg.Driver.UserAgent,
		Proxies:   c.proxies,
		Logger:    c.logger,
	})
}

// Run executes one search end to end and returns the summary plus the
// announcements in result order. Per-item enrichment failures are reported
// on the stream; the run itself fails only on blocking, browser loss or
// cancellation.
func (c *Crawler) Run(ctx context.Context, req poit.SearchRequest, emitter progress.Emitter) (poit.Summary, []poit.Announcement, error) {
	query := strings.TrimSpace(req.Query)
	if len([]rune(query)) < 2 {
		return poit.Summary{}, nil, ErrQueryTooShort
	}
	start := c.now()
	runID := uuid.NewString()
	logger := c.logger.With(zap.String("runId", runID), zap.String("query", query))
	logger.Info("search run starting")

	emit(ctx, emitter, progress.Event{
		Type:    progress.TypeStatus,
		Message: fmt.Sprintf("opening registry for %q", query),
		Data:    map[string]string{"runId": runID},
	})

	drv, err := c.newDriver(c.driverConfig())
	if err != nil {
		metrics.ObserveSearch("browser_error", time.Since(start))
		emit(ctx, emitter, progress.Errorf("could not start browser: %v", err))
		return poit.Summary{}, nil, fmt.Errorf("start browser: %w", err)
	}
	defer drv.Close()

	sess := browser.NewSession(drv, c.sessionConfig(emitter))

	if err := sess.Open(ctx); err != nil {
		outcome := "error"
		if errors.Is(err, browser.ErrBlocked) {
			outcome = "blocked"
			emit(ctx, emitter, progress.Errorf("registry blocked the session"))
		}
		metrics.ObserveSearch(outcome, time.Since(start))
		return poit.Summary{}, nil, fmt.Errorf("open registry: %w", err)
	}
	// Cookies earned this run (a solved entry check in particular) are
	// worth keeping even when the search itself fails.
	defer sess.SaveSession(context.WithoutCancel(ctx))

	ready, err := sess.EnsureSearchForm(ctx)
	if err != nil {
		metrics.ObserveSearch("error", time.Since(start))
		return poit.Summary{}, nil, fmt.Errorf("reach search form: %w", err)
	}
	if !ready {
		if ok, err := sess.WaitForInputs(ctx); err != nil || !ok {
			metrics.ObserveSearch("error", time.Since(start))
			emit(ctx, emitter, progress.Errorf("search form never appeared"))
			return poit.Summary{}, nil, fmt.Errorf("search form never appeared")
		}
	}

	searchCfg := c.cfg.Search
	searchCfg.Emitter = emitter
	searchCfg.Logger = c.logger
	rows, used, err := search.New(sess, searchCfg).Run(ctx, query)
	if err != nil {
		metrics.ObserveSearch("error", time.Since(start))
		return poit.Summary{}, nil, fmt.Errorf("search %q: %w", query, err)
	}

	anns := c.toAnnouncements(rows, query, req.OrgNumber)
	if len(anns) == 0 {
		metrics.ObserveSearch("empty", time.Since(start))
		emit(ctx, emitter, progress.Complete(
			fmt.Sprintf("no announcements found for %q", used), poit.Summary{}))
		return poit.Summary{}, nil, nil
	}

	emit(ctx, emitter, progress.Event{
		Type:    progress.TypeSuccess,
		Message: fmt.Sprintf("collected %d announcements", len(anns)),
	})

	withDetails := 0
	if !req.SkipDetails {
		withDetails, err = c.enrichAll(ctx, drv, req, anns, emitter)
		if err != nil {
			metrics.ObserveSearch("canceled", time.Since(start))
			return poit.Summary{}, nil, err
		}
	}

	saved := len(anns)
	if c.saver != nil {
		saved, err = c.saver.UpsertAll(ctx, anns)
		if err != nil {
			logger.Error("saving announcements failed", zap.Error(err))
			emit(ctx, emitter, progress.Errorf("saved %d of %d announcements: %v", saved, len(anns), err))
		}
	}

	summary := poit.Summary{Total: len(anns), Saved: saved, WithDetails: withDetails}
	metrics.ObserveSearch("success", time.Since(start))
	emit(ctx, emitter, progress.Complete(
		fmt.Sprintf("scraped %d announcements for %q", len(anns), used), summary))
	return summary, anns, nil
}

func (c *Crawler) driverConfig() browser.DriverConfig {
	dcfg := c.cfg.Driver
	if c.proxies != nil && c.proxies.Active() {
		if rec, ok := c.proxies.Current(); ok {
			dcfg.ProxyServer = rec.ServerAddr()
			dcfg.ProxyUsername = rec.Username
			dcfg.ProxyPassword = rec.Password
		}
	}
	return dcfg
}

func (c *Crawler) sessionConfig(emitter progress.Emitter) browser.Config {
	bcfg := c.cfg.Browser
	bcfg.Solver = c.solver
	bcfg.Sessions = c.sessions
	bcfg.Emitter = emitter
	bcfg.Logger = c.logger
	if c.proxies != nil {
		bcfg.Stats = c.proxies
	}
	return bcfg
}

func (c *Crawler) enrichAll(ctx context.Context, drv browser.Driver, req poit.SearchRequest, anns []poit.Announcement, emitter progress.Emitter) (int, error) {
	ecfg := c.cfg.Enrich
	ecfg.Emitter = emitter
	ecfg.Logger = c.logger
	ecfg.DetailLimit = req.DetailLimit
	if c.proxies != nil {
		ecfg.Proxies = c.proxies
	}
	return enrich.New(c.newFetcher(drv), ecfg).Run(ctx, anns)
}

func (c *Crawler) toAnnouncements(rows []poit.ResultRow, query, orgHint string) []poit.Announcement {
	hint := ""
	if digits := poit.DigitsOnly(orgHint); len(digits) >= 10 {
		hint = poit.FormatOrgNumber(digits)
	}
	now := c.now()
	anns := make([]poit.Announcement, len(rows))
	for i, row := range rows {
		anns[i] = row.Announcement(query, now)
		if anns[i].OrgNumber == "" {
			anns[i].OrgNumber = hint
		}
	}
	return anns
}

func emit(ctx context.Context, emitter progress.Emitter, ev progress.Event) {
	if emitter != nil {
		emitter.Emit(ctx, ev)
	}
}
