package enrich

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/loopdesk/poit-crawler/internal/metrics"
	"github.com/loopdesk/poit-crawler/internal/poit"
	"github.com/loopdesk/poit-crawler/internal/progress"
	"github.com/loopdesk/poit-crawler/internal/proxy"
)

// ProxyControl is the slice of the proxy pool the enrichment workers drive
// when the registry starts answering 429. *proxy.Pool satisfies it.
type ProxyControl interface {
	RecordRateLimit()
	Active() bool
	ShouldActivate() (bool, string)
	Activate(ctx context.Context, reason string) error
	Next() (proxy.Record, bool)
}

// Config controls the enrichment pool.
type Config struct {
	// Workers is the number of concurrent detail fetchers.
	Workers int
	// RetriesPerItem bounds regular fetch attempts per announcement; one
	// extended attempt may follow when the fetcher supports it.
	RetriesPerItem int
	// RequestSpacing is the minimum gap between fetches on one worker.
	RequestSpacing time.Duration
	// EmptyRetryDelay is the pause after a fetch that returned no text.
	EmptyRetryDelay time.Duration
	// BackoffBase seeds the doubling backoff applied after a 429 when no
	// proxy move is available.
	BackoffBase time.Duration
	// DetailLimit caps how many leading announcements are enriched; zero
	// means all of them.
	DetailLimit int

	Proxies ProxyControl
	Emitter progress.Emitter
	Logger  *zap.Logger
}

// Pool enriches announcements concurrently. Each announcement is written
// at most once: a success fills the text fields, any failure leaves the
// record exactly as collected.
type Pool struct {
	fetcher Fetcher
	cfg     Config
	logger  *zap.Logger
}

// New builds a Pool with defaulted limits.
func New(fetcher Fetcher, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.RetriesPerItem <= 0 {
		cfg.RetriesPerItem = 5
	}
	if cfg.RequestSpacing <= 0 {
		cfg.RequestSpacing = 3 * time.Second
	}
	if cfg.EmptyRetryDelay <= 0 {
		cfg.EmptyRetryDelay = 4 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{fetcher: fetcher, cfg: cfg, logger: logger}
}

// Run enriches anns in place and returns how many records gained text.
// Per-item failures are reported on the progress stream, not as errors;
// only cancellation aborts the run.
func (p *Pool) Run(ctx context.Context, anns []poit.Announcement) (int, error) {
	limit := len(anns)
	if p.cfg.DetailLimit > 0 && p.cfg.DetailLimit < limit {
		limit = p.cfg.DetailLimit
	}
	if limit == 0 {
		return 0, nil
	}

	indices := make(chan int)
	g, gctx := errgroup.WithContext(ctx)

	workers := p.cfg.Workers
	if workers > limit {
		workers = limit
	}
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			metrics.IncActiveDetailWorkers()
			defer metrics.DecActiveDetailWorkers()

			limiter := rate.NewLimiter(rate.Every(p.cfg.RequestSpacing), 1)
			for i := range indices {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				if err := p.enrichOne(gctx, &anns[i], i+1, limit); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(indices)
		for i := 0; i < limit; i++ {
			select {
			case indices <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	err := g.Wait()

	enriched := 0
	for i := range anns[:limit] {
		if anns[i].Enriched() {
			enriched++
		}
	}
	return enriched, err
}

// enrichOne drives the retry ladder for a single announcement. pos and
// total place the item in the run for progress consumers. It returns an
// error only when the context is gone.
func (p *Pool) enrichOne(ctx context.Context, a *poit.Announcement, pos, total int) error {
	row := poit.ResultRow{ID: a.ID, URL: a.URL, Subject: a.Subject}
	backoff := p.cfg.BackoffBase

	for attempt := 1; attempt <= p.cfg.RetriesPerItem; attempt++ {
		detail, err := p.fetcher.FetchDetail(ctx, row)
		switch {
		case err == nil && detail.Text != "":
			p.apply(ctx, a, detail, pos, total)
			return nil

		case errors.Is(err, ErrRateLimited):
			metrics.ObserveDetailFetch("rate_limited")
			metrics.ObserveRateLimit()
			p.logger.Warn("detail fetch rate limited",
				zap.String("id", a.ID), zap.Int("attempt", attempt))
			if err := p.handleRateLimit(ctx, &backoff); err != nil {
				return err
			}

		case errors.Is(err, ErrEmptyDetail) || (err == nil && detail.Text == ""):
			metrics.ObserveDetailFetch("empty")
			p.logger.Debug("detail fetch returned no text",
				zap.String("id", a.ID), zap.Int("attempt", attempt))
			if err := sleepCtx(ctx, p.cfg.EmptyRetryDelay); err != nil {
				return err
			}

		case ctx.Err() != nil:
			return ctx.Err()

		default:
			metrics.ObserveDetailFetch("error")
			p.logger.Warn("detail fetch failed",
				zap.String("id", a.ID), zap.Int("attempt", attempt), zap.Error(err))
			if err := sleepCtx(ctx, p.cfg.EmptyRetryDelay); err != nil {
				return err
			}
		}
	}

	if ef, ok := p.fetcher.(ExtendedFetcher); ok {
		detail, err := ef.FetchDetailExtended(ctx, row)
		if err == nil && detail.Text != "" {
			p.apply(ctx, a, detail, pos, total)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	metrics.ObserveDetailFetch("gave_up")
	p.emit(ctx, progress.Errorf("could not fetch details for %s", a.ID))
	return nil
}

// apply is the single write point for enrichment results.
func (p *Pool) apply(ctx context.Context, a *poit.Announcement, detail Detail, pos, total int) {
	a.FullText = detail.Text
	a.DetailText = poit.TruncateDetail(detail.Text)
	if a.OrgNumber == "" {
		a.OrgNumber = poit.ExtractOrgNumber(detail.Text)
	}
	metrics.ObserveDetailFetch("success")
	p.logger.Debug("detail applied",
		zap.String("id", a.ID),
		zap.String("source", detail.Source),
		zap.Int("words", poit.CountWords(detail.Text)),
	)
	p.emit(ctx, progress.Event{
		Type:    progress.TypeDetail,
		Message: "fetched details for " + a.ID,
		Data: map[string]any{
			"current": pos,
			"total":   total,
			"id":      a.ID,
			"source":  detail.Source,
		},
	})
}

// handleRateLimit records the 429 and prefers a proxy move over waiting:
// rotate when the pool is already active, activate when the heuristic says
// so, otherwise back off with doubling.
func (p *Pool) handleRateLimit(ctx context.Context, backoff *time.Duration) error {
	if pc := p.cfg.Proxies; pc != nil {
		pc.RecordRateLimit()
		if pc.Active() {
			if rec, ok := pc.Next(); ok {
				metrics.ObserveProxyRotation()
				p.logger.Info("rotated proxy after rate limit",
					zap.String("proxy", rec.Key()))
				return nil
			}
		} else if ok, reason := pc.ShouldActivate(); ok {
			if err := pc.Activate(ctx, reason); err == nil {
				metrics.ObserveProxyActivation()
				p.emit(ctx, progress.Statusf("switched to proxy pool: %s", reason))
				return nil
			} else {
				p.logger.Warn("proxy activation failed", zap.Error(err))
			}
		}
	}

	if err := sleepCtx(ctx, *backoff); err != nil {
		return err
	}
	*backoff *= 2
	return nil
}

func (p *Pool) emit(ctx context.Context, ev progress.Event) {
	if p.cfg.Emitter != nil {
		p.cfg.Emitter.Emit(ctx, ev)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
