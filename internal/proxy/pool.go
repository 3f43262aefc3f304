package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Activation thresholds. Tuned against observed POIT rate limiting.
const (
	rateLimitThreshold      = 3
	consecutiveCaptchaLimit = 5
	captchaBurstWindow      = 60 * time.Second
	captchaBurstCount       = 3

	failureThreshold     = 3
	defaultFetchCooldown = 5 * time.Minute

	defaultCountry    = "se"
	defaultProxyType  = "residential"
	defaultFetchLimit = 10
)

// Last-resort gateway used only when neither a static proxy nor a provider
// credential is configured, so the system degrades to some proxy rather
// than none.
var fallbackRecord = Record{
	Host:   "gw.dataimpulse.com",
	Port:   823,
	Source: SourceFallback,
}

// ErrNoProxies reports an activation that ended with an empty pool. Not
// fatal: callers fall back to direct connection and accept a higher block
// rate.
var ErrNoProxies = errors.New("proxy: no proxies available")

// Stats is a snapshot of the session blocking counters.
type Stats struct {
	HTTP429Count        int       `json:"http429Count"`
	ConsecutiveCaptchas int       `json:"consecutiveCaptchas"`
	LastCaptchaTime     time.Time `json:"lastCaptchaTime,omitzero"`
	SessionBlocked      bool      `json:"sessionBlocked"`
	RecentCaptchaBurst  int       `json:"recentCaptchaBurst"`
}

// Config controls the Pool.
type Config struct {
	// StaticProxy, when set, always wins and disables provider fetches.
	StaticProxy *Record
	Provider    Provider
	Country     string
	ProxyType   string
	FetchLimit  int
	// FetchCooldown suppresses provider re-fetches; a fetch within the
	// window reuses the previous set.
	FetchCooldown time.Duration
	// DisableFallback turns off the hardcoded last-resort proxy.
	DisableFallback bool
	Logger          *zap.Logger
	// Now is injectable for the burst-window tests.
	Now func() time.Time
}

// Pool owns the candidate proxy set, per-proxy failure counts, and the
// blocking counters that drive activation. Safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	proxies  []Record
	current  int
	active   bool
	reason   string
	excluded map[string]struct{}
	failures map[string]int

	lastFetch time.Time

	http429Count        int
	consecutiveCaptchas int
	lastCaptchaTime     time.Time
	sessionBlocked      bool
	captchaTimes        []time.Time
}

// NewPool builds a Pool.
func NewPool(cfg Config) *Pool {
	if cfg.Country == "" {
		cfg.Country = defaultCountry
	}
	if cfg.ProxyType == "" {
		cfg.ProxyType = defaultProxyType
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = defaultFetchLimit
	}
	if cfg.FetchCooldown <= 0 {
		cfg.FetchCooldown = defaultFetchCooldown
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pool{
		cfg:      cfg,
		logger:   logger,
		now:      now,
		excluded: make(map[string]struct{}),
		failures: make(map[string]int),
	}
}

// RecordCaptcha notes a CAPTCHA wall encounter.
func (p *Pool) RecordCaptcha() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.consecutiveCaptchas++
	p.lastCaptchaTime = now
	p.captchaTimes = append(p.captchaTimes, now)
	p.pruneCaptchaTimes(now)
	p.logger.Debug("captcha recorded", zap.Int("consecutive", p.consecutiveCaptchas))
}

// RecordSuccess notes a request that completed without hitting a block.
// Resets the consecutive CAPTCHA counter.
func (p *Pool) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveCaptchas = 0
}

// RecordRateLimit notes an HTTP 429 from the registry.
func (p *Pool) RecordRateLimit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.http429Count++
	p.logger.Debug("rate limit recorded", zap.Int("count", p.http429Count))
}

// RecordSessionBlocked flags the whole session as blocked.
func (p *Pool) RecordSessionBlocked() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionBlocked = true
}

// ShouldActivate evaluates the blocking heuristics in priority order and
// returns a human-readable reason for observability. Once the pool is
// active the check is a no-op: activation is sticky for the session and is
// only undone by an explicit operator Reset.
func (p *Pool) ShouldActivate() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active {
		return false, ""
	}
	if p.http429Count >= rateLimitThreshold {
		return true, fmt.Sprintf("rate limited %d times", p.http429Count)
	}
	if p.consecutiveCaptchas >= consecutiveCaptchaLimit {
		return true, fmt.Sprintf("%d consecutive CAPTCHAs", p.consecutiveCaptchas)
	}
	now := p.now()
	p.pruneCaptchaTimes(now)
	if burst := p.recentCaptchas(now); burst >= captchaBurstCount {
		return true, fmt.Sprintf("%d CAPTCHAs within %s", burst, captchaBurstWindow)
	}
	if p.sessionBlocked {
		return true, "session blocked"
	}
	return false, ""
}

// Activate switches the pool into proxy mode: fetch (or reuse a recent
// fetch of) the candidate set, select proxy[0], and reset the blocking
// counters so proxied traffic is judged on its own merits. Provider fetch
// failures are logged, never returned; an empty pool yields ErrNoProxies.
func (p *Pool) Activate(ctx context.Context, reason string) error {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return nil
	}
	needFetch := p.needFetchLocked()
	p.mu.Unlock()

	var fetched []Record
	if needFetch {
		fetched = p.fetch(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if needFetch && fetched != nil {
		p.replaceProxiesLocked(fetched)
	}
	if len(p.proxies) == 0 {
		p.logger.Warn("proxy activation found no proxies", zap.String("reason", reason))
		return ErrNoProxies
	}

	p.active = true
	p.reason = reason
	p.current = 0
	p.resetStatsLocked()
	p.logger.Info("proxy mode activated",
		zap.String("reason", reason),
		zap.Int("proxies", len(p.proxies)),
	)
	return nil
}

// Active reports whether proxy mode is engaged.
func (p *Pool) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Current returns the currently selected proxy without rotating.
func (p *Pool) Current() (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || len(p.proxies) == 0 {
		return Record{}, false
	}
	return p.proxies[p.current], true
}

// Next round-robins to the next non-excluded proxy. When every proxy is
// excluded the exclusion set is cleared (assume transient mass failure) and
// rotation restarts from index 0.
func (p *Pool) Next() (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || len(p.proxies) == 0 {
		return Record{}, false
	}

	for i := 1; i <= len(p.proxies); i++ {
		idx := (p.current + i) % len(p.proxies)
		if _, skip := p.excluded[p.proxies[idx].Key()]; !skip {
			p.current = idx
			return p.proxies[idx], true
		}
	}

	p.logger.Warn("all proxies excluded, clearing exclusion set")
	p.excluded = make(map[string]struct{})
	p.failures = make(map[string]int)
	p.current = 0
	return p.proxies[0], true
}

// MarkFailed increments the failure count for the proxy; crossing the
// threshold excludes it from rotation until refresh or exclusion reset.
func (p *Pool) MarkFailed(r Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := r.Key()
	p.failures[key]++
	if p.failures[key] >= failureThreshold {
		p.excluded[key] = struct{}{}
		p.logger.Info("proxy excluded from rotation", zap.String("proxy", key))
	}
}

// MarkSuccess clears the consecutive failure count for the proxy.
func (p *Pool) MarkSuccess(r Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failures, r.Key())
}

// Reset is the operator-level reset: deactivates proxy mode and clears all
// blocking counters, failure counts, and exclusions.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
	p.reason = ""
	p.current = 0
	p.excluded = make(map[string]struct{})
	p.failures = make(map[string]int)
	p.resetStatsLocked()
	p.logger.Info("proxy pool reset")
}

// Status is the observability snapshot served by the status endpoint.
type Status struct {
	Active       bool   `json:"active"`
	Reason       string `json:"reason,omitempty"`
	ProxyCount   int    `json:"proxyCount"`
	CurrentIndex int    `json:"currentIndex"`
	Excluded     int    `json:"excluded"`
	Stats        Stats  `json:"blockingStats"`
}

// Snapshot returns the current pool and blocking state.
func (p *Pool) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.pruneCaptchaTimes(now)
	return Status{
		Active:       p.active,
		Reason:       p.reason,
		ProxyCount:   len(p.proxies),
		CurrentIndex: p.current,
		Excluded:     len(p.excluded),
		Stats: Stats{
			HTTP429Count:        p.http429Count,
			ConsecutiveCaptchas: p.consecutiveCaptchas,
			LastCaptchaTime:     p.lastCaptchaTime,
			SessionBlocked:      p.sessionBlocked,
			RecentCaptchaBurst:  p.recentCaptchas(now),
		},
	}
}

func (p *Pool) needFetchLocked() bool {
	if p.cfg.StaticProxy != nil {
		return len(p.proxies) == 0
	}
	if len(p.proxies) > 0 && p.now().Sub(p.lastFetch) < p.cfg.FetchCooldown {
		return false
	}
	return true
}

// fetch resolves the candidate set by precedence: static config, provider
// API, hardcoded fallback. Runs without the pool lock held since the
// provider call does network I/O.
func (p *Pool) fetch(ctx context.Context) []Record {
	if p.cfg.StaticProxy != nil {
		static := *p.cfg.StaticProxy
		static.Source = SourceStatic
		return []Record{static}
	}

	if p.cfg.Provider != nil {
		records, err := p.cfg.Provider.FetchProxies(ctx, p.cfg.Country, p.cfg.ProxyType, p.cfg.FetchLimit)
		if err != nil {
			p.logger.Warn("proxy provider fetch failed", zap.Error(err))
			return nil
		}
		return records
	}

	if p.cfg.DisableFallback {
		return nil
	}
	return []Record{fallbackRecord}
}

func (p *Pool) replaceProxiesLocked(records []Record) {
	p.proxies = records
	p.current = 0
	p.excluded = make(map[string]struct{})
	p.failures = make(map[string]int)
	p.lastFetch = p.now()
}

func (p *Pool) resetStatsLocked() {
	p.http429Count = 0
	p.consecutiveCaptchas = 0
	p.lastCaptchaTime = time.Time{}
	p.sessionBlocked = false
	p.captchaTimes = nil
}

func (p *Pool) pruneCaptchaTimes(now time.Time) {
	cutoff := now.Add(-2 * captchaBurstWindow)
	i := 0
	for ; i < len(p.captchaTimes); i++ {
		if p.captchaTimes[i].After(cutoff) {
			break
		}
	}
	p.captchaTimes = p.captchaTimes[i:]
}

func (p *Pool) recentCaptchas(now time.Time) int {
	count := 0
	for _, t := range p.captchaTimes {
		if now.Sub(t) < captchaBurstWindow {
			count++
		}
	}
	return count
}
