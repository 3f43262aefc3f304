package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loopdesk/poit-crawler/internal/metrics"
	"github.com/loopdesk/poit-crawler/internal/poit"
	"github.com/loopdesk/poit-crawler/internal/progress"
	"github.com/loopdesk/poit-crawler/internal/session"
)

// ErrBlocked reports that the registry's entry check could not be passed
// within the attempt budget. The whole session is burned at that point.
var ErrBlocked = errors.New("browser: block page could not be resolved")

// CaptchaSolver answers an image CAPTCHA given its base64 data URL.
type CaptchaSolver interface {
	Solve(ctx context.Context, imageBase64 string) (string, error)
}

// BlockStats receives block-signal observations. *proxy.Pool satisfies it.
type BlockStats interface {
	RecordCaptcha()
	RecordSuccess()
	RecordSessionBlocked()
}

type noopStats struct{}

func (noopStats) RecordCaptcha()        {}
func (noopStats) RecordSuccess()        {}
func (noopStats) RecordSessionBlocked() {}

// Config controls the session state machines.
type Config struct {
	StartURL string
	// BlockAttempts bounds the entry-check resolution loop.
	BlockAttempts int
	// SettleDelay follows an answer submission, giving the SPA time to
	// verdict it. ReloadDelay follows a reload when no CAPTCHA image was
	// found on a block page.
	SettleDelay time.Duration
	ReloadDelay time.Duration
	// NavWait bounds waiting for the tab to land on the search path
	// after the search link is clicked.
	NavWait time.Duration
	// InputWait bounds polling for the search inputs to render.
	InputWait    time.Duration
	PollInterval time.Duration

	Solver   CaptchaSolver
	Stats    BlockStats
	Sessions session.Store
	Emitter  progress.Emitter
	Logger   *zap.Logger
}

// Session runs the navigation and block-resolution state machines on one
// browser tab.
type Session struct {
	drv     Driver
	cfg     Config
	emitter progress.Emitter
	logger  *zap.Logger
}

// NewSession wires a Session over the driver.
func NewSession(drv Driver, cfg Config) *Session {
	if cfg.StartURL == "" {
		cfg.StartURL = poit.StartURL
	}
	if cfg.BlockAttempts <= 0 {
		cfg.BlockAttempts = 10
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 5 * time.Second
	}
	if cfg.ReloadDelay <= 0 {
		cfg.ReloadDelay = 3 * time.Second
	}
	if cfg.NavWait <= 0 {
		cfg.NavWait = 15 * time.Second
	}
	if cfg.InputWait <= 0 {
		cfg.InputWait = 20 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Stats == nil {
		cfg.Stats = noopStats{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		drv:     drv,
		cfg:     cfg,
		emitter: cfg.Emitter,
		logger:  logger,
	}
}

// Driver exposes the underlying page for collaborators that run their own
// scripts, like the search orchestrator.
func (s *Session) Driver() Driver {
	return s.drv
}

// Open restores any saved session, loads the start page and resolves the
// entry check.
func (s *Session) Open(ctx context.Context) error {
	s.restoreSession(ctx)
	if err := s.drv.Navigate(ctx, s.cfg.StartURL); err != nil {
		return err
	}
	if err := s.drv.Sleep(ctx, time.Second); err != nil {
		return err
	}
	return s.ResolveBlocker(ctx)
}

// Blocked reports whether the tab currently shows the entry-check page.
func (s *Session) Blocked(ctx context.Context) (bool, error) {
	var blocked bool
	if err := s.drv.Eval(ctx, scriptDetectBlock, &blocked); err != nil {
		return false, fmt.Errorf("detect block: %w", err)
	}
	return blocked, nil
}

// ResolveBlocker drives the entry check until the page is clean or the
// attempt budget runs out. Each pass captures the CAPTCHA image from the
// page, solves it, fills the answer and submits; a block page without an
// image (still rendering, or a transient error page) is reloaded instead.
func (s *Session) ResolveBlocker(ctx context.Context) error {
	for attempt := 1; attempt <= s.cfg.BlockAttempts; attempt++ {
		blocked, err := s.Blocked(ctx)
		if err != nil {
			return err
		}
		if !blocked {
			s.cfg.Stats.RecordSuccess()
			return nil
		}

		s.cfg.Stats.RecordCaptcha()
		s.logger.Info("entry check detected", zap.Int("attempt", attempt))
		s.emit(ctx, progress.Event{
			Type:    progress.TypeCaptcha,
			Message: fmt.Sprintf("solving entry check (attempt %d)", attempt),
		})

		var imgSrc string
		if err := s.drv.Eval(ctx, scriptCaptchaImage, &imgSrc); err != nil {
			return fmt.Errorf("capture challenge image: %w", err)
		}
		if imgSrc == "" {
			if err := s.reloadAndWait(ctx); err != nil {
				return err
			}
			continue
		}

		answer, err := s.cfg.Solver.Solve(ctx, imgSrc)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.ObserveCaptchaSolve("failure")
			s.logger.Warn("captcha solve failed", zap.Error(err))
			if err := s.reloadAndWait(ctx); err != nil {
				return err
			}
			continue
		}

		metrics.ObserveCaptchaSolve("success")
		s.logger.Info("captcha solved", zap.Int("attempt", attempt))
		if err := s.drv.Fill(ctx, poit.BlockAnswerSelector, answer); err != nil {
			return fmt.Errorf("fill challenge answer: %w", err)
		}
		if err := s.drv.Click(ctx, poit.BlockSubmitSelector); err != nil {
			return fmt.Errorf("submit challenge answer: %w", err)
		}
		if err := s.drv.Sleep(ctx, s.cfg.SettleDelay); err != nil {
			return err
		}
	}

	s.cfg.Stats.RecordSessionBlocked()
	return ErrBlocked
}

// EnsureSearchForm dismisses any cookie banner and, when the search inputs
// are not yet on the page, follows the search link: click, wait for the
// tab to land on the search path, retry with a synthetic click if it never
// does, then wait for the inputs to render. Returns whether the inputs are
// present afterwards.
func (s *Session) EnsureSearchForm(ctx context.Context) (bool, error) {
	s.dismissCookieBanner(ctx)

	present, err := s.hasSearchInputs(ctx)
	if err != nil {
		return false, err
	}
	if present {
		return true, nil
	}

	s.logger.Info("opening search form")
	var clicked bool
	if err := s.drv.Eval(ctx, scriptClickSearchLink, &clicked); err != nil {
		return false, fmt.Errorf("click search link: %w", err)
	}
	if !clicked {
		s.logger.Warn("search link not found")
	}

	onSearch, err := s.waitForSearchURL(ctx)
	if err != nil {
		return false, err
	}
	if !onSearch {
		// An overlay can swallow the first click; a dispatched event
		// ignores visibility.
		s.logger.Warn("search link click did not navigate, forcing")
		var forced bool
		if err := s.drv.Eval(ctx, scriptForceClickSearchLink, &forced); err != nil {
			return false, fmt.Errorf("force click search link: %w", err)
		}
		if _, err := s.waitForSearchURL(ctx); err != nil {
			return false, err
		}
	}
	return s.WaitForInputs(ctx)
}

// waitForSearchURL polls the tab location until it reaches the search path
// or the navigation budget runs out. A timeout is reported, not an error.
func (s *Session) waitForSearchURL(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(s.cfg.NavWait)
	for {
		loc, err := s.drv.Location(ctx)
		if err != nil {
			return false, fmt.Errorf("read tab location: %w", err)
		}
		if strings.Contains(loc, poit.SearchPathPattern) {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		if err := s.drv.Sleep(ctx, s.cfg.PollInterval); err != nil {
			return false, err
		}
	}
}

// WaitForInputs polls until a search input renders or the wait budget runs
// out. A timeout is not an error here: submission reports the missing
// input with more context.
func (s *Session) WaitForInputs(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(s.cfg.InputWait)
	for {
		present, err := s.hasSearchInputs(ctx)
		if err != nil {
			return false, err
		}
		if present {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		if err := s.drv.Sleep(ctx, s.cfg.PollInterval); err != nil {
			return false, err
		}
	}
}

// BodyText returns the page's visible text.
func (s *Session) BodyText(ctx context.Context) (string, error) {
	var text string
	if err := s.drv.Eval(ctx, scriptBodyText, &text); err != nil {
		return "", fmt.Errorf("read body text: %w", err)
	}
	return text, nil
}

// Reload reloads the page and waits out the post-reload delay.
func (s *Session) Reload(ctx context.Context) error {
	return s.reloadAndWait(ctx)
}

// SaveSession persists the cookie jar for the next run. Failures are
// logged, not returned: the scrape already succeeded or failed on its own.
func (s *Session) SaveSession(ctx context.Context) {
	if s.cfg.Sessions == nil {
		return
	}
	blob, err := s.drv.Cookies(ctx)
	if err != nil {
		s.logger.Warn("collect session cookies failed", zap.Error(err))
		return
	}
	if err := s.cfg.Sessions.Save(ctx, blob); err != nil {
		s.logger.Warn("save session failed", zap.Error(err))
	}
}

func (s *Session) restoreSession(ctx context.Context) {
	if s.cfg.Sessions == nil {
		return
	}
	blob, err := s.cfg.Sessions.Load(ctx)
	if err != nil {
		s.logger.Warn("load session failed", zap.Error(err))
		return
	}
	if len(blob) == 0 {
		return
	}
	if err := s.drv.SetCookies(ctx, blob); err != nil {
		s.logger.Warn("restore session cookies failed", zap.Error(err))
		return
	}
	s.logger.Info("restored session cookies")
}

func (s *Session) dismissCookieBanner(ctx context.Context) {
	var dismissed bool
	if err := s.drv.Eval(ctx, scriptDismissCookieBanner, &dismissed); err != nil {
		s.logger.Debug("cookie banner dismissal failed", zap.Error(err))
		return
	}
	if dismissed {
		s.logger.Debug("cookie banner dismissed")
		_ = s.drv.Sleep(ctx, 500*time.Millisecond)
	}
}

func (s *Session) hasSearchInputs(ctx context.Context) (bool, error) {
	var present bool
	if err := s.drv.Eval(ctx, scriptHasSearchInputs, &present); err != nil {
		return false, fmt.Errorf("probe search inputs: %w", err)
	}
	return present, nil
}

func (s *Session) reloadAndWait(ctx context.Context) error {
	if err := s.drv.Reload(ctx); err != nil {
		return err
	}
	return s.drv.Sleep(ctx, s.cfg.ReloadDelay)
}

func (s *Session) emit(ctx context.Context, evt progress.Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ctx, evt)
}
