package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ErrNoResponse is returned by AwaitResponse when no matching network
// response arrived before the deadline.
var ErrNoResponse = errors.New("browser: no matching response")

// CapturedResponse is one network response observed in a tab.
type CapturedResponse struct {
	URL    string
	Status int64
	Body   []byte
}

// Tab is an auxiliary page opened next to the session tab, with network
// capture armed from the moment it opens.
type Tab interface {
	Navigate(ctx context.Context, url string) error
	// AwaitResponse blocks until a response whose URL contains urlPart has
	// been observed, then returns its status and body.
	AwaitResponse(ctx context.Context, urlPart string, timeout time.Duration) (*CapturedResponse, error)
	BodyText(ctx context.Context) (string, error)
	Close() error
}

type observedResponse struct {
	requestID network.RequestID
	status    int64
}

// ChromeTab implements Tab on a dedicated Chrome target.
type ChromeTab struct {
	tabCtx    context.Context
	tabCancel context.CancelFunc
	cfg       DriverConfig

	mu        sync.Mutex
	responses map[string]observedResponse
	arrived   chan struct{}
}

// OpenTab opens a new tab in the same browser process. The caller must
// Close it.
func (d *ChromeDriver) OpenTab(ctx context.Context) (Tab, error) {
	tabCtx, tabCancel := chromedp.NewContext(d.tabCtx)

	t := &ChromeTab{
		tabCtx:    tabCtx,
		tabCancel: tabCancel,
		cfg:       d.cfg,
		responses: make(map[string]observedResponse),
		arrived:   make(chan struct{}),
	}
	t.listen()

	if err := t.run(ctx, d.cfg.ActionTimeout, network.Enable()); err != nil {
		t.Close()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return t, nil
}

// listen records every response as it arrives so AwaitResponse can match
// requests that completed before it was called.
func (t *ChromeTab) listen() {
	chromedp.ListenTarget(t.tabCtx, func(ev any) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok {
			return
		}
		t.mu.Lock()
		t.responses[resp.Response.URL] = observedResponse{
			requestID: resp.RequestID,
			status:    resp.Response.Status,
		}
		close(t.arrived)
		t.arrived = make(chan struct{})
		t.mu.Unlock()
	})
}

func (t *ChromeTab) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(t.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (t *ChromeTab) Navigate(ctx context.Context, url string) error {
	err := t.run(ctx, t.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate tab to %s: %w", url, err)
	}
	return nil
}

func (t *ChromeTab) AwaitResponse(ctx context.Context, urlPart string, timeout time.Duration) (*CapturedResponse, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		t.mu.Lock()
		var (
			matchURL string
			match    observedResponse
		)
		for u, obs := range t.responses {
			if strings.Contains(u, urlPart) {
				matchURL, match = u, obs
				break
			}
		}
		wait := t.arrived
		t.mu.Unlock()

		if matchURL != "" {
			return t.capture(ctx, matchURL, match), nil
		}

		select {
		case <-wait:
		case <-deadline.C:
			return nil, ErrNoResponse
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// capture reads the body for an observed response. The body can lag the
// response event, so the read is retried briefly.
func (t *ChromeTab) capture(ctx context.Context, url string, obs observedResponse) *CapturedResponse {
	captured := &CapturedResponse{URL: url, Status: obs.status}

	// Bodyless responses (429s among them) fail the read; the status alone
	// is still useful, so read errors are dropped.
	_ = t.run(ctx, t.cfg.ActionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var lastErr error
		for attempt := 0; attempt < 5; attempt++ {
			body, err := network.GetResponseBody(obs.requestID).Do(ctx)
			if err == nil {
				captured.Body = body
				return nil
			}
			lastErr = err
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return lastErr
	}))
	return captured
}

func (t *ChromeTab) BodyText(ctx context.Context) (string, error) {
	var text string
	err := t.run(ctx, t.cfg.ActionTimeout,
		chromedp.Evaluate("document.body ? document.body.innerText : ''", &text),
	)
	if err != nil {
		return "", fmt.Errorf("read tab body text: %w", err)
	}
	return text, nil
}

func (t *ChromeTab) Close() error {
	t.tabCancel()
	return nil
}
