package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

// Driver is the page-interaction surface the session state machines run
// against. The production implementation drives headless Chrome; tests
// substitute a scripted fake.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Location(ctx context.Context) (string, error)
	// Eval runs a JavaScript expression in the page and unmarshals the
	// result into out.
	Eval(ctx context.Context, expr string, out any) error
	Fill(ctx context.Context, sel, value string) error
	Click(ctx context.Context, sel string) error
	Sleep(ctx context.Context, d time.Duration) error
	// Cookies returns the tab's cookie jar as an opaque JSON blob;
	// SetCookies restores a blob from a previous run.
	Cookies(ctx context.Context) ([]byte, error)
	SetCookies(ctx context.Context, blob []byte) error
	Close() error
}

// DriverConfig controls the Chrome allocator and per-action timeouts.
type DriverConfig struct {
	UserAgent         string
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	// ProxyServer, when set, routes all browser traffic through the proxy
	// (scheme://host:port). Credentials are answered via CDP auth
	// challenges since Chrome has no flag for them.
	ProxyServer   string
	ProxyUsername string
	ProxyPassword string
}

// ChromeDriver implements Driver on a single headless Chrome tab.
type ChromeDriver struct {
	cfg         DriverConfig
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

// NewChromeDriver starts a browser and opens the tab the session will use.
func NewChromeDriver(cfg DriverConfig) (*ChromeDriver, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 15 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyServer))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	d := &ChromeDriver{
		cfg:         cfg,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}
	if err := d.setup(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *ChromeDriver) setup() error {
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if d.cfg.UserAgent != "" {
				if err := emulation.SetUserAgentOverride(d.cfg.UserAgent).Do(ctx); err != nil {
					return fmt.Errorf("set user-agent: %w", err)
				}
			}
			return nil
		}),
	}
	if d.cfg.ProxyServer != "" && d.cfg.ProxyUsername != "" {
		d.handleProxyAuth()
		actions = append(actions, fetch.Enable().WithHandleAuthRequests(true))
	}
	if err := chromedp.Run(d.tabCtx, actions...); err != nil {
		return fmt.Errorf("driver setup: %w", err)
	}
	return nil
}

// handleProxyAuth answers CDP auth challenges with the proxy credentials
// and resumes paused requests.
func (d *ChromeDriver) handleProxyAuth() {
	chromedp.ListenTarget(d.tabCtx, func(ev any) {
		switch ev := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				c := chromedp.FromContext(d.tabCtx)
				execCtx := cdp.WithExecutor(d.tabCtx, c.Target)
				_ = fetch.ContinueRequest(ev.RequestID).Do(execCtx)
			}()
		case *fetch.EventAuthRequired:
			go func() {
				c := chromedp.FromContext(d.tabCtx)
				execCtx := cdp.WithExecutor(d.tabCtx, c.Target)
				_ = fetch.ContinueWithAuth(ev.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: d.cfg.ProxyUsername,
					Password: d.cfg.ProxyPassword,
				}).Do(execCtx)
			}()
		}
	})
}

// run executes actions against the tab, bounded by the given timeout and
// the caller's context.
func (d *ChromeDriver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(d.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads the URL and waits for the document body.
func (d *ChromeDriver) Navigate(ctx context.Context, url string) error {
	err := d.run(ctx, d.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Reload reloads the current page.
func (d *ChromeDriver) Reload(ctx context.Context) error {
	err := d.run(ctx, d.cfg.NavigationTimeout,
		chromedp.Reload(),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

// Location returns the tab's current URL.
func (d *ChromeDriver) Location(ctx context.Context) (string, error) {
	var loc string
	if err := d.run(ctx, d.cfg.ActionTimeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return loc, nil
}

// Eval runs a JavaScript expression in the page.
func (d *ChromeDriver) Eval(ctx context.Context, expr string, out any) error {
	if err := d.run(ctx, d.cfg.ActionTimeout, chromedp.Evaluate(expr, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// Fill sets the value of the first element matching sel.
func (d *ChromeDriver) Fill(ctx context.Context, sel, value string) error {
	if err := d.run(ctx, d.cfg.ActionTimeout, chromedp.SetValue(sel, value, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("fill %s: %w", sel, err)
	}
	return nil
}

// Click clicks the first element matching sel.
func (d *ChromeDriver) Click(ctx context.Context, sel string) error {
	if err := d.run(ctx, d.cfg.ActionTimeout, chromedp.Click(sel, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click %s: %w", sel, err)
	}
	return nil
}

// Sleep waits for d or until the context is canceled.
func (d *ChromeDriver) Sleep(ctx context.Context, dur time.Duration) error {
	select {
	case <-time.After(dur):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cookies serializes the tab's cookie jar.
func (d *ChromeDriver) Cookies(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := d.run(ctx, d.cfg.ActionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return fmt.Errorf("get cookies: %w", err)
		}
		blob, err = json.Marshal(cookies)
		if err != nil {
			return fmt.Errorf("encode cookies: %w", err)
		}
		return nil
	}))
	return blob, err
}

// SetCookies restores a cookie blob produced by Cookies.
func (d *ChromeDriver) SetCookies(ctx context.Context, blob []byte) error {
	var cookies []*network.Cookie
	if err := json.Unmarshal(blob, &cookies); err != nil {
		return fmt.Errorf("decode cookies: %w", err)
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		}
		if c.Expires > 0 {
			expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			param.Expires = &expires
		}
		params = append(params, param)
	}
	err := d.run(ctx, d.cfg.ActionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		return storage.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

// Close tears down the tab and the browser.
func (d *ChromeDriver) Close() error {
	d.tabCancel()
	d.allocCancel()
	return nil
}
