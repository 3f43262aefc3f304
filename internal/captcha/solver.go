// Package captcha adapts a 2captcha-style image solving service: submit a
// base64 challenge, poll for the answer. The client holds no per-call state
// and is safe for concurrent use.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Named failures so callers can distinguish configuration problems from
// provider outcomes.
var (
	ErrNotConfigured       = errors.New("captcha: api key not configured")
	ErrInsufficientBalance = errors.New("captcha: provider balance too low")
	ErrSolveFailed         = errors.New("captcha: provider rejected challenge")
	ErrSolveTimeout        = errors.New("captcha: timed out waiting for answer")
)

const (
	defaultSubmitURL = "https://2captcha.com/in.php"
	defaultResultURL = "https://2captcha.com/res.php"

	// Provider answer "not ready yet" sentinel, spelled the way the
	// provider spells it.
	notReadyAnswer = "CAPCHA_NOT_READY"

	pollInterval = 2 * time.Second
	maxPolls     = 30
	minBalance   = 0.001
)

// Config controls the Solver.
type Config struct {
	APIKey    string
	SubmitURL string
	ResultURL string
	// PollInterval overrides the 2s poll spacing; tests shorten it.
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Solver submits image challenges to the provider and polls for answers.
type Solver struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New constructs a Solver. An empty API key is allowed; Solve then fails
// with ErrNotConfigured so the block loop can surface a named error.
func New(cfg Config) *Solver {
	if cfg.SubmitURL == "" {
		cfg.SubmitURL = defaultSubmitURL
	}
	if cfg.ResultURL == "" {
		cfg.ResultURL = defaultResultURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = pollInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Solver{cfg: cfg, client: client, logger: logger}
}

// Configured reports whether an API credential is present.
func (s *Solver) Configured() bool {
	return s.cfg.APIKey != ""
}

type providerResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve submits the base64 challenge image and polls until the provider
// returns an answer. Balance is checked up front to avoid wasting a
// submission on a certain failure.
func (s *Solver) Solve(ctx context.Context, imageBase64 string) (string, error) {
	if !s.Configured() {
		return "", ErrNotConfigured
	}

	balance, err := s.Balance(ctx)
	if err != nil {
		return "", fmt.Errorf("check balance: %w", err)
	}
	if balance < minBalance {
		return "", fmt.Errorf("%w: $%.3f", ErrInsufficientBalance, balance)
	}

	challengeID, err := s.submit(ctx, imageBase64)
	if err != nil {
		return "", err
	}
	s.logger.Debug("captcha submitted", zap.String("challenge_id", challengeID))

	return s.poll(ctx, challengeID)
}

// Balance returns the provider account balance in dollars.
func (s *Solver) Balance(ctx context.Context) (float64, error) {
	if !s.Configured() {
		return 0, ErrNotConfigured
	}
	q := url.Values{}
	q.Set("key", s.cfg.APIKey)
	q.Set("action", "getbalance")
	q.Set("json", "1")

	resp, err := s.get(ctx, s.cfg.ResultURL+"?"+q.Encode())
	if err != nil {
		return 0, err
	}
	if resp.Status != 1 {
		return 0, fmt.Errorf("%w: %s", ErrSolveFailed, resp.Request)
	}
	balance, err := strconv.ParseFloat(resp.Request, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", resp.Request, err)
	}
	return balance, nil
}

func (s *Solver) submit(ctx context.Context, imageBase64 string) (string, error) {
	// Accept data URLs as well as bare base64.
	if idx := strings.Index(imageBase64, "base64,"); idx >= 0 {
		imageBase64 = imageBase64[idx+len("base64,"):]
	}

	q := url.Values{}
	q.Set("key", s.cfg.APIKey)
	q.Set("method", "base64")
	q.Set("json", "1")

	form := url.Values{}
	form.Set("body", imageBase64)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.SubmitURL+"?"+q.Encode(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.do(req)
	if err != nil {
		return "", err
	}
	if resp.Status != 1 {
		return "", fmt.Errorf("%w: submit: %s", ErrSolveFailed, resp.Request)
	}
	return resp.Request, nil
}

func (s *Solver) poll(ctx context.Context, challengeID string) (string, error) {
	q := url.Values{}
	q.Set("key", s.cfg.APIKey)
	q.Set("action", "get")
	q.Set("id", challengeID)
	q.Set("json", "1")
	resultURL := s.cfg.ResultURL + "?" + q.Encode()

	for attempt := 0; attempt < maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("captcha poll canceled: %w", ctx.Err())
		case <-time.After(s.cfg.PollInterval):
		}

		resp, err := s.get(ctx, resultURL)
		if err != nil {
			return "", err
		}
		if resp.Status == 1 {
			s.logger.Debug("captcha solved", zap.String("challenge_id", challengeID))
			return resp.Request, nil
		}
		if resp.Request != notReadyAnswer {
			return "", fmt.Errorf("%w: %s", ErrSolveFailed, resp.Request)
		}
	}
	return "", ErrSolveTimeout
}

func (s *Solver) get(ctx context.Context, rawURL string) (providerResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return providerResponse{}, fmt.Errorf("build request: %w", err)
	}
	return s.do(req)
}

func (s *Solver) do(req *http.Request) (providerResponse, error) {
	httpResp, err := s.client.Do(req)
	if err != nil {
		return providerResponse{}, fmt.Errorf("captcha provider request: %w", err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	var resp providerResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return providerResponse{}, fmt.Errorf("decode provider response: %w", err)
	}
	return resp, nil
}
