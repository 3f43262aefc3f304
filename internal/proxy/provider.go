package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Provider fetches candidate proxies from an external service.
type Provider interface {
	FetchProxies(ctx context.Context, country, proxyType string, limit int) ([]Record, error)
}

const defaultProviderURL = "https://2captcha.com/api/v1/proxy"

// TwoCaptchaProvider fetches residential proxies from the 2captcha proxy API.
type TwoCaptchaProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// TwoCaptchaConfig configures the provider client.
type TwoCaptchaConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewTwoCaptchaProvider builds the provider client.
func NewTwoCaptchaProvider(cfg TwoCaptchaConfig) *TwoCaptchaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultProviderURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwoCaptchaProvider{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  client,
		logger:  logger,
	}
}

type providerProxy struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Login    string `json:"login"`
	Password string `json:"password"`
}

type providerReply struct {
	Status  int             `json:"status"`
	Proxies []providerProxy `json:"proxies"`
}

// FetchProxies asks the provider for up to limit proxies in the given
// country (e.g. "se", type "residential").
func (p *TwoCaptchaProvider) FetchProxies(ctx context.Context, country, proxyType string, limit int) ([]Record, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("proxy provider: api key not configured")
	}

	q := url.Values{}
	q.Set("key", p.apiKey)
	q.Set("country", country)
	q.Set("type", proxyType)
	q.Set("limit", fmt.Sprint(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build proxy fetch request: %w", err)
	}
	httpResp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy fetch: %w", err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	var reply providerReply
	if err := json.NewDecoder(httpResp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode proxy reply: %w", err)
	}
	if reply.Status != 1 {
		return nil, fmt.Errorf("proxy provider returned status %d", reply.Status)
	}

	records := make([]Record, 0, len(reply.Proxies))
	for _, raw := range reply.Proxies {
		if raw.IP == "" || raw.Port == 0 {
			continue
		}
		records = append(records, Record{
			Host:     raw.IP,
			Port:     raw.Port,
			Username: raw.Login,
			Password: raw.Password,
			Source:   SourceProvider,
		})
	}
	p.logger.Debug("fetched proxies", zap.Int("count", len(records)))
	return records, nil
}
