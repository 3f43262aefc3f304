// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Captcha  CaptchaConfig  `mapstructure:"captcha"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Search   SearchConfig   `mapstructure:"search"`
	Enrich   EnrichConfig   `mapstructure:"enrich"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	RequestTimeoutS int `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DatabaseConfig controls access to Postgres. An empty DSN runs the service
// without persistence: results only flow through the progress stream.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// CaptchaConfig holds the 2captcha credentials and polling knobs.
type CaptchaConfig struct {
	APIKey        string `mapstructure:"api_key"`
	PollIntervalS int    `mapstructure:"poll_interval_seconds"`
}

// ProxyConfig governs the fallback proxy pool.
type ProxyConfig struct {
	// Static, when set, pins all traffic to one proxy URL and disables the
	// provider fetch.
	Static          string `mapstructure:"static"`
	Country         string `mapstructure:"country"`
	Type            string `mapstructure:"type"`
	FetchLimit      int    `mapstructure:"fetch_limit"`
	FetchCooldownS  int    `mapstructure:"fetch_cooldown_seconds"`
	DisableFallback bool   `mapstructure:"disable_fallback"`
}

// BrowserConfig controls the headless Chrome session.
type BrowserConfig struct {
	UserAgent     string `mapstructure:"user_agent"`
	NavTimeoutS   int    `mapstructure:"nav_timeout_seconds"`
	BlockAttempts int    `mapstructure:"block_attempts"`
}

// SearchConfig governs the search loop.
type SearchConfig struct {
	ResultPolls    int `mapstructure:"result_polls"`
	PollDelayMs    int `mapstructure:"poll_delay_ms"`
	SubmitAttempts int `mapstructure:"submit_attempts"`
}

// EnrichConfig governs the detail-fetch worker pool.
type EnrichConfig struct {
	Workers          int    `mapstructure:"workers"`
	RetriesPerItem   int    `mapstructure:"retries_per_item"`
	RequestSpacingMs int    `mapstructure:"request_spacing_ms"`
	Transport        string `mapstructure:"transport"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 600)
	v.SetDefault("logging.development", true)
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("captcha.poll_interval_seconds", 2)
	v.SetDefault("proxy.country", "se")
	v.SetDefault("proxy.type", "residential")
	v.SetDefault("proxy.fetch_limit", 10)
	v.SetDefault("proxy.fetch_cooldown_seconds", 300)
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.block_attempts", 10)
	v.SetDefault("search.result_polls", 10)
	v.SetDefault("search.poll_delay_ms", 1500)
	v.SetDefault("search.submit_attempts", 3)
	v.SetDefault("enrich.workers", 3)
	v.SetDefault("enrich.retries_per_item", 5)
	v.SetDefault("enrich.request_spacing_ms", 3000)
	v.SetDefault("enrich.transport", "browser")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Search.ResultPolls <= 0 {
		return fmt.Errorf("search.result_polls must be > 0")
	}
	if c.Enrich.Workers <= 0 {
		return fmt.Errorf("enrich.workers must be > 0")
	}
	switch c.Enrich.Transport {
	case "browser", "http":
	default:
		return fmt.Errorf("enrich.transport must be \"browser\" or \"http\", got %q", c.Enrich.Transport)
	}
	return nil
}

// RequestTimeout is the per-request budget for the streaming endpoints.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutS) * time.Second
}

// FetchCooldown converts the proxy fetch cooldown to a duration.
func (c ProxyConfig) FetchCooldown() time.Duration {
	return time.Duration(c.FetchCooldownS) * time.Second
}

// RequestSpacing converts the per-worker spacing to a duration.
func (c EnrichConfig) RequestSpacing() time.Duration {
	return time.Duration(c.RequestSpacingMs) * time.Millisecond
}

// PollDelay converts the result poll delay to a duration.
func (c SearchConfig) PollDelay() time.Duration {
	return time.Duration(c.PollDelayMs) * time.Millisecond
}
