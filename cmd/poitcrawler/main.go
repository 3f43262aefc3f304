package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/loopdesk/poit-crawler/internal/api"
	"github.com/loopdesk/poit-crawler/internal/browser"
	"github.com/loopdesk/poit-crawler/internal/captcha"
	"github.com/loopdesk/poit-crawler/internal/config"
	"github.com/loopdesk/poit-crawler/internal/crawler"
	"github.com/loopdesk/poit-crawler/internal/enrich"
	"github.com/loopdesk/poit-crawler/internal/logging"
	"github.com/loopdesk/poit-crawler/internal/metrics"
	"github.com/loopdesk/poit-crawler/internal/proxy"
	"github.com/loopdesk/poit-crawler/internal/search"
	"github.com/loopdesk/poit-crawler/internal/session"
	"github.com/loopdesk/poit-crawler/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	solver := captcha.New(captcha.Config{
		APIKey:       cfg.Captcha.APIKey,
		PollInterval: time.Duration(cfg.Captcha.PollIntervalS) * time.Second,
		Logger:       logger.Named("captcha"),
	})
	if !solver.Configured() {
		logger.Warn("no captcha api key configured, blocked sessions will fail")
	}

	poolCfg := proxy.Config{
		Provider: proxy.NewTwoCaptchaProvider(proxy.TwoCaptchaConfig{
			APIKey: cfg.Captcha.APIKey,
			Logger: logger.Named("proxy"),
		}),
		Country:         cfg.Proxy.Country,
		ProxyType:       cfg.Proxy.Type,
		FetchLimit:      cfg.Proxy.FetchLimit,
		FetchCooldown:   cfg.Proxy.FetchCooldown(),
		DisableFallback: cfg.Proxy.DisableFallback,
		Logger:          logger.Named("proxy"),
	}
	if cfg.Proxy.Static != "" {
		static, err := proxy.ParseRecord(cfg.Proxy.Static)
		if err != nil {
			logger.Fatal("invalid static proxy", zap.Error(err))
		}
		poolCfg.StaticProxy = &static
	}
	pool := proxy.NewPool(poolCfg)

	var sessions session.Store = session.NewMemoryStore()
	var saver crawler.Saver
	var reader api.AnnouncementReader
	if cfg.Database.DSN != "" {
		announcements, err := store.New(ctx, store.Config{
			DSN:      cfg.Database.DSN,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			logger.Fatal("announcement store init failed", zap.Error(err))
		}
		defer announcements.Close()
		saver = announcements
		reader = announcements

		pgSessions, err := session.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatal("session store init failed", zap.Error(err))
		}
		sessions = pgSessions
	} else {
		logger.Warn("no database configured, announcements will not be persisted")
	}

	crawlerCfg := crawler.Config{
		Driver: browser.DriverConfig{
			UserAgent:         cfg.Browser.UserAgent,
			NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutS) * time.Second,
		},
		Browser: browser.Config{
			BlockAttempts: cfg.Browser.BlockAttempts,
		},
		Search: search.Config{
			ResultPolls:    cfg.Search.ResultPolls,
			PollDelay:      cfg.Search.PollDelay(),
			SubmitAttempts: cfg.Search.SubmitAttempts,
		},
		Enrich: enrich.Config{
			Workers:        cfg.Enrich.Workers,
			RetriesPerItem: cfg.Enrich.RetriesPerItem,
			RequestSpacing: cfg.Enrich.RequestSpacing(),
		},
		Logger: logger.Named("crawler"),
	}
	opts := crawler.Options{
		Proxies:  pool,
		Sessions: sessions,
		Saver:    saver,
	}
	if solver.Configured() {
		opts.Solver = solver
	}
	if cfg.Enrich.Transport == "http" {
		opts.NewFetcher = func(browser.Driver) enrich.Fetcher {
			return enrich.NewHTTPFetcher(enrich.HTTPFetcherConfig{
				UserAgent: cfg.Browser.UserAgent,
				Proxies:   pool,
				Logger:    logger.Named("enrich"),
			})
		}
	}
	runner := crawler.New(crawlerCfg, opts)

	apiServer := api.NewServer(runner, reader, pool, solver, api.Config{
		RequestTimeout: cfg.RequestTimeout(),
		Logger:         logger.Named("api"),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
