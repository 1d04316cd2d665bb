// Package main wires together the SIM query gateway binary.
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

	"github.com/telquery/simgate/internal/api"
	"github.com/telquery/simgate/internal/auth"
	"github.com/telquery/simgate/internal/clock/system"
	"github.com/telquery/simgate/internal/config"
	"github.com/telquery/simgate/internal/fetcher/headless"
	"github.com/telquery/simgate/internal/fetcher/httpmode"
	"github.com/telquery/simgate/internal/hash/sha256"
	"github.com/telquery/simgate/internal/logging"
	"github.com/telquery/simgate/internal/metrics"
	"github.com/telquery/simgate/internal/simquery"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	hasher := sha256.New()

	authenticator, err := auth.NewChrome(auth.Config{
		LoginURL:       cfg.LoginURL(),
		Username:       cfg.Target.Username,
		Password:       cfg.Target.Password,
		SessionCookie:  cfg.Target.SessionCookie,
		UserAgent:      cfg.Target.UserAgent,
		FailureMarkers: cfg.Markers.LoginFailed,
		Timeout:        time.Duration(cfg.Session.LoginTimeoutSeconds) * time.Second,
	}, clock, logger.Named("auth"))
	if err != nil {
		logger.Fatal("authenticator init failed", zap.Error(err))
	}

	sessions := simquery.NewSessionStore(authenticator, clock, simquery.SessionStoreConfig{
		TTL:          cfg.SessionTTL(),
		PollInterval: time.Duration(cfg.Session.PollIntervalSeconds) * time.Second,
		LoginRetries: cfg.Session.LoginRetries,
	}, logger.Named("session"))

	cache := simquery.NewResultCache(cfg.CacheTTL(), cfg.Cache.MaxEntries, clock)
	failures := simquery.NewFailureCounter(cfg.Failures.Threshold)
	gate := simquery.NewGate(cfg.Automation.QueueDepth)

	httpFetch, err := httpmode.New(httpmode.Config{
		QueryURL:     cfg.QueryURL(),
		QueryParam:   cfg.Target.QueryParam,
		UserAgent:    cfg.Target.UserAgent,
		AcceptLang:   cfg.Target.AcceptLang,
		Encoding:     cfg.Target.Encoding,
		Timeout:      time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second,
		MaxAttempts:  cfg.HTTP.MaxAttempts,
		BackoffBase:  time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		LoginMarkers: cfg.Markers.LoginRequired,
	}, hasher, logger.Named("httpmode"))
	if err != nil {
		logger.Fatal("http fetcher init failed", zap.Error(err))
	}

	var autoFetch simquery.Fetcher = headless.Disabled{}
	if cfg.Automation.Enabled {
		chromeFetch, err := headless.NewChromedp(headless.Config{
			QueryURL:          cfg.QueryURL(),
			QueryParam:        cfg.Target.QueryParam,
			UserAgent:         cfg.Target.UserAgent,
			Encoding:          cfg.Target.Encoding,
			CookieDomain:      cfg.CookieDomain(),
			CookiePath:        "/",
			ReadySelector:     cfg.Automation.ReadySelector,
			NavigationTimeout: time.Duration(cfg.Automation.NavTimeoutSeconds) * time.Second,
			WaitTimeout:       time.Duration(cfg.Automation.WaitSeconds) * time.Second,
			SettleDelay:       time.Duration(cfg.Automation.SettleDelayMs) * time.Millisecond,
			InvalidMarkers:    cfg.Markers.NoData,
			LoginMarkers:      cfg.Markers.LoginRequired,
		}, hasher, logger.Named("headless"))
		if err != nil {
			logger.Warn("automation fetcher init failed, running http-only", zap.Error(err))
		} else {
			defer chromeFetch.Close()
			autoFetch = chromeFetch
		}
	}

	extractor := simquery.NewTableExtractor(cfg.Selectors, 0, logger.Named("extract"))

	orch := simquery.NewOrchestrator(
		sessions,
		cache,
		failures,
		gate,
		httpFetch,
		autoFetch,
		extractor,
		logger.Named("query"),
	)

	go gate.Run(ctx)

	// Warm the session at startup so the first query does not pay the full
	// login latency. Failure here is logged and retried on demand.
	go func() {
		warmCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if _, err := sessions.Ensure(warmCtx, false); err != nil {
			logger.Warn("startup login failed, will retry on first query", zap.Error(err))
		}
	}()

	apiServer := api.NewServer(orch, clock, cfg.Server, logger.Named("api"))

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
	gate.Close()
	logger.Info("shutdown complete")
}
