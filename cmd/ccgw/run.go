package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	"github.com/ccgw/ccgw/internal/apikey"
	"github.com/ccgw/ccgw/internal/cache"
	"github.com/ccgw/ccgw/internal/circuitbreaker"
	"github.com/ccgw/ccgw/internal/config"
	"github.com/ccgw/ccgw/internal/connector"
	"github.com/ccgw/ccgw/internal/httpapi"
	"github.com/ccgw/ccgw/internal/pipeline"
	"github.com/ccgw/ccgw/internal/ratelimit"
	"github.com/ccgw/ccgw/internal/router"
	"github.com/ccgw/ccgw/internal/storage/sqlite"
	"github.com/ccgw/ccgw/internal/telemetry"
	"github.com/ccgw/ccgw/internal/tokencount"
	"github.com/ccgw/ccgw/internal/vault"
	"github.com/ccgw/ccgw/internal/worker"
)

type runConfig struct {
	configPath      string
	dbPath          string
	vaultPath       string
	addr            string
	otlpEndpoint    string
	traceSampleRate float64
	webPassword     string
}

func run(rc runConfig) error {
	cfgStore, err := config.Load(rc.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgStore.Get()

	addr := rc.addr
	if addr == "" {
		port := cfg.Settings.Port
		if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil && p > 0 {
			port = p
		}
		addr = fmt.Sprintf("%s:%d", cfg.Settings.Host, port)
	}
	slog.Info("starting ccgw", "version", version, "addr", addr)

	store, err := sqlite.New(rc.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	slog.Info("database opened", "path", rc.dbPath)

	v, err := vault.Load(rc.vaultPath)
	if err != nil {
		return fmt.Errorf("load vault: %w", err)
	}

	keys := apikey.New(store, v)

	ctx := context.Background()
	if plaintext, created, err := keys.EnsureWildcardKey(ctx); err != nil {
		return fmt.Errorf("bootstrap wildcard key: %w", err)
	} else if created {
		slog.Warn("wildcard api key created, shown once", "key", plaintext)
	}

	// Shared DNS cache for all connector HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	connectors := connector.NewRegistry(dnsResolver)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	rateLimiter := ratelimit.NewRegistry()
	counter := tokencount.NewCounter()
	responseCache, err := cache.NewMemory(2048, 5*time.Minute)
	if err != nil {
		return fmt.Errorf("create response cache: %w", err)
	}

	routerSvc := router.New(cfgStore)

	p := pipeline.New(pipeline.Deps{
		Keys:       keys,
		Router:     routerSvc,
		Store:      store,
		Config:     cfgStore,
		Vault:      v,
		Connectors: connectors,
		Breakers:   breakers,
		Counter:    counter,
	})

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	slog.Info("prometheus metrics enabled")

	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if rc.otlpEndpoint != "" {
		shutdown, err := telemetry.SetupTracing(ctx, rc.otlpEndpoint, rc.traceSampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("ccgw")
			slog.Info("opentelemetry tracing enabled", "endpoint", rc.otlpEndpoint, "sample_rate", rc.traceSampleRate)
		}
	}

	var sessions *httpapi.SessionStore
	if rc.webPassword != "" {
		sessions = httpapi.NewSessionStore(rc.webPassword, 24*time.Hour)
	}

	handler := httpapi.New(httpapi.Deps{
		Pipeline:    p,
		Config:      cfgStore,
		Keys:        keys,
		Store:       store,
		Vault:       v,
		Breakers:    breakers,
		RateLimiter: rateLimiter,
		Cache:       responseCache,
		Metrics:     metrics,
		Tracer:      tracer,
		ReadyCheck:  store.Ping,
		Sessions:    sessions,
		StartedAt:   time.Now(),
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      0, // streaming responses run open-ended
		IdleTimeout:       120 * time.Second,
	}

	// Background workers.
	runner := worker.NewRunner(
		worker.NewRetentionWorker(store, worker.ConfigRetentionSettings{Config: cfgStore}),
	)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic eviction of stale rate limiters.
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				if n := rateLimiter.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
					slog.Info("rate limiter eviction", "evicted", n)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("ccgw ready", "addr", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("ccgw stopped")
	return nil
}
