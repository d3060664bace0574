package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/imgdispatch/imgdispatch/internal/admission"
	"github.com/imgdispatch/imgdispatch/internal/api"
	"github.com/imgdispatch/imgdispatch/internal/config"
	"github.com/imgdispatch/imgdispatch/internal/invoker"
	"github.com/imgdispatch/imgdispatch/internal/logging"
	"github.com/imgdispatch/imgdispatch/internal/metrics"
	"github.com/imgdispatch/imgdispatch/internal/ratelimit"
	"github.com/imgdispatch/imgdispatch/internal/route"
	"github.com/imgdispatch/imgdispatch/internal/tlsutil"
)

const (
	shutdownTimeout = 30 * time.Second
	// forceExitGrace is how long after the drain deadline the process waits
	// for killed children to be reaped before exiting anyway.
	forceExitGrace = 10 * time.Second
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (built-in routes when empty)")
	flag.Parse()

	// Bootstrap logger until the configured one is known.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Log)
	sink, sinkCloser := logging.ProcessSink(cfg.ProcessLog, logger)
	defer sinkCloser.Close()

	slog.Info("starting imgdispatch", "version", version, "config", *configPath)

	table, err := route.FromConfig(cfg)
	if err != nil {
		slog.Error("failed to build route table", "error", err)
		os.Exit(1)
	}

	adm, err := admission.New(cfg.Invoker.MaxConcurrent, cfg.Invoker.QueueTimeout)
	if err != nil {
		slog.Error("failed to create admission controller", "error", err)
		os.Exit(1)
	}

	collector := metrics.New()

	var rateLimiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		rateLimiter, err = ratelimit.New(
			cfg.RateLimit.RequestsPerInterval,
			cfg.RateLimit.Interval,
			cfg.RateLimit.CleanupInterval,
			cfg.RateLimit.StaleAfter,
		)
		if err != nil {
			slog.Error("failed to create rate limiter", "error", err)
			os.Exit(1)
		}
		defer rateLimiter.Close()
		if err := rateLimiter.SetTrustedProxies(cfg.RateLimit.TrustedProxies); err != nil {
			slog.Error("invalid trusted proxies", "error", err)
			os.Exit(1)
		}
		rateLimiter.OnReject(collector.IncRateLimitRejectionsTotal)
	}

	// TLS is optional; plain HTTP when no certificate is configured.
	var certReloader *tlsutil.Reloader
	if cfg.TLS.Cert != "" && cfg.TLS.Key != "" {
		certReloader, err = tlsutil.NewReloader(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			slog.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		defer certReloader.Close()
	}

	// Every request context derives from rootCtx. Canceling it kills the
	// process groups of invocations that are still running.
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	deps := api.ServerDeps{
		Table: table,
		RouteDeps: route.Deps{
			Invoker:  invoker.New(sink, cfg.Invoker.WaitDelay),
			Admitter: adm,
			Recorder: collector,
			Logger:   logger,
		},
		RateLimiter:  rateLimiter,
		ListenAddr:   cfg.Server.ListenAddr,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
		QueueTimeout: cfg.Invoker.QueueTimeout,
		BaseContext:  rootCtx,
		Version:      version,
	}
	if certReloader != nil {
		deps.TLSConfig = certReloader.ServerConfig()
	}

	apiServer, err := api.NewServer(deps)
	if err != nil {
		slog.Error("failed to create API server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 2)

	go func() {
		errCh <- apiServer.Start()
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("starting metrics server", "addr", cfg.Metrics.ListenAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	slog.Info("imgdispatch running",
		"addr", cfg.Server.ListenAddr,
		"routes", table.Len(),
		"max_concurrent", cfg.Invoker.MaxConcurrent,
	)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		slog.Error("server error, initiating shutdown", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Shutdown cancels invocations still running at the drain deadline and
	// waits for their process groups to be reaped. If that stalls, exit.
	forceTimer := time.AfterFunc(shutdownTimeout+cfg.Invoker.WaitDelay+forceExitGrace, func() {
		cancelRoot()
		slog.Error("graceful shutdown timed out, forcing exit")
		os.Exit(1)
	})
	defer forceTimer.Stop()

	slog.Info("shutting down API server, draining in-flight invocations")
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown error", "error", err)
	} else {
		slog.Info("API server stopped")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}

	slog.Info("imgdispatch stopped gracefully")
}
