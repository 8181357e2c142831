package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"ssogate/internal/api"
	"ssogate/internal/auth"
	"ssogate/internal/config"
	"ssogate/internal/directory"
	"ssogate/internal/gate"
	"ssogate/internal/identity"
	"ssogate/internal/observability"
	"ssogate/internal/outbound"
)

func main() {
	logger := observability.NewLogger(observability.ConfigFromEnv())
	slog.SetDefault(logger.Slog())

	addr := envOr("SSOGATE_ADDR", ":8080")
	if p := os.Getenv("PORT"); p != "" { // Heroku-style
		addr = ":" + p
	}
	flag.StringVar(&addr, "addr", addr, "listen address (host:port)")
	configPath := flag.String("config", envOr("SSOGATE_CONFIG", "ssogate.yaml"), "path to the YAML configuration file")
	upstreamRaw := flag.String("upstream", os.Getenv("SSOGATE_UPSTREAM"), "URL of the protected application")
	flag.Parse()

	// Initialize Sentry if DSN is provided
	sentryEnabled := false
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      envOr("SENTRY_ENVIRONMENT", "production"),
			Release:          envOr("APP_VERSION", "dev"),
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			logger.Info("sentry initialized", "environment", envOr("SENTRY_ENVIRONMENT", "production"))
			sentryEnabled = true
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(logger, "configuration load failed", err, "path", *configPath)
	}

	upstream, err := url.Parse(*upstreamRaw)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		fatal(logger, "SSOGATE_UPSTREAM must be an absolute URL", err, "value", *upstreamRaw)
	}

	metrics := observability.NewMetrics(observability.MetricsConfigFromEnv())
	if metrics == nil {
		logger.Info("metrics disabled")
	}

	var proxies *auth.TrustedProxies
	if raw := os.Getenv("SSOGATE_TRUSTED_PROXIES"); raw != "" {
		proxies, err = auth.ParseTrustedProxies(raw)
		if err != nil {
			fatal(logger, "invalid SSOGATE_TRUSTED_PROXIES", err)
		}
		logger.Info("trusted proxies configured", "count", len(proxies.CIDRs))
	}

	timeouts := outbound.TimeoutsFromEnv()
	httpClient := outbound.NewClient(timeouts)

	discoveryCtx, cancelDiscovery := context.WithTimeout(context.Background(), timeouts.Connect+timeouts.Read)
	idc, err := identity.New(discoveryCtx, cfg, httpClient)
	cancelDiscovery()
	if err != nil {
		fatal(logger, "identity provider setup failed", err)
	}
	logger.Info("identity provider configured", "kind", idc.Kind().String())

	dir := directory.New(cfg, httpClient)
	orch := auth.New(idc, nil, dir, cfg,
		auth.WithLogger(logger),
		auth.WithRecorder(metrics),
		auth.WithTrustedProxies(proxies),
	)

	sessions := selectSessionStore(logger)
	g := gate.New(sessions, orch, dir, cfg,
		gate.WithLogger(logger),
		gate.WithRecorder(metrics),
		gate.WithSessionTTL(envDuration(logger, "SSOGATE_SESSION_TTL", gate.DefaultSessionDuration)),
		gate.WithSecureCookie(envBool("SSOGATE_SECURE_COOKIE")),
	)

	mux := http.NewServeMux()
	srv := api.NewServer(mux, logger, metrics)
	if p, ok := sessions.(api.Pinger); ok {
		srv.AddReadinessCheck("sessions", p)
	}
	srv.RegisterRoutes(g, api.NewUpstreamProxy(upstream, logger))

	// Background session cleanup every 15 minutes.
	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	defer stopCleanup()
	go gate.CleanupLoop(cleanupCtx, sessions, 15*time.Minute, func(n int, err error) {
		if err != nil {
			logger.Warn("session cleanup error", "error", err)
			return
		}
		metrics.RecordSessionsExpired(n)
		logger.Info("cleaned up expired sessions", "count", n)
	})

	rateCfg := api.DefaultRateLimitConfig()
	rateCfg.Proxies = proxies
	if rateCfg.Enabled() {
		logger.Info("rate limiting configured",
			"requests_per_second", rateCfg.RequestsPerSecond,
			"burst", rateCfg.Burst,
		)
	}

	// Order: metrics (outermost) -> requestID -> logging -> rateLimiting (innermost before handler)
	handler := api.ApplyMiddlewares(
		mux,
		observability.MetricsMiddleware(metrics),
		api.RequestIDMiddleware(),
		api.LoggingMiddleware(logger),
		api.RateLimitMiddleware(rateCfg, metrics, logger),
	)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.WithComponent("server").Slog().Handler(), slog.LevelError),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("ssogate listening", "addr", addr, "upstream", upstream.Redacted())
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	}

	logger.Info("shutting down server", "timeout", "15s")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}

	stopCleanup()
	if c, ok := sessions.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Error("error closing session store", "error", err)
		}
	}

	if sentryEnabled {
		logger.Info("flushing sentry events", "deadline", "2s")
		sentry.Flush(2 * time.Second)
	}

	logger.Info("shutdown complete")
}

func fatal(logger observability.Logger, msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err)
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
	}
	logger.Error(msg, args...)
	os.Exit(1)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envBool(k string) bool {
	v, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv(k)))
	return v
}

func envDuration(logger observability.Logger, k string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logger.Warn("invalid duration; using default", "key", k, "value", raw, "default", def)
		return def
	}
	return d
}
