package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/walletrecon/internal/api"
	"github.com/example/walletrecon/internal/app"
	"github.com/example/walletrecon/internal/auth"
	"github.com/example/walletrecon/internal/config"
	"github.com/example/walletrecon/internal/logging"
	"github.com/example/walletrecon/internal/security"
	"github.com/example/walletrecon/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "walletd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger = logger.With("service", "walletd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "walletd",
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		Headers:     tracing.ParseHeaders(cfg.OTLPHeaders),
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	core, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	deps := api.Dependencies{
		Logger:       logger,
		Engine:       core.Engine,
		Query:        core.Query,
		MaxBodyBytes: cfg.API.MaxBodyBytes,
		Metrics:      promhttp.Handler(),
	}
	if cfg.API.JWTSecret != "" {
		deps.JWTValidator = &auth.JWTValidator{Secret: []byte(cfg.API.JWTSecret), Leeway: 30 * time.Second}
	} else {
		logger.Warn("JWT_SECRET not set, API is unauthenticated")
	}
	if cfg.API.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.API.RedisAddr})
		defer redisClient.Close()
		deps.RateLimiter = &security.RequestBudget{
			Redis:     redisClient,
			Prefix:    "walletd",
			Burst:     cfg.API.RateLimitCapacity,
			PerSecond: float64(cfg.API.RateLimitRefill),
		}
	}

	router, err := api.NewRouter(deps)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("walletd listening", "addr", cfg.HTTPAddr, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
