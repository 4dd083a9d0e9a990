// Command confirmd checks the oldest pending transactions against the ledger
// once and exits. Schedule it externally (cron, a Kubernetes CronJob).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/walletrecon/internal/app"
	"github.com/example/walletrecon/internal/config"
	"github.com/example/walletrecon/internal/logging"
	"github.com/example/walletrecon/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "confirmd:", err)
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
	logger = logger.With("service", "confirmd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "confirmd",
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
		_ = shutdownTracing(sctx)
	}()

	core, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	res, err := core.Engine.ConfirmPending(ctx, cfg.ConfirmBatch, cfg.ConfirmWorkers)
	if res != nil {
		_ = json.NewEncoder(os.Stdout).Encode(res)
	}
	return err
}
