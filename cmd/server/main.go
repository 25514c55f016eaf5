// splitpay - split payment intents settled on-chain
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/getsentry/sentry-go"
	"github.com/spf13/pflag"

	"github.com/mbd888/splitpay/internal/config"
	"github.com/mbd888/splitpay/internal/logging"
	"github.com/mbd888/splitpay/internal/server"
	"github.com/mbd888/splitpay/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logFormat := pflag.String("log-format", "", "log format: text, json or tint (overrides LOG_FORMAT)")
	logLevel := pflag.String("log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	forceDevnet := pflag.Bool("devnet", false, "run the contracts in-process even if RPC_URL is set")
	port := pflag.String("port", "", "HTTP port (overrides PORT)")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *forceDevnet {
		cfg.RPCURL = ""
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting splitpay",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"devnet", cfg.Devnet(),
		"split_version", cfg.Economics.Version,
		"split_bps", cfg.Economics.SplitWeights.String(),
	)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
			Release:     Version,
		}); err != nil {
			return fmt.Errorf("init sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Env,
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	server.Version = Version
	opts := []server.Option{server.WithLogger(logger)}
	if !cfg.Devnet() {
		dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		client, err := ethclient.DialContext(dctx, cfg.RPCURL)
		cancel()
		if err != nil {
			return fmt.Errorf("dial rpc: %w", err)
		}
		defer client.Close()
		opts = append(opts, server.WithLogSource(client))
	}

	srv, err := server.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(ctx)
}
