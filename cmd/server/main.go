// kvs-server serves a kvs storage engine over the length-prefixed TCP
// protocol, optionally over gRPC, with an HTTP admin API next to them.
//
// Usage examples:
//
//	kvs-server --addr 127.0.0.1:4000 --engine kvs
//	kvs-server --config /etc/kvs/server.yaml --log-level debug
//	kvs-server --config server.yaml --print-config
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kvs/pkg/config"
	"kvs/pkg/logging"
	"kvs/pkg/storage"
)

const version = "0.1.0"

// flags are applied over the config file only when given explicitly.
type flags struct {
	configPath  string
	dataDir     string
	engine      string
	addr        string
	grpcAddr    string
	adminAddr   string
	workers     int
	maxConns    int
	idleTimeout time.Duration
	logLevel    string
	printConfig bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:   "kvs-server",
		Short: "Serve a kvs key-value store",
		Long: `kvs-server opens a storage engine in the data directory and serves it.

The engine kind is recorded in the data directory on first start; starting
again with a different --engine fails instead of misreading the files.

Listeners:
  --addr        length-prefixed TCP protocol (kvs-client default)
  --grpc-addr   gRPC service kvs.KV (disabled when empty)
  --admin-addr  HTTP admin API: /health /stats /metrics /compact`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			if f.printConfig {
				return printConfig(cmd.OutOrStdout(), cfg)
			}
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&f.dataDir, "data-dir", defaults.DataDir, "Directory for data files")
	fs.StringVarP(&f.engine, "engine", "e", defaults.Engine, fmt.Sprintf("Storage engine %v", storage.Kinds()))
	fs.StringVarP(&f.addr, "addr", "a", defaults.Addr, "TCP listen address (IP:PORT)")
	fs.StringVar(&f.grpcAddr, "grpc-addr", defaults.GRPCAddr, "gRPC listen address, empty to disable")
	fs.StringVar(&f.adminAddr, "admin-addr", defaults.AdminAddr, "Admin HTTP listen address, empty to disable")
	fs.IntVar(&f.workers, "workers", defaults.Workers, "Number of request workers")
	fs.IntVar(&f.maxConns, "max-connections", defaults.MaxConnections, "Maximum open TCP connections")
	fs.DurationVar(&f.idleTimeout, "idle-timeout", defaults.IdleTimeout, "Close connections idle for this long")
	fs.StringVar(&f.logLevel, "log-level", defaults.LogLevel, "Log level: debug, info, warn, error")
	fs.BoolVar(&f.printConfig, "print-config", false, "Print the effective configuration and exit")
	return cmd
}

// loadConfig merges Default(), the config file and explicitly set flags, in
// that order, and validates the result.
func loadConfig(cmd *cobra.Command, f *flags) (*config.ServerConfig, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("data-dir") {
		cfg.DataDir = f.dataDir
	}
	if changed("engine") {
		cfg.Engine = f.engine
	}
	if changed("addr") {
		cfg.Addr = f.addr
	}
	if changed("grpc-addr") {
		cfg.GRPCAddr = f.grpcAddr
	}
	if changed("admin-addr") {
		cfg.AdminAddr = f.adminAddr
	}
	if changed("workers") {
		cfg.Workers = f.workers
	}
	if changed("max-connections") {
		cfg.MaxConnections = f.maxConns
	}
	if changed("idle-timeout") {
		cfg.IdleTimeout = f.idleTimeout
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printConfig(w io.Writer, cfg *config.ServerConfig) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func newLogger(cfg *config.ServerConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(&logging.LogConfig{
		Level:     level,
		Component: "kvs-server",
		Output:    os.Stderr,
	})
	logging.SetGlobalLogger(logger)
	logging.SetStandardLogger(logger)
	return logger, nil
}

// run serves until SIGINT/SIGTERM, ctx cancellation or a listener failure.
func run(ctx context.Context, cfg *config.ServerConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	n, err := newNode(cfg, logger)
	if err != nil {
		return err
	}
	n.Start()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case serveErr = <-n.Errors():
		logger.WithError(serveErr).Error("listener failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := n.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("error during shutdown")
		if serveErr == nil {
			serveErr = err
		}
	}

	logger.Info("kvs-server shut down")
	return serveErr
}
