package main

import (
	"context"
	"fmt"
	"net"
	"sync"

	"kvs/pkg/admin"
	"kvs/pkg/config"
	"kvs/pkg/logging"
	"kvs/pkg/metrics"
	"kvs/pkg/server"
	"kvs/pkg/storage"
	kvstls "kvs/pkg/tls"
)

// node ties one engine to every listener configured for it.
type node struct {
	config   *config.ServerConfig
	logger   *logging.Logger
	registry *metrics.Registry

	engine storage.Backend
	tcp    *server.Server
	grpc   *server.GRPCServer
	admin  *admin.Server

	errs chan error
	wg   sync.WaitGroup
}

// newNode opens the engine and binds every listener. Nothing is served
// until Start.
func newNode(cfg *config.ServerConfig, logger *logging.Logger) (*node, error) {
	n := &node{
		config:   cfg,
		logger:   logger,
		registry: metrics.NewRegistry(cfg.Metrics),
		errs:     make(chan error, 3),
	}

	storageConfig := *cfg.Storage
	storageConfig.Logger = logger
	storageConfig.Metrics = n.registry.Storage

	engine, err := storage.OpenEngine(cfg.Engine, cfg.DataDir, &storageConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s engine in %s: %w", cfg.Engine, cfg.DataDir, err)
	}
	n.engine = engine

	if err := n.listen(); err != nil {
		n.closeListeners()
		engine.Close()
		return nil, err
	}
	return n, nil
}

func (n *node) listen() error {
	cfg := n.config

	serverTLS, err := kvstls.ServerConfig(&cfg.TLS)
	if err != nil {
		return fmt.Errorf("failed to load TLS config: %w", err)
	}
	n.tcp = server.New(n.engine, server.Config{
		Addr:           cfg.Addr,
		Workers:        cfg.Workers,
		MaxConnections: cfg.MaxConnections,
		IdleTimeout:    cfg.IdleTimeout,
		TLS:            serverTLS,
		Logger:         n.logger.WithComponent("server"),
		Metrics:        n.registry.Server,
	})
	if err := n.tcp.Listen(); err != nil {
		return err
	}

	if cfg.GRPCAddr != "" {
		grpcConfig := server.GRPCConfig{
			Addr:    cfg.GRPCAddr,
			Logger:  n.logger.WithComponent("grpc"),
			Metrics: n.registry.Server,
		}
		if cfg.TLS.Enabled {
			creds, err := kvstls.LoadServerCredentials(&cfg.TLS)
			if err != nil {
				return fmt.Errorf("failed to load TLS credentials: %w", err)
			}
			grpcConfig.Credentials = creds
		}
		n.grpc = server.NewGRPC(n.engine, grpcConfig)
		if err := n.grpc.Listen(); err != nil {
			return err
		}
	}

	if cfg.AdminAddr != "" {
		adminConfig := admin.DefaultConfig()
		adminConfig.Addr = cfg.AdminAddr
		adminConfig.Logger = n.logger.WithComponent("admin")
		adminConfig.Registry = n.registry
		n.admin = admin.New(n.engine, adminConfig)
		if err := n.admin.Listen(); err != nil {
			return err
		}
	}
	return nil
}

// closeListeners releases listeners bound by a failed listen.
func (n *node) closeListeners() {
	ctx := context.Background()
	if n.tcp != nil && n.tcp.Addr() != nil {
		n.tcp.Shutdown(ctx)
	}
	if n.grpc != nil && n.grpc.Addr() != nil {
		n.grpc.Shutdown(ctx)
	}
	if n.admin != nil && n.admin.Addr() != nil {
		n.admin.Shutdown(ctx)
	}
}

// Start serves every listener in the background. A listener that stops
// with an error is reported on Errors.
func (n *node) Start() {
	n.serve("tcp", n.tcp.Serve)
	if n.grpc != nil {
		n.serve("grpc", n.grpc.Serve)
	}
	if n.admin != nil {
		n.serve("admin", n.admin.Serve)
	}

	fields := map[string]interface{}{
		"engine":  n.config.Engine,
		"dataDir": n.config.DataDir,
		"addr":    n.tcp.Addr().String(),
		"workers": n.config.Workers,
		"tls":     n.config.TLS.Enabled,
	}
	if n.grpc != nil {
		fields["grpcAddr"] = n.grpc.Addr().String()
	}
	if n.admin != nil {
		fields["adminAddr"] = n.admin.Addr().String()
	}
	n.logger.WithFields(fields).Info("kvs-server started")
}

func (n *node) serve(name string, serve func() error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := serve(); err != nil {
			n.errs <- fmt.Errorf("%s listener: %w", name, err)
		}
	}()
}

// Errors delivers listener failures.
func (n *node) Errors() <-chan error {
	return n.errs
}

// Addrs returns the bound addresses keyed by listener name.
func (n *node) Addrs() map[string]net.Addr {
	addrs := map[string]net.Addr{"tcp": n.tcp.Addr()}
	if n.grpc != nil {
		addrs["grpc"] = n.grpc.Addr()
	}
	if n.admin != nil {
		addrs["admin"] = n.admin.Addr()
	}
	return addrs
}

// Stop shuts the listeners down, then closes the engine. The first error is
// returned; every step runs regardless.
func (n *node) Stop(ctx context.Context) error {
	n.logger.Info("shutting down kvs-server")

	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if n.admin != nil {
		record(n.admin.Shutdown(ctx))
	}
	if n.grpc != nil {
		record(n.grpc.Shutdown(ctx))
	}
	record(n.tcp.Shutdown(ctx))
	n.wg.Wait()

	record(n.engine.Close())
	return first
}
