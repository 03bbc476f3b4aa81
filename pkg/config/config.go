// Package config loads the kvs-server configuration file.
//
// Values come from three places, later ones winning: Default(), the YAML file
// given to Load, and command line flags applied by cmd/server. Validate is run
// once all three have been merged.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kvs/pkg/logging"
	"kvs/pkg/metrics"
	"kvs/pkg/storage"
	kvstls "kvs/pkg/tls"
)

// ServerConfig is the complete kvs-server configuration.
type ServerConfig struct {
	// DataDir holds the engine's files.
	DataDir string `yaml:"data_dir"`

	// Engine selects the storage backend: "kvs" or "leveldb".
	Engine string `yaml:"engine"`

	// Addr is the TCP listen address of the length-prefixed protocol.
	Addr string `yaml:"addr"`

	// GRPCAddr is the gRPC listen address. Empty disables gRPC.
	GRPCAddr string `yaml:"grpc_addr"`

	// AdminAddr is the HTTP admin listen address. Empty disables it.
	AdminAddr string `yaml:"admin_addr"`

	// Workers is the number of goroutines executing requests.
	Workers int `yaml:"workers"`

	// MaxConnections caps the TCP connections served at once.
	MaxConnections int `yaml:"max_connections"`

	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Storage *storage.Config `yaml:"storage"`
	Metrics metrics.Config  `yaml:"metrics"`
	TLS     kvstls.Config   `yaml:"tls"`
}

// Default returns the configuration used when no file is given.
func Default() *ServerConfig {
	return &ServerConfig{
		DataDir:         "./data",
		Engine:          storage.KindKvs,
		Addr:            "127.0.0.1:4000",
		AdminAddr:       "127.0.0.1:4080",
		Workers:         4,
		MaxConnections:  1024,
		IdleTimeout:     5 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		Storage:         storage.DefaultConfig(),
		Metrics:         metrics.DefaultConfig(),
	}
}

// Load reads path over Default(). Unknown keys are rejected so that typos do
// not silently fall back to defaults.
func Load(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default().
func Parse(data []byte) (*ServerConfig, error) {
	config := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.Storage == nil {
		config.Storage = storage.DefaultConfig()
	}
	return config, nil
}

// Marshal renders the configuration as YAML.
func (c *ServerConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ValidationError holds every problem found by Validate.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

// Validate reports all configuration problems at once.
func (c *ServerConfig) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir: must not be empty")
	} else if info, err := os.Stat(c.DataDir); err == nil && !info.IsDir() {
		errs = append(errs, fmt.Sprintf("data_dir: %q exists but is not a directory", c.DataDir))
	}

	known := false
	for _, kind := range storage.Kinds() {
		if c.Engine == kind {
			known = true
		}
	}
	if !known {
		errs = append(errs, fmt.Sprintf("engine: %q is not one of %s", c.Engine, strings.Join(storage.Kinds(), ", ")))
	}

	if c.Addr == "" {
		errs = append(errs, "addr: must not be empty")
	} else if err := validateAddress(c.Addr); err != nil {
		errs = append(errs, fmt.Sprintf("addr: %v", err))
	}
	if c.GRPCAddr != "" {
		if err := validateAddress(c.GRPCAddr); err != nil {
			errs = append(errs, fmt.Sprintf("grpc_addr: %v", err))
		}
	}
	if c.AdminAddr != "" {
		if err := validateAddress(c.AdminAddr); err != nil {
			errs = append(errs, fmt.Sprintf("admin_addr: %v", err))
		}
	}

	if c.Workers <= 0 {
		errs = append(errs, fmt.Sprintf("workers: must be > 0, got %d", c.Workers))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Sprintf("max_connections: must be > 0, got %d", c.MaxConnections))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, "idle_timeout: must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, "shutdown_timeout: must be positive")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("log_level: %v", err))
	}

	if c.Storage == nil {
		errs = append(errs, "storage: missing")
	} else if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("storage: %v", err))
	}

	if err := kvstls.ValidateConfig(&c.TLS); err != nil {
		errs = append(errs, fmt.Sprintf("tls: %v", err))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port format: %w", err)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}
