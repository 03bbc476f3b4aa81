// Package tls builds TLS settings for the kvs TCP listener, the gRPC
// transport and their clients from one configuration block.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"google.golang.org/grpc/credentials"
)

// Config holds TLS configuration options
type Config struct {
	// Enabled indicates whether TLS is enabled
	Enabled bool `yaml:"enabled"`

	// CertFile is the path to the server/client certificate file
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the server/client private key file
	KeyFile string `yaml:"key_file"`

	// CAFile is the path to the CA certificate file for verifying peers
	CAFile string `yaml:"ca_file"`

	// ServerName is the expected server name for verification (client-side)
	ServerName string `yaml:"server_name"`

	// ClientAuth is the server's client certificate policy, one of
	// "none", "request", "require-any", "verify-if-given" or
	// "require-and-verify". Empty means "none".
	ClientAuth string `yaml:"client_auth"`

	// InsecureSkipVerify disables server certificate verification (client-side).
	// WARNING: Only use this for testing/development
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

var clientAuthTypes = map[string]tls.ClientAuthType{
	"":                   tls.NoClientCert,
	"none":               tls.NoClientCert,
	"request":            tls.RequestClientCert,
	"require-any":        tls.RequireAnyClientCert,
	"verify-if-given":    tls.VerifyClientCertIfGiven,
	"require-and-verify": tls.RequireAndVerifyClientCert,
}

// ParseClientAuth maps a policy name to its crypto/tls value.
func ParseClientAuth(name string) (tls.ClientAuthType, error) {
	auth, ok := clientAuthTypes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return tls.NoClientCert, fmt.Errorf("unknown client auth policy %q", name)
	}
	return auth, nil
}

// ServerConfig returns the *tls.Config used by the TCP listener and the gRPC
// server.
func ServerConfig(config *Config) (*tls.Config, error) {
	if config == nil || !config.Enabled {
		return nil, fmt.Errorf("TLS not enabled")
	}

	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	clientAuth, err := ParseClientAuth(config.ClientAuth)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS12,
	}

	if config.CAFile != "" {
		pool, err := loadCertPool(config.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
	}

	return tlsConfig, nil
}

// ClientConfig returns the *tls.Config used by TCP and gRPC clients.
func ClientConfig(config *Config) (*tls.Config, error) {
	if config == nil || !config.Enabled {
		return nil, fmt.Errorf("TLS not enabled")
	}

	tlsConfig := &tls.Config{
		ServerName:         config.ServerName,
		InsecureSkipVerify: config.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if config.CAFile != "" {
		pool, err := loadCertPool(config.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	// mutual TLS
	if config.CertFile != "" && config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// LoadServerCredentials loads TLS credentials for the gRPC server
func LoadServerCredentials(config *Config) (credentials.TransportCredentials, error) {
	tlsConfig, err := ServerConfig(config)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(tlsConfig), nil
}

// LoadClientCredentials loads TLS credentials for gRPC clients
func LoadClientCredentials(config *Config) (credentials.TransportCredentials, error) {
	tlsConfig, err := ClientConfig(config)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(tlsConfig), nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", path)
	}
	return pool, nil
}

// ValidateConfig validates the server side TLS configuration
func ValidateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}

	if !config.Enabled {
		return nil
	}

	if config.CertFile == "" {
		return fmt.Errorf("certificate file is required when TLS is enabled")
	}
	if config.KeyFile == "" {
		return fmt.Errorf("key file is required when TLS is enabled")
	}

	if _, err := os.Stat(config.CertFile); os.IsNotExist(err) {
		return fmt.Errorf("certificate file does not exist: %s", config.CertFile)
	}
	if _, err := os.Stat(config.KeyFile); os.IsNotExist(err) {
		return fmt.Errorf("key file does not exist: %s", config.KeyFile)
	}

	if config.CAFile != "" {
		if _, err := os.Stat(config.CAFile); os.IsNotExist(err) {
			return fmt.Errorf("CA file does not exist: %s", config.CAFile)
		}
	}

	if _, err := ParseClientAuth(config.ClientAuth); err != nil {
		return err
	}

	return nil
}
