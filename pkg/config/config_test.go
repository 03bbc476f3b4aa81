package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvs/pkg/storage"
)

func TestDefault_IsValid(t *testing.T) {
	config := Default()
	config.DataDir = t.TempDir()
	require.NoError(t, config.Validate())

	assert.Equal(t, storage.KindKvs, config.Engine)
	assert.Equal(t, 5*time.Minute, config.IdleTimeout)
	assert.Equal(t, "", config.GRPCAddr, "gRPC is opt-in")
	assert.False(t, config.TLS.Enabled)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/kvs
engine: leveldb
addr: 0.0.0.0:5000
grpc_addr: 0.0.0.0:5001
workers: 16
idle_timeout: 30s
log_level: debug
storage:
  max_segment_size: 1048576
  compaction_ratio: 0.25
metrics:
  enabled: false
`), 0644))

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/kvs", config.DataDir)
	assert.Equal(t, storage.KindLevelDB, config.Engine)
	assert.Equal(t, "0.0.0.0:5000", config.Addr)
	assert.Equal(t, "0.0.0.0:5001", config.GRPCAddr)
	assert.Equal(t, 16, config.Workers)
	assert.Equal(t, 30*time.Second, config.IdleTimeout)
	assert.Equal(t, "debug", config.LogLevel)
	assert.False(t, config.Metrics.Enabled)

	// keys missing from the file keep their defaults
	assert.Equal(t, "127.0.0.1:4080", config.AdminAddr)
	assert.Equal(t, int64(1048576), config.Storage.MaxSegmentSize)
	assert.Equal(t, 0.25, config.Storage.CompactionRatio)
	assert.Equal(t, storage.DefaultConfig().CompactionMinBytes, config.Storage.CompactionMinBytes)
	assert.True(t, config.Storage.BackgroundCompaction)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Parse([]byte("adress: 127.0.0.1:4000\n"))
	assert.Error(t, err, "unknown keys are rejected")

	_, err = Parse([]byte("workers: many\n"))
	assert.Error(t, err)
}

func TestParse_Empty(t *testing.T) {
	config, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Addr, config.Addr)
	assert.NotNil(t, config.Storage)
}

func TestMarshal_RoundTrip(t *testing.T) {
	config := Default()
	config.Workers = 9
	data, err := config.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, 9, parsed.Workers)
	assert.Equal(t, config.IdleTimeout, parsed.IdleTimeout)
	assert.Equal(t, config.Storage.MaxSegmentSize, parsed.Storage.MaxSegmentSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"empty data dir", func(c *ServerConfig) { c.DataDir = "" }},
		{"unknown engine", func(c *ServerConfig) { c.Engine = "rocksdb" }},
		{"missing addr", func(c *ServerConfig) { c.Addr = "" }},
		{"bad addr", func(c *ServerConfig) { c.Addr = "localhost" }},
		{"bad grpc addr", func(c *ServerConfig) { c.GRPCAddr = "5001" }},
		{"bad admin addr", func(c *ServerConfig) { c.AdminAddr = "admin" }},
		{"no workers", func(c *ServerConfig) { c.Workers = 0 }},
		{"no connections", func(c *ServerConfig) { c.MaxConnections = 0 }},
		{"negative idle timeout", func(c *ServerConfig) { c.IdleTimeout = -time.Second }},
		{"zero shutdown timeout", func(c *ServerConfig) { c.ShutdownTimeout = 0 }},
		{"bad log level", func(c *ServerConfig) { c.LogLevel = "loud" }},
		{"bad storage", func(c *ServerConfig) { c.Storage.CompactionRatio = 2 }},
		{"tls without cert", func(c *ServerConfig) { c.TLS.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			config.DataDir = t.TempDir()
			tt.mutate(config)

			err := config.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Len(t, verr.Errors, 1)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	config := Default()
	config.DataDir = ""
	config.Workers = -1
	config.Engine = ""

	err := config.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors, 3)
	assert.Contains(t, err.Error(), "1. data_dir")
}

func TestValidate_DataDirIsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	config := Default()
	config.DataDir = path
	assert.Error(t, config.Validate())
}
