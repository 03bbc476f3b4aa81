// Package storage implements the kvs storage engines.
//
// KvStore is a log-structured engine: every mutation is appended to the
// active segment, an in-memory index maps each live key to the location of
// its latest record, and a compactor rewrites live records out of old
// segments so their space can be reclaimed. LevelDBEngine offers the same
// contract on top of goleveldb.
package storage

import (
	"fmt"

	"kvs/pkg/logging"
	"kvs/pkg/metrics"
	"kvs/pkg/segment"
)

// Config holds configuration parameters for the storage engines.
type Config struct {
	// MaxSegmentSize is the size at which the active segment is sealed and a
	// new one is started. Compaction output segments are filled up to it.
	MaxSegmentSize int64 `yaml:"max_segment_size"`

	// CompactionRatio is the stale/total byte ratio that triggers a
	// background compaction.
	CompactionRatio float64 `yaml:"compaction_ratio"`

	// CompactionMinBytes keeps small stores from compacting over and over.
	CompactionMinBytes int64 `yaml:"compaction_min_bytes"`

	// BackgroundCompaction runs compaction automatically when the ratio is
	// crossed. Compact can always be called explicitly.
	BackgroundCompaction bool `yaml:"background_compaction"`

	// SyncWrites fsyncs every append before acknowledging it.
	SyncWrites bool `yaml:"sync_writes"`

	// LevelDB tuning, only used by the leveldb engine.
	LevelDBBlockCacheSize int `yaml:"leveldb_block_cache_size"`
	LevelDBWriteBuffer    int `yaml:"leveldb_write_buffer"`

	Logger  *logging.Logger         `yaml:"-"`
	Metrics *metrics.StorageMetrics `yaml:"-"`
}

// DefaultConfig returns reasonable default configuration values.
func DefaultConfig() *Config {
	return &Config{
		MaxSegmentSize:        4 * 1024 * 1024, // 4MB
		CompactionRatio:       0.5,
		CompactionMinBytes:    1024 * 1024, // 1MB
		BackgroundCompaction:  true,
		SyncWrites:            false,
		LevelDBBlockCacheSize: 8 * 1024 * 1024,
		LevelDBWriteBuffer:    4 * 1024 * 1024,
	}
}

// Validate checks the tunables for values the engines cannot work with.
func (c *Config) Validate() error {
	if c.MaxSegmentSize <= 0 {
		return fmt.Errorf("%w: max_segment_size must be positive", ErrInvalidConfiguration)
	}
	if c.CompactionRatio <= 0 || c.CompactionRatio > 1 {
		return fmt.Errorf("%w: compaction_ratio must be in (0, 1]", ErrInvalidConfiguration)
	}
	if c.CompactionMinBytes < 0 {
		return fmt.Errorf("%w: compaction_min_bytes must not be negative", ErrInvalidConfiguration)
	}
	if c.LevelDBBlockCacheSize < 0 || c.LevelDBWriteBuffer < 0 {
		return fmt.Errorf("%w: leveldb sizes must not be negative", ErrInvalidConfiguration)
	}
	return nil
}

func (c *Config) syncMode() segment.SyncMode {
	if c.SyncWrites {
		return segment.SyncAlways
	}
	return segment.SyncNone
}

func (c *Config) logger(component string) *logging.Logger {
	if c.Logger != nil {
		return c.Logger.WithComponent(component)
	}
	return logging.WithComponent(component)
}

// Stats is a point-in-time view of an engine, served by the admin API.
type Stats struct {
	Engine string `json:"engine"`
	Keys   int    `json:"keys"`

	Segments      int    `json:"segments"`
	ActiveSegment uint64 `json:"active_segment"`

	TotalBytes int64 `json:"total_bytes"`
	LiveBytes  int64 `json:"live_bytes"`
	StaleBytes int64 `json:"stale_bytes"`

	Reads  uint64 `json:"reads"`
	Writes uint64 `json:"writes"`

	Compactions        uint64 `json:"compactions"`
	CompactionFailures uint64 `json:"compaction_failures"`
	ReclaimedBytes     int64  `json:"reclaimed_bytes"`
	Compacting         bool   `json:"compacting"`
}

// StaleRatio returns StaleBytes/TotalBytes, or 0 for an empty store.
func (s Stats) StaleRatio() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.StaleBytes) / float64(s.TotalBytes)
}
