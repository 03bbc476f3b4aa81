package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lverrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"kvs/pkg/logging"
	"kvs/pkg/metrics"
)

// LevelDBEngine implements Engine on top of goleveldb. It exists as a
// reference backend for comparing against KvStore.
type LevelDBEngine struct {
	dir     string
	db      *leveldb.DB
	wo      *opt.WriteOptions
	logger  *logging.Logger
	metrics *metrics.StorageMetrics

	// writeMu makes the existence check and delete in Remove atomic.
	writeMu sync.Mutex
	closed  atomic.Bool

	reads       atomic.Uint64
	writes      atomic.Uint64
	compactions atomic.Uint64
}

var _ Backend = (*LevelDBEngine)(nil)

// OpenLevelDB opens or creates a goleveldb database in dir.
func OpenLevelDB(dir string, config *Config) (*LevelDBEngine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := leveldb.OpenFile(dir, &opt.Options{
		BlockCacheCapacity: config.LevelDBBlockCacheSize,
		WriteBuffer:        config.LevelDBWriteBuffer,
	})
	if err != nil {
		if lverrors.IsCorrupted(err) {
			return nil, fmt.Errorf("open leveldb: %w: %v", ErrCorrupted, err)
		}
		return nil, fmt.Errorf("open leveldb: %w", err)
	}

	e := &LevelDBEngine{
		dir:     dir,
		db:      db,
		wo:      &opt.WriteOptions{Sync: config.SyncWrites},
		logger:  config.logger("storage").WithFields(map[string]interface{}{"dir": dir, "engine": KindLevelDB}),
		metrics: config.Metrics,
	}
	e.logger.Info("storage engine opened")
	return e, nil
}

// Get returns the value of key.
func (e *LevelDBEngine) Get(key string) ([]byte, bool, error) {
	start := time.Now()
	value, found, err := e.get(key)
	e.reads.Add(1)
	e.metrics.RecordOp("get", opResult(found, err), time.Since(start))
	return value, found, err
}

func (e *LevelDBEngine) get(key string) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrStorageClosed
	}
	value, err := e.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, e.wrap("get", err)
	}
	return value, true, nil
}

// Set stores value under key.
func (e *LevelDBEngine) Set(key string, value []byte) error {
	start := time.Now()
	err := e.set(key, value)
	e.metrics.RecordOp("set", opResult(true, err), time.Since(start))
	return err
}

func (e *LevelDBEngine) set(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return ErrStorageClosed
	}
	if err := e.db.Put([]byte(key), value, e.wo); err != nil {
		return e.wrap("set", err)
	}
	e.writes.Add(1)
	e.metrics.RecordWrite(len(key) + len(value))
	return nil
}

// Remove deletes key, failing with ErrKeyNotFound when it is absent.
func (e *LevelDBEngine) Remove(key string) error {
	start := time.Now()
	err := e.remove(key)
	result := opResult(true, err)
	if errors.Is(err, ErrKeyNotFound) {
		result = "not_found"
	}
	e.metrics.RecordOp("remove", result, time.Since(start))
	return err
}

func (e *LevelDBEngine) remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return ErrStorageClosed
	}
	ok, err := e.db.Has([]byte(key), nil)
	if err != nil {
		return e.wrap("remove", err)
	}
	if !ok {
		return ErrKeyNotFound
	}
	if err := e.db.Delete([]byte(key), e.wo); err != nil {
		return e.wrap("remove", err)
	}
	e.writes.Add(1)
	return nil
}

// Compact asks goleveldb to compact its whole key range.
func (e *LevelDBEngine) Compact() error {
	if e.closed.Load() {
		return ErrStorageClosed
	}
	start := time.Now()
	err := e.db.CompactRange(util.Range{})
	e.metrics.RecordCompaction(time.Since(start), 0, err)
	if err != nil {
		return e.wrap("compact", err)
	}
	e.compactions.Add(1)
	return nil
}

// Sync is a no-op: goleveldb journals every write and, with SyncWrites,
// fsyncs the journal before Put returns.
func (e *LevelDBEngine) Sync() error {
	if e.closed.Load() {
		return ErrStorageClosed
	}
	return nil
}

// Stats walks the key space to count keys; it is meant for the admin API,
// not for hot paths.
func (e *LevelDBEngine) Stats() Stats {
	stats := Stats{
		Engine:      KindLevelDB,
		Reads:       e.reads.Load(),
		Writes:      e.writes.Load(),
		Compactions: e.compactions.Load(),
	}
	if e.closed.Load() {
		return stats
	}

	iter := e.db.NewIterator(nil, nil)
	for iter.Next() {
		stats.Keys++
		stats.LiveBytes += int64(len(iter.Key()) + len(iter.Value()))
	}
	iter.Release()

	stats.TotalBytes = dirSize(e.dir)
	return stats
}

// Close closes the database.
func (e *LevelDBEngine) Close() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Swap(true) {
		return nil
	}
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("close leveldb: %w", err)
	}
	e.logger.Info("storage engine closed")
	return nil
}

func dirSize(dir string) int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, entry := range entries {
		if info, err := entry.Info(); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
	}
	return total
}

func (e *LevelDBEngine) wrap(op string, err error) error {
	switch {
	case errors.Is(err, leveldb.ErrClosed):
		return ErrStorageClosed
	case lverrors.IsCorrupted(err):
		return fmt.Errorf("leveldb %s: %w: %v", op, ErrCorrupted, err)
	default:
		return fmt.Errorf("leveldb %s: %w", op, err)
	}
}
