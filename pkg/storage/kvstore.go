package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"kvs/pkg/index"
	"kvs/pkg/logging"
	"kvs/pkg/metrics"
	"kvs/pkg/record"
	"kvs/pkg/segment"
)

// KvStore is the log-structured engine.
//
// Writes (Set, Remove, rotation and the compaction swap) are serialized by
// mutex. Get holds the read lock from index lookup to the end of the segment
// read, so a segment can only be retired while no reader is inside it.
type KvStore struct {
	config  *Config
	logger  *logging.Logger
	metrics *metrics.StorageMetrics

	mutex  sync.RWMutex
	store  *segment.Store
	index  index.Indexer
	usage  *usage
	closed bool

	// compacting is set for the whole duration of a compaction run.
	compacting     atomic.Bool
	compactionChan chan struct{}
	stopChan       chan struct{}
	wg             sync.WaitGroup

	reads              atomic.Uint64
	writes             atomic.Uint64
	compactions        atomic.Uint64
	compactionFailures atomic.Uint64
	reclaimed          atomic.Int64
}

var _ Backend = (*KvStore)(nil)

// Open opens the log-structured engine in dir, replaying every segment to
// rebuild the index.
func Open(dir string, config *Config) (*KvStore, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	kv := &KvStore{
		config:         config,
		logger:         config.logger("storage").WithField("dir", dir),
		metrics:        config.Metrics,
		index:          index.NewBTree(),
		usage:          newUsage(),
		compactionChan: make(chan struct{}, 1),
		stopChan:       make(chan struct{}),
	}

	store, err := segment.Open(dir, segment.Options{
		SyncMode: config.syncMode(),
		InUse:    kv.usage.inUse,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open segments: %w", err)
	}
	kv.store = store

	start := time.Now()
	if err := kv.replay(); err != nil {
		store.Close()
		return nil, err
	}
	kv.publishUsage()
	kv.logger.WithFields(map[string]interface{}{
		"keys":     kv.index.Len(),
		"segments": len(store.Segments()),
		"elapsed":  time.Since(start).Round(time.Millisecond),
	}).Info("storage engine opened")

	if config.BackgroundCompaction {
		kv.startBackgroundWorkers()
	}
	kv.maybeTriggerCompaction()
	return kv, nil
}

// Get returns the latest value of key.
func (kv *KvStore) Get(key string) ([]byte, bool, error) {
	start := time.Now()
	value, found, err := kv.get(key)
	kv.reads.Add(1)
	kv.metrics.RecordOp("get", opResult(found, err), time.Since(start))
	return value, found, err
}

func (kv *KvStore) get(key string) ([]byte, bool, error) {
	kv.mutex.RLock()
	defer kv.mutex.RUnlock()

	if kv.closed {
		return nil, false, ErrStorageClosed
	}

	ptr, ok := kv.index.Get(key)
	if !ok {
		return nil, false, nil
	}

	buf, err := kv.store.Read(ptr.SegmentID, ptr.Offset, int(ptr.Length))
	if err != nil {
		return nil, false, fmt.Errorf("read %q at %s: %w", key, ptr, err)
	}
	rec, err := record.Decode(buf)
	if err != nil {
		return nil, false, fmt.Errorf("read %q at %s: %w", key, ptr, err)
	}
	if rec.Key != key || rec.IsTombstone() {
		return nil, false, fmt.Errorf("read %q at %s: %w: index points at another record", key, ptr, ErrCorrupted)
	}
	return rec.Value, true, nil
}

// Set stores value under key. The index is only updated once the record is
// in the log.
func (kv *KvStore) Set(key string, value []byte) error {
	start := time.Now()
	err := kv.set(key, value)
	kv.metrics.RecordOp("set", opResult(true, err), time.Since(start))
	return err
}

func (kv *KvStore) set(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	buf, err := record.Encode(record.NewValue(key, value))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	kv.mutex.Lock()
	defer kv.mutex.Unlock()

	if kv.closed {
		return ErrStorageClosed
	}

	ptr, err := kv.append(buf)
	if err != nil {
		return err
	}
	if old, replaced := kv.index.Put(key, ptr); replaced {
		kv.usage.remove(old)
	}
	kv.usage.add(ptr)

	kv.afterWrite()
	return nil
}

// Remove deletes key by appending a tombstone.
func (kv *KvStore) Remove(key string) error {
	start := time.Now()
	err := kv.remove(key)
	result := opResult(true, err)
	if errors.Is(err, ErrKeyNotFound) {
		result = "not_found"
	}
	kv.metrics.RecordOp("remove", result, time.Since(start))
	return err
}

func (kv *KvStore) remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	buf, err := record.Encode(record.NewTombstone(key))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	kv.mutex.Lock()
	defer kv.mutex.Unlock()

	if kv.closed {
		return ErrStorageClosed
	}
	if _, ok := kv.index.Get(key); !ok {
		return ErrKeyNotFound
	}

	// The tombstone itself is never referenced, so it counts as stale from
	// the moment it is written.
	if _, err := kv.append(buf); err != nil {
		return err
	}
	if old, ok := kv.index.Delete(key); ok {
		kv.usage.remove(old)
	}

	kv.afterWrite()
	return nil
}

// append writes an encoded record to the active segment. Caller holds the
// write lock.
func (kv *KvStore) append(buf []byte) (index.Pointer, error) {
	id, offset, err := kv.store.Append(buf)
	if err != nil {
		if errors.Is(err, segment.ErrStoreClosed) {
			return index.Pointer{}, ErrStorageClosed
		}
		return index.Pointer{}, fmt.Errorf("append record: %w", err)
	}
	kv.writes.Add(1)
	kv.metrics.RecordWrite(len(buf))
	return index.Pointer{SegmentID: id, Offset: offset, Length: uint32(len(buf))}, nil
}

// afterWrite rotates a full active segment and checks the compaction
// trigger. Caller holds the write lock.
func (kv *KvStore) afterWrite() {
	if kv.store.ActiveSize() >= kv.config.MaxSegmentSize {
		if err := kv.rotate(); err != nil {
			// The record is already durable in the old segment; the next
			// write retries the rotation.
			kv.logger.WithError(err).Warn("segment rotation failed")
		}
	}
	kv.publishUsage()
	kv.maybeTriggerCompaction()
}

func (kv *KvStore) rotate() error {
	prev := kv.store.ActiveID()
	id, err := kv.store.Rotate()
	if err != nil {
		return err
	}
	kv.metrics.RecordRotation()
	kv.logger.WithFields(map[string]interface{}{
		"sealed": prev,
		"active": id,
	}).Debug("segment rotated")
	return nil
}

// staleBytes returns the bytes on disk that no index entry references.
func (kv *KvStore) staleBytes() (total, stale int64) {
	total = kv.store.TotalSize()
	stale = total - kv.usage.liveBytes()
	if stale < 0 {
		stale = 0
	}
	return total, stale
}

func (kv *KvStore) needsCompaction() bool {
	total, stale := kv.staleBytes()
	if total == 0 || total < kv.config.CompactionMinBytes {
		return false
	}
	return float64(stale)/float64(total) >= kv.config.CompactionRatio
}

// maybeTriggerCompaction signals the background worker when the stale ratio
// crossed the threshold.
func (kv *KvStore) maybeTriggerCompaction() {
	if !kv.config.BackgroundCompaction || kv.compacting.Load() {
		return
	}
	if kv.needsCompaction() {
		kv.triggerCompaction()
	}
}

// triggerCompaction signals that compaction is needed.
func (kv *KvStore) triggerCompaction() {
	select {
	case kv.compactionChan <- struct{}{}:
	default:
		// Channel full, compaction already pending
	}
}

// startBackgroundWorkers starts the compaction worker.
func (kv *KvStore) startBackgroundWorkers() {
	kv.wg.Add(1)
	go func() {
		defer kv.wg.Done()
		for {
			select {
			case <-kv.compactionChan:
				if !kv.needsCompaction() {
					continue
				}
				if err := kv.Compact(); err != nil && !errors.Is(err, ErrCompactionInProgress) && !errors.Is(err, ErrStorageClosed) {
					kv.logger.WithError(err).Error("background compaction failed")
				}
			case <-kv.stopChan:
				return
			}
		}
	}()
}

func (kv *KvStore) publishUsage() {
	if kv.metrics == nil {
		return
	}
	total, stale := kv.staleBytes()
	kv.metrics.SetUsage(kv.index.Len(), len(kv.store.Segments()), total, stale)
}

// Stats returns current storage engine statistics.
func (kv *KvStore) Stats() Stats {
	kv.mutex.RLock()
	defer kv.mutex.RUnlock()

	total, stale := kv.staleBytes()
	return Stats{
		Engine:             KindKvs,
		Keys:               kv.index.Len(),
		Segments:           len(kv.store.Segments()),
		ActiveSegment:      kv.store.ActiveID(),
		TotalBytes:         total,
		LiveBytes:          kv.usage.liveBytes(),
		StaleBytes:         stale,
		Reads:              kv.reads.Load(),
		Writes:             kv.writes.Load(),
		Compactions:        kv.compactions.Load(),
		CompactionFailures: kv.compactionFailures.Load(),
		ReclaimedBytes:     kv.reclaimed.Load(),
		Compacting:         kv.compacting.Load(),
	}
}

// Sync fsyncs the active segment.
func (kv *KvStore) Sync() error {
	kv.mutex.RLock()
	defer kv.mutex.RUnlock()

	if kv.closed {
		return ErrStorageClosed
	}
	return kv.store.Sync()
}

// Close stops the compaction worker, waits for a running compaction and
// closes every segment.
func (kv *KvStore) Close() error {
	kv.mutex.Lock()
	if kv.closed {
		kv.mutex.Unlock()
		return nil
	}
	kv.closed = true
	kv.mutex.Unlock()

	close(kv.stopChan)
	kv.wg.Wait()

	if err := kv.store.Close(); err != nil {
		return fmt.Errorf("failed to close segments: %w", err)
	}
	kv.logger.Info("storage engine closed")
	return nil
}

func opResult(found bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case !found:
		return "not_found"
	default:
		return "ok"
	}
}
