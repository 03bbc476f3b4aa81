package storage

import (
	"errors"
	"fmt"

	"kvs/pkg/index"
	"kvs/pkg/record"
	"kvs/pkg/segment"
)

// replay rebuilds the index from the segments, oldest first, so that the
// last record written for a key wins.
//
// A record that fails to decode in the active segment is a torn write from a
// crash: the segment is cut back to the last good record and appends resume
// from there. The same failure in a sealed segment means data that was once
// complete has been damaged, and the open fails.
func (kv *KvStore) replay() error {
	for _, info := range kv.store.Segments() {
		err := kv.store.Scan(info.ID, func(rec record.Record, offset int64, length int) error {
			kv.apply(rec, index.Pointer{SegmentID: info.ID, Offset: offset, Length: uint32(length)})
			return nil
		})
		if err == nil {
			continue
		}

		var scanErr *segment.ScanError
		if !errors.As(err, &scanErr) || !errors.Is(err, record.ErrCorrupted) {
			return fmt.Errorf("replay segment %d: %w", info.ID, err)
		}
		if !info.Active {
			return fmt.Errorf("replay sealed segment %d: %w", info.ID, err)
		}

		kv.logger.WithFields(map[string]interface{}{
			"segment":   info.ID,
			"offset":    scanErr.Offset,
			"discarded": info.Size - scanErr.Offset,
		}).Warn("truncating torn tail of active segment")
		if err := kv.store.TruncateActive(scanErr.Offset); err != nil {
			return fmt.Errorf("truncate active segment %d: %w", info.ID, err)
		}
		kv.metrics.RecordTruncation()
	}
	return nil
}

// apply replays one record into the index and usage accounting.
func (kv *KvStore) apply(rec record.Record, ptr index.Pointer) {
	if rec.IsTombstone() {
		if old, ok := kv.index.Delete(rec.Key); ok {
			kv.usage.remove(old)
		}
		return
	}
	if old, replaced := kv.index.Put(rec.Key, ptr); replaced {
		kv.usage.remove(old)
	}
	kv.usage.add(ptr)
}
