package storage

import (
	"errors"
	"fmt"
	"time"

	"kvs/pkg/index"
	"kvs/pkg/record"
	"kvs/pkg/segment"
)

// compactionPlan describes one compaction run.
//
// Inputs are every segment up to and including the previous active one.
// Output ids sit between the last input and the new active segment, so a
// replay after a crash at any point still sees the copies after the
// originals and anything written since after the copies.
type compactionPlan struct {
	inputs    []uint64
	outputs   []uint64
	liveBytes int64
	diskBytes int64
}

// move is one live record copied by the compactor.
type move struct {
	key  string
	from index.Pointer
	to   index.Pointer
}

// compactionResult summarises a finished run for logs and stats.
type compactionResult struct {
	inputs    int
	outputs   int
	moved     int
	dropped   int
	reclaimed int64
}

// Compact rewrites the live records of every sealed segment into fresh
// segments and retires the originals. Reads continue during the copy;
// writes continue into the new active segment. Only the final pointer swap
// takes the write lock.
//
// On failure the new segments are deleted and nothing else changes.
func (kv *KvStore) Compact() error {
	if !kv.compacting.CompareAndSwap(false, true) {
		return ErrCompactionInProgress
	}
	defer kv.compacting.Store(false)

	kv.mutex.RLock()
	if kv.closed {
		kv.mutex.RUnlock()
		return ErrStorageClosed
	}
	kv.wg.Add(1)
	kv.mutex.RUnlock()
	defer kv.wg.Done()

	logger := kv.config.logger("compactor")
	start := time.Now()

	result, err := kv.compact()
	elapsed := time.Since(start)
	if err != nil {
		kv.compactionFailures.Add(1)
		kv.metrics.RecordCompaction(elapsed, 0, err)
		logger.WithError(err).Error("compaction aborted")
		return err
	}

	kv.compactions.Add(1)
	kv.reclaimed.Add(result.reclaimed)
	kv.metrics.RecordCompaction(elapsed, result.reclaimed, nil)
	kv.publishUsage()
	logger.WithFields(map[string]interface{}{
		"inputs":    result.inputs,
		"outputs":   result.outputs,
		"moved":     result.moved,
		"dropped":   result.dropped,
		"reclaimed": result.reclaimed,
		"elapsed":   elapsed.Round(time.Millisecond),
	}).Info("compaction finished")
	return nil
}

func (kv *KvStore) compact() (*compactionResult, error) {
	plan, err := kv.planCompaction()
	if err != nil {
		return nil, err
	}

	moves, writers, err := kv.copyLive(plan)
	if err != nil {
		abortWriters(writers)
		return nil, err
	}

	committed := make([]uint64, 0, len(writers))
	for i, w := range writers {
		if err := w.Commit(); err != nil {
			abortWriters(writers[i:])
			kv.discardOutputs(committed)
			return nil, fmt.Errorf("commit compaction segment %d: %w", w.ID(), err)
		}
		committed = append(committed, w.ID())
	}

	return kv.swap(plan, moves, committed)
}

// planCompaction seals the active segment and reserves the output ids.
func (kv *KvStore) planCompaction() (*compactionPlan, error) {
	kv.mutex.Lock()
	defer kv.mutex.Unlock()

	if kv.closed {
		return nil, ErrStorageClosed
	}

	plan := &compactionPlan{}
	var last uint64
	for _, info := range kv.store.Segments() {
		plan.inputs = append(plan.inputs, info.ID)
		plan.diskBytes += info.Size
		last = info.ID
	}
	plan.liveBytes = kv.usage.liveIn(plan.inputs)

	// Every output but the last is filled to at least MaxSegmentSize, so
	// ceil(live/max) ids are always enough.
	k := (plan.liveBytes + kv.config.MaxSegmentSize - 1) / kv.config.MaxSegmentSize
	if k < 1 {
		k = 1
	}
	for i := int64(1); i <= k; i++ {
		plan.outputs = append(plan.outputs, last+uint64(i))
	}

	if _, err := kv.store.RotateTo(last + uint64(k) + 1); err != nil {
		return nil, fmt.Errorf("seal active segment for compaction: %w", err)
	}
	kv.metrics.RecordRotation()
	return plan, nil
}

// copyLive streams the input segments and appends every record the index
// still points at to the output writers. It runs without the engine lock.
func (kv *KvStore) copyLive(plan *compactionPlan) ([]move, []*segment.Writer, error) {
	var (
		moves   []move
		writers []*segment.Writer
		current *segment.Writer
	)

	next := func() error {
		if len(writers) == len(plan.outputs) {
			return nil // keep filling the last reserved segment
		}
		w, err := kv.store.NewWriter(plan.outputs[len(writers)])
		if err != nil {
			return err
		}
		writers = append(writers, w)
		current = w
		return nil
	}

	for _, id := range plan.inputs {
		err := kv.store.Scan(id, func(rec record.Record, offset int64, length int) error {
			if rec.IsTombstone() {
				return nil
			}
			from := index.Pointer{SegmentID: id, Offset: offset, Length: uint32(length)}
			if ptr, ok := kv.index.Get(rec.Key); !ok || ptr != from {
				return nil
			}

			if current == nil || current.Size() >= kv.config.MaxSegmentSize {
				if err := next(); err != nil {
					return err
				}
			}
			buf, err := record.Encode(rec)
			if err != nil {
				return err
			}
			off, err := current.Append(buf)
			if err != nil {
				return err
			}
			moves = append(moves, move{
				key:  rec.Key,
				from: from,
				to:   index.Pointer{SegmentID: current.ID(), Offset: off, Length: uint32(len(buf))},
			})
			return nil
		})
		if err != nil {
			return nil, writers, fmt.Errorf("copy segment %d: %w", id, err)
		}
	}
	return moves, writers, nil
}

// swap repoints the index at the copies and retires the inputs. Keys written
// or removed during the copy keep their newer state; their copies become
// stale bytes in the output segments.
func (kv *KvStore) swap(plan *compactionPlan, moves []move, outputs []uint64) (*compactionResult, error) {
	kv.mutex.Lock()
	defer kv.mutex.Unlock()

	if kv.closed {
		kv.discardOutputs(outputs)
		return nil, ErrStorageClosed
	}

	result := &compactionResult{inputs: len(plan.inputs), outputs: len(outputs)}
	for _, m := range moves {
		if kv.index.CompareAndSwap(m.key, m.from, m.to) {
			kv.usage.move(m.from, m.to)
			result.moved++
		} else {
			result.dropped++
		}
	}

	var written int64
	for _, id := range outputs {
		for _, info := range kv.store.Segments() {
			if info.ID == id {
				written += info.Size
			}
		}
	}

	// Ascending order: a tombstone is never deleted before the older
	// record it shadows.
	var errs []error
	for _, id := range plan.inputs {
		if err := kv.store.Retire(id); err != nil {
			errs = append(errs, fmt.Errorf("retire segment %d: %w", id, err))
		}
	}
	result.reclaimed = plan.diskBytes - written
	return result, errors.Join(errs...)
}

// discardOutputs retires committed output segments that never became
// visible through the index.
func (kv *KvStore) discardOutputs(ids []uint64) {
	for _, id := range ids {
		if err := kv.store.Retire(id); err != nil {
			kv.logger.WithError(err).WithField("segment", id).Warn("failed to discard compaction output")
		}
	}
}

func abortWriters(writers []*segment.Writer) {
	for _, w := range writers {
		w.Abort()
	}
}
