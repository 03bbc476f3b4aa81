package storage

import (
	"sync"

	"kvs/pkg/index"
)

// usage tracks how many bytes of each segment are still referenced by the
// index. Everything else on disk is stale. It has its own lock because the
// segment store asks it whether a segment is in use while the engine lock is
// already held.
type usage struct {
	mu    sync.Mutex
	live  map[uint64]int64
	total int64
}

func newUsage() *usage {
	return &usage{live: make(map[uint64]int64)}
}

func (u *usage) add(ptr index.Pointer) {
	u.mu.Lock()
	u.live[ptr.SegmentID] += int64(ptr.Length)
	u.total += int64(ptr.Length)
	u.mu.Unlock()
}

func (u *usage) remove(ptr index.Pointer) {
	u.mu.Lock()
	u.removeLocked(ptr)
	u.mu.Unlock()
}

func (u *usage) removeLocked(ptr index.Pointer) {
	u.live[ptr.SegmentID] -= int64(ptr.Length)
	if u.live[ptr.SegmentID] <= 0 {
		delete(u.live, ptr.SegmentID)
	}
	u.total -= int64(ptr.Length)
}

// move transfers a record's bytes from one segment to another.
func (u *usage) move(from, to index.Pointer) {
	u.mu.Lock()
	u.removeLocked(from)
	u.live[to.SegmentID] += int64(to.Length)
	u.total += int64(to.Length)
	u.mu.Unlock()
}

func (u *usage) inUse(id uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.live[id] > 0
}

func (u *usage) liveIn(ids []uint64) int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	var n int64
	for _, id := range ids {
		n += u.live[id]
	}
	return n
}

func (u *usage) liveBytes() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}
