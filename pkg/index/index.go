// Package index maps every live key to the location of its latest record.
//
// The index holds no state of its own on disk. It is rebuilt on startup by
// replaying the segment log in order, so it can always be thrown away and
// derived again.
package index

import "fmt"

// Pointer locates a record inside the segment log.
type Pointer struct {
	SegmentID uint64 // segment file holding the record
	Offset    int64  // byte offset of the record within the segment
	Length    uint32 // encoded length of the record
}

// String formats the pointer as segment:offset+length.
func (p Pointer) String() string {
	return fmt.Sprintf("%d:%d+%d", p.SegmentID, p.Offset, p.Length)
}

// Indexer is the key → pointer mapping used by the storage engine.
// Implementations must be safe for concurrent use.
type Indexer interface {
	// Get returns the pointer for key.
	Get(key string) (Pointer, bool)

	// Put stores ptr for key and returns the pointer it replaced, if any.
	Put(key string, ptr Pointer) (old Pointer, replaced bool)

	// Delete removes key and returns the pointer it held.
	Delete(key string) (old Pointer, ok bool)

	// CompareAndSwap replaces the pointer for key with next only when the
	// current pointer equals prev.
	CompareAndSwap(key string, prev, next Pointer) bool

	// Len returns the number of live keys.
	Len() int

	// Ascend calls fn for every entry in key order until fn returns false.
	Ascend(fn func(key string, ptr Pointer) bool)
}
