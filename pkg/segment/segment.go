// Package segment manages the append-only log files ("segments") that hold
// every record written to the store.
//
// Segments are named by a zero-padded id so that a lexical sort of the data
// directory is also a numeric sort:
//
//	00000000000000000001.log  <- sealed
//	00000000000000000002.log  <- sealed
//	00000000000000000005.log  <- active (highest id, the only writable file)
//
// Lifecycle: ACTIVE -> SEALED (rotation) -> RETIRED (deleted by compaction).
// Compaction output is written to "<id>.compact" first and only renamed to
// "<id>.log" once it is complete and on stable storage.
package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	// LogExt is the extension of a live segment file.
	LogExt = ".log"

	// CompactExt is the extension of a compaction output that was not committed.
	CompactExt = ".compact"
)

var (
	// ErrSegmentNotFound is returned for ids that were never created or were retired.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrSegmentActive is returned when retiring the active segment.
	ErrSegmentActive = errors.New("segment is active")

	// ErrSegmentInUse is returned when retiring a segment that still holds live records.
	ErrSegmentInUse = errors.New("segment is still referenced")

	// ErrSegmentExists is returned when creating a segment id that already exists.
	ErrSegmentExists = errors.New("segment already exists")

	// ErrShortRead is returned when a read extends past the end of a segment.
	ErrShortRead = errors.New("read past end of segment")

	// ErrStoreClosed is returned for operations on a closed store.
	ErrStoreClosed = errors.New("segment store is closed")
)

// FileName returns the file name of segment id.
func FileName(id uint64) string {
	return fmt.Sprintf("%020d%s", id, LogExt)
}

func compactFileName(id uint64) string {
	return fmt.Sprintf("%020d%s", id, CompactExt)
}

// ParseFileName extracts the id from a segment file name. Names that FileName
// could not have produced are rejected.
func ParseFileName(name string) (uint64, bool) {
	digits := strings.TrimSuffix(name, LogExt)
	if len(digits) != 20 || digits == name {
		return 0, false
	}
	id, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Info describes a segment at a point in time.
type Info struct {
	ID     uint64
	Size   int64
	Active bool
}

// segment is one open log file.
type segment struct {
	id   uint64
	path string
	file *os.File
	size atomic.Int64
}

func openSegment(dir string, id uint64, create bool) (*segment, error) {
	path := filepath.Join(dir, FileName(id))
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %d", ErrSegmentExists, id)
		}
		return nil, fmt.Errorf("open segment %d: %w", id, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat segment %d: %w", id, err)
	}

	seg := &segment{id: id, path: path, file: file}
	seg.size.Store(info.Size())
	return seg, nil
}

func (s *segment) info(active bool) Info {
	return Info{ID: s.id, Size: s.size.Load(), Active: active}
}
