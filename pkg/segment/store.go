package segment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"kvs/pkg/record"
)

// SyncMode determines when appends are flushed to stable storage.
type SyncMode int

const (
	// SyncNone leaves flushing to the OS; segments are fsynced on rotation and close.
	SyncNone SyncMode = iota
	// SyncAlways fsyncs the active segment after every append.
	SyncAlways
)

// Options configures a Store.
type Options struct {
	SyncMode SyncMode

	// InUse reports whether a segment still holds records referenced by the
	// index. Retire refuses to delete such segments. It is called without any
	// store lock held.
	InUse func(id uint64) bool
}

// Store owns the segment files of one data directory.
//
// Appends are serialized by writeMu. Reads only take mu long enough to look
// up the segment and then use positional reads, so they run concurrently
// with appends and with each other.
type Store struct {
	dir  string
	opts Options

	mu       sync.RWMutex
	segments map[uint64]*segment
	active   *segment
	closed   bool

	writeMu sync.Mutex
}

// Open discovers the segments in dir, removes uncommitted compaction output
// and opens the highest id as the active segment. A new store starts with
// segment 1.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, CompactExt) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return nil, fmt.Errorf("failed to remove stale compaction output %s: %w", name, err)
			}
			continue
		}
		if id, ok := ParseFileName(name); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	s := &Store{
		dir:      dir,
		opts:     opts,
		segments: make(map[uint64]*segment, len(ids)+1),
	}

	for _, id := range ids {
		seg, err := openSegment(dir, id, false)
		if err != nil {
			s.closeAll()
			return nil, err
		}
		s.segments[id] = seg
		s.active = seg
	}

	if s.active == nil {
		seg, err := openSegment(dir, 1, true)
		if err != nil {
			return nil, err
		}
		if err := syncDir(dir); err != nil {
			seg.file.Close()
			return nil, fmt.Errorf("sync data directory: %w", err)
		}
		s.segments[1] = seg
		s.active = seg
	}

	return s, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// ActiveID returns the id of the active segment.
func (s *Store) ActiveID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.id
}

// ActiveSize returns the current size of the active segment.
func (s *Store) ActiveSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.size.Load()
}

// Append writes data at the end of the active segment and returns where it
// landed. A failed write is rolled back so the segment never ends in a
// partial record written by this process.
func (s *Store) Append(data []byte) (uint64, int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, 0, ErrStoreClosed
	}
	seg := s.active
	s.mu.RUnlock()

	offset := seg.size.Load()
	n, err := seg.file.WriteAt(data, offset)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		if terr := seg.file.Truncate(offset); terr != nil {
			return 0, 0, fmt.Errorf("append to segment %d: %w (rollback failed: %v)", seg.id, err, terr)
		}
		return 0, 0, fmt.Errorf("append to segment %d: %w", seg.id, err)
	}

	if s.opts.SyncMode == SyncAlways {
		if err := syncFile(seg.file); err != nil {
			if terr := seg.file.Truncate(offset); terr != nil {
				return 0, 0, fmt.Errorf("sync segment %d: %w (rollback failed: %v)", seg.id, err, terr)
			}
			return 0, 0, fmt.Errorf("sync segment %d: %w", seg.id, err)
		}
	}

	seg.size.Store(offset + int64(n))
	return seg.id, offset, nil
}

// Read returns length bytes of segment id starting at offset.
func (s *Store) Read(id uint64, offset int64, length int) ([]byte, error) {
	s.mu.RLock()
	seg, ok := s.segments[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSegmentNotFound, id)
	}

	buf := make([]byte, length)
	n, err := seg.file.ReadAt(buf, offset)
	if errors.Is(err, os.ErrClosed) {
		return nil, fmt.Errorf("%w: %d", ErrSegmentNotFound, id)
	}
	if n < length {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: segment %d offset %d length %d", ErrShortRead, id, offset, length)
		}
		return nil, fmt.Errorf("%w: segment %d offset %d length %d: %w", ErrShortRead, id, offset, length, err)
	}
	return buf, nil
}

// Rotate seals the active segment and makes active+1 the new active segment.
func (s *Store) Rotate() (uint64, error) {
	return s.RotateTo(s.ActiveID() + 1)
}

// RotateTo seals the active segment and opens id as the new active segment.
// id must be greater than the current active id; the ids in between stay
// free for compaction output.
func (s *Store) RotateTo(id uint64) (uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	closed, prev := s.closed, s.active
	s.mu.RUnlock()
	if closed {
		return 0, ErrStoreClosed
	}
	if id <= prev.id {
		return 0, fmt.Errorf("cannot rotate from segment %d to %d", prev.id, id)
	}

	if err := prev.file.Sync(); err != nil {
		return 0, fmt.Errorf("seal segment %d: %w", prev.id, err)
	}

	seg, err := openSegment(s.dir, id, true)
	if err != nil {
		return 0, err
	}
	if err := syncDir(s.dir); err != nil {
		seg.file.Close()
		os.Remove(seg.path)
		return 0, fmt.Errorf("sync data directory: %w", err)
	}

	s.mu.Lock()
	s.segments[id] = seg
	s.active = seg
	s.mu.Unlock()

	return id, nil
}

// Segments returns all segments ordered oldest to newest.
func (s *Store) Segments() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]Info, 0, len(s.segments))
	for _, seg := range s.segments {
		infos = append(infos, seg.info(seg == s.active))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// TotalSize returns the number of bytes held by all segments.
func (s *Store) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, seg := range s.segments {
		total += seg.size.Load()
	}
	return total
}

// Retire closes and deletes segment id.
func (s *Store) Retire(id uint64) error {
	if s.opts.InUse != nil && s.opts.InUse(id) {
		return fmt.Errorf("%w: %d", ErrSegmentInUse, id)
	}

	s.mu.Lock()
	seg, ok := s.segments[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSegmentNotFound, id)
	}
	if seg == s.active {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSegmentActive, id)
	}
	delete(s.segments, id)
	s.mu.Unlock()

	if err := seg.file.Close(); err != nil {
		return fmt.Errorf("close segment %d: %w", id, err)
	}
	if err := os.Remove(seg.path); err != nil {
		return fmt.Errorf("remove segment %d: %w", id, err)
	}
	return nil
}

// TruncateActive cuts the active segment back to size. It is used by
// recovery to drop a torn tail so that new appends follow the last good
// record.
func (s *Store) TruncateActive(size int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	seg := s.active
	s.mu.RUnlock()

	if size > seg.size.Load() {
		return fmt.Errorf("cannot grow segment %d to %d bytes", seg.id, size)
	}
	if err := seg.file.Truncate(size); err != nil {
		return fmt.Errorf("truncate segment %d: %w", seg.id, err)
	}
	if err := seg.file.Sync(); err != nil {
		return fmt.Errorf("sync segment %d: %w", seg.id, err)
	}
	seg.size.Store(size)
	return nil
}

// ScanError reports where a segment stopped decoding.
type ScanError struct {
	SegmentID uint64
	Offset    int64
	Err       error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("segment %d at offset %d: %v", e.SegmentID, e.Offset, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Scan reads every record of segment id in order. It stops at the first
// record that fails to decode and returns a *ScanError carrying the offset of
// that record. An error returned by fn stops the scan and is returned as is.
func (s *Store) Scan(id uint64, fn func(rec record.Record, offset int64, length int) error) error {
	s.mu.RLock()
	seg, ok := s.segments[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrSegmentNotFound, id)
	}

	// A private handle keeps the sequential read position away from the
	// shared file used by Read and Append.
	file, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("open segment %d for scan: %w", id, err)
	}
	defer file.Close()

	limit := seg.size.Load()
	rd := record.NewReader(io.LimitReader(file, limit))
	for {
		rec, offset, length, err := rd.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &ScanError{SegmentID: id, Offset: offset, Err: err}
		}
		if err := fn(rec, offset, length); err != nil {
			return err
		}
	}
}

// Sync flushes the active segment to stable storage.
func (s *Store) Sync() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	seg := s.active
	s.mu.RUnlock()
	return seg.file.Sync()
}

// Close syncs the active segment and closes every file.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.active.file.Sync()
	if cerr := s.closeAll(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) closeAll() error {
	var first error
	for _, seg := range s.segments {
		if err := seg.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// register adds a committed compaction segment to the store.
func (s *Store) register(seg *segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.segments[seg.id]; ok {
		return fmt.Errorf("%w: %d", ErrSegmentExists, seg.id)
	}
	s.segments[seg.id] = seg
	return nil
}

// Replaced in tests to inject fsync failures.
var (
	syncFile = (*os.File).Sync
	syncDir  = syncDirectory
)

func syncDirectory(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
