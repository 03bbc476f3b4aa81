package segment

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Writer fills a brand new segment that is invisible to readers until it is
// committed. Compaction uses it to write live records away from the active
// segment.
type Writer struct {
	store   *Store
	id      uint64
	tmpPath string
	file    *os.File
	buf     *bufio.Writer
	size    int64
	done    bool
}

// NewWriter creates the uncommitted segment id. id must not exist yet.
func (s *Store) NewWriter(id uint64) (*Writer, error) {
	s.mu.RLock()
	_, exists := s.segments[id]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrStoreClosed
	}
	if exists {
		return nil, fmt.Errorf("%w: %d", ErrSegmentExists, id)
	}

	tmpPath := filepath.Join(s.dir, compactFileName(id))
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("create compaction segment %d: %w", id, err)
	}

	return &Writer{
		store:   s,
		id:      id,
		tmpPath: tmpPath,
		file:    file,
		buf:     bufio.NewWriterSize(file, 64*1024),
	}, nil
}

// ID returns the segment id being written.
func (w *Writer) ID() uint64 {
	return w.id
}

// Size returns the number of bytes appended so far.
func (w *Writer) Size() int64 {
	return w.size
}

// Append buffers data and returns the offset it will occupy.
func (w *Writer) Append(data []byte) (int64, error) {
	if w.done {
		return 0, errors.New("segment writer already finished")
	}
	offset := w.size
	if _, err := w.buf.Write(data); err != nil {
		return 0, fmt.Errorf("write compaction segment %d: %w", w.id, err)
	}
	w.size += int64(len(data))
	return offset, nil
}

// Commit flushes and fsyncs the segment, renames it into place and makes it
// readable through the store.
func (w *Writer) Commit() error {
	if w.done {
		return errors.New("segment writer already finished")
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush compaction segment %d: %w", w.id, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync compaction segment %d: %w", w.id, err)
	}

	path := filepath.Join(w.store.dir, FileName(w.id))
	if err := os.Rename(w.tmpPath, path); err != nil {
		return fmt.Errorf("rename compaction segment %d: %w", w.id, err)
	}
	w.tmpPath = path
	if err := syncDir(w.store.dir); err != nil {
		return fmt.Errorf("sync data directory: %w", err)
	}

	seg := &segment{id: w.id, path: path, file: w.file}
	seg.size.Store(w.size)
	if err := w.store.register(seg); err != nil {
		return err
	}
	w.done = true
	return nil
}

// Abort discards the segment. It is a no-op after Commit.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.file.Close()

	// tmpPath follows the file through a rename done by a failed Commit.
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove compaction segment %d: %w", w.id, err)
	}
	return nil
}
