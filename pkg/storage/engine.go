package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"kvs/pkg/segment"
)

// Engine is the contract every storage backend fulfils. The server only talks
// to this interface.
type Engine interface {
	// Get returns the value of key. A missing key is (nil, false, nil).
	Get(key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error

	// Remove deletes key. It returns ErrKeyNotFound when key is absent.
	Remove(key string) error

	// Close flushes and releases the engine. Further calls fail with
	// ErrStorageClosed.
	Close() error
}

// Maintainer exposes the housekeeping operations used by the admin API.
type Maintainer interface {
	Stats() Stats
	Compact() error
	Sync() error
}

// Backend is an Engine that can also be maintained. Both built-in engines
// implement it.
type Backend interface {
	Engine
	Maintainer
}

// Engine kinds accepted by OpenEngine.
const (
	KindKvs     = "kvs"
	KindLevelDB = "leveldb"
)

// markerFile records which engine kind owns a data directory.
const markerFile = "engine"

// Kinds lists the supported engine kinds.
func Kinds() []string {
	return []string{KindKvs, KindLevelDB}
}

// OpenEngine opens the engine of the given kind in dir. The first open of a
// directory records the kind; later opens with another kind fail with
// ErrWrongEngine so that one engine never reads another engine's files.
func OpenEngine(kind, dir string, config *Config) (Backend, error) {
	if kind != KindKvs && kind != KindLevelDB {
		return nil, fmt.Errorf("%w: unknown engine %q (want one of %s)",
			ErrInvalidConfiguration, kind, strings.Join(Kinds(), ", "))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	recorded, err := detectKind(dir)
	if err != nil {
		return nil, err
	}
	if recorded != "" && recorded != kind {
		return nil, fmt.Errorf("%w: %s was created by %q, not %q", ErrWrongEngine, dir, recorded, kind)
	}

	var engine Backend
	switch kind {
	case KindKvs:
		engine, err = Open(dir, config)
	case KindLevelDB:
		engine, err = OpenLevelDB(filepath.Join(dir, KindLevelDB), config)
	}
	if err != nil {
		return nil, err
	}

	if recorded == "" {
		if err := os.WriteFile(filepath.Join(dir, markerFile), []byte(kind+"\n"), 0644); err != nil {
			engine.Close()
			return nil, fmt.Errorf("failed to write engine marker: %w", err)
		}
	}
	return engine, nil
}

// detectKind returns the engine kind that owns dir, or "" for a fresh
// directory. Directories written by KvStore without a marker are recognised
// by their segment files.
func detectKind(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, markerFile))
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read engine marker: %w", err)
	}

	if _, err := os.Stat(filepath.Join(dir, KindLevelDB)); err == nil {
		return KindLevelDB, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*"+segment.LogExt))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if _, ok := segment.ParseFileName(filepath.Base(m)); ok {
			return KindKvs, nil
		}
	}
	return "", nil
}
