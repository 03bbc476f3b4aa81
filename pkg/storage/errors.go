package storage

import (
	"errors"
	"fmt"

	"kvs/pkg/record"
	"kvs/pkg/segment"
)

var (
	// ErrKeyNotFound is returned when removing a key that doesn't exist
	ErrKeyNotFound = errors.New("key not found")

	// ErrStorageClosed is returned when operating on a closed storage engine
	ErrStorageClosed = errors.New("storage engine is closed")

	// ErrCompactionInProgress is returned when a compaction is requested while one is running
	ErrCompactionInProgress = errors.New("compaction is already in progress")

	// ErrWrongEngine is returned when a data directory was created by another engine kind
	ErrWrongEngine = errors.New("data directory belongs to a different engine")

	// ErrInvalidConfiguration is returned for invalid storage configuration
	ErrInvalidConfiguration = errors.New("invalid storage configuration")

	// ErrInvalidArgument is the parent of every argument validation error
	ErrInvalidArgument = errors.New("invalid argument")

	ErrEmptyKey      = fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	ErrKeyTooLarge   = fmt.Errorf("%w: key exceeds %d bytes", ErrInvalidArgument, record.MaxKeySize)
	ErrValueTooLarge = fmt.Errorf("%w: value exceeds %d bytes", ErrInvalidArgument, record.MaxValueSize)

	// ErrCorrupted is returned when a stored record fails validation
	ErrCorrupted = record.ErrCorrupted

	// ErrShortRead and ErrSegmentNotFound mean the index points at data the
	// log files no longer hold
	ErrShortRead       = segment.ErrShortRead
	ErrSegmentNotFound = segment.ErrSegmentNotFound
)

func validateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(key) > record.MaxKeySize {
		return ErrKeyTooLarge
	}
	return nil
}

func validateValue(value []byte) error {
	if len(value) > record.MaxValueSize {
		return ErrValueTooLarge
	}
	return nil
}
