package storage_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvs/pkg/segment"
	"kvs/pkg/storage"
)

func TestRecovery_TruncatesTornTail(t *testing.T) {
	dir := t.TempDir()

	kv, err := storage.Open(dir, testConfig(nil))
	require.NoError(t, err)
	require.NoError(t, kv.Set("a", []byte("1")))
	require.NoError(t, kv.Set("b", []byte("2")))
	active := kv.Stats().ActiveSegment
	require.NoError(t, kv.Close())

	path := filepath.Join(dir, segment.FileName(active))
	info, err := os.Stat(path)
	require.NoError(t, err)
	goodSize := info.Size()

	// a record header promising more bytes than were written
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x05, 0x00, 0x00, 0x00, 'c', 'c'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	kv = openStore(t, dir, nil)
	requireValue(t, kv, "a", "1")
	requireValue(t, kv, "b", "2")

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, goodSize, info.Size(), "torn tail is cut off")

	require.NoError(t, kv.Set("c", []byte("3")))
	require.NoError(t, kv.Close())

	kv = openStore(t, dir, nil)
	requireValue(t, kv, "c", "3")
	assert.Equal(t, 3, kv.Stats().Keys)
}

func TestRecovery_ChecksumMismatchInActiveSegment(t *testing.T) {
	dir := t.TempDir()

	kv, err := storage.Open(dir, testConfig(nil))
	require.NoError(t, err)
	require.NoError(t, kv.Set("a", []byte("1")))
	require.NoError(t, kv.Set("b", []byte("2")))
	active := kv.Stats().ActiveSegment
	require.NoError(t, kv.Close())

	// flip the last byte of the last record's checksum
	path := filepath.Join(dir, segment.FileName(active))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	kv = openStore(t, dir, nil)
	requireValue(t, kv, "a", "1")
	requireMissing(t, kv, "b")
}

func TestRecovery_SealedSegmentCorruptionFailsOpen(t *testing.T) {
	dir := t.TempDir()
	small := func(c *storage.Config) { c.MaxSegmentSize = 64 }

	kv, err := storage.Open(dir, testConfig(small))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, kv.Set(fmt.Sprintf("key-%d", i), []byte("some value")))
	}
	require.Greater(t, kv.Stats().Segments, 1)
	require.NoError(t, kv.Close())

	path := filepath.Join(dir, segment.FileName(1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[6] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = storage.Open(dir, testConfig(small))
	assert.ErrorIs(t, err, storage.ErrCorrupted)
}

func TestRecovery_TombstoneInLaterSegment(t *testing.T) {
	dir := t.TempDir()
	small := func(c *storage.Config) { c.MaxSegmentSize = 16 }

	kv, err := storage.Open(dir, testConfig(small))
	require.NoError(t, err)
	require.NoError(t, kv.Set("gone", []byte("soon removed")))
	require.NoError(t, kv.Set("kept", []byte("stays")))
	require.NoError(t, kv.Remove("gone"))
	require.GreaterOrEqual(t, kv.Stats().Segments, 3)
	require.NoError(t, kv.Close())

	kv = openStore(t, dir, small)
	requireMissing(t, kv, "gone")
	requireValue(t, kv, "kept", "stays")
	assert.Equal(t, 1, kv.Stats().Keys)
}

func TestRecovery_DropsStaleCompactionOutput(t *testing.T) {
	dir := t.TempDir()

	kv, err := storage.Open(dir, testConfig(nil))
	require.NoError(t, err)
	require.NoError(t, kv.Set("a", []byte("1")))
	require.NoError(t, kv.Close())

	stray := filepath.Join(dir, fmt.Sprintf("%020d%s", 7, segment.CompactExt))
	require.NoError(t, os.WriteFile(stray, []byte("half written"), 0644))

	kv = openStore(t, dir, nil)
	requireValue(t, kv, "a", "1")
	assert.NoFileExists(t, stray)
}
