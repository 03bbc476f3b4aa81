package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvs/pkg/storage"
)

func openEngine(t *testing.T, kind, dir string) storage.Backend {
	t.Helper()
	engine, err := storage.OpenEngine(kind, dir, testConfig(nil))
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

// Every engine must honour the same contract.
func TestEngines_Contract(t *testing.T) {
	for _, kind := range storage.Kinds() {
		t.Run(kind, func(t *testing.T) {
			dir := t.TempDir()
			engine := openEngine(t, kind, dir)

			requireMissing(t, engine, "key1")
			require.NoError(t, engine.Set("key1", []byte("value1")))
			requireValue(t, engine, "key1", "value1")

			require.NoError(t, engine.Set("key1", []byte("value2")))
			requireValue(t, engine, "key1", "value2")

			assert.ErrorIs(t, engine.Remove("missing"), storage.ErrKeyNotFound)
			require.NoError(t, engine.Remove("key1"))
			requireMissing(t, engine, "key1")
			assert.ErrorIs(t, engine.Remove("key1"), storage.ErrKeyNotFound)

			assert.ErrorIs(t, engine.Set("", []byte("v")), storage.ErrEmptyKey)

			require.NoError(t, engine.Set("a", []byte("1")))
			require.NoError(t, engine.Set("b", []byte("2")))
			require.NoError(t, engine.Remove("a"))
			require.NoError(t, engine.Sync())
			require.NoError(t, engine.Compact())

			stats := engine.Stats()
			assert.Equal(t, kind, stats.Engine)
			assert.Equal(t, 1, stats.Keys)
			require.NoError(t, engine.Close())

			engine = openEngine(t, kind, dir)
			requireMissing(t, engine, "a")
			requireValue(t, engine, "b", "2")
			require.NoError(t, engine.Close())

			_, _, err := engine.Get("b")
			assert.ErrorIs(t, err, storage.ErrStorageClosed)
			assert.ErrorIs(t, engine.Set("b", nil), storage.ErrStorageClosed)
		})
	}
}

func TestOpenEngine_WritesMarker(t *testing.T) {
	dir := t.TempDir()
	openEngine(t, storage.KindKvs, dir).Close()

	data, err := os.ReadFile(filepath.Join(dir, "engine"))
	require.NoError(t, err)
	assert.Equal(t, "kvs\n", string(data))
}

func TestOpenEngine_WrongEngine(t *testing.T) {
	tests := []struct {
		first, second string
	}{
		{storage.KindKvs, storage.KindLevelDB},
		{storage.KindLevelDB, storage.KindKvs},
	}

	for _, tt := range tests {
		t.Run(tt.first+"_then_"+tt.second, func(t *testing.T) {
			dir := t.TempDir()
			engine := openEngine(t, tt.first, dir)
			require.NoError(t, engine.Set("k", []byte("v")))
			require.NoError(t, engine.Close())

			_, err := storage.OpenEngine(tt.second, dir, testConfig(nil))
			assert.ErrorIs(t, err, storage.ErrWrongEngine)

			engine = openEngine(t, tt.first, dir)
			requireValue(t, engine, "k", "v")
		})
	}
}

func TestOpenEngine_RecognisesUnmarkedKvsDirectory(t *testing.T) {
	dir := t.TempDir()
	kv, err := storage.Open(dir, testConfig(nil))
	require.NoError(t, err)
	require.NoError(t, kv.Set("k", []byte("v")))
	require.NoError(t, kv.Close())

	_, err = storage.OpenEngine(storage.KindLevelDB, dir, testConfig(nil))
	assert.ErrorIs(t, err, storage.ErrWrongEngine)

	engine := openEngine(t, storage.KindKvs, dir)
	requireValue(t, engine, "k", "v")
}

func TestOpenEngine_UnknownKind(t *testing.T) {
	_, err := storage.OpenEngine("sled", t.TempDir(), testConfig(nil))
	assert.ErrorIs(t, err, storage.ErrInvalidConfiguration)
}
