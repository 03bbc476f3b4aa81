package storage_test

import (
	"fmt"
	"math/rand"
	"testing"

	"kvs/pkg/storage"
)

const benchKeys = 1000

func benchEngine(b *testing.B, kind string) storage.Backend {
	b.Helper()
	engine, err := storage.OpenEngine(kind, b.TempDir(), testConfig(nil))
	if err != nil {
		b.Fatalf("Failed to open %s engine: %v", kind, err)
	}
	b.Cleanup(func() { engine.Close() })
	return engine
}

func benchValue(rng *rand.Rand) []byte {
	value := make([]byte, 1+rng.Intn(1024))
	rng.Read(value)
	return value
}

func BenchmarkSet(b *testing.B) {
	for _, kind := range storage.Kinds() {
		b.Run(kind, func(b *testing.B) {
			engine := benchEngine(b, kind)
			rng := rand.New(rand.NewSource(1))
			values := make([][]byte, benchKeys)
			for i := range values {
				values[i] = benchValue(rng)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := engine.Set(fmt.Sprintf("key%d", i%benchKeys), values[i%benchKeys]); err != nil {
					b.Fatalf("Set failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkGet(b *testing.B) {
	for _, kind := range storage.Kinds() {
		b.Run(kind, func(b *testing.B) {
			engine := benchEngine(b, kind)
			rng := rand.New(rand.NewSource(1))
			for i := 0; i < benchKeys; i++ {
				if err := engine.Set(fmt.Sprintf("key%d", i), benchValue(rng)); err != nil {
					b.Fatalf("Set failed: %v", err)
				}
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, found, err := engine.Get(fmt.Sprintf("key%d", rng.Intn(benchKeys))); err != nil || !found {
					b.Fatalf("Get failed: found=%v err=%v", found, err)
				}
			}
		})
	}
}

func BenchmarkCompact(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		kv, err := storage.Open(b.TempDir(), testConfig(func(c *storage.Config) { c.MaxSegmentSize = 64 * 1024 }))
		if err != nil {
			b.Fatalf("Open failed: %v", err)
		}
		rng := rand.New(rand.NewSource(int64(i)))
		for j := 0; j < 10*benchKeys; j++ {
			if err := kv.Set(fmt.Sprintf("key%d", j%benchKeys), benchValue(rng)); err != nil {
				b.Fatalf("Set failed: %v", err)
			}
		}
		b.StartTimer()

		if err := kv.Compact(); err != nil {
			b.Fatalf("Compact failed: %v", err)
		}

		b.StopTimer()
		kv.Close()
		b.StartTimer()
	}
}
