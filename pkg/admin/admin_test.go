package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvs/pkg/logging"
	"kvs/pkg/metrics"
	"kvs/pkg/storage"
)

// stubEngine returns canned results for the maintenance calls.
type stubEngine struct {
	stats      storage.Stats
	compactErr error
	syncErr    error
	compacted  int
}

func (e *stubEngine) Stats() storage.Stats { return e.stats }
func (e *stubEngine) Sync() error          { return e.syncErr }
func (e *stubEngine) Compact() error {
	e.compacted++
	return e.compactErr
}

func do(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	s := New(&stubEngine{}, Config{Logger: logging.Nop()})

	rec, body := do(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestStats(t *testing.T) {
	engine := &stubEngine{stats: storage.Stats{
		Engine:     storage.KindKvs,
		Keys:       3,
		Segments:   2,
		TotalBytes: 400,
		StaleBytes: 100,
	}}
	s := New(engine, Config{Logger: logging.Nop()})

	rec, body := do(t, s, http.MethodGet, "/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "kvs", body["engine"])
	assert.Equal(t, float64(3), body["keys"])
	assert.Equal(t, float64(2), body["segments"])
	assert.Equal(t, 0.25, body["stale_ratio"])
}

func TestCompact(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"success", nil, http.StatusOK},
		{"already running", storage.ErrCompactionInProgress, http.StatusConflict},
		{"closed", storage.ErrStorageClosed, http.StatusServiceUnavailable},
		{"io failure", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &stubEngine{compactErr: tt.err}
			s := New(engine, Config{Logger: logging.Nop()})

			rec, body := do(t, s, http.MethodPost, "/compact")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, 1, engine.compacted)
			if tt.err != nil {
				assert.Equal(t, tt.err.Error(), body["error"])
				assert.Equal(t, float64(tt.status), body["status"])
			} else {
				assert.Equal(t, "compacted", body["status"])
				assert.Contains(t, body, "stats")
			}
		})
	}
}

func TestCompact_RequiresPost(t *testing.T) {
	engine := &stubEngine{}
	s := New(engine, Config{Logger: logging.Nop()})

	rec, _ := do(t, s, http.MethodGet, "/compact")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Zero(t, engine.compacted)
}

func TestSync(t *testing.T) {
	s := New(&stubEngine{}, Config{Logger: logging.Nop()})
	rec, body := do(t, s, http.MethodPost, "/sync")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "synced", body["status"])

	s = New(&stubEngine{syncErr: storage.ErrStorageClosed}, Config{Logger: logging.Nop()})
	rec, _ = do(t, s, http.MethodPost, "/sync")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetrics_Disabled(t *testing.T) {
	s := New(&stubEngine{}, Config{Logger: logging.Nop()})
	rec, _ := do(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "metrics disabled")
}

// A real engine behind the admin API: writes show up in /stats and /metrics,
// and /compact reclaims the overwritten bytes.
func TestAdmin_WithEngine(t *testing.T) {
	registry := metrics.NewRegistry(metrics.Config{Enabled: true})
	config := storage.DefaultConfig()
	config.MaxSegmentSize = 1024
	config.BackgroundCompaction = false
	config.Logger = logging.Nop()
	config.Metrics = registry.Storage

	engine, err := storage.OpenEngine(storage.KindKvs, t.TempDir(), config)
	require.NoError(t, err)
	defer engine.Close()

	for i := 0; i < 200; i++ {
		require.NoError(t, engine.Set(fmt.Sprintf("key-%d", i%10), []byte("some value")))
	}

	s := New(engine, Config{Logger: logging.Nop(), Registry: registry})

	_, before := do(t, s, http.MethodGet, "/stats")
	assert.Equal(t, float64(10), before["keys"])
	assert.Greater(t, before["stale_bytes"].(float64), float64(0))

	rec, body := do(t, s, http.MethodPost, "/compact")
	require.Equal(t, http.StatusOK, rec.Code)
	after := body["stats"].(map[string]interface{})
	assert.Equal(t, float64(10), after["keys"])
	assert.Less(t, after["total_bytes"].(float64), before["total_bytes"].(float64))
	assert.Equal(t, float64(1), after["compactions"])

	rec, _ = do(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kvs_storage_operations_total")
}

func TestServer_Lifecycle(t *testing.T) {
	s := New(&stubEngine{}, Config{Addr: "127.0.0.1:0", Logger: logging.Nop()})
	assert.Error(t, s.Serve(), "Serve before Listen")
	require.NoError(t, s.Listen())

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	resp, err := http.Get("http://" + s.Addr().String() + "/health")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-done)
}
