package metrics

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nippo/internal/domain"
)

func TestRepository_Snapshot(t *testing.T) {
	r := New("")

	r.IncrementSessions()
	r.IncrementSessions()
	r.DecrementSessions()
	r.RecordRequest()
	r.RecordCacheHit()
	r.RecordCacheMiss()
	r.RecordInstall(true)
	r.RecordInstall(false)
	r.RecordIngest(3)
	r.AddBytesTransferred(512)

	s := r.Snapshot()
	assert.Equal(t, int64(1), s.OpenSessions)
	assert.Equal(t, int64(1), s.TotalRequests)
	assert.Equal(t, int64(1), s.CacheHits)
	assert.Equal(t, int64(1), s.CacheMisses)
	assert.Equal(t, int64(1), s.Installs)
	assert.Equal(t, int64(1), s.InstallFailures)
	assert.Equal(t, int64(3), s.IngestedRecords)
	assert.Equal(t, int64(512), s.BytesTransferred)
}

func TestRepository_PrometheusHandler(t *testing.T) {
	r := New("")
	r.RecordCacheHit()
	r.RecordCacheHit()
	r.IncrementSessions()

	expected := `
# HELP nippo_cache_hits_total Total number of cache hits
# TYPE nippo_cache_hits_total counter
nippo_cache_hits_total 2
# HELP nippo_open_sessions Current number of open consumer sessions
# TYPE nippo_open_sessions gauge
nippo_open_sessions 1
`
	require.NoError(t, testutil.GatherAndCompare(r.registry, strings.NewReader(expected),
		"nippo_cache_hits_total", "nippo_open_sessions"))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "nippo_cache_hits_total 2")
}

func TestRepository_SaveMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	r := New(path)
	r.RecordActivation()

	require.NoError(t, r.SaveMetrics(r.Snapshot()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var s domain.MetricsSnapshot
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, int64(1), s.Activations)

	assert.NoError(t, New("").SaveMetrics(r.Snapshot()))
}
