package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nippo/internal/domain"
	"nippo/internal/interface/repository/logger"
	"nippo/internal/interface/repository/metrics"
	"nippo/internal/usecase"
)

func TestMetricsHandler_Routes(t *testing.T) {
	m := metrics.New("")
	m.RecordCacheHit()
	uc := usecase.NewMetricsUseCase(m, logger.NewNop(), usecase.MetricsConfig{SaveInterval: time.Hour})
	routes := NewMetricsHandler(uc, m.Handler(), logger.NewNop()).Routes()

	testCases := []struct {
		path     string
		wantCode int
		check    func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{"/health", http.StatusOK, func(t *testing.T, rec *httptest.ResponseRecorder) {
			assert.JSONEq(t, `{"status":"up"}`, rec.Body.String())
		}},
		{"/stats", http.StatusOK, func(t *testing.T, rec *httptest.ResponseRecorder) {
			var s domain.MetricsSnapshot
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
			assert.Equal(t, int64(1), s.CacheHits)
		}},
		{"/metrics", http.StatusOK, func(t *testing.T, rec *httptest.ResponseRecorder) {
			assert.Contains(t, rec.Body.String(), "nippo_cache_hits_total 1")
		}},
		{"/unknown", http.StatusNotFound, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			assert.Equal(t, tc.wantCode, rec.Code)
			if tc.check != nil {
				tc.check(t, rec)
			}
		})
	}
}
