package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nippo/internal/domain"
)

const namespace = "nippo"

// Repository はメトリクスのリポジトリ実装
type Repository struct {
	mu          sync.Mutex
	metricsFile string
	startTime   time.Time
	registry    *prometheus.Registry

	sessions        int64
	requests        int64
	bytes           int64
	cacheHits       int64
	cacheMisses     int64
	networkFetches  int64
	networkFailures int64
	cacheStores     int64
	storeFailures   int64
	passthroughs    int64
	installs        int64
	installFailures int64
	activations     int64
	ingested        int64
	errors          int64
}

// インターフェースの実装を検証
var _ domain.MetricsCollector = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成. metricsFile が空なら保存しない.
func New(metricsFile string) *Repository {
	r := &Repository{
		metricsFile: metricsFile,
		startTime:   time.Now(),
		registry:    prometheus.NewRegistry(),
	}
	r.register()
	return r
}

// register はカウンターを Prometheus に公開する
func (r *Repository) register() {
	counter := func(name, help string, v *int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(atomic.LoadInt64(v)) })
	}

	r.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Current number of open consumer sessions",
		}, func() float64 { return float64(atomic.LoadInt64(&r.sessions)) }),
		counter("requests_total", "Total number of intercepted requests", &r.requests),
		counter("bytes_transferred_total", "Total number of bytes transferred", &r.bytes),
		counter("cache_hits_total", "Total number of cache hits", &r.cacheHits),
		counter("cache_misses_total", "Total number of cache misses", &r.cacheMisses),
		counter("network_fetches_total", "Total number of successful network fetches", &r.networkFetches),
		counter("network_failures_total", "Total number of failed network fetches", &r.networkFailures),
		counter("cache_stores_total", "Total number of stored cache entries", &r.cacheStores),
		counter("cache_store_failures_total", "Total number of failed cache writes", &r.storeFailures),
		counter("passthrough_total", "Total number of requests passed through untouched", &r.passthroughs),
		counter("installs_total", "Total number of successful generation installs", &r.installs),
		counter("install_failures_total", "Total number of failed generation installs", &r.installFailures),
		counter("activations_total", "Total number of generation activations", &r.activations),
		counter("ingested_records_total", "Total number of ingested report records", &r.ingested),
		counter("errors_total", "Total number of errors", &r.errors),
	)
}

// Handler は Prometheus 形式のメトリクスを返すハンドラー
func (r *Repository) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// SaveMetrics はメトリクスをファイルに保存
func (r *Repository) SaveMetrics(snapshot *domain.MetricsSnapshot) error {
	if r.metricsFile == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	tempFile := r.metricsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempFile, r.metricsFile)
}

// 以下、MetricsCollector インターフェースの実装
func (r *Repository) IncrementSessions() {
	atomic.AddInt64(&r.sessions, 1)
}

func (r *Repository) DecrementSessions() {
	atomic.AddInt64(&r.sessions, -1)
}

func (r *Repository) AddBytesTransferred(bytes int64) {
	atomic.AddInt64(&r.bytes, bytes)
}

func (r *Repository) RecordRequest() {
	atomic.AddInt64(&r.requests, 1)
}

func (r *Repository) RecordCacheHit() {
	atomic.AddInt64(&r.cacheHits, 1)
}

func (r *Repository) RecordCacheMiss() {
	atomic.AddInt64(&r.cacheMisses, 1)
}

func (r *Repository) RecordNetworkFetch() {
	atomic.AddInt64(&r.networkFetches, 1)
}

func (r *Repository) RecordNetworkFailure() {
	atomic.AddInt64(&r.networkFailures, 1)
}

func (r *Repository) RecordCacheStore() {
	atomic.AddInt64(&r.cacheStores, 1)
}

func (r *Repository) RecordStoreFailure() {
	atomic.AddInt64(&r.storeFailures, 1)
}

func (r *Repository) RecordPassthrough() {
	atomic.AddInt64(&r.passthroughs, 1)
}

func (r *Repository) RecordInstall(ok bool) {
	if ok {
		atomic.AddInt64(&r.installs, 1)
		return
	}
	atomic.AddInt64(&r.installFailures, 1)
}

func (r *Repository) RecordActivation() {
	atomic.AddInt64(&r.activations, 1)
}

func (r *Repository) RecordIngest(records int) {
	atomic.AddInt64(&r.ingested, int64(records))
}

func (r *Repository) RecordError() {
	atomic.AddInt64(&r.errors, 1)
}

func (r *Repository) Snapshot() *domain.MetricsSnapshot {
	return &domain.MetricsSnapshot{
		Timestamp:        time.Now(),
		StartTime:        r.startTime,
		OpenSessions:     atomic.LoadInt64(&r.sessions),
		TotalRequests:    atomic.LoadInt64(&r.requests),
		BytesTransferred: atomic.LoadInt64(&r.bytes),
		CacheHits:        atomic.LoadInt64(&r.cacheHits),
		CacheMisses:      atomic.LoadInt64(&r.cacheMisses),
		NetworkFetches:   atomic.LoadInt64(&r.networkFetches),
		NetworkFailures:  atomic.LoadInt64(&r.networkFailures),
		CacheStores:      atomic.LoadInt64(&r.cacheStores),
		StoreFailures:    atomic.LoadInt64(&r.storeFailures),
		Passthroughs:     atomic.LoadInt64(&r.passthroughs),
		Installs:         atomic.LoadInt64(&r.installs),
		InstallFailures:  atomic.LoadInt64(&r.installFailures),
		Activations:      atomic.LoadInt64(&r.activations),
		IngestedRecords:  atomic.LoadInt64(&r.ingested),
		Errors:           atomic.LoadInt64(&r.errors),
		Uptime:           time.Since(r.startTime).String(),
	}
}
