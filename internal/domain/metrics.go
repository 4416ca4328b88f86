package domain

import "time"

// MetricsCollector はメトリクス収集のインターフェース
type MetricsCollector interface {
	IncrementSessions()
	DecrementSessions()
	AddBytesTransferred(bytes int64)
	RecordRequest()
	RecordCacheHit()
	RecordCacheMiss()
	RecordNetworkFetch()
	RecordNetworkFailure()
	RecordCacheStore()
	RecordStoreFailure()
	RecordPassthrough()
	RecordInstall(ok bool)
	RecordActivation()
	RecordIngest(records int)
	RecordError()
	Snapshot() *MetricsSnapshot
}

// MetricsSnapshot はメトリクスのスナップショットを表す
type MetricsSnapshot struct {
	Timestamp        time.Time `json:"timestamp"`
	StartTime        time.Time `json:"start_time"`
	OpenSessions     int64     `json:"open_sessions"`
	TotalRequests    int64     `json:"total_requests"`
	BytesTransferred int64     `json:"bytes_transferred"`
	CacheHits        int64     `json:"cache_hits"`
	CacheMisses      int64     `json:"cache_misses"`
	NetworkFetches   int64     `json:"network_fetches"`
	NetworkFailures  int64     `json:"network_failures"`
	CacheStores      int64     `json:"cache_stores"`
	StoreFailures    int64     `json:"store_failures"`
	Passthroughs     int64     `json:"passthroughs"`
	Installs         int64     `json:"installs"`
	InstallFailures  int64     `json:"install_failures"`
	Activations      int64     `json:"activations"`
	IngestedRecords  int64     `json:"ingested_records"`
	Errors           int64     `json:"errors"`
	Uptime           string    `json:"uptime"`
}
