package usecase

import (
	"sync"
	"sync/atomic"
	"time"

	"nippo/internal/domain"
)

// MetricsSaver はスナップショットを永続化できるコレクター
type MetricsSaver interface {
	SaveMetrics(*domain.MetricsSnapshot) error
}

// MetricsUseCase はメトリクス関連のユースケースを実装
type MetricsUseCase struct {
	metrics      domain.MetricsCollector
	logger       domain.Logger
	saveInterval time.Duration
	done         chan struct{}
	stopped      chan struct{}
	stopOnce     sync.Once
	started      atomic.Bool
}

// MetricsConfig はメトリクスの設定を表す
type MetricsConfig struct {
	SaveInterval time.Duration
}

// NewMetricsUseCase は新しいMetricsUseCaseインスタンスを作成
func NewMetricsUseCase(
	metrics domain.MetricsCollector, logger domain.Logger, config MetricsConfig,
) *MetricsUseCase {
	if config.SaveInterval == 0 {
		config.SaveInterval = 1 * time.Minute
	}

	return &MetricsUseCase{
		metrics:      metrics,
		logger:       logger,
		saveInterval: config.SaveInterval,
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

// Start はメトリクスの定期保存を開始
func (uc *MetricsUseCase) Start() {
	uc.logger.Info("Starting metrics collection", map[string]interface{}{
		"save_interval": uc.saveInterval.String(),
	})
	if uc.started.CompareAndSwap(false, true) {
		go uc.startPeriodicSave()
	}
}

// Stop はメトリクス収集を停止し、最後のスナップショットを保存する
func (uc *MetricsUseCase) Stop() {
	uc.stopOnce.Do(func() {
		close(uc.done)
		if uc.started.Load() {
			<-uc.stopped
		}
		if err := uc.saveMetrics(); err != nil {
			uc.logger.Error("Failed to save metrics", err, nil)
		}
		uc.logger.Info("Stopped metrics collection", nil)
	})
}

// startPeriodicSave は定期的なメトリクス保存を行う
func (uc *MetricsUseCase) startPeriodicSave() {
	defer close(uc.stopped)

	ticker := time.NewTicker(uc.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := uc.saveMetrics(); err != nil {
				uc.logger.Error("Failed to save metrics", err, nil)
			}
		case <-uc.done:
			return
		}
	}
}

// saveMetrics は現在のメトリクスを保存
func (uc *MetricsUseCase) saveMetrics() error {
	if saver, ok := uc.metrics.(MetricsSaver); ok {
		return saver.SaveMetrics(uc.GetMetricsSnapshot())
	}
	return nil
}

// GetMetricsSnapshot は現在のメトリクスのスナップショットを取得
func (uc *MetricsUseCase) GetMetricsSnapshot() *domain.MetricsSnapshot {
	return uc.metrics.Snapshot()
}
