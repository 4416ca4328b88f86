package usecase

import (
	"context"
	"fmt"
	"time"

	"nippo/internal/domain"
)

const defaultIdlePollInterval = 500 * time.Millisecond

// Lifecycle はリリースの変更をインストールと有効化に変換する
type Lifecycle struct {
	manager  *CacheManager
	storage  domain.CacheStorage
	clients  domain.ClientClaimer
	logger   domain.Logger
	interval time.Duration
}

// NewLifecycle は新しいLifecycleインスタンスを作成
func NewLifecycle(
	manager *CacheManager,
	storage domain.CacheStorage,
	clients domain.ClientClaimer,
	logger domain.Logger,
) *Lifecycle {
	return &Lifecycle{
		manager:  manager,
		storage:  storage,
		clients:  clients,
		logger:   logger,
		interval: defaultIdlePollInterval,
	}
}

// Start は起動時のリリースを反映する. 永続化済みの世代があれば再インストールしない.
func (l *Lifecycle) Start(ctx context.Context, release *domain.Release) error {
	if release == nil {
		return fmt.Errorf("release is required")
	}

	ok, err := l.storage.Has(ctx, release.Version)
	if err != nil {
		return fmt.Errorf("check generation: %w", err)
	}
	if ok {
		l.logger.Info("Reusing installed generation", map[string]interface{}{
			"generation": release.Version,
		})
		return l.manager.Activate(ctx, release.Version)
	}

	return l.Update(ctx, release)
}

// Update は新しいリリースをインストールし、必要に応じて待機してから有効化する
func (l *Lifecycle) Update(ctx context.Context, release *domain.Release) error {
	if release.Version == l.manager.Active() {
		l.logger.Debug("Release already active", map[string]interface{}{
			"generation": release.Version,
		})
		return nil
	}

	outcome, err := l.manager.Install(ctx, release.Manifest, release.Version)
	if err != nil {
		return err
	}

	if !outcome.SkipWaiting && l.manager.Active() != "" {
		l.logger.Info("Waiting for open sessions to detach", map[string]interface{}{
			"generation": outcome.Generation,
		})
		if err := l.waitIdle(ctx); err != nil {
			return err
		}
	}

	return l.manager.Activate(ctx, outcome.Generation)
}

// waitIdle はコンシューマがいなくなるまで待つ
func (l *Lifecycle) waitIdle(ctx context.Context) error {
	if l.clients == nil {
		return nil
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for l.clients.Count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
