package release

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"nippo/internal/domain"
)

const debounce = 200 * time.Millisecond

// Repository はリリースファイルのリポジトリ実装
type Repository struct {
	mu      sync.RWMutex
	path    string
	current *domain.Release
	logger  domain.Logger
}

var _ domain.ReleaseSource = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成. ファイルがなければデフォルトを書き出す.
func New(path string, logger domain.Logger) (*Repository, error) {
	r := &Repository{path: path, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Current は現在のリリースを返す
func (r *Repository) Current() (*domain.Release, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.current == nil {
		return nil, fmt.Errorf("release not loaded")
	}
	rel := *r.current
	rel.Manifest = append([]string(nil), r.current.Manifest...)
	return &rel, nil
}

// Reload はリリースファイルを再読み込み
func (r *Repository) Reload() error {
	rel, err := loadReleaseFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to load release: %w", err)
	}

	r.mu.Lock()
	r.current = rel
	r.mu.Unlock()

	r.logger.Info("Loaded release", map[string]interface{}{
		"version": rel.Version,
		"assets":  len(rel.Manifest),
	})
	return nil
}

// Watch はリリースファイルを監視し、バージョンが変わったら onChange を呼ぶ.
// ctx が終了するまでブロックする.
func (r *Repository) Watch(ctx context.Context, onChange func(*domain.Release)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// エディタはファイルを置き換えるのでディレクトリを監視する
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("watch release dir: %w", err)
	}

	target := filepath.Clean(r.path)
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Release watcher error", map[string]interface{}{
				"error": err.Error(),
			})

		case <-timer.C:
			r.handleChange(onChange)
		}
	}
}

func (r *Repository) handleChange(onChange func(*domain.Release)) {
	// 置き換え途中で消えている場合は次のイベントを待つ
	if _, err := os.Stat(r.path); err != nil {
		return
	}

	previous, _ := r.Current()

	rel, err := loadReleaseFile(r.path)
	if err != nil {
		r.logger.Warn("Error reloading release", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	r.mu.Lock()
	r.current = rel
	r.mu.Unlock()

	if previous != nil && previous.Version == rel.Version {
		return
	}

	r.logger.Info("Release version changed", map[string]interface{}{
		"version": rel.Version,
	})
	onChange(rel)
}
