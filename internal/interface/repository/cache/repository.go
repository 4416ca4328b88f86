package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"nippo/internal/domain"
)

const (
	entrySuffix = ".entry"
	// committedMarker はインストールが完了した世代にだけ置かれる
	committedMarker = ".committed"
)

// Repository はファイルシステム上の世代ストレージ.
// 世代ごとにディレクトリを持ち、エントリは1ファイルずつ保存する.
type Repository struct {
	mu      sync.RWMutex
	baseDir string
	now     func() time.Time
}

// Verify interface implementation
var _ domain.CacheStorage = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(baseDir string) (*Repository, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}

	return &Repository{
		baseDir: baseDir,
		now:     time.Now,
	}, nil
}

// Open は世代を開く. 存在しない場合は作成する.
func (r *Repository) Open(ctx context.Context, generation string) (domain.Cache, error) {
	if err := domain.ValidateGeneration(generation); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dir := r.generationDir(generation)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create generation dir: %w", err)
	}

	return &generationCache{repo: r, generation: generation, dir: dir}, nil
}

// Commit は世代のインストール完了を記録する
func (r *Repository) Commit(ctx context.Context, generation string) error {
	if err := domain.ValidateGeneration(generation); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dir := r.generationDir(generation)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("generation %s does not exist", generation)
		}
		return err
	}
	return os.WriteFile(filepath.Join(dir, committedMarker), []byte(r.now().UTC().Format(time.RFC3339)), 0644)
}

// Has はインストールが完了した世代が存在するかを返す
func (r *Repository) Has(_ context.Context, generation string) (bool, error) {
	if err := domain.ValidateGeneration(generation); err != nil {
		return false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	info, err := os.Stat(filepath.Join(r.generationDir(generation), committedMarker))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Keys は保存されている世代IDを返す
func (r *Repository) Keys(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dirents, err := os.ReadDir(r.baseDir)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() || domain.ValidateGeneration(d.Name()) != nil {
			continue
		}
		keys = append(keys, d.Name())
	}
	return keys, nil
}

// Delete は世代を丸ごと削除する
func (r *Repository) Delete(_ context.Context, generation string) (bool, error) {
	if err := domain.ValidateGeneration(generation); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dir := r.generationDir(generation)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repository) generationDir(generation string) string {
	return filepath.Join(r.baseDir, generation)
}

// generationCache は1世代分のキャッシュ
type generationCache struct {
	repo       *Repository
	generation string
	dir        string
}

// Match はエントリを取得する
func (c *generationCache) Match(ctx context.Context, id domain.RequestIdentity) (*domain.Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	c.repo.mu.RLock()
	data, err := os.ReadFile(c.entryPath(id))
	c.repo.mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("decode entry: %w", err)
	}

	resp, err := entry.Response()
	if err != nil {
		return nil, false, fmt.Errorf("decode entry body: %w", err)
	}
	return resp, true, nil
}

// Put はエントリを書き込む. 既存のエントリは一括で置き換える.
func (c *generationCache) Put(ctx context.Context, id domain.RequestIdentity, resp *domain.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(NewEntry(id, resp, c.repo.now()))
	if err != nil {
		return err
	}

	c.repo.mu.RLock()
	defer c.repo.mu.RUnlock()

	// 削除済みの世代には書き込まない
	if _, err := os.Stat(c.dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("generation %s has been deleted", c.generation)
		}
		return err
	}

	path := c.entryPath(id)
	tmp, err := os.CreateTemp(c.dir, "put-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Keys は世代内のリクエスト識別子を返す
func (c *generationCache) Keys(ctx context.Context) ([]domain.RequestIdentity, error) {
	c.repo.mu.RLock()
	defer c.repo.mu.RUnlock()

	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}

	ids := make([]domain.RequestIdentity, 0, len(dirents))
	for _, d := range dirents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, d.Name()))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		ids = append(ids, entry.Identity)
	}
	return ids, nil
}

func (c *generationCache) entryPath(id domain.RequestIdentity) string {
	sum := sha256.Sum256([]byte(id.Key()))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+entrySuffix)
}
