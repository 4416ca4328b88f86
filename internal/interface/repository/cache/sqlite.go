package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"nippo/internal/domain"
	"nippo/internal/interface/repository/sqlitedb"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_generations (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	committed_at INTEGER
);
CREATE TABLE IF NOT EXISTS cache_entries (
	generation TEXT NOT NULL REFERENCES cache_generations(id) ON DELETE CASCADE,
	key TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	entry BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (generation, key)
);`

// SQLiteRepository は SQLite 上の世代ストレージ
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ domain.CacheStorage = (*SQLiteRepository)(nil)

// NewSQLite は SQLite 世代ストレージを作成
func NewSQLite(db *sql.DB) (*SQLiteRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if err := sqlitedb.Exec(db, sqliteSchema); err != nil {
		return nil, err
	}
	return &SQLiteRepository{db: db, now: time.Now}, nil
}

// Open は世代を開く. 存在しない場合は作成する.
func (r *SQLiteRepository) Open(ctx context.Context, generation string) (domain.Cache, error) {
	if err := domain.ValidateGeneration(generation); err != nil {
		return nil, err
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_generations (id, created_at) VALUES (?, ?)`,
		generation, r.now().UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create generation: %w", err)
	}
	return &sqliteCache{repo: r, generation: generation}, nil
}

// Commit は世代のインストール完了を記録する
func (r *SQLiteRepository) Commit(ctx context.Context, generation string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE cache_generations SET committed_at = ? WHERE id = ?`,
		r.now().UTC().UnixMilli(), generation)
	if err != nil {
		return fmt.Errorf("commit generation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("generation %s does not exist", generation)
	}
	return nil
}

// Has はインストールが完了した世代が存在するかを返す
func (r *SQLiteRepository) Has(ctx context.Context, generation string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM cache_generations WHERE id = ? AND committed_at IS NOT NULL`, generation).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Keys は保存されている世代IDを返す
func (r *SQLiteRepository) Keys(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM cache_generations ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		keys = append(keys, id)
	}
	return keys, rows.Err()
}

// Delete は世代とそのエントリを削除する
func (r *SQLiteRepository) Delete(ctx context.Context, generation string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation = ?`, generation); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_generations WHERE id = ?`, generation)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

type sqliteCache struct {
	repo       *SQLiteRepository
	generation string
}

func (c *sqliteCache) Match(ctx context.Context, id domain.RequestIdentity) (*domain.Response, bool, error) {
	var blob []byte
	err := c.repo.db.QueryRowContext(ctx,
		`SELECT entry FROM cache_entries WHERE generation = ? AND key = ?`,
		c.generation, id.Key()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entry Entry
	if err := json.Unmarshal(blob, &entry); err != nil {
		return nil, false, fmt.Errorf("decode entry: %w", err)
	}
	resp, err := entry.Response()
	if err != nil {
		return nil, false, fmt.Errorf("decode entry body: %w", err)
	}
	return resp, true, nil
}

func (c *sqliteCache) Put(ctx context.Context, id domain.RequestIdentity, resp *domain.Response) error {
	now := c.repo.now()
	blob, err := json.Marshal(NewEntry(id, resp, now))
	if err != nil {
		return err
	}

	// 削除済みの世代には書き込まない
	res, err := c.repo.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache_entries (generation, key, method, url, entry, stored_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM cache_generations WHERE id = ?)`,
		c.generation, id.Key(), id.Method, id.URL, blob, now.UTC().UnixMilli(), c.generation)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("generation %s has been deleted", c.generation)
	}
	return nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]domain.RequestIdentity, error) {
	rows, err := c.repo.db.QueryContext(ctx,
		`SELECT method, url FROM cache_entries WHERE generation = ? ORDER BY stored_at`, c.generation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []domain.RequestIdentity
	for rows.Next() {
		var id domain.RequestIdentity
		if err := rows.Scan(&id.Method, &id.URL); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
