package record

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"nippo/internal/domain"
	"nippo/internal/interface/repository/sqlitedb"
)

const recordSchema = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	employee_name TEXT NOT NULL,
	date TEXT NOT NULL,
	department TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_date ON records(date);`

// SyncStore は同期ストア. 変更のたびに購読者へ最新一覧を配信する.
type SyncStore struct {
	db   *sql.DB
	feed *feed
	now  func() time.Time
}

var _ domain.RecordStore = (*SyncStore)(nil)

// NewSyncStore は SQLite 上の同期ストアを作成
func NewSyncStore(db *sql.DB) (*SyncStore, error) {
	if db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if err := sqlitedb.Exec(db, recordSchema); err != nil {
		return nil, err
	}
	return &SyncStore{db: db, feed: newFeed(), now: time.Now}, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Subscribe は範囲内のレコード一覧を購読する
func (s *SyncStore) Subscribe(ctx context.Context, r domain.DateRange) (<-chan []domain.Record, error) {
	return s.feed.subscribe(ctx, r, func() ([]domain.Record, error) {
		return s.List(ctx, domain.DateRange{})
	})
}

// List は範囲内のレコードを日付の新しい順に返す
func (s *SyncStore) List(ctx context.Context, r domain.DateRange) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, employee_name, date, department, content, created_at
		FROM records
		WHERE (? = '' OR date >= ?) AND (? = '' OR date <= ?)
		ORDER BY date DESC, created_at DESC`,
		r.From, r.From, r.To, r.To)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := []domain.Record{}
	for rows.Next() {
		var (
			rec       domain.Record
			dept      string
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.EmployeeName, &rec.Date, &dept, &rec.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Department = domain.Department(dept)
		rec.CreatedAt = fromMillis(createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Create はIDを採番してレコードを保存する
func (s *SyncStore) Create(ctx context.Context, rec domain.Record) (domain.Record, error) {
	rec.ID = uuid.NewString()
	rec.CreatedAt = s.now().UTC().Truncate(time.Millisecond)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, employee_name, date, department, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EmployeeName, rec.Date, string(rec.Department), rec.Content, toMillis(rec.CreatedAt))
	if err != nil {
		return domain.Record{}, fmt.Errorf("insert record: %w", err)
	}

	s.notify(ctx)
	return rec, nil
}

// Delete はレコードを1件削除する
func (s *SyncStore) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}

	s.notify(ctx)
	return nil
}

// DeleteAll は全レコードを1トランザクションで削除する
func (s *SyncStore) DeleteAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.notify(ctx)
	return nil
}

// Close は購読を終了する. DB は所有者が閉じる.
func (s *SyncStore) Close() error {
	s.feed.close()
	return nil
}

func (s *SyncStore) notify(ctx context.Context) {
	all, err := s.List(context.WithoutCancel(ctx), domain.DateRange{})
	if err != nil {
		return
	}
	s.feed.publish(all)
}
