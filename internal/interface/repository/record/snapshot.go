package record

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"nippo/internal/domain"
)

// SnapshotKey はローカルスナップショットのキー名
const SnapshotKey = "nippo-records"

// SnapshotStore は端末上の単一スナップショットに全レコードを保持する.
// 起動時に読み込み、変更のたびに書き直す.
type SnapshotStore struct {
	mu      sync.Mutex
	path    string
	records []domain.Record
	feed    *feed
	now     func() time.Time
}

var _ domain.RecordStore = (*SnapshotStore)(nil)

// NewSnapshotStore は dir/<SnapshotKey>.json を使うストアを作成
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	s := &SnapshotStore{
		path: filepath.Join(dir, SnapshotKey+".json"),
		feed: newFeed(),
		now:  time.Now,
	}

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	s.records = records
	return s, nil
}

func (s *SnapshotStore) Subscribe(ctx context.Context, r domain.DateRange) (<-chan []domain.Record, error) {
	// commit は s.mu を保持したまま配信するので、登録まで同じロックを保持する
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append([]domain.Record(nil), s.records...)
	return s.feed.subscribe(ctx, r, func() ([]domain.Record, error) {
		return all, nil
	})
}

func (s *SnapshotStore) List(_ context.Context, r domain.DateRange) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterRecords(s.records, r), nil
}

func (s *SnapshotStore) Create(_ context.Context, rec domain.Record) (domain.Record, error) {
	rec.ID = uuid.NewString()
	rec.CreatedAt = s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	next := append(append([]domain.Record(nil), s.records...), rec)
	if err := s.commit(next); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

func (s *SnapshotStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]domain.Record, 0, len(s.records))
	for _, rec := range s.records {
		if rec.ID != id {
			next = append(next, rec)
		}
	}
	if len(next) == len(s.records) {
		return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}
	return s.commit(next)
}

func (s *SnapshotStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit([]domain.Record{})
}

func (s *SnapshotStore) Close() error {
	s.feed.close()
	return nil
}

// commit はスナップショットを書き直し、読み直した一覧を配信する
func (s *SnapshotStore) commit(next []domain.Record) error {
	if err := s.save(next); err != nil {
		return err
	}
	records, err := s.load()
	if err != nil {
		return err
	}
	s.records = records
	s.feed.publish(records)
	return nil
}

func (s *SnapshotStore) load() ([]domain.Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.Record{}, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var records []domain.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	sortRecords(records)
	return records, nil
}

func (s *SnapshotStore) save(records []domain.Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempFile, s.path)
}
