package record

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nippo/internal/domain"
	"nippo/internal/interface/repository/sqlitedb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func stores(t *testing.T) map[string]func(t *testing.T) domain.RecordStore {
	return map[string]func(t *testing.T) domain.RecordStore{
		"snapshot": func(t *testing.T) domain.RecordStore {
			s, err := NewSnapshotStore(t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"sync": func(t *testing.T) domain.RecordStore {
			db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "nippo.db"))
			require.NoError(t, err)
			s, err := NewSyncStore(db)
			require.NoError(t, err)
			t.Cleanup(func() {
				s.Close()
				db.Close()
			})
			return s
		},
	}
}

func newRecord(name, date string, dept domain.Department) domain.Record {
	return domain.Record{EmployeeName: name, Date: date, Department: dept, Content: name + " " + date}
}

func dates(records []domain.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Date)
	}
	return out
}

func TestStore_CreateAndList(t *testing.T) {
	ctx := context.Background()

	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			created, err := s.Create(ctx, newRecord("山田", "2024-05-01", domain.DeptProduce))
			require.NoError(t, err)
			assert.NotEmpty(t, created.ID)
			assert.False(t, created.CreatedAt.IsZero())

			for _, d := range []string{"2024-05-03", "2024-04-30", "2024-05-02"} {
				_, err := s.Create(ctx, newRecord("佐藤", d, domain.DeptMeat))
				require.NoError(t, err)
			}

			all, err := s.List(ctx, domain.DateRange{})
			require.NoError(t, err)
			assert.Equal(t, []string{"2024-05-03", "2024-05-02", "2024-05-01", "2024-04-30"}, dates(all))

			ranged, err := s.List(ctx, domain.DateRange{From: "2024-05-01", To: "2024-05-02"})
			require.NoError(t, err)
			assert.Equal(t, []string{"2024-05-02", "2024-05-01"}, dates(ranged))

			var got domain.Record
			for _, r := range all {
				if r.ID == created.ID {
					got = r
				}
			}
			if diff := cmp.Diff(created, got); diff != "" {
				t.Errorf("stored record mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()

	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			a, err := s.Create(ctx, newRecord("山田", "2024-05-01", domain.DeptDeli))
			require.NoError(t, err)
			_, err = s.Create(ctx, newRecord("佐藤", "2024-05-01", domain.DeptDeli))
			require.NoError(t, err)

			require.NoError(t, s.Delete(ctx, a.ID))
			require.ErrorIs(t, s.Delete(ctx, a.ID), domain.ErrRecordNotFound)

			all, err := s.List(ctx, domain.DateRange{})
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "佐藤", all[0].EmployeeName)

			require.NoError(t, s.DeleteAll(ctx))
			all, err = s.List(ctx, domain.DateRange{})
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestStore_SubscribeReceivesUpdates(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			_, err := s.Create(ctx, newRecord("山田", "2024-05-01", domain.DeptGrocery))
			require.NoError(t, err)

			updates, err := s.Subscribe(ctx, domain.DateRange{From: "2024-05-01"})
			require.NoError(t, err)
			assert.Len(t, receive(t, updates), 1)

			// 範囲外の変更でも最新一覧が届く
			_, err = s.Create(ctx, newRecord("佐藤", "2024-04-01", domain.DeptGrocery))
			require.NoError(t, err)
			assert.Len(t, receive(t, updates), 1)

			_, err = s.Create(ctx, newRecord("鈴木", "2024-05-09", domain.DeptGrocery))
			require.NoError(t, err)
			assert.Equal(t, []string{"2024-05-09", "2024-05-01"}, dates(receive(t, updates)))

			cancel()
			require.Eventually(t, func() bool {
				select {
				case _, ok := <-updates:
					return !ok
				default:
					return false
				}
			}, time.Second, 10*time.Millisecond)
		})
	}
}

func TestStore_CloseEndsSubscriptions(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			updates, err := s.Subscribe(context.Background(), domain.DateRange{})
			require.NoError(t, err)
			receive(t, updates)

			require.NoError(t, s.Close())
			select {
			case _, ok := <-updates:
				assert.False(t, ok)
			case <-time.After(time.Second):
				t.Fatal("subscription was not closed")
			}
		})
	}
}

func TestFeed_ChangeDuringSubscribeIsDelivered(t *testing.T) {
	f := newFeed()
	defer f.close()

	older := []domain.Record{newRecord("山田", "2024-05-01", domain.DeptDeli)}
	newer := append([]domain.Record{newRecord("佐藤", "2024-05-02", domain.DeptDeli)}, older...)

	// 初期一覧の読み込み直後に別の変更が配信される
	published := make(chan struct{})
	updates, err := f.subscribe(context.Background(), domain.DateRange{}, func() ([]domain.Record, error) {
		go func() {
			f.publish(newer)
			close(published)
		}()
		return older, nil
	})
	require.NoError(t, err)

	<-published
	assert.Equal(t, []string{"2024-05-02", "2024-05-01"}, dates(receive(t, updates)))
}

func TestSnapshotStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewSnapshotStore(dir)
	require.NoError(t, err)
	created, err := s.Create(ctx, newRecord("山田", "2024-05-01", domain.DeptCheckout))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSnapshotStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.List(ctx, domain.DateRange{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, created.ID, all[0].ID)
	assert.FileExists(t, filepath.Join(dir, SnapshotKey+".json"))
}

func receive(t *testing.T, ch <-chan []domain.Record) []domain.Record {
	t.Helper()
	select {
	case records, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return records
	case <-time.After(time.Second):
		t.Fatal("no update received")
		return nil
	}
}
