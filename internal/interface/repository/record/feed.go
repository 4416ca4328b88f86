package record

import (
	"context"
	"sort"
	"sync"

	"nippo/internal/domain"
)

// feed はレコード一覧の購読者へ最新の一覧を配信する
type feed struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	next   int
	closed chan struct{}
	once   sync.Once
}

type subscriber struct {
	r  domain.DateRange
	ch chan []domain.Record
}

func newFeed() *feed {
	return &feed{
		subs:   make(map[int]*subscriber),
		closed: make(chan struct{}),
	}
}

// subscribe は購読を登録し、初期一覧を送る.
// load は配信と排他で呼ばれるため、読み込みと登録の間の変更も取りこぼさない.
func (f *feed) subscribe(
	ctx context.Context, r domain.DateRange, load func() ([]domain.Record, error),
) (<-chan []domain.Record, error) {
	f.mu.Lock()
	all, err := load()
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	sub := &subscriber{r: r, ch: make(chan []domain.Record, 1)}
	sub.ch <- filterRecords(all, r)
	id := f.next
	f.next++
	f.subs[id] = sub
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-f.closed:
		}
		f.mu.Lock()
		delete(f.subs, id)
		close(sub.ch)
		f.mu.Unlock()
	}()

	return sub.ch, nil
}

// publish は全購読者に範囲で絞った一覧を送る. 未読の古い一覧は捨てる.
func (f *feed) publish(all []domain.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.subs {
		list := filterRecords(all, sub.r)
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- list
	}
}

func (f *feed) close() {
	f.once.Do(func() { close(f.closed) })
}

// filterRecords は範囲内のレコードを日付の新しい順で返す
func filterRecords(all []domain.Record, r domain.DateRange) []domain.Record {
	out := make([]domain.Record, 0, len(all))
	for _, rec := range all {
		if r.Contains(rec.Date) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out
}

func sortRecords(records []domain.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Date != records[j].Date {
			return records[i].Date > records[j].Date
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
