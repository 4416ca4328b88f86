// Package session は開いているページセッション (コンシューマ) を管理する.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"nippo/internal/domain"
)

const eventBuffer = 8

// EventControllerChange はセッションの制御世代が変わったことを表す
const EventControllerChange = "controllerchange"

// Event はセッションへの通知
type Event struct {
	Type       string `json:"type"`
	Generation string `json:"generation"`
}

// Session は1つのページセッション
type Session struct {
	ID         string
	controller string
	events     chan Event
}

// Events は通知チャネルを返す
func (s *Session) Events() <-chan Event {
	return s.events
}

// Hub はセッションの集合. domain.ClientClaimer を満たす.
type Hub struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	controller string
	metrics    domain.MetricsCollector
}

var _ domain.ClientClaimer = (*Hub)(nil)

// NewHub は新しいHubインスタンスを作成
func NewHub(metrics domain.MetricsCollector) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		metrics:  metrics,
	}
}

// Attach はセッションを登録する. 新しいセッションは現在の世代に制御される.
func (h *Hub) Attach() *Session {
	s := &Session{
		ID:     uuid.NewString(),
		events: make(chan Event, eventBuffer),
	}

	h.mu.Lock()
	s.controller = h.controller
	h.sessions[s.ID] = s
	h.mu.Unlock()

	h.metrics.IncrementSessions()
	return s
}

// Detach はセッションを外す
func (h *Hub) Detach(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	h.mu.Unlock()

	if ok {
		h.metrics.DecrementSessions()
	}
}

// Controller はセッションを制御している世代を返す
func (h *Hub) Controller(s *Session) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return s.controller
}

// Claim は全セッションの制御を generation に移し、再読み込みなしで通知する
func (h *Hub) Claim(ctx context.Context, generation string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.controller = generation
	claimed := 0
	for _, s := range h.sessions {
		if s.controller == generation {
			continue
		}
		s.controller = generation
		send(s.events, Event{Type: EventControllerChange, Generation: generation})
		claimed++
	}
	return claimed, nil
}

// Count は開いているセッション数を返す
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// send は満杯なら最も古い通知を捨てて送る
func send(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
