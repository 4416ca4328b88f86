package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"nippo/internal/domain"
	"nippo/internal/interface/session"
	"nippo/internal/usecase"
)

// EventsHandler はページセッションの通知チャネルと状態を提供
type EventsHandler struct {
	hub     *session.Hub
	manager *usecase.CacheManager
	logger  domain.Logger
}

// NewEventsHandler は新しいEventsHandlerインスタンスを作成
func NewEventsHandler(hub *session.Hub, manager *usecase.CacheManager, logger domain.Logger) *EventsHandler {
	return &EventsHandler{hub: hub, manager: manager, logger: logger}
}

// HandleEvents はセッションを登録し、制御世代の変更を SSE で送る
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	s := h.hub.Attach()
	defer h.hub.Detach(s)

	startSSE(w)
	if err := writeSSE(w, "hello", session.Event{
		Type:       "hello",
		Generation: h.hub.Controller(s),
	}); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-s.Events():
			if err := writeSSE(w, ev.Type, ev); err != nil {
				h.logger.Debug("Session stream closed", map[string]interface{}{
					"session": s.ID,
					"error":   err.Error(),
				})
				return
			}
		}
	}
}

// HandleStatus は世代の状態を JSON で返す
func (h *EventsHandler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cache":    h.manager.Status(),
		"sessions": h.hub.Count(),
	})
}

func startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

// writeSSE は1イベントを書き込んでフラッシュする
func writeSSE(w http.ResponseWriter, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return http.NewResponseController(w).Flush()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
