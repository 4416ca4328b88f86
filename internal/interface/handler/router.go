package handler

import "net/http"

// NewRouter はエッジサーバーのハンドラーを組み立てる.
// プロキシ形式 (絶対URL・CONNECT) のリクエストは常にエッジに渡す.
func NewRouter(edge *EdgeHandler, events *EventsHandler, reports *ReportHandler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_nippo/events", events.HandleEvents)
	mux.HandleFunc("GET /_nippo/status", events.HandleStatus)
	if reports != nil {
		reports.Register(mux)
	}
	mux.Handle("/", edge)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect || r.URL.IsAbs() {
			edge.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}
