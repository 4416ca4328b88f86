package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"nippo/internal/domain"
	"nippo/internal/interface/repository/network"
	"nippo/internal/usecase"
)

const maxRequestBody = 10 * 1024 * 1024

// EdgeConfig はエッジハンドラーの設定を表す
type EdgeConfig struct {
	// Origin は相対パスのリクエストを解決するオリジン.
	Origin *url.URL
	// ForwardProxy が false の場合、CONNECT とオリジン外への絶対URLは拒否する.
	ForwardProxy bool
}

// EdgeHandler はアプリケーションシェルのリクエストを横取りしてキャッシュマネージャに渡す
type EdgeHandler struct {
	manager      *usecase.CacheManager
	tunnel       *usecase.TunnelUseCase
	network      domain.Fetcher
	origin       *url.URL
	forwardProxy bool
	metrics      domain.MetricsCollector
	logger       domain.Logger
}

// NewEdgeHandler は新しいEdgeHandlerインスタンスを作成
func NewEdgeHandler(
	manager *usecase.CacheManager,
	tunnel *usecase.TunnelUseCase,
	network domain.Fetcher,
	metrics domain.MetricsCollector,
	logger domain.Logger,
	config EdgeConfig,
) *EdgeHandler {
	return &EdgeHandler{
		manager:      manager,
		tunnel:       tunnel,
		network:      network,
		origin:       config.Origin,
		forwardProxy: config.ForwardProxy,
		metrics:      metrics,
		logger:       logger,
	}
}

func (h *EdgeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := h.toDomainRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !h.allowed(r, req) {
		h.metrics.RecordError()
		h.logger.Warn("Forward proxy request refused", map[string]interface{}{
			"method": r.Method,
			"target": req.URL.String(),
		})
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	result, err := h.manager.Fetch(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrNoResponse) {
			h.logger.Info("No response available", map[string]interface{}{
				"url":      req.URL.String(),
				"strategy": result.Strategy,
			})
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
			return
		}
		h.metrics.RecordError()
		h.logger.Error("Fetch failed", err, map[string]interface{}{"url": req.URL.String()})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if result.Passthrough {
		h.passthrough(w, r, req)
		return
	}

	h.writeResponse(w, result.Response, result.Strategy)
}

// allowed は転送プロキシ無効時にオリジン宛て以外のリクエストを弾く
func (h *EdgeHandler) allowed(r *http.Request, req *domain.Request) bool {
	if h.forwardProxy {
		return true
	}
	if r.Method == http.MethodConnect {
		return false
	}
	if !r.URL.IsAbs() {
		return true
	}
	return network.SameOrigin(h.origin, req.URL)
}

// toDomainRequest は http.Request をキャッシュマネージャのリクエストに変換する
func (h *EdgeHandler) toDomainRequest(r *http.Request) (*domain.Request, error) {
	var u *url.URL
	switch {
	case r.Method == http.MethodConnect:
		// CONNECT はオーソリティ形式でスキームを持たない
		u = &url.URL{Host: r.Host}
	case r.URL.IsAbs():
		u = r.URL
	case h.origin != nil:
		u = h.origin.ResolveReference(&url.URL{
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		})
	default:
		return nil, fmt.Errorf("relative request without origin")
	}

	req := &domain.Request{
		Method: r.Method,
		URL:    u,
		Mode:   h.requestMode(r, u),
		Header: r.Header.Clone(),
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodConnect && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body = body
	}
	return req, nil
}

// requestMode は Sec-Fetch-Mode を優先し、なければ Accept から推定する
func (h *EdgeHandler) requestMode(r *http.Request, u *url.URL) domain.RequestMode {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return domain.RequestMode(strings.ToLower(mode))
	}
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return domain.ModeNavigate
	}
	if network.SameOrigin(h.origin, u) {
		return domain.ModeSameOrigin
	}
	return domain.ModeNoCORS
}

// passthrough はキャッシュを通さずに転送する
func (h *EdgeHandler) passthrough(w http.ResponseWriter, r *http.Request, req *domain.Request) {
	if r.Method == http.MethodConnect {
		h.handleConnect(w, r)
		return
	}
	if !req.IsHTTP() {
		http.Error(w, "Unsupported scheme", http.StatusNotImplemented)
		return
	}

	resp, err := h.network.Fetch(r.Context(), req)
	if err != nil {
		h.metrics.RecordNetworkFailure()
		h.logger.Info("Passthrough fetch failed", map[string]interface{}{
			"method": req.Method,
			"url":    req.URL.String(),
			"error":  err.Error(),
		})
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	h.writeResponse(w, resp, usecase.StrategyPassthrough)
}

func (h *EdgeHandler) writeResponse(w http.ResponseWriter, resp *domain.Response, strategy string) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	cacheStatus := "MISS"
	if resp.FromCache {
		cacheStatus = "HIT"
	}
	w.Header().Set("X-Nippo-Cache", cacheStatus)
	w.Header().Set("X-Nippo-Strategy", strategy)
	if active := h.manager.Active(); active != "" {
		w.Header().Set("X-Nippo-Generation", active)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)

	n, err := w.Write(resp.Body)
	h.metrics.AddBytesTransferred(int64(n))
	if err != nil {
		h.logger.Debug("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

// handleConnect は CONNECT をトンネルとして処理する
func (h *EdgeHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		h.logger.Error("Hijacking not supported", nil, nil)
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		h.logger.Error("Hijacking failed", err, nil)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()

	// 重要: 200 Connection Established レスポンスを送信
	response := []byte("HTTP/1.1 200 Connection Established\r\n\r\n")
	if _, err := clientConn.Write(response); err != nil {
		h.logger.Error("Failed to write connection established response", err, nil)
		return
	}

	if err := h.tunnel.HandleTunnel(r.Context(), clientConn, r.Host); err != nil {
		h.logger.Error("Tunnel handling failed", err, map[string]interface{}{
			"host": r.Host,
		})
	}
}
