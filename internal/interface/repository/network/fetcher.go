package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nippo/internal/domain"
)

// Config はネットワーク取得の設定
type Config struct {
	Timeout         time.Duration // 0 はタイムアウトなし
	MaxIdlePerHost  int
	IdleConnTimeout time.Duration
	MaxBodySize     int64
}

// DefaultConfig はデフォルトの設定を返す
func DefaultConfig() Config {
	return Config{
		MaxIdlePerHost:  16,
		IdleConnTimeout: 90 * time.Second,
		MaxBodySize:     32 * 1024 * 1024,
	}
}

// ホップごとのヘッダーは転送しない
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Fetcher は http.Client を使ったネットワーク取得の実装
type Fetcher struct {
	client  *http.Client
	origin  *url.URL
	maxBody int64
}

var _ domain.Fetcher = (*Fetcher)(nil)

// New は新しいFetcherインスタンスを作成
func New(origin *url.URL, config Config) *Fetcher {
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: config.MaxIdlePerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
	}

	return NewWithClient(origin, &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}, config.MaxBodySize)
}

// NewWithClient は任意の http.Client を使う Fetcher を作成
func NewWithClient(origin *url.URL, client *http.Client, maxBody int64) *Fetcher {
	if maxBody <= 0 {
		maxBody = DefaultConfig().MaxBodySize
	}
	return &Fetcher{client: client, origin: origin, maxBody: maxBody}
}

// Fetch はリクエストをネットワークに送り、レスポンス種別を判定する
func (f *Fetcher) Fetch(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		if strings.EqualFold(k, "Accept-Encoding") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", req.URL, err)
	}
	if int64(len(respBody)) > f.maxBody {
		return nil, fmt.Errorf("read body %s: exceeds %d bytes", req.URL, f.maxBody)
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	if resp.Uncompressed {
		header.Del("Content-Encoding")
	}
	header.Del("Content-Length")

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	return &domain.Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       respBody,
		Type:       f.classify(req, finalURL),
		URL:        finalURL.String(),
		Redirected: finalURL.String() != req.URL.String(),
	}, nil
}

// classify はオリジンとモードからレスポンス種別を決める
func (f *Fetcher) classify(req *domain.Request, finalURL *url.URL) domain.ResponseType {
	if SameOrigin(f.origin, req.URL) && SameOrigin(f.origin, finalURL) {
		return domain.ResponseBasic
	}
	if req.Mode == domain.ModeNoCORS || req.Mode == domain.ModeNavigate {
		return domain.ResponseOpaque
	}
	return domain.ResponseCORS
}

// SameOrigin はスキーム・ホスト・ポートが一致するかを返す
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
