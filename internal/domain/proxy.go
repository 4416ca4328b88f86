package domain

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RequestMode はリクエストのモードを表す (Sec-Fetch-Mode 相当).
type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeCORS       RequestMode = "cors"
	ModeNoCORS     RequestMode = "no-cors"
)

// ResponseType はレスポンスの種別を表す.
type ResponseType string

const (
	ResponseBasic  ResponseType = "basic"
	ResponseCORS   ResponseType = "cors"
	ResponseOpaque ResponseType = "opaque"
	ResponseError  ResponseType = "error"
)

// Request はアプリケーションシェルから発行されたリクエストを表す.
type Request struct {
	Method string
	URL    *url.URL
	Mode   RequestMode
	Header http.Header
	Body   []byte
}

// IsHTTP はリクエストが http(s) スキームかどうかを返す.
func (r *Request) IsHTTP() bool {
	if r.URL == nil {
		return false
	}
	scheme := strings.ToLower(r.URL.Scheme)
	return scheme == "http" || scheme == "https"
}

// IsNavigation はトップレベルのナビゲーションかどうかを返す.
func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

// HasCredentials は Cookie または Authorization を伴うリクエストかどうかを返す.
func (r *Request) HasCredentials() bool {
	return r.Header.Get("Cookie") != "" || r.Header.Get("Authorization") != ""
}

// Identity はキャッシュキーとなるリクエスト識別子を返す.
func (r *Request) Identity() RequestIdentity {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return RequestIdentity{Method: method, URL: u.String()}
}

// RequestIdentity はキャッシュエントリのキー.
type RequestIdentity struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// Key はストレージ用の文字列キーを返す.
func (id RequestIdentity) Key() string {
	return id.Method + " " + id.URL
}

func (id RequestIdentity) String() string {
	return id.Key()
}

// Response はネットワークまたはキャッシュから得たレスポンスを表す.
type Response struct {
	StatusCode int          `json:"status"`
	Header     http.Header  `json:"header,omitempty"`
	Body       []byte       `json:"body,omitempty"`
	Type       ResponseType `json:"type"`
	URL        string       `json:"url"`
	Redirected bool         `json:"redirected,omitempty"`
	StoredAt   time.Time    `json:"stored_at,omitempty"`
	FromCache  bool         `json:"-"`
}

// Cacheable は同一オリジンの basic な 200 レスポンスだけを真とする.
func (r *Response) Cacheable() bool {
	return r != nil && r.StatusCode == http.StatusOK && r.Type == ResponseBasic
}

// Private は Cache-Control が private または no-store を指定しているかを返す.
func (r *Response) Private() bool {
	for _, v := range r.Header.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "private", "no-store":
				return true
			}
		}
	}
	return false
}

// Clone はレスポンスのディープコピーを返す.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Fetcher はネットワークからレスポンスを取得するインターフェース.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// ClientClaimer は開いているコンシューマセッションの制御を引き継ぐ.
type ClientClaimer interface {
	Claim(ctx context.Context, generation string) (int, error)
	Count() int
}
