package cache

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"time"

	"nippo/internal/domain"
)

// compressThreshold を超えるボディは圧縮を試みる
const compressThreshold = 1024

// Entry はディスク上のキャッシュエントリを表す
type Entry struct {
	Identity   domain.RequestIdentity `json:"identity"`
	StatusCode int                    `json:"status"`
	Header     http.Header            `json:"header,omitempty"`
	Type       domain.ResponseType    `json:"type"`
	URL        string                 `json:"url"`
	Redirected bool                   `json:"redirected,omitempty"`
	Body       []byte                 `json:"body,omitempty"`
	Size       int64                  `json:"size"`
	Compressed bool                   `json:"compressed"`
	StoredAt   time.Time              `json:"stored_at"`
}

// NewEntry はレスポンスから新しいEntryインスタンスを作成
func NewEntry(id domain.RequestIdentity, resp *domain.Response, now time.Time) *Entry {
	body := resp.Body
	compressed := false

	// 大きなデータの場合は圧縮を試みる
	if len(body) > compressThreshold {
		if compData, err := compress(body); err == nil && len(compData) < len(body) {
			body = compData
			compressed = true
		}
	}

	return &Entry{
		Identity:   id,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Type:       resp.Type,
		URL:        resp.URL,
		Redirected: resp.Redirected,
		Body:       body,
		Size:       int64(len(resp.Body)),
		Compressed: compressed,
		StoredAt:   now,
	}
}

// Response はエントリをレスポンスに戻す
func (e *Entry) Response() (*domain.Response, error) {
	body := e.Body
	if e.Compressed {
		var err error
		body, err = decompress(body)
		if err != nil {
			return nil, err
		}
	}

	return &domain.Response{
		StatusCode: e.StatusCode,
		Header:     e.Header.Clone(),
		Body:       body,
		Type:       e.Type,
		URL:        e.URL,
		Redirected: e.Redirected,
		StoredAt:   e.StoredAt,
	}, nil
}

// compress はデータをgzip圧縮する
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	if _, err := gz.Write(data); err != nil {
		return nil, err
	}

	if err := gz.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decompress はgzip圧縮されたデータを展開する
func decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	return io.ReadAll(gz)
}
