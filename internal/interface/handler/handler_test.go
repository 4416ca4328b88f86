package handler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nippo/internal/domain"
	"nippo/internal/interface/repository/cache"
	"nippo/internal/interface/repository/logger"
	"nippo/internal/interface/repository/metrics"
	"nippo/internal/interface/repository/network"
	"nippo/internal/interface/repository/record"
	"nippo/internal/interface/session"
	"nippo/internal/usecase"
)

var shellManifest = []string{"/", "/index.html", "/manifest.json"}

type edgeFixture struct {
	upstream *httptest.Server
	hits     *atomic.Int64
	manager  *usecase.CacheManager
	hub      *session.Hub
	router   http.Handler
}

func newEdgeFixture(t *testing.T, reports *ReportHandler) *edgeFixture {
	t.Helper()
	return newEdgeFixtureWith(t, reports, false)
}

func newEdgeFixtureWith(t *testing.T, reports *ReportHandler, forwardProxy bool) *edgeFixture {
	t.Helper()

	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/api/echo":
			body, _ := io.ReadAll(r.Body)
			fmt.Fprintf(w, "%s %s", r.Method, body)
		default:
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, "%s #%d", r.URL.Path, n)
		}
	}))
	t.Cleanup(upstream.Close)

	origin, err := url.Parse(upstream.URL + "/")
	require.NoError(t, err)

	storage, err := cache.New(t.TempDir())
	require.NoError(t, err)

	client := upstream.Client()
	t.Cleanup(client.CloseIdleConnections)
	fetcher := network.NewWithClient(origin, client, 0)

	m := metrics.New("")
	log := logger.NewNop()
	hub := session.NewHub(m)
	manager := usecase.NewCacheManager(storage, fetcher, hub, m, log, usecase.OfflineConfig{
		Origin:      origin,
		SkipWaiting: true,
	})
	t.Cleanup(manager.Drain)

	ctx := context.Background()
	_, err = manager.Install(ctx, shellManifest, "v1")
	require.NoError(t, err)
	require.NoError(t, manager.Activate(ctx, "v1"))

	edge := NewEdgeHandler(manager, usecase.NewTunnelUseCase(m, log), fetcher, m, log, EdgeConfig{
		Origin:       origin,
		ForwardProxy: forwardProxy,
	})
	events := NewEventsHandler(hub, manager, log)

	return &edgeFixture{
		upstream: upstream,
		hits:     &hits,
		manager:  manager,
		hub:      hub,
		router:   NewRouter(edge, events, reports),
	}
}

func (f *edgeFixture) do(t *testing.T, method, target string, header http.Header, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for k, vs := range header {
		req.Header[k] = vs
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

var navigate = http.Header{"Accept": {"text/html,application/xhtml+xml"}}

func TestEdge_NavigationIsNetworkFirst(t *testing.T) {
	f := newEdgeFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/", navigate, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Nippo-Cache"))
	assert.Equal(t, usecase.StrategyNetworkFirst, rec.Header().Get("X-Nippo-Strategy"))
	assert.Equal(t, "v1", rec.Header().Get("X-Nippo-Generation"))
	assert.Equal(t, "/ #4", rec.Body.String())
}

func TestEdge_SubresourceIsCacheFirst(t *testing.T) {
	f := newEdgeFixture(t, nil)
	before := f.hits.Load()

	rec := f.do(t, http.MethodGet, "/manifest.json", http.Header{"Sec-Fetch-Mode": {"same-origin"}}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Nippo-Cache"))
	assert.Equal(t, before, f.hits.Load())

	rec = f.do(t, http.MethodGet, "/app.js", nil, "")
	assert.Equal(t, "MISS", rec.Header().Get("X-Nippo-Cache"))
	rec = f.do(t, http.MethodGet, "/app.js", nil, "")
	assert.Equal(t, "HIT", rec.Header().Get("X-Nippo-Cache"))
	assert.Equal(t, before+1, f.hits.Load())

	// 404 は返すが保存しない
	for i := 0; i < 2; i++ {
		rec = f.do(t, http.MethodGet, "/missing", nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "MISS", rec.Header().Get("X-Nippo-Cache"))
	}
}

func TestEdge_OfflineNavigation(t *testing.T) {
	f := newEdgeFixture(t, nil)
	f.upstream.Close()

	rec := f.do(t, http.MethodGet, "/index.html", navigate, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Nippo-Cache"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "/index.html #"), rec.Body.String())

	rec = f.do(t, http.MethodGet, "/reports/today", navigate, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestEdge_PassthroughForwardsNonGet(t *testing.T) {
	f := newEdgeFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/echo", nil, "hello")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, usecase.StrategyPassthrough, rec.Header().Get("X-Nippo-Strategy"))
	assert.Equal(t, "POST hello", rec.Body.String())
}

func TestEdge_ForeignTargetsRefusedByDefault(t *testing.T) {
	f := newEdgeFixture(t, nil)
	before := f.hits.Load()

	testCases := []struct {
		name   string
		method string
		target string
	}{
		{"connect", http.MethodConnect, "internal.example:22"},
		{"absolute url to other host", http.MethodGet, "http://internal.example/admin"},
		{"absolute post to other host", http.MethodPost, "http://internal.example/admin"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, tc.method, tc.target, nil, "")
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
	assert.Equal(t, before, f.hits.Load())

	// オリジン宛ての絶対URLは通常どおり処理する
	rec := f.do(t, http.MethodGet, f.upstream.URL+"/manifest.json", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Nippo-Cache"))
}

func TestEdge_ConnectTunnel(t *testing.T) {
	f := newEdgeFixtureWith(t, nil, true)

	echo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		conn, err := echo.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	addr := echo.Addr().String()
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestEvents_ClaimNotifiesOpenSessions(t *testing.T) {
	f := newEdgeFixture(t, nil)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/_nippo/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := bufio.NewReader(resp.Body)
	event, data := readEvent(t, events)
	assert.Equal(t, "hello", event)
	assert.Contains(t, data, `"generation":"v1"`)
	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	_, err = f.manager.Install(context.Background(), shellManifest, "v2")
	require.NoError(t, err)
	require.NoError(t, f.manager.Activate(context.Background(), "v2"))

	event, data = readEvent(t, events)
	assert.Equal(t, session.EventControllerChange, event)
	assert.Contains(t, data, `"generation":"v2"`)

	status := f.do(t, http.MethodGet, "/_nippo/status", nil, "")
	assert.Equal(t, http.StatusOK, status.Code)
	assert.Contains(t, status.Body.String(), `"active":"v2"`)
	assert.Contains(t, status.Body.String(), `"sessions":1`)
}

func readEvent(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

type stubClassifier struct {
	entries []domain.Entry
	err     error
}

func (c stubClassifier) Classify(context.Context, string) ([]domain.Entry, error) {
	return c.entries, c.err
}

func newReportHandler(t *testing.T, classifier domain.Classifier) *ReportHandler {
	t.Helper()
	store, err := record.NewSnapshotStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	uc := usecase.NewReportUseCase(classifier, store, metrics.New(""), logger.NewNop())
	return NewReportHandler(uc, logger.NewNop())
}

func TestReports_IngestListExportDelete(t *testing.T) {
	reports := newReportHandler(t, stubClassifier{entries: []domain.Entry{
		{EmployeeName: "山田", Date: "2024-05-01", Department: domain.DeptProduce, Content: "キャベツ入荷"},
		{EmployeeName: "佐藤", Date: "2024-05-02", Department: domain.DeptCheckout, Content: "レジ点検"},
	}})
	f := newEdgeFixture(t, reports)
	before := f.hits.Load()

	rec := f.do(t, http.MethodPost, "/api/reports", http.Header{"Content-Type": {"application/json"}},
		`{"text":"山田: キャベツ入荷"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"employeeName":"山田"`)

	rec = f.do(t, http.MethodGet, "/api/records?from=2024-05-02", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "佐藤")
	assert.NotContains(t, rec.Body.String(), "山田")

	rec = f.do(t, http.MethodGet, "/api/records?from=May", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/records/export", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, rec.Body.String(), "2024-05-01,produce,山田,キャベツ入荷")

	rec = f.do(t, http.MethodDelete, "/api/records/unknown", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/records", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/records", nil, "")
	assert.Contains(t, rec.Body.String(), `"records":[]`)

	// API はキャッシュを通らない
	assert.Equal(t, before, f.hits.Load())
}

func TestReports_ErrorStatus(t *testing.T) {
	testCases := []struct {
		name       string
		classifier stubClassifier
		body       string
		want       int
	}{
		{"empty text", stubClassifier{}, "  ", http.StatusBadRequest},
		{"no credential", stubClassifier{err: domain.ErrCredentialMissing}, "text", http.StatusServiceUnavailable},
		{
			"malformed",
			stubClassifier{entries: []domain.Entry{{EmployeeName: "x", Date: "bad", Department: "meat", Content: "c"}}},
			"text",
			http.StatusBadGateway,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newReportHandler(t, tc.classifier)
			mux := http.NewServeMux()
			h.Register(mux)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/reports", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "text/plain; charset=utf-8")
			mux.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
