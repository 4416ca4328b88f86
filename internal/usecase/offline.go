package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"nippo/internal/domain"
)

// フェッチ戦略の名前
const (
	StrategyPassthrough  = "passthrough"
	StrategyNetworkFirst = "network-first"
	StrategyCacheFirst   = "cache-first"
)

const defaultInstallConcurrency = 4

// OfflineConfig はキャッシュマネージャの設定を表す
type OfflineConfig struct {
	// Origin はアプリケーションシェルのオリジン. マニフェストのパスはここから解決する.
	Origin *url.URL
	// SkipWaiting はインストール直後の有効化を要求するかどうか.
	SkipWaiting bool
	// InstallConcurrency はマニフェスト取得の並列数.
	InstallConcurrency int
}

// InstallOutcome はインストール結果を表す
type InstallOutcome struct {
	Generation  string
	Assets      int
	SkipWaiting bool
}

// FetchResult はフェッチ処理の結果を表す
type FetchResult struct {
	Response    *domain.Response
	Passthrough bool
	Strategy    string
}

// Status はキャッシュマネージャの状態を表す
type Status struct {
	Active      string                            `json:"active"`
	Generations map[string]domain.GenerationState `json:"generations"`
}

type activeGeneration struct {
	id    string
	cache domain.Cache
}

// CacheManager はオフラインキャッシュのユースケースを実装
type CacheManager struct {
	storage     domain.CacheStorage
	network     domain.Fetcher
	clients     domain.ClientClaimer
	metrics     domain.MetricsCollector
	logger      domain.Logger
	tracer      trace.Tracer
	origin      *url.URL
	skipWaiting bool
	concurrency int

	mu     sync.Mutex
	states map[string]domain.GenerationState
	active atomic.Pointer[activeGeneration]

	// 切り離された書き込み
	pending sync.WaitGroup
}

// NewCacheManager は新しいCacheManagerインスタンスを作成
func NewCacheManager(
	storage domain.CacheStorage,
	network domain.Fetcher,
	clients domain.ClientClaimer,
	metrics domain.MetricsCollector,
	logger domain.Logger,
	config OfflineConfig,
) *CacheManager {
	if config.InstallConcurrency <= 0 {
		config.InstallConcurrency = defaultInstallConcurrency
	}

	return &CacheManager{
		storage:     storage,
		network:     network,
		clients:     clients,
		metrics:     metrics,
		logger:      logger,
		tracer:      otel.Tracer("nippo/offline"),
		origin:      config.Origin,
		skipWaiting: config.SkipWaiting,
		concurrency: config.InstallConcurrency,
		states:      make(map[string]domain.GenerationState),
	}
}

// Install は新しい世代をマニフェストで満たす.
// いずれかのアセットが失敗した場合は何も書き込まずに失敗する.
func (m *CacheManager) Install(
	ctx context.Context, manifest []string, generation string,
) (InstallOutcome, error) {
	ctx, span := m.tracer.Start(ctx, "offline.install",
		trace.WithAttributes(attribute.String("generation", generation)))
	defer span.End()

	if err := domain.ValidateGeneration(generation); err != nil {
		return InstallOutcome{}, err
	}

	requests, err := m.resolveManifest(manifest)
	if err != nil {
		return InstallOutcome{}, err
	}

	// 有効な世代の再インストールは状態を変えない
	reinstall := generation == m.Active()
	if !reinstall {
		m.setState(generation, domain.StateInstalling)
	}
	m.logger.Info("Installing generation", map[string]interface{}{
		"generation": generation,
		"assets":     len(requests),
	})

	responses := make([]*domain.Response, len(requests))
	var (
		failMu   sync.Mutex
		failures []domain.AssetFailure
	)

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, req := range requests {
		g.Go(func() error {
			resp, err := m.network.Fetch(ctx, req)
			if err == nil && !resp.Cacheable() {
				err = &domain.ErrUncacheable{StatusCode: resp.StatusCode, Type: resp.Type}
			}
			if err != nil {
				failMu.Lock()
				failures = append(failures, domain.AssetFailure{Identity: req.Identity(), Err: err})
				failMu.Unlock()
				return nil
			}
			m.metrics.RecordNetworkFetch()
			responses[i] = resp
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool {
			return failures[i].Identity.Key() < failures[j].Identity.Key()
		})
		return InstallOutcome{}, m.failInstall(span, generation, reinstall, failures)
	}

	existed, err := m.storage.Has(ctx, generation)
	if err != nil {
		return InstallOutcome{}, m.failInstall(span, generation, reinstall, []domain.AssetFailure{{Err: err}})
	}

	// 未完了の世代を捨てる. 完了済みの世代は既存のエントリを残す.
	discard := func() {
		if existed {
			return
		}
		if _, derr := m.storage.Delete(context.WithoutCancel(ctx), generation); derr != nil {
			m.logger.Warn("Failed to discard partial generation", map[string]interface{}{
				"generation": generation,
				"error":      derr.Error(),
			})
		}
	}

	cache, err := m.storage.Open(ctx, generation)
	if err != nil {
		return InstallOutcome{}, m.failInstall(span, generation, reinstall, []domain.AssetFailure{{Err: err}})
	}

	for i, req := range requests {
		if err := cache.Put(ctx, req.Identity(), responses[i]); err != nil {
			discard()
			return InstallOutcome{}, m.failInstall(span, generation, reinstall,
				[]domain.AssetFailure{{Identity: req.Identity(), Err: err}})
		}
		m.metrics.RecordCacheStore()
	}

	// 全エントリを書き終えてから完了を記録する. 途中で落ちた世代は Has に現れない.
	if err := m.storage.Commit(ctx, generation); err != nil {
		discard()
		return InstallOutcome{}, m.failInstall(span, generation, reinstall, []domain.AssetFailure{{Err: err}})
	}

	if !reinstall {
		m.setState(generation, domain.StateInstalled)
	}
	m.metrics.RecordInstall(true)
	m.logger.Info("Generation installed", map[string]interface{}{
		"generation":   generation,
		"assets":       len(requests),
		"skip_waiting": m.skipWaiting,
	})

	return InstallOutcome{
		Generation:  generation,
		Assets:      len(requests),
		SkipWaiting: m.skipWaiting,
	}, nil
}

func (m *CacheManager) failInstall(
	span trace.Span, generation string, reinstall bool, failures []domain.AssetFailure,
) error {
	if !reinstall {
		m.setState(generation, domain.StateRedundant)
	}
	m.metrics.RecordInstall(false)

	err := &domain.InstallError{Generation: generation, Failures: failures}
	span.RecordError(err)
	span.SetStatus(codes.Error, "install failed")
	m.logger.Warn("Install failed", map[string]interface{}{
		"generation": generation,
		"failures":   len(failures),
		"error":      err.Error(),
	})
	return err
}

// Activate は世代を有効化し、古い世代の削除とクライアントの取得を行う.
func (m *CacheManager) Activate(ctx context.Context, generation string) error {
	ctx, span := m.tracer.Start(ctx, "offline.activate",
		trace.WithAttributes(attribute.String("generation", generation)))
	defer span.End()

	if err := domain.ValidateGeneration(generation); err != nil {
		return err
	}

	if err := m.checkInstalled(ctx, generation); err != nil {
		return err
	}

	cache, err := m.storage.Open(ctx, generation)
	if err != nil {
		return fmt.Errorf("open generation %s: %w", generation, err)
	}

	m.setState(generation, domain.StateActivating)
	previous := m.active.Swap(&activeGeneration{id: generation, cache: cache})
	if previous != nil && previous.id != generation {
		m.setState(previous.id, domain.StateRedundant)
	}

	var g errgroup.Group
	g.Go(func() error {
		m.deleteStale(ctx, generation)
		return nil
	})
	g.Go(func() error {
		if m.clients == nil {
			return nil
		}
		claimed, err := m.clients.Claim(ctx, generation)
		if err != nil {
			return fmt.Errorf("claim clients: %w", err)
		}
		m.logger.Info("Clients claimed", map[string]interface{}{
			"generation": generation,
			"clients":    claimed,
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "activation failed")
		m.logger.Error("Activation failed", err, map[string]interface{}{
			"generation": generation,
		})
		return err
	}

	m.setState(generation, domain.StateActivated)
	m.metrics.RecordActivation()
	m.logger.Info("Generation activated", map[string]interface{}{
		"generation": generation,
	})
	return nil
}

func (m *CacheManager) checkInstalled(ctx context.Context, generation string) error {
	m.mu.Lock()
	state, known := m.states[generation]
	m.mu.Unlock()

	switch {
	case known && (state == domain.StateInstalled || state == domain.StateActivated):
		return nil
	case known:
		return fmt.Errorf("%w: %s is %s", domain.ErrGenerationNotInstalled, generation, state)
	}

	// 再起動後は永続化済みの世代をそのまま有効化できる
	ok, err := m.storage.Has(ctx, generation)
	if err != nil {
		return fmt.Errorf("check generation %s: %w", generation, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrGenerationNotInstalled, generation)
	}
	m.setState(generation, domain.StateInstalled)
	return nil
}

// deleteStale は現在の世代以外を削除する. 個別の失敗はログに残して続行.
func (m *CacheManager) deleteStale(ctx context.Context, keep string) {
	keys, err := m.storage.Keys(ctx)
	if err != nil {
		m.logger.Warn("Failed to enumerate generations", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	for _, key := range keys {
		if key == keep {
			continue
		}
		if _, err := m.storage.Delete(ctx, key); err != nil {
			m.logger.Warn("Failed to delete stale generation", map[string]interface{}{
				"generation": key,
				"error":      err.Error(),
			})
			continue
		}
		m.mu.Lock()
		delete(m.states, key)
		m.mu.Unlock()
		m.logger.Info("Deleted stale generation", map[string]interface{}{
			"generation": key,
		})
	}
}

// Fetch はリクエストを分類し、いずれかの戦略で処理する
func (m *CacheManager) Fetch(ctx context.Context, req *domain.Request) (FetchResult, error) {
	m.metrics.RecordRequest()

	if !req.IsHTTP() || !isGet(req.Method) {
		m.metrics.RecordPassthrough()
		return FetchResult{Passthrough: true, Strategy: StrategyPassthrough}, nil
	}

	strategy := StrategyCacheFirst
	if req.IsNavigation() {
		strategy = StrategyNetworkFirst
	}

	ctx, span := m.tracer.Start(ctx, "offline.fetch", trace.WithAttributes(
		attribute.String("url", req.URL.String()),
		attribute.String("strategy", strategy),
	))
	defer span.End()

	var (
		resp *domain.Response
		err  error
	)
	if strategy == StrategyNetworkFirst {
		resp, err = m.networkFirst(ctx, req)
	} else {
		resp, err = m.cacheFirst(ctx, req)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no response")
		return FetchResult{Strategy: strategy}, err
	}

	span.SetAttributes(attribute.Bool("from_cache", resp.FromCache))
	return FetchResult{Response: resp, Strategy: strategy}, nil
}

// networkFirst はナビゲーションをネットワーク優先で処理する
func (m *CacheManager) networkFirst(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	id := req.Identity()

	resp, err := m.network.Fetch(ctx, req)
	if err == nil {
		m.metrics.RecordNetworkFetch()
		if shareable(req, resp) {
			m.storeDetached(ctx, id, resp.Clone())
		}
		return resp, nil
	}

	m.metrics.RecordNetworkFailure()
	m.logger.Debug("Navigation fetch failed, falling back to cache", map[string]interface{}{
		"url":   id.URL,
		"error": err.Error(),
	})

	if cached, ok := m.match(ctx, id); ok {
		m.metrics.RecordCacheHit()
		return cached, nil
	}
	m.metrics.RecordCacheMiss()
	return nil, fmt.Errorf("%w: %s: %v", domain.ErrNoResponse, id, err)
}

// cacheFirst はサブリソースをキャッシュ優先で処理する
func (m *CacheManager) cacheFirst(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	id := req.Identity()

	if cached, ok := m.match(ctx, id); ok {
		m.metrics.RecordCacheHit()
		return cached, nil
	}
	m.metrics.RecordCacheMiss()

	resp, err := m.network.Fetch(ctx, req)
	if err != nil {
		m.metrics.RecordNetworkFailure()
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrNoResponse, id, err)
	}
	m.metrics.RecordNetworkFetch()

	if shareable(req, resp) {
		if active := m.active.Load(); active != nil {
			m.store(ctx, active, id, resp.Clone())
		}
	}
	return resp, nil
}

// match は有効な世代からレスポンスを探す. 失敗はミスとして扱う.
func (m *CacheManager) match(ctx context.Context, id domain.RequestIdentity) (*domain.Response, bool) {
	active := m.active.Load()
	if active == nil {
		return nil, false
	}

	resp, ok, err := active.cache.Match(ctx, id)
	if err != nil {
		m.logger.Warn("Cache lookup failed", map[string]interface{}{
			"generation": active.id,
			"key":        id.Key(),
			"error":      err.Error(),
		})
		return nil, false
	}
	if !ok {
		return nil, false
	}
	resp.FromCache = true
	return resp, true
}

// storeDetached は呼び出し元を待たせずに書き込む
func (m *CacheManager) storeDetached(ctx context.Context, id domain.RequestIdentity, resp *domain.Response) {
	active := m.active.Load()
	if active == nil {
		return
	}

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		m.store(context.WithoutCancel(ctx), active, id, resp)
	}()
}

func (m *CacheManager) store(
	ctx context.Context, active *activeGeneration, id domain.RequestIdentity, resp *domain.Response,
) {
	resp.FromCache = false
	if err := active.cache.Put(ctx, id, resp); err != nil {
		m.metrics.RecordStoreFailure()
		m.logger.Warn("Failed to store response", map[string]interface{}{
			"generation": active.id,
			"key":        id.Key(),
			"error":      err.Error(),
		})
		return
	}
	m.metrics.RecordCacheStore()
}

// Drain は切り離された書き込みの完了を待つ
func (m *CacheManager) Drain() {
	m.pending.Wait()
}

// Active は現在有効な世代IDを返す
func (m *CacheManager) Active() string {
	if active := m.active.Load(); active != nil {
		return active.id
	}
	return ""
}

// Status は世代の状態一覧を返す
func (m *CacheManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]domain.GenerationState, len(m.states))
	for k, v := range m.states {
		states[k] = v
	}
	return Status{Active: m.Active(), Generations: states}
}

// Generations は保存されている世代IDを返す
func (m *CacheManager) Generations(ctx context.Context) ([]string, error) {
	keys, err := m.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *CacheManager) setState(generation string, state domain.GenerationState) {
	m.mu.Lock()
	m.states[generation] = state
	m.mu.Unlock()
}

// resolveManifest はマニフェストをリクエストに変換する
func (m *CacheManager) resolveManifest(manifest []string) ([]*domain.Request, error) {
	requests := make([]*domain.Request, 0, len(manifest))
	for _, entry := range manifest {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		u, err := url.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid manifest entry %q: %w", entry, err)
		}
		if !u.IsAbs() {
			if m.origin == nil {
				return nil, errors.New("relative manifest entry requires an origin")
			}
			u = m.origin.ResolveReference(u)
		}

		requests = append(requests, &domain.Request{
			Method: http.MethodGet,
			URL:    u,
			Mode:   domain.ModeSameOrigin,
			Header: http.Header{},
		})
	}
	return requests, nil
}

// shareable は全クライアントで共有する世代に保存してよいかを返す.
// 資格情報付きのリクエストと private/no-store のレスポンスは保存しない.
func shareable(req *domain.Request, resp *domain.Response) bool {
	return resp.Cacheable() && !req.HasCredentials() && !resp.Private()
}

func isGet(method string) bool {
	return method == "" || strings.EqualFold(method, http.MethodGet)
}
