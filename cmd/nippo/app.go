package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"nippo/internal/config"
	"nippo/internal/domain"
	"nippo/internal/interface/repository/cache"
	"nippo/internal/interface/repository/gemini"
	"nippo/internal/interface/repository/metrics"
	"nippo/internal/interface/repository/network"
	"nippo/internal/interface/repository/record"
	"nippo/internal/interface/repository/release"
	"nippo/internal/interface/repository/sqlitedb"
	"nippo/internal/interface/session"
	"nippo/internal/usecase"
)

// app はコマンドが使う依存関係をまとめる
type app struct {
	cfg     *config.Config
	logger  domain.Logger
	origin  *url.URL
	metrics *metrics.Repository
	storage domain.CacheStorage
	network *network.Fetcher
	hub     *session.Hub
	manager *usecase.CacheManager

	db      *sql.DB
	closers []func() error
}

// newApp はキャッシュ関連の依存関係を組み立てる
func newApp(opts *rootOptions) (*app, error) {
	cfg := opts.cfg

	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  opts.logger,
		origin:  origin,
		metrics: metrics.New(opts.metricsFile()),
	}

	// キャッシュの初期化
	storage, err := a.openCacheStorage()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.storage = storage

	netCfg := network.DefaultConfig()
	netCfg.Timeout = cfg.Server.FetchTimeout
	a.network = network.New(origin, netCfg)
	a.hub = session.NewHub(a.metrics)

	a.manager = usecase.NewCacheManager(
		a.storage, // domain.CacheStorage
		a.network, // domain.Fetcher
		a.hub,     // domain.ClientClaimer
		a.metrics, // domain.MetricsCollector
		a.logger,  // domain.Logger
		usecase.OfflineConfig{
			Origin:             origin,
			SkipWaiting:        cfg.SkipWaitingEnabled(),
			InstallConcurrency: cfg.Cache.InstallConcurrency,
		},
	)
	return a, nil
}

func (a *app) openCacheStorage() (domain.CacheStorage, error) {
	switch a.cfg.Cache.Backend {
	case config.CacheBackendSQLite:
		db, err := a.sqlite()
		if err != nil {
			return nil, err
		}
		return cache.NewSQLite(db)
	default:
		return cache.New(a.cfg.Cache.Dir)
	}
}

// sqlite は共有の SQLite 接続を返す. 初回のみ開く.
func (a *app) sqlite() (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := sqlitedb.Open(a.cfg.Records.SQLitePath)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

// openRecordStore は設定されたモードのレコードストアを開く
func (a *app) openRecordStore() (domain.RecordStore, error) {
	var (
		store domain.RecordStore
		err   error
	)
	switch a.cfg.Records.Mode {
	case config.RecordModeLocal:
		store, err = record.NewSnapshotStore(a.cfg.Records.SnapshotDir)
	default:
		var db *sql.DB
		if db, err = a.sqlite(); err == nil {
			store, err = record.NewSyncStore(db)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	// 接続より先に閉じる
	a.closers = append([]func() error{store.Close}, a.closers...)
	return store, nil
}

// newReportUseCase は分類器とストアをつないだユースケースを作成
func (a *app) newReportUseCase(ctx context.Context) (*usecase.ReportUseCase, error) {
	store, err := a.openRecordStore()
	if err != nil {
		return nil, err
	}

	var generator gemini.Generator
	if a.cfg.Gemini.APIKey != "" {
		gen, err := gemini.NewGenAIGenerator(ctx, a.cfg.Gemini.APIKey, a.cfg.Gemini.Model)
		if err != nil {
			return nil, err
		}
		generator = gen
	} else {
		a.logger.Warn("Gemini API key is not configured; ingestion is disabled", nil)
	}

	return usecase.NewReportUseCase(gemini.NewClassifier(generator), store, a.metrics, a.logger), nil
}

// openRelease はリリース定義を読み込む
func (a *app) openRelease() (*release.Repository, error) {
	return release.New(a.cfg.Cache.ReleaseFile, a.logger)
}

// Close は開いた資源を解放する
func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
