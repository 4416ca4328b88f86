// Package config は設定ファイルと環境変数から設定を読み込む.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// 記録の保存モード
const (
	RecordModeSync  = "sync"
	RecordModeLocal = "local"
)

// キャッシュの保存先
const (
	CacheBackendFS     = "fs"
	CacheBackendSQLite = "sqlite"
)

// Config はアプリケーション全体の設定
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Records   RecordsConfig   `yaml:"records" envPrefix:"RECORDS_"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	Origin          string        `yaml:"origin" env:"ORIGIN"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// ForwardProxy は CONNECT とオリジン以外への絶対URLリクエストを許可する
	ForwardProxy bool `yaml:"forward_proxy" env:"FORWARD_PROXY"`
}

// CacheConfig はオフラインキャッシュの設定
type CacheConfig struct {
	Backend            string `yaml:"backend" env:"BACKEND"`
	Dir                string `yaml:"dir" env:"DIR"`
	ReleaseFile        string `yaml:"release_file" env:"RELEASE_FILE"`
	SkipWaiting        *bool  `yaml:"skip_waiting" env:"SKIP_WAITING"`
	InstallConcurrency int    `yaml:"install_concurrency" env:"INSTALL_CONCURRENCY"`
}

// RecordsConfig は日報レコードの保存設定
type RecordsConfig struct {
	Mode        string `yaml:"mode" env:"MODE"`
	SQLitePath  string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	SnapshotDir string `yaml:"snapshot_dir" env:"SNAPSHOT_DIR"`
}

// GeminiConfig は分類に使う Gemini API の設定
type GeminiConfig struct {
	APIKey string `yaml:"api_key" env:"GEMINI_API_KEY"`
	Model  string `yaml:"model" env:"GEMINI_MODEL"`
}

// LogConfig はログの設定
type LogConfig struct {
	Dir          string        `yaml:"dir" env:"DIR"`
	Level        string        `yaml:"level" env:"LEVEL"`
	Console      bool          `yaml:"console" env:"CONSOLE"`
	MaxSize      int64         `yaml:"max_size" env:"MAX_SIZE"`
	MaxAge       time.Duration `yaml:"max_age" env:"MAX_AGE"`
	MaxBackups   int           `yaml:"max_backups" env:"MAX_BACKUPS"`
	SaveInterval time.Duration `yaml:"metrics_save_interval" env:"METRICS_SAVE_INTERVAL"`
}

// TelemetryConfig はトレースの設定
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Insecure     bool   `yaml:"insecure" env:"INSECURE"`
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	skip := true
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            10080,
			MetricsPort:     10081,
			Origin:          "http://localhost:5173",
			ShutdownTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Backend:            CacheBackendFS,
			Dir:                "./cache",
			ReleaseFile:        "./configs/release.yaml",
			SkipWaiting:        &skip,
			InstallConcurrency: 4,
		},
		Records: RecordsConfig{
			Mode:        RecordModeSync,
			SQLitePath:  "./data/nippo.db",
			SnapshotDir: "./data",
		},
		Gemini: GeminiConfig{
			Model: "gemini-2.5-flash",
		},
		Log: LogConfig{
			Dir:          "./logs",
			Level:        "info",
			MaxSize:      100 * 1024 * 1024,
			MaxAge:       7 * 24 * time.Hour,
			MaxBackups:   5,
			SaveInterval: time.Minute,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "nippo",
		},
	}
}

// Load は YAML ファイルを読み込み、環境変数で上書きする.
// ファイルが存在しない場合はデフォルト設定で作成する.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			if err := writeDefault(path, cfg); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "NIPPO_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	// API キーは慣例的な名前でも受け付ける
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeDefault(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to create default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return nil
}

// Validate は設定値を検証する
func (c *Config) Validate() error {
	if _, err := c.OriginURL(); err != nil {
		return err
	}

	switch c.Cache.Backend {
	case CacheBackendFS, CacheBackendSQLite:
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	switch c.Records.Mode {
	case RecordModeSync, RecordModeLocal:
	default:
		return fmt.Errorf("unknown records mode %q", c.Records.Mode)
	}
	return nil
}

// Addr は host:port 形式の待ち受けアドレスを返す
func (s ServerConfig) Addr(port int) string {
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// OriginURL はアプリケーションシェルのオリジンを返す
func (c *Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(c.Server.Origin))
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid origin %q: want http(s)://host", c.Server.Origin)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}, nil
}

// SkipWaitingEnabled はスキップ待機の設定を返す. 未設定なら有効.
func (c *Config) SkipWaitingEnabled() bool {
	return c.Cache.SkipWaiting == nil || *c.Cache.SkipWaiting
}
