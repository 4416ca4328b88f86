package logger

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nippo/internal/domain"
)

// Repository はロガーのリポジトリ実装.
type Repository struct {
	zl   *zap.Logger
	file *rotatingFile
	done chan struct{}
}

// Verify interface implementation.
var _ domain.Logger = (*Repository)(nil)

// Options はロガーの設定.
type Options struct {
	Level    string
	Console  bool
	Rotation *RotationConfig
}

// New はファイルに JSON で書き出すロガーを作成.
func New(directory, filename string, opts Options) (*Repository, error) {
	if opts.Rotation == nil {
		opts.Rotation = DefaultRotationConfig()
	}

	file, err := openRotatingFile(directory, filename, opts.Rotation)
	if err != nil {
		return nil, err
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			file.Close()
			return nil, err
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), file, level),
	}
	if opts.Console {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level))
	}

	r := &Repository{
		zl:   zap.New(zapcore.NewTee(cores...)),
		file: file,
		done: make(chan struct{}),
	}

	// ログクリーンアップを定期的に実行
	go r.periodicCleanup()

	return r, nil
}

// NewNop は何も出力しないロガーを返す.
func NewNop() *Repository {
	return &Repository{zl: zap.NewNop()}
}

// NewWithZap は既存の zap.Logger を包む.
func NewWithZap(zl *zap.Logger) *Repository {
	return &Repository{zl: zl}
}

// Debug はDEBUGレベルのログを記録.
func (r *Repository) Debug(msg string, fields map[string]interface{}) {
	r.zl.Debug(msg, toZapFields(fields)...)
}

// Info はINFOレベルのログを記録.
func (r *Repository) Info(msg string, fields map[string]interface{}) {
	r.zl.Info(msg, toZapFields(fields)...)
}

// Warn はWARNレベルのログを記録.
func (r *Repository) Warn(msg string, fields map[string]interface{}) {
	r.zl.Warn(msg, toZapFields(fields)...)
}

// Error はERRORレベルのログを記録.
func (r *Repository) Error(msg string, err error, fields map[string]interface{}) {
	zf := toZapFields(fields)
	if err != nil {
		zf = append(zf, zap.Error(err))
	}
	r.zl.Error(msg, zf...)
}

// Zap は内部の zap.Logger を返す.
func (r *Repository) Zap() *zap.Logger {
	return r.zl
}

// periodicCleanup は定期的に古いログファイルを削除.
func (r *Repository) periodicCleanup() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cleanOldLogs(r.file.path, r.file.config)
		case <-r.done:
			return
		}
	}
}

// Close はロガーのリソースを解放.
func (r *Repository) Close() error {
	_ = r.zl.Sync()
	if r.file == nil {
		return nil
	}
	close(r.done)
	return r.file.Close()
}
