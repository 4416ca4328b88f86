package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RotationConfig はログローテーションの設定を表す.
type RotationConfig struct {
	MaxSize    int64         // バイト単位の最大サイズ
	MaxAge     time.Duration // ログファイルの最大保持期間
	MaxBackups int           // 保持する古いログファイルの最大数
}

// DefaultRotationConfig はデフォルトのログローテーション設定を返す.
func DefaultRotationConfig() *RotationConfig {
	return &RotationConfig{
		MaxSize:    100 * 1024 * 1024,  // 100MB
		MaxAge:     7 * 24 * time.Hour, // 7日
		MaxBackups: 5,
	}
}

// rotatingFile はサイズでローテーションするファイル. zapcore.WriteSyncer を満たす.
type rotatingFile struct {
	mu     sync.Mutex
	file   *os.File
	size   int64
	config *RotationConfig
	dir    string
	path   string
}

func openRotatingFile(dir, filename string, config *RotationConfig) (*rotatingFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	rf := &rotatingFile{
		config: config,
		dir:    dir,
		path:   filepath.Join(dir, filename),
	}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rotatingFile) open() error {
	file, err := os.OpenFile(rf.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	rf.file = file
	rf.size = info.Size()
	return nil
}

// Write はログを書き込み、必要ならローテーションする.
func (rf *rotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.config.MaxSize > 0 && rf.size+int64(len(p)) > rf.config.MaxSize && rf.size > 0 {
		if err := rf.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to rotate log: %v\n", err)
		}
	}

	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

func (rf *rotatingFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.file.Sync()
}

func (rf *rotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.file.Close()
}

// rotate はログファイルをローテーション.
func (rf *rotatingFile) rotate() error {
	if err := rf.file.Close(); err != nil {
		return err
	}

	rotatedPath := fmt.Sprintf("%s.%s", rf.path, time.Now().Format("20060102150405.000"))
	if err := os.Rename(rf.path, rotatedPath); err != nil {
		return err
	}

	if err := rf.open(); err != nil {
		return err
	}
	return cleanOldLogs(rf.path, rf.config)
}

// cleanOldLogs は保持期間と世代数を超えた古いログファイルを削除.
func cleanOldLogs(basePath string, config *RotationConfig) error {
	files, err := filepath.Glob(basePath + ".*")
	if err != nil {
		return err
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}

	var logFiles []fileInfo
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		logFiles = append(logFiles, fileInfo{f, info.ModTime()})
	}

	// 新しい順
	sort.Slice(logFiles, func(i, j int) bool {
		return logFiles[i].modTime.After(logFiles[j].modTime)
	})

	now := time.Now()
	for i, f := range logFiles {
		expired := config.MaxAge > 0 && now.Sub(f.modTime) > config.MaxAge
		excess := config.MaxBackups > 0 && i >= config.MaxBackups
		if expired || excess {
			os.Remove(f.path)
		}
	}

	return nil
}
