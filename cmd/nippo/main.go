package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"nippo/internal/config"
	"nippo/internal/interface/repository/logger"
)

const defaultConfigPath = "./configs/config.yaml"

// rootOptions はすべてのサブコマンドが共有する状態
type rootOptions struct {
	configPath string
	cfg        *config.Config
	logger     *logger.Repository
}

func main() {
	cmd, opts := newRootCmd()
	err := cmd.Execute()
	opts.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "nippo",
		Short:         "Offline edge server for the daily report app",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// コンフィグの解析
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg

			// ロガーの初期化
			log, err := logger.New(cfg.Log.Dir, "nippo.log", logger.Options{
				Level:   cfg.Log.Level,
				Console: cfg.Log.Console,
				Rotation: &logger.RotationConfig{
					MaxSize:    cfg.Log.MaxSize,
					MaxAge:     cfg.Log.MaxAge,
					MaxBackups: cfg.Log.MaxBackups,
				},
			})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			opts.logger = log
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "Configuration file")

	cmd.AddCommand(
		newServeCmd(opts),
		newCacheCmd(opts),
		newIngestCmd(opts),
	)
	return cmd, opts
}

// close はロガーを閉じる
func (o *rootOptions) close() {
	if o.logger != nil {
		o.logger.Close()
		o.logger = nil
	}
}

// metricsFile はメトリクスの保存先を返す
func (o *rootOptions) metricsFile() string {
	return filepath.Join(o.cfg.Log.Dir, "metrics.json")
}
