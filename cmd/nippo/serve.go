package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nippo/internal/domain"
	"nippo/internal/interface/handler"
	"nippo/internal/telemetry"
	"nippo/internal/usecase"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		host              string
		port, metricsPort int
		forwardProxy      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the edge server and the metrics server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("host") {
				opts.cfg.Server.Host = host
			}
			if cmd.Flags().Changed("forward-proxy") {
				opts.cfg.Server.ForwardProxy = forwardProxy
			}
			if cmd.Flags().Changed("port") {
				opts.cfg.Server.Port = port
			}
			if cmd.Flags().Changed("metrics-port") {
				opts.cfg.Server.MetricsPort = metricsPort
			}
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen address (default 127.0.0.1)")
	cmd.Flags().IntVar(&port, "port", 0, "Edge server port")
	cmd.Flags().BoolVar(&forwardProxy, "forward-proxy", false, "Allow CONNECT and absolute-URL requests to hosts other than the origin")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "Metrics server port")
	return cmd
}

func runServe(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg := opts.cfg
	log := opts.logger

	// シャットダウンハンドラの設定
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// トレースの初期化
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	releases, err := a.openRelease()
	if err != nil {
		return err
	}

	reports, err := a.newReportUseCase(ctx)
	if err != nil {
		return err
	}

	// メトリクスのユースケース作成
	metricsUseCase := usecase.NewMetricsUseCase(
		a.metrics,
		log,
		usecase.MetricsConfig{SaveInterval: cfg.Log.SaveInterval},
	)
	metricsUseCase.Start()

	lifecycle := usecase.NewLifecycle(a.manager, a.storage, a.hub, log)
	tunnel := usecase.NewTunnelUseCase(a.metrics, log)

	// ハンドラーの作成
	edgeHandler := handler.NewEdgeHandler(a.manager, tunnel, a.network, a.metrics, log, handler.EdgeConfig{
		Origin:       a.origin,
		ForwardProxy: cfg.Server.ForwardProxy,
	})
	eventsHandler := handler.NewEventsHandler(a.hub, a.manager, log)
	reportHandler := handler.NewReportHandler(reports, log)
	metricsHandler := handler.NewMetricsHandler(metricsUseCase, a.metrics.Handler(), log)

	edgeServer := &http.Server{
		Addr:    cfg.Server.Addr(cfg.Server.Port),
		Handler: handler.NewRouter(edgeHandler, eventsHandler, reportHandler),
	}
	metricsServer := &http.Server{
		Addr:    cfg.Server.Addr(cfg.Server.MetricsPort),
		Handler: metricsHandler.Routes(),
	}

	g, gctx := errgroup.WithContext(ctx)

	// サーバーの起動
	g.Go(func() error {
		log.Info("Starting edge server", map[string]interface{}{
			"addr":          edgeServer.Addr,
			"origin":        a.origin.String(),
			"forward_proxy": cfg.Server.ForwardProxy,
		})
		if err := edgeServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("edge server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("Starting metrics server", map[string]interface{}{"addr": metricsServer.Addr})
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	// 起動時のリリースを反映し、以降の変更を監視する
	g.Go(func() error {
		current, err := releases.Current()
		if err != nil {
			return err
		}
		if err := lifecycle.Start(gctx, current); err != nil {
			log.Error("Initial release failed", err, map[string]interface{}{
				"generation": current.Version,
			})
		}
		return releases.Watch(gctx, func(rel *domain.Release) {
			if err := lifecycle.Update(gctx, rel); err != nil {
				log.Error("Release update failed", err, map[string]interface{}{
					"generation": rel.Version,
				})
			}
		})
	})

	// シグナル待機
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown initiated", nil)

		// グレースフルシャットダウン
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := edgeServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down edge server", err, nil)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down metrics server", err, nil)
		}
		a.manager.Drain()
		metricsUseCase.Stop()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error("Error shutting down tracing", err, nil)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("Shutdown complete", nil)
	return err
}
