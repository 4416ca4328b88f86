package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"nippo/internal/domain"
)

// TunnelUseCase は転送プロキシ有効時の CONNECT トンネルを実装
type TunnelUseCase struct {
	metrics domain.MetricsCollector
	logger  domain.Logger
	dialer  *net.Dialer
}

// NewTunnelUseCase は新しいTunnelUseCaseインスタンスを作成
func NewTunnelUseCase(metrics domain.MetricsCollector, logger domain.Logger) *TunnelUseCase {
	return &TunnelUseCase{
		metrics: metrics,
		logger:  logger,
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// HandleTunnel は client と target の間でバイト列を中継する.
// ctx が終わると両方の接続を閉じて戻る.
func (uc *TunnelUseCase) HandleTunnel(ctx context.Context, client net.Conn, target string) error {
	upstream, err := uc.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		uc.metrics.RecordError()
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer upstream.Close()

	closeBoth := func() {
		client.Close()
		upstream.Close()
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	uc.logger.Debug("Tunnel opened", map[string]interface{}{"target": target})

	var g errgroup.Group
	for _, pair := range [][2]net.Conn{{upstream, client}, {client, upstream}} {
		g.Go(func() error {
			if err := uc.relay(pair[0], pair[1]); err != nil {
				closeBoth()
				return err
			}
			return nil
		})
	}
	err = g.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		uc.metrics.RecordError()
		return fmt.Errorf("relay %s: %w", target, err)
	}
	uc.logger.Debug("Tunnel closed", map[string]interface{}{"target": target})
	return nil
}

// relay は src を dst へ流し、終わったら dst の書き込み側だけを閉じる
func (uc *TunnelUseCase) relay(dst, src net.Conn) error {
	n, err := io.Copy(dst, src)
	uc.metrics.AddBytesTransferred(n)

	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	if err != nil && !isConnectionClosed(err) {
		return err
	}
	return nil
}

func isConnectionClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
