package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-bxcan/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"phase", snap.Driver.Phase.String(),
					"can_tx", snap.Driver.TxFrames,
					"can_rx", snap.Driver.RxFrames,
					"can_errors", snap.Driver.Errors,
					"wire_rx", snap.WireRx,
					"wire_tx", snap.WireTx,
					"wire_filtered", snap.WireFiltered,
					"tcp_rx", snap.TCPRx,
					"tcp_tx", snap.TCPTx,
					"tx_timeouts", snap.TxTimeouts,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
