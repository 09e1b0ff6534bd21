package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/metrics"
	"github.com/kstaniek/go-bxcan/internal/socketcan"
)

// socketReadTimeout lets the RX loop notice shutdown on a quiet bus.
const socketReadTimeout = 200 * time.Millisecond

// openSocketCANDevice is a hook for tests.
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) {
	d, err := socketcan.Open(iface, socketReadTimeout)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func initSocketCANWire(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*wireBackend, error) {
	dev, err := openSocketCANDevice(cfg.canIf)
	if err != nil {
		return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	tw := socketcan.NewTXWriter(ctx, dev, txQueueSize)
	startRx := func(inject injectFunc) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.Info("socketcan_rx_end")
			socketRxLoop(ctx, dev, inject, l)
		}()
	}
	return &wireBackend{
		name:    "socketcan",
		send:    tw.SendFrame,
		startRx: startRx,
		close:   func() { _ = dev.Close(); tw.Close() },
	}, nil
}

func socketRxLoop(ctx context.Context, dev socketcan.Dev, inject injectFunc, l *slog.Logger) {
	var b backoff
	b.reset()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var fr can.Frame
		if err := dev.ReadFrame(&fr); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			metrics.IncError(metrics.ErrWireRead)
			l.Warn("wire_rx_error", "error", err, "backoff", time.Duration(b))
			b.sleep()
			continue
		}
		if fr.IsError() {
			continue
		}
		deliver(inject, fr)
		b.reset()
	}
}
