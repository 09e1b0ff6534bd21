package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-bxcan/internal/bxcan"
	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/metrics"
)

// receiver is the receive side of the driver.
type receiver interface {
	Receive(timeout time.Duration) (bxcan.RxFrame, bool, error)
}

type broadcaster interface {
	Broadcast(can.Frame) int
}

// startRxPump moves received frames from the driver to the hub until ctx
// ends. Echoes of failed loopback transmissions are counted and dropped.
func startRxPump(ctx context.Context, d receiver, h broadcaster, poll time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("rx_pump_end")
		for ctx.Err() == nil {
			f, ok, err := d.Receive(poll)
			if err != nil {
				if !errors.Is(err, bxcan.ErrNotStarted) {
					metrics.IncError(metrics.ErrCANReceive)
					l.Warn("can_receive_error", "error", err)
				}
				select {
				case <-ctx.Done():
				case <-time.After(poll):
				}
				continue
			}
			if !ok {
				continue
			}
			if f.Loopback && f.Failed {
				metrics.IncLoopbackFailed()
				l.Debug("loopback_failed", "frame", f.Frame.String())
				continue
			}
			h.Broadcast(f.Frame)
		}
	}()
}

// statusSource is anything exposing a driver status snapshot.
type statusSource interface {
	Status() bxcan.Status
}

// startStatusSampler exports the driver status to Prometheus every interval.
func startStatusSampler(ctx context.Context, d statusSource, interval time.Duration, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			metrics.ObserveDriver(d.Status())
			select {
			case <-t.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}
