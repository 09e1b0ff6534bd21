package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/metrics"
)

const (
	txQueueSize       = 1024 // capacity of the wire TX queue
	serialReadBufSize = 4096
	// largeBufferReclaimThreshold is the capacity above which a drained serial
	// accumulator is reallocated, so a burst of noise does not pin memory.
	largeBufferReclaimThreshold = 16 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// injectFunc delivers a frame seen on the bus to the controller; false means
// the controller did not take it (filtered, or not in normal mode).
type injectFunc func(can.Frame) bool

// wireBackend is the bus side of the simulated controller.
type wireBackend struct {
	name string
	// send is the controller's Wire; nil for the virtual bus.
	send func(can.Frame) error
	// startRx launches the loop feeding bus traffic to inject.
	startRx func(inject injectFunc)
	close   func()
}

// initWire opens the configured bus attachment. The RX loop starts only when
// startRx is called, once the controller exists.
func initWire(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*wireBackend, error) {
	switch cfg.wire {
	case "virtual":
		l.Info("wire_virtual")
		return &wireBackend{name: "virtual", startRx: func(injectFunc) {}, close: func() {}}, nil
	case "socketcan":
		return initSocketCANWire(ctx, cfg, l, wg)
	case "slcan":
		return initSerialWire(ctx, cfg, l, wg)
	default:
		return nil, fmt.Errorf("unknown wire %q (use virtual|socketcan|slcan)", cfg.wire)
	}
}

func deliver(inject injectFunc, fr can.Frame) {
	if inject(fr) {
		metrics.IncWireRx()
	} else {
		metrics.IncWireFiltered()
	}
}

// backoff doubles up to rxBackoffMax.
type backoff time.Duration

func (b *backoff) reset() { *b = backoff(rxBackoffMin) }

func (b *backoff) sleep() {
	sleepFn(time.Duration(*b))
	*b *= 2
	if time.Duration(*b) > rxBackoffMax {
		*b = backoff(rxBackoffMax)
	}
}
