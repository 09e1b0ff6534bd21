package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/logging"
	"github.com/kstaniek/go-bxcan/internal/metrics"
	"github.com/kstaniek/go-bxcan/internal/transport"
)

var (
	ErrTxOverflow  = errors.New("socketcan tx overflow")
	ErrUnsupported = errors.New("socketcan is only available on linux")
)

// Dev is the minimal interface needed by the wire loop and TXWriter.
// Implemented by *Device in production and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// TXWriter funnels all SocketCAN writes through a single goroutine.
type TXWriter struct{ base *transport.AsyncTx[can.Frame] }

var _ transport.FrameSink = (*TXWriter)(nil)

// NewTXWriter creates a SocketCAN TXWriter with a buffered channel of size buf.
func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrWireWrite)
			logging.L().Debug("socketcan_write_error", "error", err)
		},
		OnAfter: metrics.IncWireTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrWireOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, dev.WriteFrame, hooks)}
}

// SendFrame queues a frame for asynchronous device write (drops with ErrTxOverflow if buffer full).
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.Submit(fr) }

// Close stops the writer and waits for the worker goroutine to finish.
func (w *TXWriter) Close() { w.base.Close() }
