package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/logging"
	"github.com/kstaniek/go-bxcan/internal/metrics"
	"github.com/kstaniek/go-bxcan/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all serial writes through one goroutine.
type TXWriter struct{ base *transport.AsyncTx[can.Frame] }

var _ transport.FrameSink = (*TXWriter)(nil)

// NewTXWriter creates a serial TXWriter with a queue of buf frames.
func NewTXWriter(parent context.Context, sp Port, codec Codec, buf int) *TXWriter {
	send := func(fr can.Frame) error {
		_, err := sp.Write(codec.Encode(fr))
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrWireWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: metrics.IncWireTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrWireOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// SendFrame queues a frame for asynchronous write (ErrTxOverflow if the queue is full).
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.Submit(fr) }

// Close stops the writer and waits for the worker to exit.
func (w *TXWriter) Close() { w.base.Close() }
