package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/metrics"
	"github.com/kstaniek/go-bxcan/internal/serial"
)

// openSerialPort is a hook for tests.
var openSerialPort = serial.Open

// initSerialWire opens an SLCAN adapter, opens its CAN channel at the
// configured bitrate and prepares the RX loop.
func initSerialWire(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*wireBackend, error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, fmt.Errorf("open serial: %w", err)
	}
	if err := serial.Setup(sp, cfg.bitrate); err != nil {
		_ = sp.Close()
		return nil, err
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud, "bitrate", cfg.bitrate)
	codec := serial.Codec{}
	w := serial.NewTXWriter(ctx, sp, codec, txQueueSize)
	startRx := func(inject injectFunc) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.Info("serial_rx_end")
			serialRxLoop(ctx, sp, codec, inject, l)
		}()
	}
	closeFn := func() {
		_, _ = sp.Write([]byte{'C', '\r'})
		_ = sp.Close()
		w.Close()
	}
	return &wireBackend{name: "slcan", send: w.SendFrame, startRx: startRx, close: closeFn}, nil
}

func serialRxLoop(ctx context.Context, sp serial.Port, codec serial.Codec, inject injectFunc, l *slog.Logger) {
	buf := make([]byte, serialReadBufSize)
	acc := bytes.NewBuffer(nil)
	var b backoff
	b.reset()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := sp.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			_ = codec.DecodeStream(acc, func(fr can.Frame) { deliver(inject, fr) })
			if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
				acc = bytes.NewBuffer(nil)
			}
			b.reset()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				// device removed
				l.Error("serial_device_lost", "error", err)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// tarm/serial reports a read timeout as EOF
				continue
			}
			metrics.IncError(metrics.ErrWireRead)
			l.Warn("wire_rx_error", "error", err, "backoff", time.Duration(b))
			b.sleep()
		}
	}
}
