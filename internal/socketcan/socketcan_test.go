package socketcan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/metrics"
)

func TestFrameLayout(t *testing.T) {
	in := can.NewExtended(0x1234567, 1, 2, 3)
	var buf [frameSize]byte
	marshalFrame(&buf, in)
	if buf[4] != 3 || buf[8] != 1 || buf[10] != 3 || buf[11] != 0 {
		t.Fatalf("layout %x", buf)
	}
	var out can.Frame
	if err := unmarshalFrame(buf[:], &out); err != nil || !out.Equal(in) {
		t.Fatalf("unmarshal=%v,%v", out, err)
	}

	buf[4] = 15
	if err := unmarshalFrame(buf[:], &out); err != nil || out.Len != can.MaxLen {
		t.Fatalf("dlc not clamped: %v,%v", out, err)
	}
	if err := unmarshalFrame(buf[:8], &out); err == nil {
		t.Fatalf("short read accepted")
	}
}

type fakeDev struct {
	mu      sync.Mutex
	written []can.Frame
	err     error
}

func (d *fakeDev) ReadFrame(*can.Frame) error { return errors.New("unused") }
func (d *fakeDev) Close() error               { return nil }
func (d *fakeDev) WriteFrame(fr can.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.written = append(d.written, fr)
	return nil
}

func (d *fakeDev) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.written)
}

func TestTXWriterCountsWrites(t *testing.T) {
	dev := &fakeDev{}
	w := NewTXWriter(context.Background(), dev, 8)
	defer w.Close()

	before := metrics.Snap()
	for i := 0; i < 3; i++ {
		if err := w.SendFrame(can.NewStandard(uint32(i))); err != nil {
			t.Fatalf("SendFrame: %v", err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for dev.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if dev.count() != 3 {
		t.Fatalf("wrote %d frames", dev.count())
	}
	for metrics.Snap().WireTx-before.WireTx < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if d := metrics.Snap().WireTx - before.WireTx; d != 3 {
		t.Fatalf("wire tx delta %d", d)
	}
}

func TestTXWriterWriteError(t *testing.T) {
	dev := &fakeDev{err: errors.New("ENOBUFS")}
	w := NewTXWriter(context.Background(), dev, 8)
	defer w.Close()

	before := metrics.Snap()
	_ = w.SendFrame(can.NewStandard(1))
	deadline := time.Now().Add(time.Second)
	for metrics.Snap().Errors == before.Errors && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if metrics.Snap().Errors == before.Errors {
		t.Fatalf("write error not counted")
	}
}
