package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/cnl"
	"github.com/kstaniek/go-bxcan/internal/hub"
	"github.com/kstaniek/go-bxcan/internal/metrics"
)

// capture records frames handed to the transmit path.
type capture struct {
	mu     sync.Mutex
	frames []can.Frame
	err    error
}

func (c *capture) send(fr can.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, fr)
	return nil
}

func (c *capture) snapshot() []can.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]can.Frame(nil), c.frames...)
}

func startServer(t testing.TB, send SendFunc, opts ...ServerOption) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	opts = append([]ServerOption{
		WithHub(hub.New()),
		WithCodec(&cnl.Codec{}),
		WithSend(send),
		WithListenAddr("127.0.0.1:0"),
		WithHandshakeTimeout(time.Second),
	}, opts...)
	srv := NewServer(opts...)
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	})
	return srv
}

func dial(t testing.TB, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := cnl.Handshake(context.Background(), conn, time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return conn
}

func waitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSmokeServer(t *testing.T) {
	var rec capture
	srv := startServer(t, rec.send)
	conn := dial(t, srv)

	// Client to bus.
	want := can.NewStandard(0x123, 1, 2, 3)
	if _, err := conn.Write(cnl.AppendFrame(nil, want)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	waitFor(t, "frame at backend", func() bool { return len(rec.snapshot()) == 1 })
	if got := rec.snapshot()[0]; !got.Equal(want) {
		t.Fatalf("backend got %v want %v", got, want)
	}

	// Bus to client.
	waitFor(t, "hub registration", func() bool { return srv.Hub.Count() == 1 })
	bcast := can.NewExtended(0x18DAF110, 9, 8)
	if n := srv.Hub.Broadcast(bcast); n != 1 {
		t.Fatalf("broadcast delivered to %d clients", n)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	got, err := (&cnl.Codec{}).Decode(conn)
	if err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if !got.Equal(bcast) {
		t.Fatalf("client got %v want %v", got, bcast)
	}
}

func TestInvalidFramesDropped(t *testing.T) {
	var rec capture
	srv := startServer(t, rec.send)
	conn := dial(t, srv)

	before := metrics.Snap()
	var stream []byte
	stream = cnl.AppendFrame(stream, can.Frame{CANID: 0x800, Len: 1}) // standard id out of range
	stream = cnl.AppendFrame(stream, can.Frame{CANID: can.CAN_ERR_FLAG | 4, Len: 8})
	stream = cnl.AppendFrame(stream, can.NewStandard(0x10))
	if _, err := conn.Write(stream); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "valid frame", func() bool { return len(rec.snapshot()) == 1 })
	if got := rec.snapshot()[0]; got.ID() != 0x10 {
		t.Fatalf("backend got %v", got)
	}
	if d := metrics.Snap().Malformed - before.Malformed; d < 2 {
		t.Fatalf("malformed delta %d", d)
	}
	if srv.totalInvalid.Load() != 2 {
		t.Fatalf("invalid=%d", srv.totalInvalid.Load())
	}
}

func TestBackendErrorKeepsSession(t *testing.T) {
	rec := capture{err: errors.New("bus down")}
	srv := startServer(t, rec.send)
	conn := dial(t, srv)

	if _, err := conn.Write(cnl.AppendFrame(nil, can.NewStandard(1))); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "backend error", func() bool { return srv.LastError() != nil })
	if !errors.Is(srv.LastError(), ErrBackendTx) {
		t.Fatalf("last error %v", srv.LastError())
	}

	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	if _, err := conn.Write(cnl.AppendFrame(nil, can.NewStandard(2))); err != nil {
		t.Fatalf("write after error: %v", err)
	}
	waitFor(t, "second frame", func() bool { return len(rec.snapshot()) == 1 })
}

func TestHandshakeRejected(t *testing.T) {
	srv := startServer(t, func(can.Frame) error { return nil })
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("NOTCANNELLON")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	// The server's own hello may arrive before the close.
	_, err = io.Copy(io.Discard, conn)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatalf("connection left open after bad hello")
	}
	waitFor(t, "handshake error", func() bool { return errors.Is(srv.LastError(), ErrHandshake) })
	if srv.Hub.Count() != 0 {
		t.Fatalf("client registered after failed handshake")
	}
}

func TestMaxClients(t *testing.T) {
	srv := startServer(t, func(can.Frame) error { return nil }, WithMaxClients(1))
	dial(t, srv)
	waitFor(t, "first client", func() bool { return srv.Hub.Count() == 1 })

	second := dial(t, srv)
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatalf("second client not rejected")
	}
	if srv.Hub.Count() != 1 {
		t.Fatalf("clients=%d", srv.Hub.Count())
	}
}

func TestShutdownDisconnectsClients(t *testing.T) {
	srv := startServer(t, func(can.Frame) error { return nil })
	conn := dial(t, srv)
	waitFor(t, "client", func() bool { return srv.Hub.Count() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatalf("connection still open")
	}
	if srv.Hub.Count() != 0 {
		t.Fatalf("clients=%d after shutdown", srv.Hub.Count())
	}
}

func TestFrameFilterDropsClientFrames(t *testing.T) {
	var rec capture
	srv := startServer(t, rec.send, WithFrameFilter(func(f *can.Frame) bool { return f.ID() < 0x700 }))
	conn := dial(t, srv)

	var stream []byte
	stream = cnl.AppendFrame(stream, can.NewStandard(0x7DF, 2, 1, 0))
	stream = cnl.AppendFrame(stream, can.NewStandard(0x123))
	if _, err := conn.Write(stream); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "allowed frame", func() bool { return len(rec.snapshot()) == 1 })
	if got := rec.snapshot()[0]; got.ID() != 0x123 {
		t.Fatalf("backend got %v", got)
	}
	cl := srv.Clients()
	if len(cl) != 1 || cl[0].Filtered != 1 || cl[0].FramesIn != 1 {
		t.Fatalf("client stats %+v", cl)
	}
	if srv.totalFiltered.Load() != 1 {
		t.Fatalf("filtered=%d", srv.totalFiltered.Load())
	}
}

// Tx timeouts are per-frame losses charged to the sending client; the
// session stays up.
func TestClientTxTimeoutsCounted(t *testing.T) {
	srv := startServer(t, func(can.Frame) error { return ErrTxTimeout })
	conn := dial(t, srv)

	var stream []byte
	for i := 0; i < 3; i++ {
		stream = cnl.AppendFrame(stream, can.NewStandard(uint32(0x100+i)))
	}
	if _, err := conn.Write(stream); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "tx timeouts", func() bool {
		cl := srv.Clients()
		return len(cl) == 1 && cl[0].TxTimeouts == 3
	})
	if cl := srv.Clients()[0]; cl.FramesIn != 0 || cl.TxErrors != 0 {
		t.Fatalf("client stats %+v", cl)
	}
	if srv.totalTxTimeouts.Load() != 3 || srv.LastError() != nil {
		t.Fatalf("timeouts=%d last error %v", srv.totalTxTimeouts.Load(), srv.LastError())
	}
	if srv.Hub.Count() != 1 {
		t.Fatalf("session dropped after tx timeouts")
	}
}

// A full batch is written at once; a partial one waits for the flush tick.
func TestWriterBatchSize(t *testing.T) {
	srv := startServer(t, func(can.Frame) error { return nil }, WithBatchSize(2), WithFlushInterval(time.Hour))
	conn := dial(t, srv)
	waitFor(t, "client", func() bool { return srv.Hub.Count() == 1 })

	first, second := can.NewStandard(0x10, 1), can.NewStandard(0x11, 2)
	srv.Hub.Broadcast(first)
	srv.Hub.Broadcast(second)
	dec := &cnl.Codec{}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	for _, want := range []can.Frame{first, second} {
		got, err := dec.Decode(conn)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !got.Equal(want) {
			t.Fatalf("client got %v want %v", got, want)
		}
	}

	srv.Hub.Broadcast(can.NewStandard(0x12))
	_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatalf("partial batch written before the flush interval")
	}
	if cl := srv.Clients(); len(cl) != 1 || cl[0].FramesOut != 2 {
		t.Fatalf("client stats %+v", cl)
	}
}

func BenchmarkServerWriterFlush(b *testing.B) {
	srv := startServer(b, func(can.Frame) error { return nil })
	conn := dial(b, srv)
	go func() { _, _ = io.Copy(io.Discard, conn) }()
	waitFor(b, "client", func() bool { return srv.Hub.Count() == 1 })

	fr := can.NewStandard(0x100, 1, 2, 3, 4, 5, 6, 7, 8)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		srv.Hub.Broadcast(fr)
	}
}
