package bxcan_test

import (
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-bxcan/internal/bxcan"
	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/sim"
)

func newDriver(t *testing.T, cfg sim.Config, opts ...bxcan.Option) (*bxcan.Driver, *sim.Controller) {
	t.Helper()
	c := sim.New(cfg)
	d := bxcan.New(c, c, opts...)
	t.Cleanup(func() {
		d.Stop()
		c.Close()
	})
	return d, c
}

func start(t *testing.T, d *bxcan.Driver, mode bxcan.Mode) {
	t.Helper()
	if err := d.Start(500000, mode); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func send(t *testing.T, d *bxcan.Driver, f can.Frame, timeout time.Duration) bool {
	t.Helper()
	ok, err := d.Send(f, timeout)
	if err != nil {
		t.Fatalf("Send(%v): %v", f, err)
	}
	return ok
}

func receive(t *testing.T, d *bxcan.Driver) bxcan.RxFrame {
	t.Helper()
	f, ok, err := d.Receive(time.Second)
	if err != nil || !ok {
		t.Fatalf("Receive=%v,%v", ok, err)
	}
	return f
}

func TestStartProgramsController(t *testing.T) {
	d, c := newDriver(t, sim.Config{}, bxcan.WithIRQPriority(5))
	start(t, d, 0)

	if d.Phase() != bxcan.PhaseRunning {
		t.Fatalf("phase=%v", d.Phase())
	}
	if !c.ClockEnabled() || c.Priority() != 5 {
		t.Fatalf("platform not set up")
	}
	if got := c.Load(bxcan.BTR); got != 0x00180005 {
		t.Fatalf("BTR=%#08x", got)
	}
	if msr := c.Load(bxcan.MSR); msr&(bxcan.MSR_INAK|bxcan.MSR_SLAK) != 0 {
		t.Fatalf("controller not in normal mode: MSR=%#x", msr)
	}
	mcr := c.Load(bxcan.MCR)
	if mcr&bxcan.MCR_ABOM == 0 || mcr&bxcan.MCR_AWUM == 0 {
		t.Fatalf("MCR=%#x", mcr)
	}
	if c.Load(bxcan.FA1R) != 1 || c.Load(bxcan.FMR)&bxcan.FMR_FINIT != 0 {
		t.Fatalf("accept-all filter not active")
	}
}

func TestStartOneMegabit(t *testing.T) {
	d, c := newDriver(t, sim.Config{})
	if err := d.Start(1000000, 0); err != nil {
		t.Fatalf("Start(1M): %v", err)
	}
	tm, err := bxcan.ComputeTimings(1000000, bxcan.DefaultPeripheralClock)
	if err != nil {
		t.Fatalf("ComputeTimings: %v", err)
	}
	if got := c.Load(bxcan.BTR); got != tm.BTR(false) {
		t.Fatalf("BTR=%#08x want %#08x", got, tm.BTR(false))
	}
	if tm.Bitrate(bxcan.DefaultPeripheralClock) != 1000000 {
		t.Fatalf("timings rebuild %d bit/s", tm.Bitrate(bxcan.DefaultPeripheralClock))
	}
	if !send(t, d, can.NewStandard(0x7E0, 2, 1, 0), 10*time.Millisecond) {
		t.Fatalf("Send at 1 Mbit/s timed out")
	}
}

func TestSendReceiveOverVirtualBus(t *testing.T) {
	wire := make(chan can.Frame, 4)
	d, c := newDriver(t, sim.Config{Wire: func(f can.Frame) error { wire <- f; return nil }})
	start(t, d, 0)

	out := can.NewExtended(0x18FF50E5, 0xDE, 0xAD)
	if !send(t, d, out, time.Second) {
		t.Fatalf("Send timed out")
	}
	select {
	case got := <-wire:
		if !got.Equal(out) {
			t.Fatalf("wire got %v want %v", got, out)
		}
	case <-time.After(time.Second):
		t.Fatalf("frame never reached the wire")
	}

	in := can.NewStandard(0x321, 1, 2, 3)
	if !c.Inject(in) {
		t.Fatalf("Inject refused")
	}
	got := receive(t, d)
	if !got.Equal(in) || got.Loopback {
		t.Fatalf("received %+v", got)
	}

	deadline := time.Now().Add(time.Second)
	for d.Status().TxFrames != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	st := d.Status()
	if st.TxFrames != 1 || st.RxFrames != 1 || !st.HadActivity || st.Phase != bxcan.PhaseRunning {
		t.Fatalf("status %+v", st)
	}
}

func TestLoopbackEcho(t *testing.T) {
	d, _ := newDriver(t, sim.Config{})
	start(t, d, bxcan.ModeLoopback)

	f := can.NewStandard(0x42, 7)
	if !send(t, d, f, time.Second) {
		t.Fatalf("Send timed out")
	}
	echo := receive(t, d)
	if !echo.Equal(f) || !echo.Loopback || echo.Failed {
		t.Fatalf("echo %+v", echo)
	}
	if st := d.Status(); st.RxFrames != 0 || st.TxFrames != 1 {
		t.Fatalf("echo counted as bus traffic: %+v", st)
	}
}

func TestSilentModeEchoFails(t *testing.T) {
	d, c := newDriver(t, sim.Config{})
	start(t, d, bxcan.ModeLoopback|bxcan.ModeSilent)
	if c.Load(bxcan.BTR)&bxcan.BTR_SILM == 0 {
		t.Fatalf("SILM not set")
	}
	send(t, d, can.NewStandard(0x1), time.Second)
	if echo := receive(t, d); !echo.Failed {
		t.Fatalf("listen-only transmission reported success: %+v", echo)
	}
}

func TestReceiveZeroTimeoutPolls(t *testing.T) {
	d, _ := newDriver(t, sim.Config{})
	start(t, d, 0)
	t0 := time.Now()
	_, ok, err := d.Receive(0)
	if ok || err != nil {
		t.Fatalf("Receive(0)=%v,%v", ok, err)
	}
	if time.Since(t0) > 50*time.Millisecond {
		t.Fatalf("Receive(0) blocked")
	}

	_, ok, _ = d.Receive(20 * time.Millisecond)
	if ok {
		t.Fatalf("unexpected frame")
	}
}

func TestSendAdmission(t *testing.T) {
	d, c := newDriver(t, sim.Config{ManualTx: true})
	start(t, d, 0)

	if !send(t, d, can.NewStandard(0x300), 0) {
		t.Fatalf("first frame refused")
	}
	// A lower-priority frame must not overtake the pending one.
	if send(t, d, can.NewStandard(0x400), 10*time.Millisecond) {
		t.Fatalf("lower-priority frame admitted")
	}
	if !send(t, d, can.NewStandard(0x200), 0) || !send(t, d, can.NewStandard(0x100), 0) {
		t.Fatalf("higher-priority frames refused")
	}
	if send(t, d, can.NewStandard(0x050), 10*time.Millisecond) {
		t.Fatalf("admitted with every mailbox busy")
	}
	if st := d.Status(); st.PendingTxSlots != 3 || st.PeakTxMailbox != 2 {
		t.Fatalf("status %+v", st)
	}

	done := make(chan bool, 1)
	go func() {
		ok, _ := d.Send(can.NewStandard(0x050), 2*time.Second)
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	c.CompleteTx(0, true)
	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("Send did not take the freed mailbox")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Send did not wake on TX completion")
	}
	if f, ok := c.PendingFrame(0); !ok || f.ID() != 0x050 {
		t.Fatalf("mailbox 0 holds %v,%v", f, ok)
	}
}

func TestBusOffAbortsPending(t *testing.T) {
	d, c := newDriver(t, sim.Config{ManualTx: true})
	start(t, d, bxcan.ModeLoopback)

	send(t, d, can.NewStandard(0x10), 0)
	send(t, d, can.NewStandard(0x08), 0)
	c.BusOff()

	for i := 0; i < 2; i++ {
		echo := receive(t, d)
		if !echo.Loopback || !echo.Failed {
			t.Fatalf("echo %d: %+v", i, echo)
		}
	}
	if st := d.Status(); st.PendingTxSlots != 0 || st.TxFrames != 0 {
		t.Fatalf("status %+v", st)
	}
	if busy := c.Busy(); busy[0] || busy[1] {
		t.Fatalf("mailboxes still busy: %v", busy)
	}
	c.Recover()
}

func TestBusErrorLatched(t *testing.T) {
	d, c := newDriver(t, sim.Config{})
	start(t, d, 0)
	c.LatchError(4)
	deadline := time.Now().Add(time.Second)
	for d.Status().Errors == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if st := d.Status(); st.Errors != 1 || st.LastHWError != 4 {
		t.Fatalf("status %+v", st)
	}
}

func TestRxQueueOverwritesOldest(t *testing.T) {
	d, c := newDriver(t, sim.Config{})
	start(t, d, 0)
	const n = bxcan.RxQueueCapacity + 4
	for i := 0; i < n; i++ {
		c.Inject(can.NewStandard(uint32(i)))
		deadline := time.Now().Add(time.Second)
		for d.Status().RxFrames != uint64(i+1) && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	st := d.Status()
	if st.RxQueueLen != bxcan.RxQueueCapacity || st.RxQueueDrops != 4 || st.RxOverflows != 0 {
		t.Fatalf("status %+v", st)
	}
	if f := receive(t, d); f.ID() != 4 {
		t.Fatalf("oldest surviving frame id=%d want 4", f.ID())
	}
}

func TestStartErrors(t *testing.T) {
	d, _ := newDriver(t, sim.Config{})
	if err := d.Start(700000, 0); !errors.Is(err, bxcan.ErrInvalidBitrate) {
		t.Fatalf("Start(700k)=%v", err)
	}
	if d.Phase() != bxcan.PhaseStopped {
		t.Fatalf("phase=%v", d.Phase())
	}

	stuck, _ := newDriver(t, sim.Config{StuckInit: true}, bxcan.WithAckTimeout(20*time.Millisecond, time.Millisecond))
	t0 := time.Now()
	if err := stuck.Start(500000, 0); !errors.Is(err, bxcan.ErrInitAckTimeout) {
		t.Fatalf("Start on a stuck controller=%v", err)
	}
	if time.Since(t0) > time.Second {
		t.Fatalf("ack timeout not honoured")
	}
}

func TestLifecycleErrors(t *testing.T) {
	d, c := newDriver(t, sim.Config{})
	if _, _, err := d.Receive(0); !errors.Is(err, bxcan.ErrNotStarted) {
		t.Fatalf("Receive before Start=%v", err)
	}
	if _, err := d.Send(can.NewStandard(1), 0); !errors.Is(err, bxcan.ErrNotRunning) {
		t.Fatalf("Send before Start=%v", err)
	}

	start(t, d, 0)
	if _, err := d.Send(can.Frame{CANID: can.CAN_ERR_FLAG}, 0); !errors.Is(err, bxcan.ErrUnsupportedFrame) {
		t.Fatalf("Send(error frame)=%v", err)
	}

	c.Inject(can.NewStandard(0x77))
	deadline := time.Now().Add(time.Second)
	for d.Status().RxQueueLen == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	parked := func(when string) {
		t.Helper()
		if d.Phase() != bxcan.PhaseStopped {
			t.Fatalf("%s: phase=%v", when, d.Phase())
		}
		if c.Load(bxcan.IER) != 0 || c.Load(bxcan.MSR)&bxcan.MSR_SLAK == 0 {
			t.Fatalf("%s: controller not parked: IER=%#x MSR=%#x", when, c.Load(bxcan.IER), c.Load(bxcan.MSR))
		}
	}
	d.Stop()
	parked("first Stop")
	d.Stop()
	parked("second Stop")
	if _, err := d.Send(can.NewStandard(1), 0); !errors.Is(err, bxcan.ErrNotRunning) {
		t.Fatalf("Send after Stop=%v", err)
	}
	// Frames buffered before Stop stay receivable.
	if f := receive(t, d); f.ID() != 0x77 {
		t.Fatalf("retained frame %v", f)
	}

	// Restart builds a fresh session.
	start(t, d, 0)
	if st := d.Status(); st.RxFrames != 0 || st.RxQueueLen != 0 {
		t.Fatalf("state carried across Start: %+v", st)
	}
}
