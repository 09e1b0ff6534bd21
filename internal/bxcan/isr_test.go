package bxcan

import (
	"testing"

	"github.com/kstaniek/go-bxcan/internal/can"
)

func newISRDriver(loopback bool) (*Driver, *fakeRegs) {
	regs := newFakeRegs()
	d := New(regs, &fakePlatform{})
	d.st = newState(loopback)
	return d, regs
}

func drain(st *state) []RxFrame {
	var out []RxFrame
	for {
		f, ok := st.rxQueue.pop()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func TestHandleInterruptSpurious(t *testing.T) {
	regs := newFakeRegs()
	d := New(regs, &fakePlatform{})
	d.HandleInterrupt()
	if len(regs.stores) != 0 {
		t.Fatalf("spurious interrupt touched registers: %v", regs.stores)
	}
}

func TestHandleInterruptReceive(t *testing.T) {
	d, regs := newISRDriver(false)
	regs.rx[0] = []fakeRx{
		{rir: 0x123 << TIR_STID_Shift, rdtr: 3, rdlr: 0x00CCBBAA},
		{rir: 0x1ABCDEF<<TIR_EXID_Shift | TIR_IDE | TIR_RTR, rdtr: 0},
	}
	regs.ovr[0] = true
	regs.rx[1] = []fakeRx{{rir: 0x7FF << TIR_STID_Shift, rdtr: 15, rdlr: 0x04030201, rdhr: 0x08070605}}

	d.HandleInterrupt()

	got := drain(d.st)
	if len(got) != 3 {
		t.Fatalf("got %d frames", len(got))
	}
	want := []can.Frame{
		can.NewStandard(0x123, 0xAA, 0xBB, 0xCC),
		{CANID: 0x1ABCDEF | can.CAN_EFF_FLAG | can.CAN_RTR_FLAG},
		can.NewStandard(0x7FF, 1, 2, 3, 4, 5, 6, 7, 8),
	}
	for i := range want {
		if !got[i].Frame.Equal(want[i]) {
			t.Fatalf("frame %d: got %v want %v", i, got[i].Frame, want[i])
		}
		if got[i].Loopback || got[i].Failed || got[i].Timestamp.IsZero() {
			t.Fatalf("frame %d flags: %+v", i, got[i])
		}
	}
	if d.st.rxOverflows != 1 {
		t.Fatalf("rxOverflows=%d want 1", d.st.rxOverflows)
	}
	if d.st.rx != 3 || !d.st.hadActivity {
		t.Fatalf("rx=%d activity=%v", d.st.rx, d.st.hadActivity)
	}
	if len(regs.rx[0]) != 0 || len(regs.rx[1]) != 0 {
		t.Fatalf("FIFOs not released")
	}
}

func TestHandleInterruptTxComplete(t *testing.T) {
	d, regs := newISRDriver(true)
	a, b := can.NewStandard(0x10, 1), can.NewStandard(0x20, 2)
	d.st.pendingTx[0] = txItem{frame: a, pending: true}
	d.st.pendingTx[1] = txItem{frame: b, pending: true}
	regs.set(TSR, TSR_TME|TSR_RQCP0|TSR_TXOK0|TSR_RQCP1)

	d.HandleInterrupt()

	if d.st.pendingTx[0].pending || d.st.pendingTx[1].pending {
		t.Fatalf("mailboxes still pending")
	}
	if d.st.tx != 1 {
		t.Fatalf("tx=%d want 1", d.st.tx)
	}
	if regs.Load(TSR)&(TSR_RQCP0|TSR_RQCP1) != 0 {
		t.Fatalf("RQCP not acknowledged")
	}
	echoes := drain(d.st)
	if len(echoes) != 2 {
		t.Fatalf("got %d echoes", len(echoes))
	}
	if !echoes[0].Equal(a) || !echoes[0].Loopback || echoes[0].Failed {
		t.Fatalf("echo 0: %+v", echoes[0])
	}
	if !echoes[1].Equal(b) || !echoes[1].Loopback || !echoes[1].Failed {
		t.Fatalf("echo 1: %+v", echoes[1])
	}
	// Echoes are not bus traffic.
	if d.st.rx != 0 {
		t.Fatalf("rx=%d", d.st.rx)
	}
	select {
	case <-d.st.txEvent.ch:
	default:
		t.Fatalf("tx event not signalled")
	}
}

func TestHandleInterruptBusOff(t *testing.T) {
	d, regs := newISRDriver(true)
	d.st.pendingTx[0] = txItem{frame: can.NewStandard(0x1), pending: true}
	d.st.pendingTx[2] = txItem{frame: can.NewStandard(0x3), pending: true}
	regs.set(MSR, MSR_ERRI)
	regs.set(ESR, ESR_BOFF|3<<ESR_LEC_Shift)

	d.HandleInterrupt()

	if v, ok := regs.wrote(TSR); !ok || v != TSR_ABRQ0|TSR_ABRQ1|TSR_ABRQ2 {
		t.Fatalf("abort request=%#x ok=%v", v, ok)
	}
	if v, ok := regs.wrote(ESR); !ok || v != 0 {
		t.Fatalf("ESR not cleared")
	}
	if regs.Load(MSR)&MSR_ERRI != 0 {
		t.Fatalf("ERRI not acknowledged")
	}
	st := d.st.status(PhaseRunning)
	if st.PendingTxSlots != 0 || st.LastHWError != 3 || st.Errors != 1 {
		t.Fatalf("status %+v", st)
	}
	echoes := drain(d.st)
	if len(echoes) != 2 {
		t.Fatalf("got %d echoes", len(echoes))
	}
	for _, e := range echoes {
		if !e.Loopback || !e.Failed {
			t.Fatalf("echo %+v", e)
		}
	}
}

func TestHandleInterruptErrorWithoutCode(t *testing.T) {
	d, regs := newISRDriver(false)
	regs.set(MSR, MSR_ERRI)
	regs.set(ESR, ESR_EWGF)

	d.HandleInterrupt()

	if d.st.errors != 0 || d.st.lastHWError != 0 {
		t.Fatalf("errors=%d lec=%d", d.st.errors, d.st.lastHWError)
	}
	if _, ok := regs.wrote(TSR); ok {
		t.Fatalf("abort issued without bus-off")
	}
}
