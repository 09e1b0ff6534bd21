package bxcan

import "sync"

type fakeRx struct{ rir, rdtr, rdlr, rdhr uint32 }

type storeOp struct {
	reg Reg
	val uint32
}

// fakeRegs is a register bank with just enough behavior for the ISR and
// mailbox paths: RFxR pops on RFOM, TSR/MSR flags clear on write-one.
type fakeRegs struct {
	mu     sync.Mutex
	regs   map[Reg]uint32
	rx     [2][]fakeRx
	ovr    [2]bool
	stores []storeOp
}

func newFakeRegs() *fakeRegs { return &fakeRegs{regs: map[Reg]uint32{TSR: TSR_TME}} }

func (f *fakeRegs) Load(r Reg) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	for n := 0; n < 2; n++ {
		if r == RFR(n) {
			v := uint32(len(f.rx[n]))
			if f.ovr[n] {
				v |= RFR_FOVR
			}
			return v
		}
		if len(f.rx[n]) == 0 {
			continue
		}
		head := f.rx[n][0]
		switch r {
		case RIR(n):
			return head.rir
		case RDTR(n):
			return head.rdtr
		case RDLR(n):
			return head.rdlr
		case RDHR(n):
			return head.rdhr
		}
	}
	return f.regs[r]
}

func (f *fakeRegs) Store(r Reg, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores = append(f.stores, storeOp{r, v})
	for n := 0; n < 2; n++ {
		if r == RFR(n) {
			if v&RFR_FOVR != 0 {
				f.ovr[n] = false
			}
			if v&RFR_RFOM != 0 && len(f.rx[n]) > 0 {
				f.rx[n] = f.rx[n][1:]
			}
			return
		}
	}
	switch r {
	case TSR:
		var clear uint32
		for mbx := 0; mbx < NumTxMailboxes; mbx++ {
			if v&TSR_RQCP(mbx) != 0 {
				clear |= TSR_MBX(mbx)
			}
		}
		f.regs[TSR] &^= clear
	case MSR:
		f.regs[MSR] &^= v
	default:
		f.regs[r] = v
	}
}

func (f *fakeRegs) set(r Reg, v uint32) {
	f.mu.Lock()
	f.regs[r] = v
	f.mu.Unlock()
}

func (f *fakeRegs) wrote(r Reg) (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.stores) - 1; i >= 0; i-- {
		if f.stores[i].reg == r {
			return f.stores[i].val, true
		}
	}
	return 0, false
}

type fakePlatform struct {
	clock, reset, cleared int
	priority              int
	isr                   func()
}

func (p *fakePlatform) EnableClock() { p.clock++ }
func (p *fakePlatform) ResetPeripheral() { p.reset++ }
func (p *fakePlatform) EnableVector(prio int, f func()) { p.priority, p.isr = prio, f }
func (p *fakePlatform) ClearPendingIRQ() { p.cleared++ }
