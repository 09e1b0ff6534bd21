package bxcan

import (
	"encoding/binary"
	"time"

	"github.com/kstaniek/go-bxcan/internal/can"
)

const numRxFIFOs = 2

// isr is the interrupt-context view of the driver. It only exists inside
// HandleInterrupt, which holds the critical section, so its methods touch
// the state without further locking.
type isr struct {
	regs Registers
	st   *state
	now  time.Time
}

// HandleInterrupt is the CAN interrupt entry point. A single invocation may
// carry TX completions, received frames and a status change at once; each
// class is checked independently.
func (d *Driver) HandleInterrupt() {
	defer d.critical()()
	if d.st == nil {
		return // spurious: nothing was ever started
	}
	h := isr{regs: d.regs, st: d.st, now: time.Now()}

	// TXOK clear on a completed request means the transmission failed.
	tsr := h.regs.Load(TSR)
	for mbx := 0; mbx < NumTxMailboxes; mbx++ {
		if tsr&TSR_RQCP(mbx) != 0 {
			txok := tsr&TSR_TXOK(mbx) != 0
			h.regs.Store(TSR, TSR_RQCP(mbx))
			h.txComplete(mbx, txok)
		}
	}

	for fifo := 0; fifo < numRxFIFOs; fifo++ {
		for h.regs.Load(RFR(fifo))&RFR_FMP != 0 {
			h.receive(fifo)
		}
	}

	if h.regs.Load(MSR)&MSR_ERRI != 0 {
		h.statusChange()
	}
}

func (h *isr) txComplete(mbx int, txok bool) {
	if txok {
		h.st.hadActivity = true
		h.st.tx++
	}
	it := &h.st.pendingTx[mbx]
	if h.st.loopback && it.pending {
		h.st.pushRx(RxFrame{Frame: it.frame, Timestamp: h.now, Loopback: true, Failed: !txok})
	}
	it.pending = false
	h.st.txEvent.signal()
}

func (h *isr) receive(fifo int) {
	rfr := h.regs.Load(RFR(fifo))
	if rfr&RFR_FOVR != 0 {
		h.st.rxOverflows++
	}

	rir := h.regs.Load(RIR(fifo))
	var f can.Frame
	if rir&TIR_IDE == 0 {
		f.CANID = can.CAN_SFF_MASK & (rir >> TIR_STID_Shift)
	} else {
		f.CANID = can.CAN_EFF_MASK&(rir>>TIR_EXID_Shift) | can.CAN_EFF_FLAG
	}
	if rir&TIR_RTR != 0 {
		f.CANID |= can.CAN_RTR_FLAG
	}
	f.Len = uint8(h.regs.Load(RDTR(fifo)) & RDTR_DLC)
	if f.Len > can.MaxLen {
		f.Len = can.MaxLen
	}
	binary.LittleEndian.PutUint32(f.Data[0:4], h.regs.Load(RDLR(fifo)))
	binary.LittleEndian.PutUint32(f.Data[4:8], h.regs.Load(RDHR(fifo)))

	// Release the FIFO entry just read.
	h.regs.Store(RFR(fifo), RFR_RFOM|RFR_FOVR|RFR_FULL)

	h.st.pushRx(RxFrame{Frame: f, Timestamp: h.now})
}

func (h *isr) statusChange() {
	h.regs.Store(MSR, MSR_ERRI)

	esr := h.regs.Load(ESR)
	if esr&ESR_BOFF != 0 {
		// Bus-off: cancel every transmission and report the loss.
		h.regs.Store(TSR, TSR_ABRQ0|TSR_ABRQ1|TSR_ABRQ2)
		h.st.txEvent.signal()
		for mbx := range h.st.pendingTx {
			it := &h.st.pendingTx[mbx]
			if !it.pending {
				continue
			}
			it.pending = false
			if h.st.loopback {
				h.st.pushRx(RxFrame{Frame: it.frame, Timestamp: h.now, Loopback: true, Failed: true})
			}
		}
	}

	if lec := uint8((esr & ESR_LEC) >> ESR_LEC_Shift); lec != 0 {
		h.st.lastHWError = lec
		h.st.errors++
	}
	h.regs.Store(ESR, 0)
}
