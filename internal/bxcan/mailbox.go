package bxcan

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-bxcan/internal/can"
)

// loadSkipsPriorityRecheck names the policy that load does not repeat the
// priority check made by canAccept. Between the two calls a pending frame can
// only leave its mailbox, never be replaced by a lower-priority one, because
// frames do not time out on a working bus; the check would only cost
// critical-section time.
const loadSkipsPriorityRecheck = true

// canAccept reports whether frame may take a mailbox now: at least one
// mailbox is free and frame outranks every frame still pending, so a
// low-priority frame never sits in hardware while a higher one waits.
func (d *Driver) canAccept(st *state, frame can.Frame) bool {
	tme := d.regs.Load(TSR) & TSR_TME
	if tme == TSR_TME {
		return true
	}
	if tme == 0 {
		return false
	}

	defer d.critical()()
	return outranksPending(st, frame)
}

// outranksPending must be called inside the critical section.
func outranksPending(st *state, frame can.Frame) bool {
	for i := range st.pendingTx {
		if st.pendingTx[i].pending && !frame.PriorityHigherThan(st.pendingTx[i].frame) {
			return false
		}
	}
	return true
}

// load writes frame into the first free mailbox and requests transmission.
// It reports false when every mailbox is busy.
func (d *Driver) load(st *state, frame can.Frame) (bool, error) {
	if frame.IsError() || frame.Len > can.MaxLen {
		return false, fmt.Errorf("%w: can_id=0x%08X len=%d", ErrUnsupportedFrame, frame.CANID, frame.Len)
	}

	defer d.critical()()

	tsr := d.regs.Load(TSR)
	mbx := -1
	for i := 0; i < NumTxMailboxes; i++ {
		if tsr&TSR_TMEn(i) != 0 {
			mbx = i
			break
		}
	}
	if mbx < 0 {
		return false, nil
	}
	if !loadSkipsPriorityRecheck && !outranksPending(st, frame) {
		return false, nil
	}
	if uint8(mbx) > st.peakTxMailbox {
		st.peakTxMailbox = uint8(mbx)
	}

	var tir uint32
	if frame.IsExtended() {
		tir = frame.ID()<<TIR_EXID_Shift | TIR_IDE
	} else {
		tir = frame.ID() << TIR_STID_Shift
	}
	if frame.IsRemote() {
		tir |= TIR_RTR
	}
	d.regs.Store(TIR(mbx), tir)
	d.regs.Store(TDTR(mbx), uint32(frame.Len))
	d.regs.Store(TDHR(mbx), binary.LittleEndian.Uint32(frame.Data[4:8]))
	d.regs.Store(TDLR(mbx), binary.LittleEndian.Uint32(frame.Data[0:4]))
	d.regs.Store(TIR(mbx), tir|TIR_TXRQ)

	st.pendingTx[mbx] = txItem{frame: frame, pending: true}
	return true, nil
}
