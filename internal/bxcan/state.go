package bxcan

import "github.com/kstaniek/go-bxcan/internal/can"

// NumTxMailboxes is the number of hardware transmit slots.
const NumTxMailboxes = 3

type txItem struct {
	frame   can.Frame
	pending bool
}

// state is rebuilt by every Start while the controller's interrupts are
// disabled. Task code touches it only inside the critical section; the
// interrupt handler owns it for the duration of HandleInterrupt.
type state struct {
	loopback bool

	errors      uint64
	rxOverflows uint64
	tx          uint64
	rx          uint64

	rxQueue   rxQueue
	rxEvent   *event
	txEvent   *event
	pendingTx [NumTxMailboxes]txItem

	lastHWError   uint8
	peakTxMailbox uint8
	hadActivity   bool
}

func newState(loopback bool) *state {
	return &state{loopback: loopback, rxEvent: newEvent(), txEvent: newEvent()}
}

// pushRx queues a frame for Receive. Interrupt context only.
func (s *state) pushRx(f RxFrame) {
	s.rxQueue.push(f)
	s.rxEvent.signal()
	if !f.Loopback && !f.Failed {
		s.hadActivity = true
		s.rx++
	}
}

// Phase is the driver life-cycle stage.
type Phase int32

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseRunning
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Status is a point-in-time copy of the driver counters.
type Status struct {
	Phase          Phase
	Errors         uint64 // latched bus error codes
	RxOverflows    uint64 // hardware receive FIFO overruns
	RxQueueDrops   uint32 // frames evicted from the software queue
	RxQueueLen     int
	TxFrames       uint64
	RxFrames       uint64
	LastHWError    uint8 // ESR.LEC of the latest error, 0 if none
	PeakTxMailbox  uint8
	HadActivity    bool
	PendingTxSlots int
}

func (s *state) status(p Phase) Status {
	st := Status{
		Phase:         p,
		Errors:        s.errors,
		RxOverflows:   s.rxOverflows,
		RxQueueDrops:  s.rxQueue.overflows(),
		RxQueueLen:    s.rxQueue.len(),
		TxFrames:      s.tx,
		RxFrames:      s.rx,
		LastHWError:   s.lastHWError,
		PeakTxMailbox: s.peakTxMailbox,
		HadActivity:   s.hadActivity,
	}
	for _, it := range s.pendingTx {
		if it.pending {
			st.PendingTxSlots++
		}
	}
	return st
}
