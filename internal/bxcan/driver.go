package bxcan

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/logging"
)

const (
	// DefaultPeripheralClock is APB1 of the reference board: 16 MHz HSE, PLL x9
	// with /2 prediv gives 72 MHz SYSCLK, APB1 divides by two.
	DefaultPeripheralClock = 36000000
	// DefaultIRQPriority is the highest priority still allowed to use kernel services.
	DefaultIRQPriority = 2

	// The controller acknowledges INRQ changes within 11 recessive bits; the
	// 1 s bound only trips when the peripheral is unclocked or wedged.
	defaultAckTimeout = time.Second
	defaultAckPoll    = time.Millisecond
	defaultTick       = time.Millisecond

	// Filter banks from 27 upward belong to the second controller on
	// dual-CAN parts (RM0316 31.7.4).
	can2StartBank = 27
	// FS1R: every bank in 32-bit scale.
	filterScale32All = 0x1FFF
)

// Mode selects optional operating modes for Start; flags combine freely.
type Mode uint8

const (
	// ModeLoopback echoes every local transmission into the receive queue,
	// flagged Loopback (and Failed when the transmission did not complete).
	ModeLoopback Mode = 1 << iota
	// ModeSilent puts the controller in listen-only mode.
	ModeSilent
)

var errAckPending = errors.New("bxcan: INAK not in requested state")

// Driver runs a single bxCAN controller. Start, Stop, Send and Receive are
// serialized by one lock; state shared with HandleInterrupt is only touched
// inside the critical section.
type Driver struct {
	mu   sync.Mutex // serializes the blocking API
	mask sync.Mutex // critical section: held by HandleInterrupt and task code sections

	regs     Registers
	platform Platform
	logger   *slog.Logger

	pclk        uint32
	irqPriority int
	ackTimeout  time.Duration
	ackPoll     time.Duration
	tick        time.Duration

	enableOnce sync.Once
	phase      atomic.Int32
	st         *state // replaced by Start under the critical section
}

// Option customizes a Driver.
type Option func(*Driver)

// WithPeripheralClock sets the CAN kernel clock in Hz.
func WithPeripheralClock(hz uint32) Option {
	return func(d *Driver) {
		if hz > 0 {
			d.pclk = hz
		}
	}
}

func WithIRQPriority(p int) Option { return func(d *Driver) { d.irqPriority = p } }

func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithAckTimeout bounds the wait for INAK transitions, polling every poll.
func WithAckTimeout(timeout, poll time.Duration) Option {
	return func(d *Driver) {
		if timeout > 0 && poll > 0 {
			d.ackTimeout, d.ackPoll = timeout, poll
		}
	}
}

// WithTick sets the scheduler tick that Send/Receive waits are rounded up to.
func WithTick(t time.Duration) Option {
	return func(d *Driver) {
		if t > 0 {
			d.tick = t
		}
	}
}

// New creates a stopped driver for the controller behind regs.
func New(regs Registers, platform Platform, opts ...Option) *Driver {
	d := &Driver{
		regs:        regs,
		platform:    platform,
		logger:      logging.L(),
		pclk:        DefaultPeripheralClock,
		irqPriority: DefaultIRQPriority,
		ackTimeout:  defaultAckTimeout,
		ackPoll:     defaultAckPoll,
		tick:        defaultTick,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// critical enters the critical section and returns its exit, for use as
// `defer d.critical()()`.
func (d *Driver) critical() func() {
	d.mask.Lock()
	return d.mask.Unlock
}

// Phase returns the current life-cycle stage.
func (d *Driver) Phase() Phase { return Phase(d.phase.Load()) }

// Start (re)initializes the controller at bitrate. Clock, reset and the
// interrupt vector are set up once per process; everything else, including
// the driver state, is rebuilt on every call.
func (d *Driver) Start(bitrate uint32, mode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.phase.Store(int32(PhaseStarting))
	if err := d.start(bitrate, mode); err != nil {
		d.phase.Store(int32(PhaseStopped))
		d.logger.Error("can_start_failed", "bitrate", bitrate, "error", err)
		return err
	}
	d.phase.Store(int32(PhaseRunning))
	d.logger.Info("can_start", "bitrate", bitrate, "loopback", mode&ModeLoopback != 0, "silent", mode&ModeSilent != 0)
	return nil
}

func (d *Driver) start(bitrate uint32, mode Mode) error {
	d.enableOnce.Do(func() {
		defer d.critical()()
		d.platform.EnableClock()
		d.platform.ResetPeripheral()
		d.platform.EnableVector(d.irqPriority, d.HandleInterrupt)
	})

	// Silence the controller first so it cannot interfere with the rest.
	func() {
		defer d.critical()()
		clearBits(d.regs, MCR, MCR_SLEEP)
		setBits(d.regs, MCR, MCR_INRQ)
		d.regs.Store(IER, 0)
	}()
	if !d.waitInitAck(true) {
		return fmt.Errorf("%w after %s", ErrInitAckTimeout, d.ackTimeout)
	}

	// Interrupts are off, the handler sees either the old or the new state.
	func() {
		defer d.critical()()
		d.st = newState(mode&ModeLoopback != 0)
	}()

	tm, err := ComputeTimings(bitrate, d.pclk)
	if err != nil {
		return err
	}
	d.logger.Debug("can_timings",
		"prescaler", int(tm.Prescaler)+1,
		"bs1", int(tm.BS1)+1,
		"bs2", int(tm.BS2)+1,
		"quanta_per_bit", tm.QuantaPerBit(),
		"sample_point_permill", tm.SamplePointPermill())

	d.regs.Store(MCR, MCR_ABOM|MCR_AWUM|MCR_INRQ)
	d.regs.Store(BTR, tm.BTR(mode&ModeSilent != 0))
	d.regs.Store(IER, IER_TMEIE|IER_FMPIE0|IER_FMPIE1|IER_ERRIE|IER_LECIE|IER_BOFIE)
	clearBits(d.regs, MCR, MCR_INRQ)
	if !d.waitInitAck(false) {
		return fmt.Errorf("%w after %s", ErrLeaveInitAckTimeout, d.ackTimeout)
	}

	defer d.critical()()
	d.programAcceptAllFilter()
	return nil
}

// programAcceptAllFilter routes every frame to FIFO0 through bank 0 in
// 32-bit identifier/mask mode with an all-zero mask.
func (d *Driver) programAcceptAllFilter() {
	setBits(d.regs, FMR, FMR_FINIT)
	fmr := d.regs.Load(FMR) &^ FMR_CAN2SB_Mask
	d.regs.Store(FMR, fmr|can2StartBank<<FMR_CAN2SB_Shift)

	d.regs.Store(FFA1R, 0)
	d.regs.Store(FM1R, 0)
	d.regs.Store(FS1R, filterScale32All)
	d.regs.Store(FR1(0), 0)
	d.regs.Store(FR2(0), 0)
	d.regs.Store(FA1R, 1)

	clearBits(d.regs, FMR, FMR_FINIT)
}

// waitInitAck polls MSR.INAK until it equals target or the ack timeout runs out.
func (d *Driver) waitInitAck(target bool) bool {
	attempts := uint(d.ackTimeout / d.ackPoll)
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(
		func() error {
			if (d.regs.Load(MSR)&MSR_INAK != 0) == target {
				return nil
			}
			return errAckPending
		},
		retry.Attempts(attempts),
		retry.Delay(d.ackPoll),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	return err == nil
}

// Stop disables the controller's interrupts and forces it into reset. The
// driver state survives until the next Start. Calling Stop repeatedly is fine.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	func() {
		defer d.critical()()
		d.regs.Store(IER, 0)
		d.regs.Store(MCR, MCR_SLEEP|MCR_RESET)
		d.platform.ClearPendingIRQ()
	}()
	if Phase(d.phase.Swap(int32(PhaseStopped))) != PhaseStopped {
		d.logger.Info("can_stop")
	}
}

// Send queues frame for transmission, waiting up to timeout for a mailbox it
// is allowed to take. It returns false without error when the timeout
// expires; ErrUnsupportedFrame for error frames and frames over 8 bytes.
func (d *Driver) Send(frame can.Frame, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Phase() != PhaseRunning {
		return false, ErrNotRunning
	}
	st := d.st

	started := time.Now()
	for {
		if d.canAccept(st, frame) {
			return d.load(st, frame)
		}
		elapsed := time.Since(started)
		if elapsed >= timeout {
			return false, nil
		}
		st.txEvent.wait(d.ticks(timeout - elapsed))
	}
}

// Receive returns the next received frame, waiting up to timeout. It returns
// false without error when nothing arrived in time; a zero timeout polls.
func (d *Driver) Receive(timeout time.Duration) (RxFrame, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.st
	if st == nil {
		return RxFrame{}, false, ErrNotStarted
	}

	started := time.Now()
	for {
		if f, ok := d.popRx(st); ok {
			return f, true, nil
		}
		elapsed := time.Since(started)
		if elapsed >= timeout {
			return RxFrame{}, false, nil
		}
		st.rxEvent.wait(d.ticks(timeout - elapsed))
	}
}

func (d *Driver) popRx(st *state) (RxFrame, bool) {
	defer d.critical()()
	if st.rxQueue.len() == 0 {
		return RxFrame{}, false
	}
	return st.rxQueue.pop()
}

// ticks rounds a wait up to whole scheduler ticks.
func (d *Driver) ticks(v time.Duration) time.Duration {
	n := (v + d.tick - 1) / d.tick
	return n * d.tick
}

// Status snapshots the counters of the current (or last) session without
// waiting for a blocked Send or Receive.
func (d *Driver) Status() Status {
	defer d.critical()()
	if d.st == nil {
		return Status{Phase: d.Phase()}
	}
	return d.st.status(d.Phase())
}
