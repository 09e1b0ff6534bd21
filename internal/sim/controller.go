// Package sim models a bxCAN macrocell in software. A Controller implements
// both bxcan.Registers and bxcan.Platform, so the driver runs unmodified on
// a host; the bus side is attached to whatever Wire the caller provides.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-bxcan/internal/bxcan"
	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/logging"
	"github.com/kstaniek/go-bxcan/internal/transport"
)

// Reset values (RM0316 31.9.5).
const (
	resetMCR = 0x00010002
	resetMSR = 0x00000C02
	resetBTR = 0x01230000
	resetFMR = 0x2A1C0E01

	fifoDepth   = 3
	numFilters  = 28
	txQueueSize = 16
)

const (
	tsrTERR0      = 1 << 3
	tsrCodeShift  = 24
	rdtrFMIShift  = 8
	txRequestMask = bxcan.TIR_TXRQ
)

// ErrTxQueueFull is reported when the internal transmit queue overflows.
var ErrTxQueueFull = errors.New("sim: tx queue full")

// Config describes the bus side of a simulated controller.
type Config struct {
	// Wire puts a transmitted frame on the bus. A nil Wire is a virtual bus
	// on which every transmission is acknowledged.
	Wire func(can.Frame) error
	// ManualTx keeps requested mailboxes busy until CompleteTx is called.
	ManualTx bool
	// StuckInit freezes MSR.INAK so INRQ requests are never acknowledged.
	StuckInit bool
	Logger    *slog.Logger
}

type mailbox struct {
	tir, tdtr, tdlr, tdhr uint32

	busy   bool
	queued bool   // handed to the tx worker and not yet picked up
	gen    uint64 // bumped on every request, abort and reset
	rqcp   bool
	txok   bool
	terr   bool
}

type fifoEntry struct{ rir, rdtr, rdlr, rdhr uint32 }

type fifo struct {
	entries []fifoEntry
	full    bool
	ovr     bool
}

type txJob struct {
	mbx   int
	gen   uint64
	frame can.Frame
}

// Controller is a simulated bxCAN peripheral.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	mcr     uint32
	msr     uint32
	ier     uint32
	esr     uint32
	btr     uint32
	fmr     uint32
	fm1r    uint32
	fs1r    uint32
	ffa1r   uint32
	fa1r    uint32
	filters [numFilters][2]uint32
	mbx     [bxcan.NumTxMailboxes]mailbox
	fifos   [2]fifo
	clockOn bool

	isr      func()
	priority int
	kick     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	startIRQ sync.Once
	closing  sync.Once

	tx *transport.AsyncTx[txJob]
}

var (
	_ bxcan.Registers = (*Controller)(nil)
	_ bxcan.Platform  = (*Controller)(nil)
)

// New returns a controller in its reset state.
func New(cfg Config) *Controller {
	c := &Controller{
		cfg:    cfg,
		logger: cfg.Logger,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if c.logger == nil {
		c.logger = logging.Component("sim")
	}
	c.resetLocked()
	c.fmr = resetFMR
	c.tx = transport.NewAsyncTx(context.Background(), txQueueSize, c.transmit, transport.Hooks{
		OnError: func(err error) { c.logger.Debug("wire_tx_error", "error", err) },
		OnDrop:  func() error { return ErrTxQueueFull },
	})
	return c
}

// Close stops the interrupt line and the transmit worker.
func (c *Controller) Close() {
	c.closing.Do(func() {
		close(c.done)
		c.tx.Close()
		c.wg.Wait()
	})
}

func (c *Controller) resetLocked() {
	c.mcr = resetMCR
	c.msr = resetMSR
	c.ier = 0
	c.esr = 0
	c.btr = resetBTR
	for i := range c.mbx {
		gen := c.mbx[i].gen + 1
		c.mbx[i] = mailbox{gen: gen}
	}
	for i := range c.fifos {
		c.fifos[i] = fifo{}
	}
}

// Platform

func (c *Controller) EnableClock() {
	c.mu.Lock()
	c.clockOn = true
	c.mu.Unlock()
}

// ResetPeripheral pulses the RCC reset line: every register, filters
// included, returns to its reset value.
func (c *Controller) ResetPeripheral() {
	c.mu.Lock()
	c.resetLocked()
	c.fmr = resetFMR
	c.fm1r, c.fs1r, c.ffa1r, c.fa1r = 0, 0, 0, 0
	c.filters = [numFilters][2]uint32{}
	c.mu.Unlock()
}

// EnableVector attaches isr to the interrupt line. The line is served by its
// own goroutine, started on the first call.
func (c *Controller) EnableVector(priority int, isr func()) {
	c.mu.Lock()
	c.isr = isr
	c.priority = priority
	c.mu.Unlock()
	c.startIRQ.Do(func() {
		c.wg.Add(1)
		go c.dispatch()
	})
	c.raise()
}

// ClearPendingIRQ drops a pending interrupt request without blocking. A
// condition that is still asserted raises the line again on its next change.
func (c *Controller) ClearPendingIRQ() {
	select {
	case <-c.kick:
	default:
	}
}

// ClockEnabled reports whether EnableClock was called.
func (c *Controller) ClockEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clockOn
}

// Priority returns the priority passed to EnableVector.
func (c *Controller) Priority() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priority
}

func (c *Controller) raise() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Controller) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.kick:
		}
		for {
			select {
			case <-c.done:
				return
			default:
			}
			isr := c.pendingISR()
			if isr == nil {
				break
			}
			isr()
		}
	}
}

func (c *Controller) pendingISR() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isr == nil || !c.assertedLocked() {
		return nil
	}
	return c.isr
}

// assertedLocked evaluates the interrupt line level from the flags and the
// enable mask.
func (c *Controller) assertedLocked() bool {
	if c.ier&bxcan.IER_TMEIE != 0 {
		for i := range c.mbx {
			if c.mbx[i].rqcp {
				return true
			}
		}
	}
	fifoIE := [2][3]uint32{
		{bxcan.IER_FMPIE0, bxcan.IER_FFIE0, bxcan.IER_FOVIE0},
		{bxcan.IER_FMPIE1, bxcan.IER_FFIE1, bxcan.IER_FOVIE1},
	}
	for i, f := range c.fifos {
		if c.ier&fifoIE[i][0] != 0 && len(f.entries) > 0 ||
			c.ier&fifoIE[i][1] != 0 && f.full ||
			c.ier&fifoIE[i][2] != 0 && f.ovr {
			return true
		}
	}
	return c.ier&bxcan.IER_ERRIE != 0 && c.msr&bxcan.MSR_ERRI != 0
}

// Registers

func (c *Controller) Load(r bxcan.Reg) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch r {
	case bxcan.MCR:
		return c.mcr
	case bxcan.MSR:
		return c.msr
	case bxcan.TSR:
		return c.tsrLocked()
	case bxcan.RF0R, bxcan.RF1R:
		return c.rfrLocked(fifoIndex(r))
	case bxcan.IER:
		return c.ier
	case bxcan.ESR:
		return c.esr
	case bxcan.BTR:
		return c.btr
	case bxcan.FMR:
		return c.fmr
	case bxcan.FM1R:
		return c.fm1r
	case bxcan.FS1R:
		return c.fs1r
	case bxcan.FFA1R:
		return c.ffa1r
	case bxcan.FA1R:
		return c.fa1r
	}
	if n, w, ok := txMailboxReg(r); ok {
		m := &c.mbx[n]
		return [4]uint32{m.tir, m.tdtr, m.tdlr, m.tdhr}[w]
	}
	if n, w, ok := rxMailboxReg(r); ok {
		f := &c.fifos[n]
		if len(f.entries) == 0 {
			return 0
		}
		e := f.entries[0]
		return [4]uint32{e.rir, e.rdtr, e.rdlr, e.rdhr}[w]
	}
	if n, w, ok := filterReg(r); ok {
		return c.filters[n][w]
	}
	return 0
}

func (c *Controller) Store(r bxcan.Reg, v uint32) {
	var jobs []txJob
	c.mu.Lock()
	switch r {
	case bxcan.MCR:
		c.storeMCR(v)
	case bxcan.MSR:
		c.msr &^= v & (bxcan.MSR_ERRI | bxcan.MSR_WKUI | bxcan.MSR_SLAKI)
	case bxcan.TSR:
		c.storeTSR(v)
	case bxcan.RF0R, bxcan.RF1R:
		c.storeRFR(fifoIndex(r), v)
	case bxcan.IER:
		c.ier = v
	case bxcan.ESR:
		c.esr = c.esr&^bxcan.ESR_LEC | v&bxcan.ESR_LEC
	case bxcan.BTR:
		if c.msr&bxcan.MSR_INAK != 0 {
			c.btr = v
		}
	case bxcan.FMR:
		c.fmr = v
	case bxcan.FM1R:
		c.storeFilterConfig(&c.fm1r, v)
	case bxcan.FS1R:
		c.storeFilterConfig(&c.fs1r, v)
	case bxcan.FFA1R:
		c.storeFilterConfig(&c.ffa1r, v)
	case bxcan.FA1R:
		c.fa1r = v
	default:
		if n, w, ok := txMailboxReg(r); ok {
			jobs = c.storeTxMailbox(n, w, v)
		} else if n, w, ok := filterReg(r); ok {
			// Bank registers are writable in init mode or while the bank is off.
			if c.fmr&bxcan.FMR_FINIT != 0 || c.fa1r&(1<<n) == 0 {
				c.filters[n][w] = v
			}
		}
	}
	c.mu.Unlock()

	c.submit(jobs)
	c.raise()
}

func (c *Controller) storeMCR(v uint32) {
	if v&bxcan.MCR_RESET != 0 {
		c.resetLocked()
		return
	}
	c.mcr = v
	if v&bxcan.MCR_SLEEP != 0 && v&bxcan.MCR_INRQ == 0 {
		c.msr |= bxcan.MSR_SLAK
	} else {
		c.msr &^= bxcan.MSR_SLAK
	}
	if c.cfg.StuckInit {
		return
	}
	if v&bxcan.MCR_INRQ != 0 {
		c.msr |= bxcan.MSR_INAK
	} else {
		c.msr &^= bxcan.MSR_INAK
	}
}

func (c *Controller) storeTSR(v uint32) {
	for i := range c.mbx {
		m := &c.mbx[i]
		if v&bxcan.TSR_RQCP(i) != 0 {
			m.rqcp, m.txok, m.terr = false, false, false
		}
		if v&bxcan.TSR_ABRQ(i) != 0 && m.busy {
			m.busy, m.queued = false, false
			m.gen++
			m.tir &^= txRequestMask
			m.rqcp, m.txok, m.terr = true, false, false
		}
	}
}

func (c *Controller) storeRFR(n int, v uint32) {
	f := &c.fifos[n]
	if v&bxcan.RFR_FOVR != 0 {
		f.ovr = false
	}
	if v&bxcan.RFR_FULL != 0 {
		f.full = false
	}
	if v&bxcan.RFR_RFOM != 0 && len(f.entries) > 0 {
		f.entries = f.entries[1:]
	}
}

func (c *Controller) storeFilterConfig(dst *uint32, v uint32) {
	if c.fmr&bxcan.FMR_FINIT != 0 {
		*dst = v
	}
}

func (c *Controller) storeTxMailbox(n, w int, v uint32) []txJob {
	m := &c.mbx[n]
	if m.busy {
		return nil // write protected while the request is pending
	}
	switch w {
	case 0:
		m.tir = v
	case 1:
		m.tdtr = v
	case 2:
		m.tdlr = v
	case 3:
		m.tdhr = v
	}
	if w != 0 || v&bxcan.TIR_TXRQ == 0 {
		return nil
	}
	m.busy = true
	m.gen++
	m.rqcp, m.txok, m.terr = false, false, false
	if c.cfg.ManualTx || c.esr&bxcan.ESR_BOFF != 0 {
		return nil
	}
	m.queued = true
	return []txJob{{mbx: n, gen: m.gen, frame: m.frame()}}
}

func (c *Controller) submit(jobs []txJob) {
	for _, j := range jobs {
		if err := c.tx.Submit(j); err != nil {
			c.logger.Warn("sim_tx_dropped", "mailbox", j.mbx, "error", err)
			c.complete(j.mbx, j.gen, false)
		}
	}
}

// transmit runs on the tx worker.
func (c *Controller) transmit(j txJob) error {
	c.mu.Lock()
	m := &c.mbx[j.mbx]
	if m.gen != j.gen || !m.busy {
		c.mu.Unlock()
		return nil // aborted or reset meanwhile
	}
	m.queued = false
	if c.esr&bxcan.ESR_BOFF != 0 {
		c.mu.Unlock()
		return nil // parked until Recover
	}
	silent := c.btr&bxcan.BTR_SILM != 0
	c.mu.Unlock()

	if silent {
		// Listen-only: nothing leaves the controller.
		c.complete(j.mbx, j.gen, false)
		return nil
	}
	var err error
	if c.cfg.Wire != nil {
		err = c.cfg.Wire(j.frame)
	}
	if c.logger.Enabled(context.Background(), slog.LevelDebug) {
		c.logger.Debug("sim_tx", "mailbox", j.mbx, "frame", j.frame.String(), "ok", err == nil)
	}
	c.complete(j.mbx, j.gen, err == nil)
	return err
}

func (c *Controller) complete(n int, gen uint64, ok bool) {
	c.mu.Lock()
	m := &c.mbx[n]
	if m.gen != gen || !m.busy {
		c.mu.Unlock()
		return
	}
	m.busy, m.queued = false, false
	m.tir &^= txRequestMask
	m.rqcp, m.txok, m.terr = true, ok, !ok
	if ok && c.btr&bxcan.BTR_LBKM != 0 {
		c.receiveLocked(m.frame())
	}
	c.mu.Unlock()
	c.raise()
}

// CompleteTx finishes the pending request of mailbox mbx. It reports false
// when the mailbox was not busy. Meant for controllers built with ManualTx.
func (c *Controller) CompleteTx(mbx int, ok bool) bool {
	c.mu.Lock()
	if mbx < 0 || mbx >= len(c.mbx) || !c.mbx[mbx].busy {
		c.mu.Unlock()
		return false
	}
	gen := c.mbx[mbx].gen
	c.mu.Unlock()
	c.complete(mbx, gen, ok)
	return true
}

// Busy reports which transmit mailboxes hold a pending request.
func (c *Controller) Busy() [bxcan.NumTxMailboxes]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b [bxcan.NumTxMailboxes]bool
	for i := range c.mbx {
		b[i] = c.mbx[i].busy
	}
	return b
}

// PendingFrame returns the frame loaded in a busy mailbox.
func (c *Controller) PendingFrame(mbx int) (can.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mbx < 0 || mbx >= len(c.mbx) || !c.mbx[mbx].busy {
		return can.Frame{}, false
	}
	return c.mbx[mbx].frame(), true
}

// Inject delivers a frame arriving from the bus. It reports false when the
// controller is not in normal mode or no active filter accepts the frame.
func (c *Controller) Inject(f can.Frame) bool {
	c.mu.Lock()
	ok := c.msr&(bxcan.MSR_INAK|bxcan.MSR_SLAK) == 0 && c.receiveLocked(f)
	c.mu.Unlock()
	if ok {
		c.raise()
	}
	return ok
}

func (c *Controller) receiveLocked(f can.Frame) bool {
	rir := encodeIdentifier(f)
	bank, ok := c.matchLocked(rir)
	if !ok {
		return false
	}
	n := 0
	if c.ffa1r&(1<<bank) != 0 {
		n = 1
	}
	e := fifoEntry{
		rir:  rir,
		rdtr: uint32(f.Len)&bxcan.RDTR_DLC | uint32(bank)<<rdtrFMIShift,
		rdlr: binary.LittleEndian.Uint32(f.Data[0:4]),
		rdhr: binary.LittleEndian.Uint32(f.Data[4:8]),
	}
	q := &c.fifos[n]
	if len(q.entries) == fifoDepth {
		// FIFO not locked: the newest entry is overwritten.
		q.entries[fifoDepth-1] = e
		q.ovr = true
		return true
	}
	q.entries = append(q.entries, e)
	if len(q.entries) == fifoDepth {
		q.full = true
	}
	return true
}

// matchLocked returns the first active 32-bit bank accepting rir. In filter
// init mode nothing is received.
func (c *Controller) matchLocked(rir uint32) (int, bool) {
	if c.fmr&bxcan.FMR_FINIT != 0 {
		return 0, false
	}
	for n := 0; n < numFilters; n++ {
		bit := uint32(1) << n
		if c.fa1r&bit == 0 || c.fs1r&bit == 0 {
			continue
		}
		fr1, fr2 := c.filters[n][0], c.filters[n][1]
		if c.fm1r&bit != 0 { // identifier list mode
			if rir == fr1&^txRequestMask || rir == fr2&^txRequestMask {
				return n, true
			}
			continue
		}
		if (rir^fr1)&fr2&^txRequestMask == 0 {
			return n, true
		}
	}
	return 0, false
}

// BusOff puts the controller in bus-off. Transmissions stall until Recover.
func (c *Controller) BusOff() {
	c.mu.Lock()
	c.esr |= bxcan.ESR_BOFF
	if c.ier&bxcan.IER_BOFIE != 0 {
		c.msr |= bxcan.MSR_ERRI
	}
	c.mu.Unlock()
	c.raise()
}

// Recover leaves bus-off and restarts stalled transmissions.
func (c *Controller) Recover() {
	var jobs []txJob
	c.mu.Lock()
	c.esr &^= bxcan.ESR_BOFF
	if !c.cfg.ManualTx {
		for i := range c.mbx {
			m := &c.mbx[i]
			if m.busy && !m.queued {
				m.queued = true
				jobs = append(jobs, txJob{mbx: i, gen: m.gen, frame: m.frame()})
			}
		}
	}
	c.mu.Unlock()
	c.submit(jobs)
	c.raise()
}

// LatchError records a bus error code (1..7) in ESR.LEC.
func (c *Controller) LatchError(lec uint8) {
	c.mu.Lock()
	c.esr = c.esr&^bxcan.ESR_LEC | uint32(lec&0x7)<<bxcan.ESR_LEC_Shift
	if lec != 0 && c.ier&bxcan.IER_LECIE != 0 {
		c.msr |= bxcan.MSR_ERRI
	}
	c.mu.Unlock()
	c.raise()
}

func (c *Controller) tsrLocked() uint32 {
	var tsr uint32
	code := -1
	for i := range c.mbx {
		m := &c.mbx[i]
		if m.rqcp {
			tsr |= bxcan.TSR_RQCP(i)
		}
		if m.txok {
			tsr |= bxcan.TSR_TXOK(i)
		}
		if m.terr {
			tsr |= tsrTERR0 << (8 * i)
		}
		if !m.busy {
			tsr |= bxcan.TSR_TMEn(i)
			if code < 0 {
				code = i
			}
		}
	}
	if code > 0 {
		tsr |= uint32(code) << tsrCodeShift
	}
	return tsr
}

func (c *Controller) rfrLocked(n int) uint32 {
	f := &c.fifos[n]
	v := uint32(len(f.entries)) & bxcan.RFR_FMP
	if f.full {
		v |= bxcan.RFR_FULL
	}
	if f.ovr {
		v |= bxcan.RFR_FOVR
	}
	return v
}

func (m *mailbox) frame() can.Frame {
	var f can.Frame
	if m.tir&bxcan.TIR_IDE != 0 {
		f.CANID = m.tir>>bxcan.TIR_EXID_Shift&can.CAN_EFF_MASK | can.CAN_EFF_FLAG
	} else {
		f.CANID = m.tir >> bxcan.TIR_STID_Shift & can.CAN_SFF_MASK
	}
	if m.tir&bxcan.TIR_RTR != 0 {
		f.CANID |= can.CAN_RTR_FLAG
	}
	f.Len = uint8(m.tdtr & bxcan.RDTR_DLC)
	if f.Len > can.MaxLen {
		f.Len = can.MaxLen
	}
	binary.LittleEndian.PutUint32(f.Data[0:4], m.tdlr)
	binary.LittleEndian.PutUint32(f.Data[4:8], m.tdhr)
	return f
}

// encodeIdentifier lays f's identifier out as in TIxR/RIxR, TXRQ clear.
func encodeIdentifier(f can.Frame) uint32 {
	var v uint32
	if f.IsExtended() {
		v = f.ID()<<bxcan.TIR_EXID_Shift | bxcan.TIR_IDE
	} else {
		v = f.ID() << bxcan.TIR_STID_Shift
	}
	if f.IsRemote() {
		v |= bxcan.TIR_RTR
	}
	return v
}

func fifoIndex(r bxcan.Reg) int {
	if r == bxcan.RF1R {
		return 1
	}
	return 0
}

func txMailboxReg(r bxcan.Reg) (n, word int, ok bool) {
	return mailboxReg(r, bxcan.TIR(0), bxcan.NumTxMailboxes)
}

func rxMailboxReg(r bxcan.Reg) (n, word int, ok bool) {
	return mailboxReg(r, bxcan.RIR(0), 2)
}

func mailboxReg(r, base bxcan.Reg, count int) (n, word int, ok bool) {
	stride := bxcan.TIR(1) - bxcan.TIR(0)
	if r < base || r >= base+bxcan.Reg(count)*stride || r%4 != 0 {
		return 0, 0, false
	}
	off := r - base
	return int(off / stride), int(off%stride) / 4, true
}

func filterReg(r bxcan.Reg) (n, word int, ok bool) {
	base := bxcan.FR1(0)
	width := bxcan.FR1(1) - base
	if r < base || r >= base+numFilters*width || r%4 != 0 {
		return 0, 0, false
	}
	off := r - base
	return int(off / width), int(off%width) / 4, true
}
