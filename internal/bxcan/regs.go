package bxcan

// Reg is a bxCAN register offset from the peripheral base address
// (RM0316 section 31.9.5, identical across the STM32F0/F1/F3/F4 families).
type Reg uint16

const (
	MCR  Reg = 0x000
	MSR  Reg = 0x004
	TSR  Reg = 0x008
	RF0R Reg = 0x00C
	RF1R Reg = 0x010
	IER  Reg = 0x014
	ESR  Reg = 0x018
	BTR  Reg = 0x01C

	txMailboxBase   Reg = 0x180
	rxMailboxBase   Reg = 0x1B0
	mailboxStride   Reg = 0x010
	filterBankBase  Reg = 0x240
	filterBankWidth Reg = 0x008

	FMR   Reg = 0x200
	FM1R  Reg = 0x204
	FS1R  Reg = 0x20C
	FFA1R Reg = 0x214
	FA1R  Reg = 0x21C
)

// TIR .. TDHR address transmit mailbox n (0..2).
func TIR(n int) Reg  { return txMailboxBase + Reg(n)*mailboxStride }
func TDTR(n int) Reg { return TIR(n) + 0x4 }
func TDLR(n int) Reg { return TIR(n) + 0x8 }
func TDHR(n int) Reg { return TIR(n) + 0xC }

// RIR .. RDHR address the output mailbox of receive FIFO n (0..1).
func RIR(n int) Reg  { return rxMailboxBase + Reg(n)*mailboxStride }
func RDTR(n int) Reg { return RIR(n) + 0x4 }
func RDLR(n int) Reg { return RIR(n) + 0x8 }
func RDHR(n int) Reg { return RIR(n) + 0xC }

// RFR addresses the receive FIFO n status register.
func RFR(n int) Reg { return RF0R + Reg(n)*0x4 }

// FR1/FR2 address filter bank n.
func FR1(n int) Reg { return filterBankBase + Reg(n)*filterBankWidth }
func FR2(n int) Reg { return FR1(n) + 0x4 }

// MCR bits
const (
	MCR_INRQ  = 1 << 0
	MCR_SLEEP = 1 << 1
	MCR_TXFP  = 1 << 2
	MCR_RFLM  = 1 << 3
	MCR_NART  = 1 << 4
	MCR_AWUM  = 1 << 5
	MCR_ABOM  = 1 << 6
	MCR_TTCM  = 1 << 7
	MCR_RESET = 1 << 15
)

// MSR bits
const (
	MSR_INAK  = 1 << 0
	MSR_SLAK  = 1 << 1
	MSR_ERRI  = 1 << 2
	MSR_WKUI  = 1 << 3
	MSR_SLAKI = 1 << 4
)

// TSR bits; per-mailbox fields repeat every 8 bits.
const (
	TSR_RQCP0 = 1 << 0
	TSR_TXOK0 = 1 << 1
	TSR_ALST0 = 1 << 2
	TSR_TERR0 = 1 << 3
	TSR_ABRQ0 = 1 << 7
	TSR_RQCP1 = 1 << 8
	TSR_TXOK1 = 1 << 9
	TSR_ABRQ1 = 1 << 15
	TSR_RQCP2 = 1 << 16
	TSR_TXOK2 = 1 << 17
	TSR_ABRQ2 = 1 << 23
	TSR_TME0  = 1 << 26
	TSR_TME1  = 1 << 27
	TSR_TME2  = 1 << 28

	TSR_TME = TSR_TME0 | TSR_TME1 | TSR_TME2
)

// TSR_RQCP, TSR_TXOK, TSR_ABRQ and TSR_TMEn return the bit for mailbox n.
func TSR_RQCP(n int) uint32 { return TSR_RQCP0 << (8 * n) }
func TSR_TXOK(n int) uint32 { return TSR_TXOK0 << (8 * n) }
func TSR_ABRQ(n int) uint32 { return TSR_ABRQ0 << (8 * n) }
func TSR_TMEn(n int) uint32 { return TSR_TME0 << n }

// TSR_MBX returns the RQCP/TXOK/ALST/TERR group of mailbox n.
func TSR_MBX(n int) uint32 { return 0x0F << (8 * n) }

// RFxR bits
const (
	RFR_FMP  = 0x3
	RFR_FULL = 1 << 3
	RFR_FOVR = 1 << 4
	RFR_RFOM = 1 << 5
)

// IER bits
const (
	IER_TMEIE  = 1 << 0
	IER_FMPIE0 = 1 << 1
	IER_FFIE0  = 1 << 2
	IER_FOVIE0 = 1 << 3
	IER_FMPIE1 = 1 << 4
	IER_FFIE1  = 1 << 5
	IER_FOVIE1 = 1 << 6
	IER_EWGIE  = 1 << 8
	IER_EPVIE  = 1 << 9
	IER_BOFIE  = 1 << 10
	IER_LECIE  = 1 << 11
	IER_ERRIE  = 1 << 15
)

// ESR bits
const (
	ESR_EWGF      = 1 << 0
	ESR_EPVF      = 1 << 1
	ESR_BOFF      = 1 << 2
	ESR_LEC       = 0x7 << ESR_LEC_Shift
	ESR_LEC_Shift = 4
)

// BTR fields
const (
	BTR_BRP       = 0x3FF
	BTR_TS1_Shift = 16
	BTR_TS2_Shift = 20
	BTR_SJW_Shift = 24
	BTR_LBKM      = 1 << 30
	BTR_SILM      = 1 << 31
)

// TIR / RIR bits
const (
	TIR_TXRQ       = 1 << 0
	TIR_RTR        = 1 << 1
	TIR_IDE        = 1 << 2
	TIR_EXID_Shift = 3
	TIR_STID_Shift = 21
)

// RDTR / TDTR fields
const RDTR_DLC = 0xF

// FMR bits. CAN2SB occupies bits 8..13 on dual-CAN parts.
const (
	FMR_FINIT        = 1 << 0
	FMR_CAN2SB_Shift = 8
	FMR_CAN2SB_Mask  = 0x3F << FMR_CAN2SB_Shift
)

// Registers is the peripheral register bank. Implementations must apply the
// hardware access semantics of each register (read-only bits, write-1-to-clear
// flags, request bits that trigger actions).
type Registers interface {
	Load(r Reg) uint32
	Store(r Reg, v uint32)
}

// Platform bundles the runtime services around the peripheral: the clock
// gate, the reset line and the interrupt controller.
type Platform interface {
	EnableClock()
	ResetPeripheral()
	// EnableVector registers isr on the CAN interrupt line with the given
	// priority. The runtime must call isr outside of any task critical section.
	EnableVector(priority int, isr func())
	ClearPendingIRQ()
}

func setBits(r Registers, reg Reg, bits uint32)   { r.Store(reg, r.Load(reg)|bits) }
func clearBits(r Registers, reg Reg, bits uint32) { r.Store(reg, r.Load(reg)&^bits) }
