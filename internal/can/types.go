package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxLen is the classic CAN payload limit.
const MaxLen = 8

// Frame is a classic CAN frame as it travels between the driver, the wire
// backends and the gateway. CANID carries the EFF/RTR/ERR flags in its upper
// bits like SocketCAN; Len is the DLC and only the first Len bytes of Data
// are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [MaxLen]byte
}

// NewStandard builds an 11-bit data frame.
func NewStandard(id uint32, data ...byte) Frame {
	f := Frame{CANID: id & CAN_SFF_MASK}
	f.Len = uint8(copy(f.Data[:], data))
	return f
}

// NewExtended builds a 29-bit data frame.
func NewExtended(id uint32, data ...byte) Frame {
	f := Frame{CANID: (id & CAN_EFF_MASK) | CAN_EFF_FLAG}
	f.Len = uint8(copy(f.Data[:], data))
	return f
}

func (f Frame) IsExtended() bool { return f.CANID&CAN_EFF_FLAG != 0 }
func (f Frame) IsRemote() bool   { return f.CANID&CAN_RTR_FLAG != 0 }
func (f Frame) IsError() bool    { return f.CANID&CAN_ERR_FLAG != 0 }

// ID returns the identifier masked to the width of the frame's format.
func (f Frame) ID() uint32 {
	if f.IsExtended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Payload returns the valid data bytes (clamped to MaxLen).
func (f Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxLen {
		n = MaxLen
	}
	return f.Data[:n]
}

// Equal compares flags, identifier, length and the valid payload bytes.
func (f Frame) Equal(g Frame) bool {
	if f.CANID != g.CANID || f.Len != g.Len {
		return false
	}
	return string(f.Payload()) == string(g.Payload())
}
