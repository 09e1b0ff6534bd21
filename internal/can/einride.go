package can

import (
	"fmt"

	einride "go.einride.tech/can"
)

// Einride converts the frame to the go.einride.tech/can representation.
func (f Frame) Einride() einride.Frame {
	ef := einride.Frame{
		ID:         f.ID(),
		Length:     f.Len,
		IsRemote:   f.IsRemote(),
		IsExtended: f.IsExtended(),
	}
	copy(ef.Data[:], f.Payload())
	return ef
}

// FromEinride converts a go.einride.tech/can frame.
func FromEinride(ef einride.Frame) Frame {
	var f Frame
	if ef.IsExtended {
		f.CANID = (ef.ID & CAN_EFF_MASK) | CAN_EFF_FLAG
	} else {
		f.CANID = ef.ID & CAN_SFF_MASK
	}
	if ef.IsRemote {
		f.CANID |= CAN_RTR_FLAG
	}
	f.Len = ef.Length
	copy(f.Data[:], ef.Data[:])
	return f
}

// Validate rejects error frames and anything einride considers malformed
// (length above 8, identifier outside its format).
func (f Frame) Validate() error {
	if f.IsError() {
		return fmt.Errorf("can: error frame 0x%08X", f.CANID)
	}
	ef := einride.Frame{ID: f.CANID &^ (CAN_EFF_FLAG | CAN_RTR_FLAG), Length: f.Len, IsRemote: f.IsRemote(), IsExtended: f.IsExtended()}
	if err := ef.Validate(); err != nil {
		return fmt.Errorf("can: %w", err)
	}
	return nil
}

// String renders the frame in candump compact form.
func (f Frame) String() string { return f.Einride().String() }
