package socketcan

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-bxcan/internal/can"
)

// frameSize is sizeof(struct can_frame), the classic CAN MTU.
const frameSize = 16

// struct can_frame (linux/can.h):
//
//	can_id  u32  [0:4]  host byte order, carries EFF/RTR/ERR flags
//	len     u8   [4]
//	pad     3B   [5:8]
//	data    [8]  [8:16]
func marshalFrame(buf *[frameSize]byte, fr can.Frame) {
	*buf = [frameSize]byte{}
	binary.NativeEndian.PutUint32(buf[0:4], fr.CANID)
	p := fr.Payload()
	buf[4] = uint8(len(p))
	copy(buf[8:], p)
}

func unmarshalFrame(buf []byte, fr *can.Frame) error {
	if len(buf) != frameSize {
		return fmt.Errorf("short read: %d", len(buf))
	}
	fr.CANID = binary.NativeEndian.Uint32(buf[0:4])
	n := int(buf[4])
	if n > can.MaxLen {
		n = can.MaxLen
	}
	fr.Len = uint8(n)
	fr.Data = [can.MaxLen]byte{}
	copy(fr.Data[:], buf[8:8+n])
	return nil
}
