package serial

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/metrics"
)

// SLCAN (Lawicel) ASCII framing:
//
//	tIIIL<data>\r        standard data frame
//	TIIIIIIIIL<data>\r   extended data frame
//	rIIIL\r / RIIIIIIIIL\r remote frames
//
// Identifiers and payload bytes are upper-case hex, L is the DLC digit.
const (
	cr   = '\r'
	bell = '\a'

	// longest line: T + 8 id + 1 dlc + 16 data
	maxLine = 1 + 8 + 1 + 16
)

// ErrMalformed is returned for lines that are not valid SLCAN frames.
var ErrMalformed = errors.New("slcan: malformed frame")

// Codec encodes and decodes SLCAN frames.
type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when the underlying buffer
// grew large relative to the unread bytes. It reports whether it compacted.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

const hexDigits = "0123456789ABCDEF"

func appendHex(dst []byte, v uint32, digits int) []byte {
	for i := digits - 1; i >= 0; i-- {
		dst = append(dst, hexDigits[(v>>(4*uint(i)))&0xF])
	}
	return dst
}

// Encode renders f as one CR-terminated SLCAN line.
func (Codec) Encode(f can.Frame) []byte {
	n := int(f.Len)
	if n > can.MaxLen {
		n = can.MaxLen
	}
	out := make([]byte, 0, maxLine+1)
	switch {
	case f.IsExtended() && f.IsRemote():
		out = appendHex(append(out, 'R'), f.ID(), 8)
	case f.IsExtended():
		out = appendHex(append(out, 'T'), f.ID(), 8)
	case f.IsRemote():
		out = appendHex(append(out, 'r'), f.ID(), 3)
	default:
		out = appendHex(append(out, 't'), f.ID(), 3)
	}
	out = append(out, hexDigits[n])
	if !f.IsRemote() {
		for _, b := range f.Data[:n] {
			out = appendHex(out, uint32(b), 2)
		}
	}
	return append(out, cr)
}

// DecodeLine parses one SLCAN frame line without its CR.
func (Codec) DecodeLine(line []byte) (can.Frame, error) {
	var f can.Frame
	if len(line) == 0 {
		return f, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	var idDigits int
	switch line[0] {
	case 't':
		idDigits = 3
	case 'r':
		idDigits, f.CANID = 3, can.CAN_RTR_FLAG
	case 'T':
		idDigits, f.CANID = 8, can.CAN_EFF_FLAG
	case 'R':
		idDigits, f.CANID = 8, can.CAN_EFF_FLAG|can.CAN_RTR_FLAG
	default:
		return f, fmt.Errorf("%w: command %q", ErrMalformed, line[0])
	}
	if len(line) < 1+idDigits+1 {
		return f, fmt.Errorf("%w: short line %q", ErrMalformed, line)
	}
	id, err := strconv.ParseUint(string(line[1:1+idDigits]), 16, 32)
	if err != nil {
		return f, fmt.Errorf("%w: id: %v", ErrMalformed, err)
	}
	if idDigits == 3 && id > can.CAN_SFF_MASK || id > can.CAN_EFF_MASK {
		return f, fmt.Errorf("%w: id 0x%X out of range", ErrMalformed, id)
	}
	f.CANID |= uint32(id)

	dlc := line[1+idDigits]
	if dlc < '0' || dlc > '8' {
		return f, fmt.Errorf("%w: dlc %q", ErrMalformed, dlc)
	}
	f.Len = dlc - '0'
	data := line[2+idDigits:]
	if f.IsRemote() {
		if len(data) != 0 {
			return f, fmt.Errorf("%w: remote frame with data", ErrMalformed)
		}
		return f, nil
	}
	if len(data) != 2*int(f.Len) {
		return f, fmt.Errorf("%w: %d data digits for dlc %d", ErrMalformed, len(data), f.Len)
	}
	for i := 0; i < int(f.Len); i++ {
		b, err := strconv.ParseUint(string(data[2*i:2*i+2]), 16, 8)
		if err != nil {
			return f, fmt.Errorf("%w: data: %v", ErrMalformed, err)
		}
		f.Data[i] = byte(b)
	}
	return f, nil
}

// DecodeStream consumes complete lines from in and emits the frames they
// carry. Command acknowledgements (empty lines, z/Z) and bells are skipped,
// malformed lines are counted and dropped. A partial line stays buffered.
func (c Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		// Bells report errors on the adapter side; they carry no CR.
		if i := bytes.IndexByte(data, bell); i >= 0 && (bytes.IndexByte(data, cr) < 0 || i < bytes.IndexByte(data, cr)) {
			metrics.IncError(metrics.ErrWireRead)
			in.Next(i + 1)
			continue
		}
		end := bytes.IndexByte(data, cr)
		if end < 0 {
			if len(data) > maxLine {
				// No terminator in sight: resync on the next byte.
				metrics.IncMalformed()
				in.Next(1)
				continue
			}
			return nil
		}
		line := data[:end]
		switch {
		case len(line) == 0, len(line) == 1 && (line[0] == 'z' || line[0] == 'Z'):
		default:
			f, err := c.DecodeLine(line)
			if err != nil {
				metrics.IncMalformed()
			} else {
				out(f)
			}
		}
		in.Next(end + 1)
	}
}

// BitrateCommand returns the Sn setup command for bitrate.
func BitrateCommand(bitrate uint32) ([]byte, error) {
	codes := map[uint32]byte{
		10000: '0', 20000: '1', 50000: '2', 100000: '3', 125000: '4',
		250000: '5', 500000: '6', 800000: '7', 1000000: '8',
	}
	code, ok := codes[bitrate]
	if !ok {
		return nil, fmt.Errorf("slcan: no setup code for %d bit/s", bitrate)
	}
	return []byte{'S', code, cr}, nil
}
