package cnl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/metrics"
)

// Wire layout of one frame: 4-byte big-endian can_id (SocketCAN flags in the
// top bits), a length byte, then the payload.
const (
	headerSize   = 5
	MaxFrameSize = headerSize + can.MaxLen

	lenMask = 0x7F
	// fdFlag marks a CAN FD frame in the length byte.
	fdFlag = 0x80
)

var (
	// ErrInvalidLength is returned when a frame length (DLC) is outside 0..8.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
	// ErrFDFrame is returned for CAN FD frames, which bxCAN cannot carry.
	ErrFDFrame = errors.New("cannelloni: CAN FD frame not supported")
)

// Codec encodes/decodes cannelloni TCP frames. Stateless and safe for
// concurrent use.
type Codec struct{}

// AppendFrame appends the wire form of f to dst.
func AppendFrame(dst []byte, f can.Frame) []byte {
	n := int(f.Len)
	if n > can.MaxLen {
		n = can.MaxLen
	}
	dst = binary.BigEndian.AppendUint32(dst, f.CANID)
	dst = append(dst, byte(n))
	return append(dst, f.Data[:n]...)
}

// Encode packs frames into one buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	buf := make([]byte, 0, len(frames)*MaxFrameSize)
	for _, f := range frames {
		buf = AppendFrame(buf, f)
	}
	return buf
}

// EncodeTo writes frames to w with a single Write and returns bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	if len(frames) == 0 {
		return 0, nil
	}
	n, err := w.Write(c.Encode(frames))
	if err != nil {
		return n, fmt.Errorf("cannelloni encode: %w", err)
	}
	return n, nil
}

// Decode reads exactly one frame from r. It returns io.EOF at a clean frame
// boundary with no more data.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode header: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	f.CANID = binary.BigEndian.Uint32(hdr[:4])
	if hdr[4]&fdFlag != 0 {
		metrics.IncMalformed()
		return f, ErrFDFrame
	}
	ln := int(hdr[4] & lenMask)
	if ln > can.MaxLen {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if ln == 0 {
		return f, nil
	}
	if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
		metrics.IncMalformed()
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
		}
		return f, fmt.Errorf("cannelloni decode payload: %w", err)
	}
	return f, nil
}

// DecodeN decodes up to max frames (if max>0) or until an error (if max<=0),
// invoking onFrame for each. It returns the number of frames decoded and the
// terminal error, which is io.EOF at a clean end of stream.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
