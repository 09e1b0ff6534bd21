package cnl

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-bxcan/internal/can"
)

// FuzzCodecDecode feeds arbitrary bytes to the decoder and re-encodes
// whatever it accepts.
func FuzzCodecDecode(f *testing.F) {
	c := Codec{}
	for _, s := range [][]can.Frame{{mkFrame(0x100, 0)}, {mkFrame(0x200, 8)}, {mkFrame(0x300, 3), mkFrame(0x301, 5)}} {
		f.Add(c.Encode(s))
	}
	f.Add([]byte{0, 0, 0, 1, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		var got []can.Frame
		_, _ = c.DecodeN(bytes.NewReader(data), 16, func(fr can.Frame) { got = append(got, fr) })
		for _, fr := range got {
			if fr.Len > can.MaxLen {
				t.Fatalf("decoded length %d", fr.Len)
			}
		}
		if len(got) > 0 && !bytes.HasPrefix(data, c.Encode(got)) {
			t.Fatalf("re-encoding does not reproduce the input prefix")
		}
	})
}
