package cnl

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-bxcan/internal/can"
)

func mkFrame(id uint32, n int) can.Frame {
	f := can.Frame{CANID: (id & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG, Len: uint8(n)}
	for i := 0; i < n; i++ {
		f.Data[i] = byte(id) + byte(i)
	}
	return f
}

func TestCodec_RoundTrip(t *testing.T) {
	codec := Codec{}
	in := []can.Frame{
		mkFrame(0x1E5A, 8),
		mkFrame(0x1F55, 6),
		mkFrame(0x12345, 0),
		can.NewStandard(0x7FF, 1, 2),
		{CANID: 0x123 | can.CAN_RTR_FLAG},
	}

	var out []can.Frame
	n, err := codec.DecodeN(bytes.NewReader(codec.Encode(in)), 0, func(f can.Frame) { out = append(out, f) })
	if !errors.Is(err, io.EOF) {
		t.Fatalf("DecodeN err=%v, want EOF at clean end", err)
	}
	if n != len(in) || len(out) != len(in) {
		t.Fatalf("decoded %d collected %d want %d", n, len(out), len(in))
	}
	for i := range in {
		if !out[i].Equal(in[i]) {
			t.Fatalf("frame %d: got %v want %v", i, out[i], in[i])
		}
	}
}

func TestCodec_WireLayout(t *testing.T) {
	got := AppendFrame(nil, can.NewExtended(0x12345678&can.CAN_EFF_MASK, 0xAA, 0xBB))
	want := []byte{0x92, 0x34, 0x56, 0x78, 0x02, 0xAA, 0xBB}
	if !bytes.Equal(got, want) {
		t.Fatalf("wire=% X want % X", got, want)
	}
}

func TestCodec_EncodeToMatchesEncode(t *testing.T) {
	codec := Codec{}
	frames := []can.Frame{mkFrame(0x10, 8), mkFrame(0x11, 3)}
	var buf bytes.Buffer
	n, err := codec.EncodeTo(&buf, frames)
	if err != nil {
		t.Fatalf("EncodeTo error: %v", err)
	}
	if n != buf.Len() || !bytes.Equal(codec.Encode(frames), buf.Bytes()) {
		t.Fatalf("Encode vs EncodeTo mismatch")
	}
	if n, err := codec.EncodeTo(&buf, nil); n != 0 || err != nil {
		t.Fatalf("EncodeTo(nil)=%d,%v", n, err)
	}
}

func TestCodec_DecodeN_Max(t *testing.T) {
	codec := Codec{}
	r := bytes.NewReader(codec.Encode([]can.Frame{mkFrame(1, 1), mkFrame(2, 2), mkFrame(3, 3)}))
	n, err := codec.DecodeN(r, 2, func(can.Frame) {})
	if n != 2 || err != nil {
		t.Fatalf("DecodeN(max=2)=%d,%v", n, err)
	}
	if f, err := codec.Decode(r); err != nil || f.ID() != 3 {
		t.Fatalf("remaining frame %v,%v", f, err)
	}
}

func TestCodec_DecodeErrors(t *testing.T) {
	codec := Codec{}
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"length above 8", []byte{0, 0, 0, 1, 0x09}, ErrInvalidLength},
		{"fd flag", []byte{0, 0, 0, 1, 0x88}, ErrFDFrame},
		{"truncated payload", []byte{0, 0, 0, 2, 0x05, 1, 2, 3}, ErrTruncatedFrame},
		{"truncated header", []byte{0, 0, 0}, ErrTruncatedFrame},
		{"empty", nil, io.EOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := codec.Decode(bytes.NewReader(tt.in)); !errors.Is(err, tt.want) {
				t.Fatalf("err=%v want %v", err, tt.want)
			}
		})
	}
}

func BenchmarkCodec_EncodeTo_64(b *testing.B) {
	c := Codec{}
	frs := make([]can.Frame, 64)
	for i := range frs {
		frs[i] = mkFrame(uint32(0x500+i), 8)
	}
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_, _ = c.EncodeTo(&buf, frs)
	}
}

func BenchmarkCodec_DecodeN_64(b *testing.B) {
	c := Codec{}
	frs := make([]can.Frame, 64)
	for i := range frs {
		frs[i] = mkFrame(uint32(0x300+i), 8)
	}
	wire := c.Encode(frs)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = c.DecodeN(bytes.NewReader(wire), 0, func(can.Frame) {})
	}
}
