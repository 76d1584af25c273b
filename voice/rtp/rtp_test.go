package rtp

import (
	"bytes"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

func testHeader(ncsrc int, ext bool) Header {
	h := Header{
		Version:     Version,
		Marker:      ncsrc%2 == 0,
		PayloadType: OpusPayloadType,
		Sequence:    uint16(0xFFF0 + ncsrc),
		Timestamp:   0xDEADBEEF,
		SSRC:        0x01020304,
	}

	for i := 0; i < ncsrc; i++ {
		h.CSRC = append(h.CSRC, uint32(i)<<24|0xABCDEF)
	}

	if ext {
		h.Extension = &Extension{
			Profile: ProfileOneByte,
			Data:    []byte{0x10, 0xAA, 0x00, 0x00, 0x21, 0xBB, 0xCC, 0x00},
		}
	}

	return h
}

func TestRoundTrip(t *testing.T) {
	for ncsrc := 0; ncsrc <= MaxCSRC; ncsrc++ {
		for _, ext := range []bool{false, true} {
			h := testHeader(ncsrc, ext)

			b, err := h.Encode()
			if err != nil {
				t.Fatalf("csrc=%d ext=%v: failed to encode: %v", ncsrc, ext, err)
			}

			if len(b) != h.Size() {
				t.Fatalf("csrc=%d ext=%v: encoded %d bytes, Size says %d", ncsrc, ext, len(b), h.Size())
			}

			payload := []byte("opus")
			got, n, err := Decode(append(b, payload...))
			if err != nil {
				t.Fatalf("csrc=%d ext=%v: failed to decode: %v", ncsrc, ext, err)
			}

			if n != len(b) {
				t.Fatalf("csrc=%d ext=%v: header length %d, expected %d", ncsrc, ext, n, len(b))
			}

			if diff := cmp.Diff(h, got); diff != "" {
				t.Fatalf("csrc=%d ext=%v: header mismatch (-want +got):\n%s", ncsrc, ext, diff)
			}
		}
	}
}

func TestEmptyExtension(t *testing.T) {
	h := testHeader(1, false)
	h.Extension = &Extension{Profile: 0x1234}

	b, err := h.Encode()
	if err != nil {
		t.Fatal("failed to encode:", err)
	}

	got, _, err := Decode(b)
	if err != nil {
		t.Fatal("failed to decode:", err)
	}

	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeMalformed(t *testing.T) {
	full, err := testHeader(3, true).Encode()
	if err != nil {
		t.Fatal("failed to encode:", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", full[:HeaderSize-1]},
		{"csrc overrun", full[:HeaderSize+8]},
		{"extension header overrun", full[:HeaderSize+12+2]},
		{"extension body overrun", full[:len(full)-1]},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, _, err := Decode(test.data)
			if !errors.Is(err, ErrMalformedPacket) {
				t.Fatal("expected ErrMalformedPacket, got", err)
			}
		})
	}
}

func TestEncodeRecomputesBits(t *testing.T) {
	h := testHeader(4, true)
	h.Padding = true

	b, err := h.Encode()
	if err != nil {
		t.Fatal("failed to encode:", err)
	}

	h, _, err = Decode(b)
	if err != nil {
		t.Fatal("failed to decode:", err)
	}

	// Clear everything that was set and re-encode.
	h.Padding = false
	h.Marker = false
	h.CSRC = nil
	h.Extension = nil

	b, err = h.Encode()
	if err != nil {
		t.Fatal("failed to re-encode:", err)
	}

	if b[0] != 0x80 {
		t.Fatalf("expected first byte 0x80, got %#02x", b[0])
	}
	if b[1] != OpusPayloadType {
		t.Fatalf("expected second byte %#02x, got %#02x", OpusPayloadType, b[1])
	}
	if len(b) != HeaderSize {
		t.Fatal("unexpected length", len(b))
	}
}

func TestEncodeInvalid(t *testing.T) {
	tests := []struct {
		name   string
		header Header
	}{
		{"version", Header{Version: 4}},
		{"payload type", Header{Version: 2, PayloadType: 128}},
		{"csrc", Header{Version: 2, CSRC: make([]uint32, 16)}},
		{"extension alignment", Header{Version: 2, Extension: &Extension{Data: []byte{1, 2, 3}}}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := test.header.Encode(); !errors.Is(err, ErrInvalidHeader) {
				t.Fatal("expected ErrInvalidHeader, got", err)
			}
		})
	}
}

func TestAppendTo(t *testing.T) {
	prefix := []byte("prefix")
	h := testHeader(2, true)

	b, err := h.AppendTo(append([]byte(nil), prefix...))
	if err != nil {
		t.Fatal("failed to append:", err)
	}

	if !bytes.HasPrefix(b, prefix) {
		t.Fatal("prefix clobbered")
	}

	got, _, err := Decode(b[len(prefix):])
	if err != nil {
		t.Fatal("failed to decode:", err)
	}

	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestAgainstPion(t *testing.T) {
	h := testHeader(5, true)
	h.Extension.Profile = 0x1234 // plain RFC 3550 extension

	b, err := h.Encode()
	if err != nil {
		t.Fatal("failed to encode:", err)
	}

	var p rtp.Header
	n, err := p.Unmarshal(b)
	if err != nil {
		t.Fatal("pion failed to unmarshal:", err)
	}

	if n != len(b) {
		t.Fatalf("pion consumed %d bytes, expected %d", n, len(b))
	}

	switch {
	case p.Version != h.Version,
		p.Padding != h.Padding,
		p.Marker != h.Marker,
		p.PayloadType != h.PayloadType,
		p.SequenceNumber != h.Sequence,
		p.Timestamp != h.Timestamp,
		p.SSRC != h.SSRC,
		!p.Extension,
		p.ExtensionProfile != h.Extension.Profile:
		t.Fatalf("pion disagrees:\n%s", spew.Sdump(p))
	}

	if diff := cmp.Diff(h.CSRC, p.CSRC); diff != "" {
		t.Fatalf("CSRC mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(h.Extension.Data, p.GetExtension(0)); diff != "" {
		t.Fatalf("extension mismatch (-want +got):\n%s", diff)
	}

	// And the other direction.
	ref := rtp.Header{
		Version:        2,
		Marker:         true,
		PayloadType:    OpusPayloadType,
		SequenceNumber: 65535,
		Timestamp:      960,
		SSRC:           42,
		CSRC:           []uint32{7, 8},
	}

	rb, err := ref.Marshal()
	if err != nil {
		t.Fatal("pion failed to marshal:", err)
	}

	got, _, err := Decode(rb)
	if err != nil {
		t.Fatal("failed to decode pion header:", err)
	}

	expect := Header{
		Version:     2,
		Marker:      true,
		PayloadType: OpusPayloadType,
		Sequence:    65535,
		Timestamp:   960,
		SSRC:        42,
		CSRC:        []uint32{7, 8},
	}

	if diff := cmp.Diff(expect, got); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestIsRTCP(t *testing.T) {
	for pt := 0; pt < 256; pt++ {
		b := []byte{0x80, byte(pt)}
		expect := pt >= 200 && pt <= 204
		if IsRTCP(b) != expect {
			t.Errorf("IsRTCP(pt=%d) = %v", pt, !expect)
		}
	}

	if IsRTCP([]byte{0x80}) {
		t.Error("1-byte buffer reported as RTCP")
	}
}

func TestSequence(t *testing.T) {
	tests := []struct {
		a, b  uint16
		delta int
	}{
		{6, 5, 1},
		{4, 7, -3},
		{0, 65535, 1},
		{65535, 0, -1},
		{10, 65530, 16},
		{5, 5, 0},
	}

	for _, test := range tests {
		if d := SequenceDelta(test.a, test.b); d != test.delta {
			t.Errorf("SequenceDelta(%d, %d) = %d, expected %d", test.a, test.b, d, test.delta)
		}
		if SequenceNewer(test.a, test.b) != (test.delta > 0) {
			t.Errorf("SequenceNewer(%d, %d) wrong", test.a, test.b)
		}
	}
}

func TestDecodeFixed(t *testing.T) {
	h := testHeader(2, true)

	b, err := h.Encode()
	if err != nil {
		t.Fatal("failed to encode:", err)
	}

	// Corrupt the extension length as if it were still encrypted.
	b[HeaderSize+8+2] = 0xFF
	b[HeaderSize+8+3] = 0xFF

	if _, _, err := Decode(b); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected Decode to fail, got %v", err)
	}

	fixed, err := DecodeFixed(b)
	if err != nil {
		t.Fatal("failed to decode fixed header:", err)
	}

	if fixed.Sequence != h.Sequence || fixed.SSRC != h.SSRC || fixed.Timestamp != h.Timestamp {
		t.Fatalf("unexpected fixed header %+v", fixed)
	}

	if _, err := DecodeFixed(b[:HeaderSize-1]); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected ErrMalformedPacket, got %v", err)
	}
}
