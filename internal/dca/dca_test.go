package dca

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func TestRoundTrip(t *testing.T) {
	frames := [][]byte{[]byte("one"), {}, bytes.Repeat([]byte{0xF8}, 120)}

	var buf bytes.Buffer
	if err := Encode(&buf, frames...); err != nil {
		t.Fatal("failed to encode:", err)
	}

	var got [][]byte
	err := Decode(WriterFunc(func(b []byte) (int, error) {
		got = append(got, append([]byte{}, b...))
		return len(b), nil
	}), &buf)
	if err != nil {
		t.Fatal("failed to decode:", err)
	}

	if diff := cmp.Diff(frames, got); diff != "" {
		t.Fatalf("frames differ (-want +got):\n%s", diff)
	}
}

func TestDecodeTruncated(t *testing.T) {
	var buf bytes.Buffer
	Encode(&buf, []byte("truncated"))
	buf.Truncate(buf.Len() - 2)

	err := Decode(WriterFunc(func(b []byte) (int, error) { return len(b), nil }), &buf)
	if err == nil {
		t.Fatal("expected an error for a truncated frame")
	}
}

func TestDecodeTooLarge(t *testing.T) {
	r := bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0x00})

	err := Decode(WriterFunc(func(b []byte) (int, error) { return len(b), nil }), r)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
