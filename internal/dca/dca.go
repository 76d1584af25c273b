// Package dca reads and writes raw Opus frame streams where every frame is
// prefixed with its length as a little-endian uint32.
package dca

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// MaxFrameSize bounds a single frame. Anything larger is a corrupt stream.
const MaxFrameSize = 4000

// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("dca frame too large")

// Decode reads frames from r and writes each one into w with a single Write
// call. It returns nil once r is exhausted.
func Decode(w io.Writer, r io.Reader) error {
	var lenbuf [4]byte
	frame := make([]byte, MaxFrameSize)

	for {
		if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "failed to read frame length")
		}

		n := binary.LittleEndian.Uint32(lenbuf[:])
		if n > MaxFrameSize {
			return errors.Wrapf(ErrFrameTooLarge, "%d bytes", n)
		}

		if _, err := io.ReadFull(r, frame[:n]); err != nil {
			return errors.Wrap(err, "failed to read frame")
		}

		if _, err := w.Write(frame[:n]); err != nil {
			return errors.Wrap(err, "failed to write")
		}
	}
}

// DecodeFile decodes the file at path into w.
func DecodeFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open "+path)
	}
	defer f.Close()

	return Decode(w, f)
}

// Encode writes the frames to w in the same format.
func Encode(w io.Writer, frames ...[]byte) error {
	var lenbuf [4]byte

	for _, frame := range frames {
		if len(frame) > MaxFrameSize {
			return errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(frame))
		}

		binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(frame)))

		if _, err := w.Write(lenbuf[:]); err != nil {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
	}

	return nil
}

// WriterFunc wraps f to be an io.Writer.
type WriterFunc func([]byte) (int, error)

func (w WriterFunc) Write(b []byte) (int, error) {
	return w(b)
}
