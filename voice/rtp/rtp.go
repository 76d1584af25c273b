// Package rtp encodes and decodes RTP packet headers as described in RFC 3550
// section 5.1.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|V=2|P|X|  CC   |M|     PT      |       sequence number         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                           timestamp                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|           synchronization source (SSRC) identifier            |
//	+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+
//	|            contributing source (CSRC) identifiers             |
//	|                             ....                              |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// The extension flag and the CSRC count are never stored: they are derived
// from the Extension and CSRC fields every time a Header is encoded.
package rtp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the size of the fixed part of an RTP header.
	HeaderSize = 12
	// ExtensionHeaderSize is the size of the profile and length words that
	// precede the extension data.
	ExtensionHeaderSize = 4
	// MaxCSRC is the most contributing sources a header can carry.
	MaxCSRC = 15

	// Version is the RTP version used by voice packets.
	Version = 2
	// OpusPayloadType is the payload type voice servers expect for Opus.
	OpusPayloadType = 0x78
	// ProfileOneByte is the RFC 8285 one-byte header extension profile.
	ProfileOneByte = 0xBEDE
)

var (
	// ErrMalformedPacket is returned when a buffer is too short for the
	// header it declares.
	ErrMalformedPacket = errors.New("malformed RTP packet")
	// ErrInvalidHeader is returned when a Header cannot be encoded.
	ErrInvalidHeader = errors.New("invalid RTP header")
)

// Extension is an RTP header extension block. Data must be a multiple of four
// bytes long.
type Extension struct {
	Profile uint16
	Data    []byte
}

// Header is an RTP header. It is a plain value; the flag and count bits in the
// first byte are computed from CSRC and Extension on encode.
type Header struct {
	Version     uint8
	Padding     bool
	Marker      bool
	PayloadType uint8
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
	CSRC        []uint32
	Extension   *Extension
}

// HasExtension returns true if the header carries an extension block.
func (h Header) HasExtension() bool { return h.Extension != nil }

// CSRCCount returns the number of contributing sources.
func (h Header) CSRCCount() int { return len(h.CSRC) }

// FixedSize returns the size of the header up to and excluding the extension
// block.
func (h Header) FixedSize() int { return HeaderSize + 4*len(h.CSRC) }

// Size returns the size of the encoded header.
func (h Header) Size() int {
	n := h.FixedSize()
	if h.Extension != nil {
		n += ExtensionHeaderSize + len(h.Extension.Data)
	}
	return n
}

// Validate returns ErrInvalidHeader wrapped with the reason if h cannot be
// encoded.
func (h Header) Validate() error {
	switch {
	case h.Version > 3:
		return errors.Wrapf(ErrInvalidHeader, "version %d does not fit 2 bits", h.Version)
	case h.PayloadType > 0x7F:
		return errors.Wrapf(ErrInvalidHeader, "payload type %d does not fit 7 bits", h.PayloadType)
	case len(h.CSRC) > MaxCSRC:
		return errors.Wrapf(ErrInvalidHeader, "%d CSRCs exceed %d", len(h.CSRC), MaxCSRC)
	}

	if h.Extension != nil {
		if len(h.Extension.Data)%4 != 0 {
			return errors.Wrap(ErrInvalidHeader, "extension data is not word-aligned")
		}
		if len(h.Extension.Data)/4 > 0xFFFF {
			return errors.Wrap(ErrInvalidHeader, "extension data too long")
		}
	}

	return nil
}

// Encode encodes the header into a new buffer.
func (h Header) Encode() ([]byte, error) {
	return h.AppendTo(make([]byte, 0, h.Size()))
}

// AppendTo appends the encoded header to dst.
func (h Header) AppendTo(dst []byte) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return dst, err
	}

	b0 := h.Version<<6 | uint8(len(h.CSRC))
	if h.Padding {
		b0 |= 1 << 5
	}
	if h.Extension != nil {
		b0 |= 1 << 4
	}

	b1 := h.PayloadType
	if h.Marker {
		b1 |= 1 << 7
	}

	dst = append(dst, b0, b1)
	dst = binary.BigEndian.AppendUint16(dst, h.Sequence)
	dst = binary.BigEndian.AppendUint32(dst, h.Timestamp)
	dst = binary.BigEndian.AppendUint32(dst, h.SSRC)

	for _, csrc := range h.CSRC {
		dst = binary.BigEndian.AppendUint32(dst, csrc)
	}

	if h.Extension != nil {
		dst = binary.BigEndian.AppendUint16(dst, h.Extension.Profile)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(h.Extension.Data)/4))
		dst = append(dst, h.Extension.Data...)
	}

	return dst, nil
}

// Decode decodes the header at the start of b. It returns the header and the
// number of bytes it occupies, so b[n:] is the payload. CSRC and extension
// data are copied out of b.
func Decode(b []byte) (Header, int, error) {
	if len(b) < HeaderSize {
		return Header{}, 0, errors.Wrapf(ErrMalformedPacket, "%d bytes is shorter than a header", len(b))
	}

	h := Header{
		Version:     b[0] >> 6,
		Padding:     b[0]&(1<<5) != 0,
		Marker:      b[1]&(1<<7) != 0,
		PayloadType: b[1] & 0x7F,
		Sequence:    binary.BigEndian.Uint16(b[2:4]),
		Timestamp:   binary.BigEndian.Uint32(b[4:8]),
		SSRC:        binary.BigEndian.Uint32(b[8:12]),
	}

	n := HeaderSize

	if cc := int(b[0] & 0x0F); cc > 0 {
		if len(b) < n+4*cc {
			return Header{}, 0, errors.Wrapf(ErrMalformedPacket, "%d CSRCs overrun the buffer", cc)
		}

		h.CSRC = make([]uint32, cc)
		for i := range h.CSRC {
			h.CSRC[i] = binary.BigEndian.Uint32(b[n:])
			n += 4
		}
	}

	if b[0]&(1<<4) != 0 {
		if len(b) < n+ExtensionHeaderSize {
			return Header{}, 0, errors.Wrap(ErrMalformedPacket, "extension header overruns the buffer")
		}

		profile := binary.BigEndian.Uint16(b[n:])
		words := int(binary.BigEndian.Uint16(b[n+2:]))
		n += ExtensionHeaderSize

		if len(b) < n+4*words {
			return Header{}, 0, errors.Wrapf(ErrMalformedPacket, "extension of %d words overruns the buffer", words)
		}

		h.Extension = &Extension{Profile: profile}
		if words > 0 {
			h.Extension.Data = append([]byte(nil), b[n:n+4*words]...)
		}
		n += 4 * words
	}

	return h, n, nil
}

// DecodeFixed decodes only the fixed part of the header at the start of b,
// ignoring the CSRC count and extension bit. It is for packets whose
// extension may still be encrypted.
func DecodeFixed(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.Wrapf(ErrMalformedPacket, "%d bytes is shorter than a header", len(b))
	}

	return Header{
		Version:     b[0] >> 6,
		Padding:     b[0]&(1<<5) != 0,
		Marker:      b[1]&(1<<7) != 0,
		PayloadType: b[1] & 0x7F,
		Sequence:    binary.BigEndian.Uint16(b[2:4]),
		Timestamp:   binary.BigEndian.Uint32(b[4:8]),
		SSRC:        binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// IsRTCP returns true if b looks like an RTCP packet sharing the RTP socket.
// RTCP packet types 200 through 204 occupy the marker and payload type bits of
// an RTP header, see RFC 5761 section 4.
func IsRTCP(b []byte) bool {
	return len(b) >= 2 && b[1] >= 200 && b[1] <= 204
}
