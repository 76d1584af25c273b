package secure

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/diamondburned/arikawa-voice/voice/rtp"
)

// SplitPacket splits a received RTP packet into the part that travels in the
// clear and the encrypted body. With the rtpsize modes the clear part includes
// the 4-byte extension header, while the older modes encrypt everything after
// the CSRC list.
func (t *Transform) SplitPacket(packet []byte) (header, body []byte, err error) {
	if len(packet) < rtp.HeaderSize {
		return nil, nil, errors.Wrap(rtp.ErrMalformedPacket, "short packet")
	}

	n := rtp.HeaderSize + 4*int(packet[0]&0x0F)
	if t.mode.rtpsize() && packet[0]&0x10 != 0 {
		n += rtp.ExtensionHeaderSize
	}

	if len(packet) < n {
		return nil, nil, errors.Wrap(rtp.ErrMalformedPacket, "header overruns the packet")
	}

	return packet[:n], packet[n:], nil
}

// OpenPacket opens a whole received packet and returns only the media
// payload, with any header extension removed.
func (t *Transform) OpenPacket(dst, packet []byte) ([]byte, error) {
	header, body, err := t.SplitPacket(packet)
	if err != nil {
		return nil, err
	}

	start := len(dst)

	dst, err = t.Open(dst, header, body)
	if err != nil {
		return nil, err
	}

	if packet[0]&0x10 == 0 {
		return dst, nil
	}

	plain := dst[start:]
	var skip int

	if t.mode.rtpsize() {
		// The extension header is in the clear; only its body is encrypted.
		words := binary.BigEndian.Uint16(header[len(header)-2:])
		skip = 4 * int(words)
	} else {
		if len(plain) < rtp.ExtensionHeaderSize {
			return nil, errors.Wrap(rtp.ErrMalformedPacket, "extension header missing")
		}
		words := binary.BigEndian.Uint16(plain[2:4])
		skip = rtp.ExtensionHeaderSize + 4*int(words)
	}

	if len(plain) < skip {
		return nil, errors.Wrap(rtp.ErrMalformedPacket, "extension overruns the payload")
	}

	return append(dst[:start], plain[skip:]...), nil
}
