package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"
)

const (
	discoveryRequest  = 1
	discoveryResponse = 2

	// discoveryLength is the value of the length field, which excludes the
	// type and length fields themselves.
	discoveryLength = 70
	// DiscoverySize is the size of an IP discovery frame on the wire.
	DiscoverySize = 4 + discoveryLength
)

// DiscoveryAttempts is the number of requests sent before giving up.
const DiscoveryAttempts = 3

// ErrDiscoveryTimeout is returned when no discovery reply arrives after every
// attempt.
var ErrDiscoveryTimeout = errors.New("IP discovery timed out")

// DiscoveryFrame is an IP discovery request or response.
//
//	type:u16 | length:u16 (=70) | ssrc:u32 | address:[64]byte | port:u16
type DiscoveryFrame struct {
	Type    uint16
	SSRC    uint32
	Address string
	Port    uint16
}

// MarshalBinary encodes the frame. The address is null-padded to 64 bytes and
// truncated if longer.
func (f DiscoveryFrame) MarshalBinary() ([]byte, error) {
	b := make([]byte, DiscoverySize)
	binary.BigEndian.PutUint16(b[0:2], f.Type)
	binary.BigEndian.PutUint16(b[2:4], discoveryLength)
	binary.BigEndian.PutUint32(b[4:8], f.SSRC)
	copy(b[8:72], f.Address)
	binary.BigEndian.PutUint16(b[72:74], f.Port)
	return b, nil
}

// UnmarshalBinary decodes a frame.
func (f *DiscoveryFrame) UnmarshalBinary(b []byte) error {
	if len(b) < DiscoverySize {
		return errors.Errorf("discovery frame is %d bytes, expected %d", len(b), DiscoverySize)
	}

	f.Type = binary.BigEndian.Uint16(b[0:2])
	if l := binary.BigEndian.Uint16(b[2:4]); l != discoveryLength {
		return errors.Errorf("discovery frame declares length %d", l)
	}

	f.SSRC = binary.BigEndian.Uint32(b[4:8])

	addr := b[8:72]
	if i := bytes.IndexByte(addr, 0); i >= 0 {
		addr = addr[:i]
	}
	f.Address = string(addr)
	f.Port = binary.BigEndian.Uint16(b[72:74])

	return nil
}

// Discover sends IP discovery requests over conn until a response for ssrc
// arrives, retrying up to DiscoveryAttempts times with the given per-attempt
// timeout.
func Discover(ctx context.Context, conn net.Conn, ssrc uint32, timeout time.Duration) (ip string, port uint16, err error) {
	req, _ := DiscoveryFrame{Type: discoveryRequest, SSRC: ssrc}.MarshalBinary()

	// Unblock reads once ctx is done.
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1500)

	for attempt := 0; attempt < DiscoveryAttempts; attempt++ {
		if _, err := conn.Write(req); err != nil {
			return "", 0, errors.Wrap(err, "failed to write discovery request")
		}

		conn.SetReadDeadline(time.Now().Add(timeout))

		for {
			n, err := conn.Read(buf)
			if err != nil {
				if ctx.Err() != nil {
					return "", 0, ctx.Err()
				}
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					break
				}
				return "", 0, errors.Wrap(err, "failed to read discovery response")
			}

			var resp DiscoveryFrame
			if err := resp.UnmarshalBinary(buf[:n]); err != nil {
				// Likely an early media packet; keep waiting.
				continue
			}

			if resp.Type != discoveryResponse || resp.SSRC != ssrc {
				continue
			}

			return resp.Address, resp.Port, nil
		}
	}

	return "", 0, ErrDiscoveryTimeout
}
