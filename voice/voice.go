// Package voice composes the voice gateway, the UDP transport and the payload
// transform into a single voice session with a frame-based send and receive
// surface.
package voice

import (
	"github.com/pkg/errors"

	"github.com/diamondburned/arikawa-voice/discord"
)

var (
	// ErrNotConnected is returned when audio is sent before Connect returns.
	ErrNotConnected = errors.New("voice session is not connected")
	// ErrAlreadyConnected is returned when Connect is called twice.
	ErrAlreadyConnected = errors.New("voice session already connected")
	// ErrCannotSend is an error when audio is sent to a closed session.
	ErrCannotSend = errors.New("cannot send audio to closed session")
	// ErrIncompleteUpdate is returned when the voice state and voice server
	// updates do not carry everything needed to connect.
	ErrIncompleteUpdate = errors.New("incomplete voice state or voice server update")
)

// ConnectionError is returned by Connect when the handshake fails or does not
// finish within the connect timeout.
type ConnectionError struct {
	Err error
}

// Error implements error.
func (e *ConnectionError) Error() string {
	return "voice connection error: " + e.Err.Error()
}

// Unwrap returns e.Err.
func (e *ConnectionError) Unwrap() error { return e.Err }

// ReconnectError is emitted into Session.Events everytime the voice gateway
// hits an error it recovers from. It implements the error interface.
type ReconnectError struct {
	Err error
}

// Error implements error.
func (e *ReconnectError) Error() string {
	return "voice reconnect error: " + e.Err.Error()
}

// Unwrap returns e.Err.
func (e *ReconnectError) Unwrap() error { return e.Err }

// Frame is one received audio frame.
type Frame struct {
	UserID    discord.UserID
	SSRC      uint32
	Sequence  uint16
	Timestamp uint32
	// Discontinuity is true if packets went missing before this frame. The
	// sender's decoder was reset before Data was decoded.
	Discontinuity bool
	// Data is the decoded frame. It belongs to the receiver.
	Data []byte
}

// Event is anything sent into Session.Events: one of *SpeakingEvent,
// *ClientDisconnectEvent or *ReconnectError.
type Event interface{}

// SpeakingEvent is emitted when a remote user starts or stops speaking.
type SpeakingEvent struct {
	UserID   discord.UserID
	SSRC     uint32
	Speaking bool
}

// ClientDisconnectEvent is emitted when a remote user leaves the channel.
type ClientDisconnectEvent struct {
	UserID discord.UserID
}
