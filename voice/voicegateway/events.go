package voicegateway

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/pkg/errors"

	"github.com/diamondburned/arikawa-voice/discord"
)

// ReadyEvent is op 2.
type ReadyEvent struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`

	// `heartbeat_interval` here is an erroneous field and should be ignored.
	// The correct `heartbeat_interval` value comes from the Hello payload.
}

// Op implements Event.
func (*ReadyEvent) Op() OpCode { return ReadyOp }

// Addr returns the UDP address of the voice server.
func (r ReadyEvent) Addr() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// SessionDescriptionEvent is op 4.
type SessionDescriptionEvent struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`

	DAVEProtocolVersion int `json:"dave_protocol_version,omitempty"`
}

// Op implements Event.
func (*SessionDescriptionEvent) Op() OpCode { return SessionDescriptionOp }

// SpeakingEvent is op 5, sent when another user's speaking state changes. It
// is the only way to learn which user an SSRC belongs to.
type SpeakingEvent struct {
	UserID   discord.UserID `json:"user_id"`
	SSRC     uint32         `json:"ssrc"`
	Speaking SpeakingFlag   `json:"speaking"`
}

// Op implements Event.
func (*SpeakingEvent) Op() OpCode { return SpeakingOp }

// HeartbeatAckEvent is op 6.
type HeartbeatAckEvent struct {
	Nonce int64 `json:"t"`
}

// Op implements Event.
func (*HeartbeatAckEvent) Op() OpCode { return HeartbeatAckOp }

// HelloEvent is op 8.
type HelloEvent struct {
	HeartbeatInterval discord.Milliseconds `json:"heartbeat_interval"`
}

// Op implements Event.
func (*HelloEvent) Op() OpCode { return HelloOp }

// ResumedEvent is op 9.
type ResumedEvent struct{}

// Op implements Event.
func (*ResumedEvent) Op() OpCode { return ResumedOp }

// ClientsConnectEvent is op 11.
type ClientsConnectEvent struct {
	UserIDs []discord.UserID `json:"user_ids"`
}

// Op implements Event.
func (*ClientsConnectEvent) Op() OpCode { return ClientsConnectOp }

// ClientConnectEvent is op 12. It is undocumented but carries the audio SSRC
// of a user who joined.
type ClientConnectEvent struct {
	UserID    discord.UserID `json:"user_id"`
	AudioSSRC uint32         `json:"audio_ssrc"`
	VideoSSRC uint32         `json:"video_ssrc"`
}

// Op implements Event.
func (*ClientConnectEvent) Op() OpCode { return ClientConnectOp }

// ClientDisconnectEvent is op 13.
type ClientDisconnectEvent struct {
	UserID discord.UserID `json:"user_id"`
}

// Op implements Event.
func (*ClientDisconnectEvent) Op() OpCode { return ClientDisconnectOp }

// PrepareTransitionEvent is op 21. ProtocolVersion 0 downgrades to transport
// encryption only.
type PrepareTransitionEvent struct {
	TransitionID    uint16 `json:"transition_id"`
	ProtocolVersion int    `json:"protocol_version"`
}

// Op implements Event.
func (*PrepareTransitionEvent) Op() OpCode { return PrepareTransitionOp }

// ExecuteTransitionEvent is op 22.
type ExecuteTransitionEvent struct {
	TransitionID uint16 `json:"transition_id"`
}

// Op implements Event.
func (*ExecuteTransitionEvent) Op() OpCode { return ExecuteTransitionOp }

// PrepareEpochEvent is op 24. Epoch 1 means a new group is being created.
type PrepareEpochEvent struct {
	Epoch           uint64 `json:"epoch"`
	ProtocolVersion int    `json:"protocol_version"`
}

// Op implements Event.
func (*PrepareEpochEvent) Op() OpCode { return PrepareEpochOp }

// ErrShortTransition is returned when a binary payload is too short to carry
// its transition ID.
var ErrShortTransition = errors.New("binary payload shorter than a transition ID")

// MLSExternalSenderEvent is op 25. The payload is opaque.
type MLSExternalSenderEvent struct {
	ExternalSender []byte
}

// Op implements Event.
func (*MLSExternalSenderEvent) Op() OpCode { return MLSExternalSenderOp }

// UnmarshalBinary implements ws.BinaryEvent.
func (e *MLSExternalSenderEvent) UnmarshalBinary(b []byte) error {
	e.ExternalSender = b
	return nil
}

// MLSProposalsEvent is op 27. The payload is opaque.
type MLSProposalsEvent struct {
	Proposals []byte
}

// Op implements Event.
func (*MLSProposalsEvent) Op() OpCode { return MLSProposalsOp }

// UnmarshalBinary implements ws.BinaryEvent.
func (e *MLSProposalsEvent) UnmarshalBinary(b []byte) error {
	e.Proposals = b
	return nil
}

// MLSAnnounceCommitEvent is op 29: a big-endian transition ID followed by an
// opaque commit.
type MLSAnnounceCommitEvent struct {
	TransitionID uint16
	Commit       []byte
}

// Op implements Event.
func (*MLSAnnounceCommitEvent) Op() OpCode { return MLSAnnounceCommitOp }

// UnmarshalBinary implements ws.BinaryEvent.
func (e *MLSAnnounceCommitEvent) UnmarshalBinary(b []byte) error {
	id, rest, err := splitTransition(b)
	e.TransitionID, e.Commit = id, rest
	return err
}

// MarshalBinary encodes the payload as the server frames it.
func (e *MLSAnnounceCommitEvent) MarshalBinary() ([]byte, error) {
	return joinTransition(e.TransitionID, e.Commit), nil
}

// MLSWelcomeEvent is op 30: a big-endian transition ID followed by an opaque
// welcome.
type MLSWelcomeEvent struct {
	TransitionID uint16
	Welcome      []byte
}

// Op implements Event.
func (*MLSWelcomeEvent) Op() OpCode { return MLSWelcomeOp }

// UnmarshalBinary implements ws.BinaryEvent.
func (e *MLSWelcomeEvent) UnmarshalBinary(b []byte) error {
	id, rest, err := splitTransition(b)
	e.TransitionID, e.Welcome = id, rest
	return err
}

// MarshalBinary encodes the payload as the server frames it.
func (e *MLSWelcomeEvent) MarshalBinary() ([]byte, error) {
	return joinTransition(e.TransitionID, e.Welcome), nil
}

func splitTransition(b []byte) (uint16, []byte, error) {
	if len(b) < 2 {
		return 0, nil, ErrShortTransition
	}
	return binary.BigEndian.Uint16(b), b[2:], nil
}

func joinTransition(id uint16, b []byte) []byte {
	out := make([]byte, 2, 2+len(b))
	binary.BigEndian.PutUint16(out, id)
	return append(out, b...)
}
