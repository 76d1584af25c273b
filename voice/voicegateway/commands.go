package voicegateway

import (
	"github.com/pkg/errors"

	"github.com/diamondburned/arikawa-voice/discord"
)

var (
	// ErrMissingForIdentify is an error when we are missing information to identify.
	ErrMissingForIdentify = errors.New("missing GuildID, UserID, SessionID, or Token for identify")

	// ErrMissingForResume is an error when we are missing information to resume.
	ErrMissingForResume = errors.New("missing GuildID, SessionID, or Token for resuming")
)

// IdentifyCommand is op 0.
type IdentifyCommand struct {
	GuildID   discord.GuildID `json:"server_id"` // yes, this should be "server_id"
	UserID    discord.UserID  `json:"user_id"`
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`

	// MaxDAVEProtocolVersion advertises group encryption support. Zero means
	// none.
	MaxDAVEProtocolVersion int `json:"max_dave_protocol_version,omitempty"`
}

// Op implements Event.
func (*IdentifyCommand) Op() OpCode { return IdentifyOp }

// SelectProtocolCommand is op 1.
type SelectProtocolCommand struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

// SelectProtocolData is the UDP address and mode the client picked.
type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

// Op implements Event.
func (*SelectProtocolCommand) Op() OpCode { return SelectProtocolOp }

// HeartbeatCommand is op 3. The server echoes Nonce back in its ack.
type HeartbeatCommand struct {
	Nonce  int64 `json:"t"`
	SeqAck int64 `json:"seq_ack"`
}

// Op implements Event.
func (*HeartbeatCommand) Op() OpCode { return HeartbeatOp }

// SpeakingFlag is a bitmask of the kind of audio being sent.
type SpeakingFlag uint64

const (
	Microphone SpeakingFlag = 1 << iota
	Soundshare
	Priority

	NotSpeaking SpeakingFlag = 0
)

// SpeakingCommand is op 5.
type SpeakingCommand struct {
	Speaking SpeakingFlag `json:"speaking"`
	Delay    int          `json:"delay"`
	SSRC     uint32       `json:"ssrc"`
}

// Op implements Event.
func (*SpeakingCommand) Op() OpCode { return SpeakingOp }

// ResumeCommand is op 7.
type ResumeCommand struct {
	GuildID   discord.GuildID `json:"server_id"`
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
	SeqAck    int64           `json:"seq_ack"`
}

// Op implements Event.
func (*ResumeCommand) Op() OpCode { return ResumeOp }

// TransitionReadyCommand is op 23.
type TransitionReadyCommand struct {
	TransitionID uint16 `json:"transition_id"`
}

// Op implements Event.
func (*TransitionReadyCommand) Op() OpCode { return TransitionReadyOp }

// MLSKeyPackageCommand is op 26. The key package is opaque.
type MLSKeyPackageCommand struct {
	KeyPackage []byte
}

// Op implements Event.
func (*MLSKeyPackageCommand) Op() OpCode { return MLSKeyPackageOp }

// MarshalBinary implements ws.BinaryCommand.
func (c *MLSKeyPackageCommand) MarshalBinary() ([]byte, error) {
	return c.KeyPackage, nil
}

// MLSCommitWelcomeCommand is op 28. The commit, optionally followed by a
// welcome, is opaque.
type MLSCommitWelcomeCommand struct {
	CommitWelcome []byte
}

// Op implements Event.
func (*MLSCommitWelcomeCommand) Op() OpCode { return MLSCommitWelcomeOp }

// MarshalBinary implements ws.BinaryCommand.
func (c *MLSCommitWelcomeCommand) MarshalBinary() ([]byte, error) {
	return c.CommitWelcome, nil
}

// MLSInvalidCommitWelcomeCommand is op 31. It asks the server to remove the
// client from the group and re-add it.
type MLSInvalidCommitWelcomeCommand struct {
	TransitionID uint16 `json:"transition_id"`
}

// Op implements Event.
func (*MLSInvalidCommitWelcomeCommand) Op() OpCode { return MLSInvalidCommitWelcomeOp }
