package voicegateway

import (
	"github.com/diamondburned/arikawa-voice/utils/ws"
)

// Version is the voice gateway version this package speaks.
const Version = "8"

// OpCode is a voice gateway operation code.
type OpCode = ws.OpCode

const (
	IdentifyOp           OpCode = 0  // send
	SelectProtocolOp     OpCode = 1  // send
	ReadyOp              OpCode = 2  // receive
	HeartbeatOp          OpCode = 3  // send
	SessionDescriptionOp OpCode = 4  // receive
	SpeakingOp           OpCode = 5  // send/receive
	HeartbeatAckOp       OpCode = 6  // receive
	ResumeOp             OpCode = 7  // send
	HelloOp              OpCode = 8  // receive
	ResumedOp            OpCode = 9  // receive
	ClientsConnectOp     OpCode = 11 // receive
	ClientConnectOp      OpCode = 12 // receive
	ClientDisconnectOp   OpCode = 13 // receive

	// Group encryption. Binary ops are framed as seq|op|payload from the
	// server and op|payload from the client.
	PrepareTransitionOp       OpCode = 21 // receive
	ExecuteTransitionOp       OpCode = 22 // receive
	TransitionReadyOp         OpCode = 23 // send
	PrepareEpochOp            OpCode = 24 // receive
	MLSExternalSenderOp       OpCode = 25 // receive, binary
	MLSKeyPackageOp           OpCode = 26 // send, binary
	MLSProposalsOp            OpCode = 27 // receive, binary
	MLSCommitWelcomeOp        OpCode = 28 // send, binary
	MLSAnnounceCommitOp       OpCode = 29 // receive, binary
	MLSWelcomeOp              OpCode = 30 // receive, binary
	MLSInvalidCommitWelcomeOp OpCode = 31 // send
)

// OpUnmarshalers contains the constructors of every event the server sends.
// Ops not listed here decode into a *ws.UnknownEvent.
var OpUnmarshalers = ws.NewOpUnmarshalers(
	func() ws.Event { return new(ReadyEvent) },
	func() ws.Event { return new(SessionDescriptionEvent) },
	func() ws.Event { return new(SpeakingEvent) },
	func() ws.Event { return new(HeartbeatAckEvent) },
	func() ws.Event { return new(HelloEvent) },
	func() ws.Event { return new(ResumedEvent) },
	func() ws.Event { return new(ClientsConnectEvent) },
	func() ws.Event { return new(ClientConnectEvent) },
	func() ws.Event { return new(ClientDisconnectEvent) },
	func() ws.Event { return new(PrepareTransitionEvent) },
	func() ws.Event { return new(ExecuteTransitionEvent) },
	func() ws.Event { return new(PrepareEpochEvent) },
	func() ws.Event { return new(MLSExternalSenderEvent) },
	func() ws.Event { return new(MLSProposalsEvent) },
	func() ws.Event { return new(MLSAnnounceCommitEvent) },
	func() ws.Event { return new(MLSWelcomeEvent) },
)
