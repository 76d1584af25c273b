package voicegateway

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/diamondburned/arikawa-voice/utils/ws"
)

// CloseClass is what the gateway does about a close code.
type CloseClass uint8

const (
	// CloseRecoverable closes are resumed.
	CloseRecoverable CloseClass = iota
	// CloseSessionInvalid closes cannot be resumed; the gateway identifies
	// anew.
	CloseSessionInvalid
	// CloseTerminal closes end the gateway without retrying.
	CloseTerminal
)

func (c CloseClass) String() string {
	switch c {
	case CloseRecoverable:
		return "recoverable"
	case CloseSessionInvalid:
		return "session invalid"
	case CloseTerminal:
		return "terminal"
	default:
		return "invalid"
	}
}

// CloseCodeReasons describes the voice gateway's close codes.
var CloseCodeReasons = map[int]string{
	4001: "unknown opcode",
	4002: "failed to decode payload",
	4003: "not authenticated",
	4004: "authentication failed",
	4005: "already authenticated",
	4006: "session no longer valid",
	4009: "session timeout",
	4011: "server not found",
	4012: "unknown protocol",
	4014: "disconnected",
	4015: "voice server crashed",
	4016: "unknown encryption mode",
	4020: "bad request",
	4021: "rate limited",
	4022: "call terminated",
}

// TerminalCloseCodes are the close codes the gateway never recovers from.
var TerminalCloseCodes = []int{4001, 4002, 4003, 4004, 4005, 4011, 4012, 4014, 4016, 4020, 4022}

// ClassifyClose returns the class of a close code. Codes that are not known
// to be terminal or session-invalid, including abnormal closures, are
// recoverable.
func ClassifyClose(code int) CloseClass {
	switch code {
	case 4006, 4009:
		return CloseSessionInvalid
	}

	for _, terminal := range TerminalCloseCodes {
		if code == terminal {
			return CloseTerminal
		}
	}

	return CloseRecoverable
}

// TerminalError is returned when the gateway stops for good because of a
// terminal close code.
type TerminalError struct {
	Code int
	Err  error
}

// Error formats the error with the close code's reason.
func (err *TerminalError) Error() string {
	reason, ok := CloseCodeReasons[err.Code]
	if !ok {
		reason = "unknown close code"
	}
	return fmt.Sprintf("voice gateway closed with %d (%s)", err.Code, reason)
}

// Unwrap returns the close event.
func (err *TerminalError) Unwrap() error { return err.Err }

// IsTerminal returns true if err carries a terminal close code.
func IsTerminal(err error) bool {
	var terr *TerminalError
	if errors.As(err, &terr) {
		return true
	}

	var closeEv *ws.CloseEvent
	return errors.As(err, &closeEv) && ClassifyClose(closeEv.Code) == CloseTerminal
}
