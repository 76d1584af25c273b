package ws

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/diamondburned/arikawa-voice/utils/json"
)

// OpCode is the type for websocket Op codes. Op codes less than 0 are
// internal Op codes and are never sent over the wire.
type OpCode int

// NoSequence is the Sequence of an Op that carried no sequence number.
const NoSequence int64 = -1

// CloseEvent is an event that is given from the Conn when the websocket is
// closed.
type CloseEvent struct {
	// Err is the underlying error.
	Err error
	// Code is the websocket close code, if any. It is -1 otherwise.
	Code int
}

// Unwrap returns err.Err.
func (e *CloseEvent) Unwrap() error { return e.Err }

// Error formats the CloseEvent. A CloseEvent is also an error.
func (e *CloseEvent) Error() string {
	return fmt.Sprintf("websocket closed, reason: %s", e.Err)
}

// Op implements Event. It returns -1.
func (e *CloseEvent) Op() OpCode { return -1 }

// BackgroundErrorEvent describes an error that the gateway event loop might
// stumble upon while it's running.
type BackgroundErrorEvent struct {
	Err error
}

// Unwrap returns err.Err.
func (err *BackgroundErrorEvent) Unwrap() error { return err.Err }

// Error formats the BackgroundErrorEvent.
func (err *BackgroundErrorEvent) Error() string {
	return "background gateway error: " + err.Err.Error()
}

// Op implements Event. It returns -2.
func (err *BackgroundErrorEvent) Op() OpCode { return -2 }

// UnknownEvent holds the raw payload of an Op that no constructor is
// registered for. Unknown ops are forwarded rather than treated as errors.
type UnknownEvent struct {
	Code   OpCode
	Raw    []byte
	Binary bool
}

// Op implements Event.
func (e *UnknownEvent) Op() OpCode { return e.Code }

// Event describes an Event data that comes from a gateway Operation.
type Event interface {
	Op() OpCode
}

// BinaryEvent is an Event that arrives as a binary websocket message instead
// of a JSON text message.
type BinaryEvent interface {
	Event
	UnmarshalBinary(payload []byte) error
}

// BinaryCommand is an Event that is sent as a binary websocket message.
type BinaryCommand interface {
	Event
	MarshalBinary() ([]byte, error)
}

// OpFunc is a constructor function for an Operation.
type OpFunc func() Event

// OpUnmarshalers contains a map of event constructor functions keyed by their
// op code.
type OpUnmarshalers struct {
	r map[OpCode]OpFunc
}

// NewOpUnmarshalers creates a new OpUnmarshalers instance from the given
// constructor functions.
func NewOpUnmarshalers(funcs ...OpFunc) OpUnmarshalers {
	m := OpUnmarshalers{r: make(map[OpCode]OpFunc, len(funcs))}
	m.Add(funcs...)
	return m
}

// Each iterates over the marshaler map.
func (m OpUnmarshalers) Each(f func(OpCode, OpFunc) (done bool)) {
	for code, fn := range m.r {
		if f(code, fn) {
			return
		}
	}
}

// Add adds the given functions into the unmarshaler registry.
func (m OpUnmarshalers) Add(funcs ...OpFunc) {
	for _, fn := range funcs {
		m.r[fn().Op()] = fn
	}
}

// Lookup searches the OpMarshalers map for the given constructor function.
func (m OpUnmarshalers) Lookup(op OpCode) OpFunc {
	return m.r[op]
}

// Op is a gateway Operation.
type Op struct {
	Code OpCode
	Data Event

	// Sequence is the server's message sequence number, or NoSequence.
	Sequence int64
}

// sendOp is the wire shape of a client Op.
type sendOp struct {
	Code OpCode `json:"op"`
	Data Event  `json:"d"`
}

// recvOp is the wire shape of a server Op.
type recvOp struct {
	Code     OpCode   `json:"op"`
	Data     json.Raw `json:"d,omitempty"`
	Sequence *int64   `json:"seq,omitempty"`
}

// IsUnknownEvent returns true if the Op holds an event that no constructor is
// registered for.
func IsUnknownEvent(op Op) bool {
	_, ok := op.Data.(*UnknownEvent)
	return ok
}

// ErrorFromOp returns the error carried by a CloseEvent or a
// BackgroundErrorEvent, or nil.
func ErrorFromOp(op Op) error {
	switch data := op.Data.(type) {
	case *CloseEvent:
		return data
	case *BackgroundErrorEvent:
		return data
	}
	return nil
}

// ReadOps reads maximum n Ops and accumulate them into a slice.
func ReadOps(ctx context.Context, ch <-chan Op, n int) ([]Op, error) {
	ops := make([]Op, 0, n)
	for {
		select {
		case <-ctx.Done():
			return ops, ctx.Err()
		case op, ok := <-ch:
			if !ok {
				return ops, errors.New("op channel closed")
			}
			ops = append(ops, op)
			if len(ops) == n {
				return ops, nil
			}
		}
	}
}

// ReadOp reads a single Op.
func ReadOp(ctx context.Context, ch <-chan Op) (Op, error) {
	select {
	case <-ctx.Done():
		return Op{}, ctx.Err()
	case op, ok := <-ch:
		if !ok {
			return Op{}, errors.New("op channel closed")
		}
		return op, nil
	}
}

// WaitForOp reads Ops until one with the given code arrives. Every skipped Op
// is discarded.
func WaitForOp(ctx context.Context, ch <-chan Op, code OpCode) (Op, error) {
	for {
		op, err := ReadOp(ctx, ch)
		if err != nil {
			return op, errors.Wrapf(err, "failed to wait for op %d", code)
		}
		if op.Code == code {
			return op, nil
		}
	}
}
