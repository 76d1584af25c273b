package ws

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/diamondburned/arikawa-voice/utils/json"
)

// Codec holds the codec states for Websocket implementations to share with the
// manager. It decodes JSON text messages of the form {"op", "d", "seq"} and
// binary messages framed as a big-endian uint16 sequence, a one-byte op code
// and the remaining payload.
type Codec struct {
	Unmarshalers OpUnmarshalers
	Headers      http.Header
}

// NewCodec creates a new default Codec instance.
func NewCodec(unmarshalers OpUnmarshalers) Codec {
	return Codec{
		Unmarshalers: unmarshalers,
		Headers:      http.Header{},
	}
}

const maxSharedBufferSize = 1 << 15 // 32KB

// DecodeBuffer boxes a byte slice to provide a shared and thread-unsafe buffer.
// It is used internally and should only be handled around as an opaque thing.
type DecodeBuffer struct {
	buf []byte
}

// NewDecodeBuffer creates a new preallocated DecodeBuffer.
func NewDecodeBuffer(cap int) DecodeBuffer {
	if cap > maxSharedBufferSize {
		cap = maxSharedBufferSize
	}

	return DecodeBuffer{
		buf: make([]byte, 0, cap),
	}
}

// DecodeInto reads a JSON text message from the given reader and decodes it
// into the Op out channel.
func (c Codec) DecodeInto(ctx context.Context, r io.Reader, buf *DecodeBuffer, out chan<- Op) error {
	var raw recvOp
	raw.Data = json.Raw(buf.buf)

	if err := json.DecodeStream(r, &raw); err != nil {
		return c.send(ctx, out, newErrOp(err, "cannot read JSON stream"))
	}

	// buf isn't grown from here out. Set it back right now. If Data hasn't been
	// grown, then this will just set buf back to what it was.
	if cap(raw.Data) < maxSharedBufferSize {
		buf.buf = raw.Data[:0]
	}

	op := Op{
		Code:     raw.Code,
		Sequence: NoSequence,
	}
	if raw.Sequence != nil {
		op.Sequence = *raw.Sequence
	}

	fn := c.Unmarshalers.Lookup(op.Code)
	if fn == nil {
		op.Data = &UnknownEvent{
			Code: op.Code,
			Raw:  append([]byte(nil), raw.Data...),
		}
		return c.send(ctx, out, op)
	}

	op.Data = fn()
	if err := raw.Data.UnmarshalTo(op.Data); err != nil {
		err = errors.Wrapf(err, "cannot unmarshal op %d from gateway", op.Code)
		return c.send(ctx, out, newErrOp(err, ""))
	}

	return c.send(ctx, out, op)
}

// ErrShortBinary is returned for a binary message too short to carry its
// sequence and op code.
var ErrShortBinary = errors.New("binary message shorter than 3 bytes")

// DecodeBinaryInto decodes a binary message into the Op out channel. The
// payload given to the event is a copy, so b may be reused.
func (c Codec) DecodeBinaryInto(ctx context.Context, b []byte, out chan<- Op) error {
	op, err := c.DecodeBinary(b)
	if err != nil {
		return c.send(ctx, out, newErrOp(err, "cannot decode binary message"))
	}
	return c.send(ctx, out, op)
}

// DecodeBinary decodes a single binary message.
func (c Codec) DecodeBinary(b []byte) (Op, error) {
	if len(b) < 3 {
		return Op{}, ErrShortBinary
	}

	op := Op{
		Code:     OpCode(b[2]),
		Sequence: int64(binary.BigEndian.Uint16(b[0:2])),
	}
	payload := append([]byte(nil), b[3:]...)

	fn := c.Unmarshalers.Lookup(op.Code)
	if fn == nil {
		op.Data = &UnknownEvent{Code: op.Code, Raw: payload, Binary: true}
		return op, nil
	}

	ev, ok := fn().(BinaryEvent)
	if !ok {
		return op, errors.Errorf("op %d is not a binary event", op.Code)
	}

	if err := ev.UnmarshalBinary(payload); err != nil {
		return op, errors.Wrapf(err, "cannot unmarshal binary op %d", op.Code)
	}

	op.Data = ev
	return op, nil
}

// Encode encodes a client event. Events implementing BinaryCommand are framed
// as a one-byte op code followed by their payload, and binary is true.
// Everything else becomes a JSON {"op", "d"} object.
func (c Codec) Encode(ev Event) (b []byte, isBinary bool, err error) {
	if cmd, ok := ev.(BinaryCommand); ok {
		payload, err := cmd.MarshalBinary()
		if err != nil {
			return nil, true, errors.Wrap(err, "failed to marshal binary payload")
		}

		b = make([]byte, 1+len(payload))
		b[0] = byte(cmd.Op())
		copy(b[1:], payload)

		return b, true, nil
	}

	b, err = json.Marshal(sendOp{Code: ev.Op(), Data: ev})
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to encode payload")
	}

	return b, false, nil
}

func (c Codec) send(ctx context.Context, ch chan<- Op, op Op) error {
	select {
	case ch <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newErrOp(err error, wrap string) Op {
	if wrap != "" {
		err = errors.Wrap(err, wrap)
	}

	ev := &BackgroundErrorEvent{
		Err: err,
	}

	return Op{
		Code:     ev.Op(),
		Data:     ev,
		Sequence: NoSequence,
	}
}
