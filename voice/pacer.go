package voice

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/diamondburned/arikawa-voice/internal/lazytime"
	"github.com/diamondburned/arikawa-voice/voice/rtp"
	"github.com/diamondburned/arikawa-voice/voice/udp"
)

// SendAudioFrame queues one encoded Opus frame. It never blocks: when the
// queue is full, the oldest queued frame is dropped. The frame must not be
// modified afterwards.
func (s *Session) SendAudioFrame(frame []byte) error {
	select {
	case <-s.done:
		return ErrCannotSend
	default:
	}

	select {
	case <-s.handshake:
	default:
		return ErrNotConnected
	}

	for {
		select {
		case s.outbound <- frame:
			return nil
		default:
		}

		select {
		case <-s.outbound:
			s.dropped.Inc()
		default:
		}
	}
}

// Write queues a copy of b as one frame. It implements io.Writer, so a whole
// frame must be given per call.
func (s *Session) Write(b []byte) (int, error) {
	frame := make([]byte, len(b))
	copy(frame, b)

	if err := s.SendAudioFrame(frame); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Dropped returns the number of outbound frames dropped because the queue was
// full.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// pace sends one queued frame per frame duration. Frames are spaced at least
// a frame duration apart and are held while speaking is not announced.
func (s *Session) pace(ctx context.Context) {
	defer s.loops.Done()

	var timer lazytime.Timer
	defer timer.Stop()

	header := rtp.Header{
		Version:     rtp.Version,
		PayloadType: rtp.OpusPayloadType,
		Sequence:    uint16(rand.Uint32()),
		Timestamp:   rand.Uint32(),
	}

	var (
		headerBuf []byte
		packet    []byte
		next      time.Time
		err       error
	)

	for {
		var frame []byte

		select {
		case <-ctx.Done():
			return
		case frame = <-s.outbound:
		}

		for !s.ready.Load() {
			timer.Reset(s.opts.FrameDuration)
			if timer.Wait(ctx) != nil {
				return
			}
		}

		if now := time.Now(); next.Before(now) {
			next = now
		}

		timer.ResetAt(next)
		if timer.Wait(ctx) != nil {
			return
		}

		next = next.Add(s.opts.FrameDuration)

		t := s.transform.Load()
		if t == nil {
			continue
		}

		header.SSRC = s.ssrc.Load()

		headerBuf, err = header.AppendTo(headerBuf[:0])
		if err != nil {
			s.log.WithError(err).Error("invalid outbound RTP header")
			continue
		}

		packet, err = t.Seal(packet[:0], headerBuf, frame)
		if err != nil {
			s.log.WithError(err).Debug("failed to seal frame")
			continue
		}

		if _, err := s.udp.Write(packet); err != nil {
			if errors.Is(err, udp.ErrManagerClosed) {
				return
			}
			s.log.WithError(err).Debug("failed to write voice packet")
		}

		header.Sequence++
		header.Timestamp += s.opts.FrameSamples
	}
}
