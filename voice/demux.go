package voice

import (
	"context"

	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/diamondburned/arikawa-voice/internal/lazytime"
	"github.com/diamondburned/arikawa-voice/voice/rtp"
	"github.com/diamondburned/arikawa-voice/voice/sender"
	"github.com/diamondburned/arikawa-voice/voice/voicegateway"
)

// resetSenders tells the receive loop to forget every sender, which happens
// after each fresh Ready.
type resetSenders struct{}

// demux owns the sender registry. It turns received datagrams into frames and
// applies the SSRC mappings the gateway loop forwards over the control
// channel. Control messages are handled even while the Frames channel is full,
// so a consumer that never reads frames cannot stall the gateway loop.
func (s *Session) demux(ctx context.Context) {
	defer s.loops.Done()
	defer close(s.frames)

	reg := sender.NewRegistry(&s.opts.Registry)
	packets := s.udp.Packets()

	ttl := s.opts.Registry.BufferTTL
	if ttl <= 0 {
		ttl = sender.DefaultOpts().BufferTTL
	}

	var expire lazytime.Ticker
	expire.Reset(ttl)
	defer expire.Stop()

	var (
		payload []byte
		pending []*Frame
	)

	for {
		var (
			in   = packets
			out  chan<- *Frame
			next *Frame
		)

		// Reading stops while a frame waits for the consumer, which pushes
		// back on the UDP manager instead of growing pending.
		if len(pending) > 0 {
			in = nil
			out = s.frames
			next = pending[0]
		}

		select {
		case <-ctx.Done():
			return

		case <-expire.C:
			reg.Expire()

		case v := <-s.control:
			switch v := v.(type) {
			case *voicegateway.SpeakingEvent:
				for _, b := range reg.Speaking(v.SSRC, v.UserID) {
					pending = s.queueFrame(pending, s.handlePacket(reg, b, &payload))
				}
			case *voicegateway.ClientDisconnectEvent:
				reg.RemoveUser(v.UserID)
			case resetSenders:
				reg.Reset()
			}

		case b, ok := <-in:
			if !ok {
				return
			}
			pending = s.queueFrame(pending, s.handlePacket(reg, b, &payload))

		case out <- next:
			pending[0] = nil
			pending = pending[1:]
		}
	}
}

// queueFrame appends f to the frames waiting for the consumer. Past
// FrameQueueSize, the oldest waiting frame is dropped.
func (s *Session) queueFrame(pending []*Frame, f *Frame) []*Frame {
	if f == nil {
		return pending
	}

	if len(pending) >= s.opts.FrameQueueSize {
		s.log.WithField("ssrc", pending[0].SSRC).Debug("frame queue full, dropping frame")
		pending[0] = nil
		pending = pending[1:]
		s.stats.framesDropped.Inc()
	}

	return append(pending, f)
}

// handlePacket turns one datagram into a frame. It returns nil if the
// datagram yields no frame.
func (s *Session) handlePacket(reg *sender.Registry, b []byte, payload *[]byte) *Frame {
	if rtp.IsRTCP(b) {
		s.handleRTCP(b)
		return nil
	}

	h, err := rtp.DecodeFixed(b)
	if err != nil {
		s.log.WithError(err).Debug("dropping malformed packet")
		return nil
	}

	log := s.log.WithFields(logrus.Fields{
		"ssrc": h.SSRC,
		"seq":  h.Sequence,
	})

	switch reg.Check(h.SSRC, h.Sequence) {
	case sender.Unknown:
		reg.Buffer(h.SSRC, b)
		return nil
	case sender.Stale:
		log.WithField("reason", "stale").Debug("dropping packet")
		return nil
	}

	t := s.transform.Load()
	if t == nil {
		log.WithField("reason", "no key").Debug("dropping packet")
		return nil
	}

	*payload, err = t.OpenPacket((*payload)[:0], b)
	if err != nil {
		log.WithError(err).WithField("reason", "decrypt").Debug("dropping packet")
		return nil
	}

	snd, verdict := reg.Commit(h.SSRC, h.Sequence)
	if verdict == sender.Stale || verdict == sender.Unknown {
		return nil
	}

	frame := &Frame{
		UserID:        snd.UserID,
		SSRC:          h.SSRC,
		Sequence:      h.Sequence,
		Timestamp:     h.Timestamp,
		Discontinuity: verdict == sender.Discontinuity,
	}

	if snd.Decoder != nil {
		frame.Data, err = snd.Decoder.Decode(*payload)
		if err != nil {
			log.WithError(err).WithField("reason", "decode").Debug("dropping packet")
			return nil
		}
	} else {
		frame.Data = append([]byte(nil), (*payload)...)
	}

	s.stats.framesReceived.Inc()
	return frame
}

// handleRTCP counts an RTCP packet by type. Only its header is in the clear;
// the reports themselves are encrypted and never read.
func (s *Session) handleRTCP(b []byte) {
	var h rtcp.Header
	if err := h.Unmarshal(b); err != nil {
		s.log.WithError(err).Debug("dropping malformed RTCP packet")
		return
	}

	// Length counts 32-bit words minus one.
	if size := (int(h.Length) + 1) * 4; size > len(b) {
		s.log.WithField("size", size).Debug("dropping truncated RTCP packet")
		return
	}

	switch h.Type {
	case rtcp.TypeSenderReport:
		s.stats.senderReports.Inc()
	case rtcp.TypeReceiverReport:
		s.stats.receiverReports.Inc()
	default:
		s.stats.otherRTCP.Inc()
	}

	s.log.WithFields(logrus.Fields{
		"type":  h.Type,
		"count": h.Count,
	}).Debug("received RTCP packet")
}

// Stats are counters of a session's traffic.
type Stats struct {
	// SendDropped is the number of outbound frames dropped because the send
	// queue was full.
	SendDropped uint64
	// FramesReceived is the number of frames received from other users.
	FramesReceived uint64
	// FramesDropped is the number of received frames dropped because Frames
	// was not read fast enough.
	FramesDropped uint64

	SenderReports   uint64
	ReceiverReports uint64
	// OtherRTCP counts RTCP packets of any other type.
	OtherRTCP uint64
}

type stats struct {
	framesReceived  atomic.Uint64
	framesDropped   atomic.Uint64
	senderReports   atomic.Uint64
	receiverReports atomic.Uint64
	otherRTCP       atomic.Uint64
}

// Stats returns the session's counters.
func (s *Session) Stats() Stats {
	return Stats{
		SendDropped:     s.dropped.Load(),
		FramesReceived:  s.stats.framesReceived.Load(),
		FramesDropped:   s.stats.framesDropped.Load(),
		SenderReports:   s.stats.senderReports.Load(),
		ReceiverReports: s.stats.receiverReports.Load(),
		OtherRTCP:       s.stats.otherRTCP.Load(),
	}
}
