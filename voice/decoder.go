package voice

import (
	"time"

	"github.com/pion/opus"
	"github.com/pkg/errors"

	"github.com/diamondburned/arikawa-voice/voice/sender"
)

type passthroughDecoder struct{}

// NewPassthroughDecoder returns a decoder that hands Opus payloads to the
// consumer as they are.
func NewPassthroughDecoder() sender.Decoder { return passthroughDecoder{} }

func (passthroughDecoder) Decode(payload []byte) ([]byte, error) {
	return append([]byte(nil), payload...), nil
}

// OpusDecoder decodes Opus payloads into 16-bit little-endian PCM. Each
// sender gets its own decoder, since Opus carries state across frames.
type OpusDecoder struct {
	dec opus.Decoder
	out []byte

	sampleRate int
	stereo     bool
}

var _ sender.Decoder = (*OpusDecoder)(nil)

// maxPCMSize fits one 20ms stereo frame at 48kHz.
const maxPCMSize = 48000 / 50 * 2 * 2

// NewOpusDecoder creates an OpusDecoder. It matches Opts.Registry.NewDecoder.
func NewOpusDecoder() sender.Decoder {
	return &OpusDecoder{
		dec: opus.NewDecoder(),
		out: make([]byte, maxPCMSize),
	}
}

// Decode decodes one 20ms frame.
func (d *OpusDecoder) Decode(payload []byte) ([]byte, error) {
	bandwidth, stereo, err := d.dec.Decode(payload, d.out)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode opus")
	}

	d.sampleRate = bandwidth.SampleRate()
	d.stereo = stereo

	channels := 1
	if stereo {
		channels = 2
	}

	n := d.sampleRate * int(FrameDuration/time.Millisecond) / 1000 * channels * 2
	if n > len(d.out) {
		n = len(d.out)
	}

	return append([]byte(nil), d.out[:n]...), nil
}

// SampleRate returns the sample rate of the last decoded frame.
func (d *OpusDecoder) SampleRate() int { return d.sampleRate }

// Stereo returns true if the last decoded frame was stereo.
func (d *OpusDecoder) Stereo() bool { return d.stereo }
