package voice

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/diamondburned/arikawa-voice/voice/dave"
	"github.com/diamondburned/arikawa-voice/voice/secure"
	"github.com/diamondburned/arikawa-voice/voice/sender"
	"github.com/diamondburned/arikawa-voice/voice/udp"
	"github.com/diamondburned/arikawa-voice/voice/voicegateway"
)

const (
	// DefaultConnectTimeout bounds the whole handshake.
	DefaultConnectTimeout = 10 * time.Second
	// FrameDuration is the duration of one Opus frame as Discord expects it.
	FrameDuration = 20 * time.Millisecond
	// FrameSamples is the number of samples per channel in one frame at
	// 48kHz.
	FrameSamples = 960
)

// Opts configures a Session. Zero fields take their defaults.
type Opts struct {
	// Gateway configures the voice gateway.
	Gateway voicegateway.Opts
	// Modes is the encryption mode preference. The default is
	// secure.DefaultPreference.
	Modes []secure.Mode
	// GraceWindow is how long the previous key still opens packets after a
	// group rekey.
	GraceWindow time.Duration

	// ConnectTimeout bounds the handshake in Connect.
	ConnectTimeout time.Duration
	// FrameDuration is the pacing interval of outbound frames.
	FrameDuration time.Duration
	// FrameSamples is how far the RTP timestamp advances per frame.
	FrameSamples uint32
	// SpeakingFlag is announced every time the session becomes connected.
	SpeakingFlag voicegateway.SpeakingFlag

	// SendQueueSize is the number of outbound frames held before the oldest
	// is dropped.
	SendQueueSize int
	// FrameQueueSize is the buffer of the Frames channel.
	FrameQueueSize int
	// EventQueueSize is the buffer of the Events channel. Events are dropped
	// while it is full.
	EventQueueSize int

	// Registry configures the sender registry. Its NewDecoder defaults to
	// NewPassthroughDecoder.
	Registry sender.Opts

	// DialUDP dials the UDP connection after every fresh Ready.
	DialUDP udp.DialFunc

	// Group enables group encryption if its Engine factory is set.
	Group GroupOpts

	Logger logrus.FieldLogger
}

// GroupOpts configures group encryption.
type GroupOpts struct {
	// NewEngine creates the MLS engine of a session. Group encryption is
	// disabled if it is nil.
	NewEngine func() dave.Engine
	// MaxProtocolVersion is advertised in Identify. It defaults to 1.
	MaxProtocolVersion int
	Policy             dave.Policy
	MaxRetries         int
}

// DefaultOpts returns the default session options.
func DefaultOpts() Opts {
	return Opts{
		Gateway:        voicegateway.DefaultOpts(),
		Modes:          secure.DefaultPreference,
		GraceWindow:    secure.DefaultGraceWindow,
		ConnectTimeout: DefaultConnectTimeout,
		FrameDuration:  FrameDuration,
		FrameSamples:   FrameSamples,
		SpeakingFlag:   voicegateway.Microphone,
		SendQueueSize:  16,
		FrameQueueSize: 64,
		EventQueueSize: 32,
		Registry:       sender.DefaultOpts(),
		DialUDP:        udp.DialConnection,
		Logger:         logrus.StandardLogger(),
	}
}

// withDefaults fills the zero fields of o from DefaultOpts.
func (o Opts) withDefaults() Opts {
	def := DefaultOpts()

	if o.Gateway.Gateway.ReconnectDelay == nil {
		o.Gateway.Gateway = def.Gateway.Gateway
	}
	if len(o.Modes) == 0 {
		o.Modes = def.Modes
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = def.GraceWindow
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.FrameDuration <= 0 {
		o.FrameDuration = def.FrameDuration
	}
	if o.FrameSamples == 0 {
		o.FrameSamples = def.FrameSamples
	}
	if o.SpeakingFlag == voicegateway.NotSpeaking {
		o.SpeakingFlag = def.SpeakingFlag
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = def.SendQueueSize
	}
	if o.FrameQueueSize <= 0 {
		o.FrameQueueSize = def.FrameQueueSize
	}
	if o.EventQueueSize <= 0 {
		o.EventQueueSize = def.EventQueueSize
	}
	if o.Registry.NewDecoder == nil {
		o.Registry.NewDecoder = NewPassthroughDecoder
	}
	if o.DialUDP == nil {
		o.DialUDP = def.DialUDP
	}
	if o.Logger == nil {
		o.Logger = def.Logger
	}

	if o.Group.NewEngine != nil {
		if o.Group.MaxProtocolVersion == 0 {
			o.Group.MaxProtocolVersion = 1
		}
		o.Gateway.MaxDAVEProtocolVersion = o.Group.MaxProtocolVersion
	} else {
		o.Gateway.MaxDAVEProtocolVersion = 0
	}

	return o
}
