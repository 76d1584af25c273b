package voice

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-csync"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/diamondburned/arikawa-voice/discord"
	"github.com/diamondburned/arikawa-voice/utils/ws"
	"github.com/diamondburned/arikawa-voice/voice/dave"
	"github.com/diamondburned/arikawa-voice/voice/secure"
	"github.com/diamondburned/arikawa-voice/voice/udp"
	"github.com/diamondburned/arikawa-voice/voice/voicegateway"
)

// Session is a single voice session that wraps around the voice gateway and UDP
// connection. A Session is used for one call: once it is disconnected or has
// failed, a new one must be created.
type Session struct {
	opts   Opts
	userID discord.UserID
	log    logrus.FieldLogger

	// mu guards the lifecycle: Connect, Disconnect and the fields below.
	mu        csync.Mutex
	started   bool
	state     voicegateway.State
	gateway   *voicegateway.Gateway
	udp       *udp.Manager
	cancel    context.CancelFunc
	closeOnce sync.Once
	loops     sync.WaitGroup

	transform atomic.Pointer[secure.Transform]
	ssrc      atomic.Uint32
	// ready is true once Speaking was announced since the last transition
	// into Connected. Frames are only paced out while it is true.
	ready   atomic.Bool
	dropped atomic.Uint64
	stats   stats

	outbound chan []byte
	frames   chan *Frame
	events   chan Event
	control  chan interface{}

	handshake chan struct{}
	done      chan struct{}
	doneOnce  sync.Once
	err       error
}

// NewSession creates a new voice session for the given user. If opts is nil,
// DefaultOpts is used.
func NewSession(userID discord.UserID, opts *Opts) *Session {
	var o Opts
	if opts != nil {
		o = *opts
	}
	o = o.withDefaults()

	return &Session{
		opts:      o,
		userID:    userID,
		log:       o.Logger,
		outbound:  make(chan []byte, o.SendQueueSize),
		frames:    make(chan *Frame, o.FrameQueueSize),
		events:    make(chan Event, o.EventQueueSize),
		control:   make(chan interface{}, 32),
		handshake: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Connect connects to the voice server given by the two updates the main
// gateway sends after a voice state update. It blocks until the session can
// send audio, the connect timeout passes, or ctx expires; the latter two are
// returned as a *ConnectionError.
func (s *Session) Connect(ctx context.Context, vs discord.VoiceState, srv discord.VoiceServer) error {
	if err := s.mu.CLock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyConnected
	}

	if vs.SessionID == "" || srv.Token == "" || srv.Endpoint == "" ||
		!vs.GuildID.IsValid() || vs.GuildID != srv.GuildID {
		return &ConnectionError{ErrIncompleteUpdate}
	}

	userID := s.userID
	if !userID.IsValid() {
		userID = vs.UserID
	}

	s.state = voicegateway.State{
		GuildID:   vs.GuildID,
		ChannelID: vs.ChannelID,
		UserID:    userID,
		SessionID: vs.SessionID,
		Token:     srv.Token,
		Endpoint:  srv.Endpoint,
	}

	gw, err := voicegateway.New(s.state, &s.opts.Gateway)
	if err != nil {
		return &ConnectionError{err}
	}

	mgr := udp.NewManagerWithDialer(s.opts.DialUDP)
	// Writes wait until the first Ready dialed a connection.
	if err := mgr.Pause(ctx); err != nil {
		mgr.Close()
		return &ConnectionError{errors.Wrap(err, "failed to pause UDP")}
	}

	s.started = true
	s.gateway = gw
	s.udp = mgr

	s.log = s.log.WithFields(logrus.Fields{
		"guild":   vs.GuildID,
		"channel": vs.ChannelID,
	})

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	ops := gw.Connect(loopCtx)

	s.loops.Add(3)
	go s.spin(loopCtx, ops)
	go s.pace(loopCtx)
	go s.demux(loopCtx)

	ctx, cancelTimeout := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancelTimeout()

	select {
	case <-s.handshake:
		s.log.Debug("voice session connected")
		return nil
	case <-s.done:
		s.teardown()
		return &ConnectionError{s.err}
	case <-ctx.Done():
		err := errors.Wrap(ctx.Err(), "voice handshake did not finish")
		s.finish(err)
		s.teardown()
		return &ConnectionError{err}
	}
}

// Disconnect closes the UDP connection, stops every loop of the session and
// closes the voice gateway with a normal close frame. Leaving the channel is
// up to the main gateway.
func (s *Session) Disconnect(ctx context.Context) error {
	if err := s.mu.CLock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.finish(nil)

	stopped := make(chan struct{})
	go func() {
		s.teardown()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "failed to wait for voice session to stop")
	}
}

// Done returns a channel that is closed once the session stops, either
// because of Disconnect or because of a failure that Err returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error the session stopped with. It is nil while the session
// is running and after a Disconnect.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Frames returns the channel of received frames. Frames of one sender arrive
// in sequence order. The channel is closed once the session stops. While it
// is not read, receiving pauses; it never holds up the voice gateway.
func (s *Session) Frames() <-chan *Frame { return s.frames }

// Events returns the channel of speaking, disconnect and reconnect events. It
// is closed once the session stops.
func (s *Session) Events() <-chan Event { return s.events }

// Status returns the voice gateway's status.
func (s *Session) Status() voicegateway.Status {
	s.mu.Lock()
	gw := s.gateway
	s.mu.Unlock()

	if gw == nil {
		return voicegateway.Disconnected
	}
	return gw.Status()
}

// SSRC returns our own SSRC. It is zero before the first Ready.
func (s *Session) SSRC() uint32 { return s.ssrc.Load() }

// Speaking tells Discord we're speaking. Connect already announces
// Opts.SpeakingFlag; this is for changing it.
func (s *Session) Speaking(ctx context.Context, flag voicegateway.SpeakingFlag) error {
	if err := s.mu.CLock(ctx); err != nil {
		return err
	}
	gw := s.gateway
	s.mu.Unlock()

	if gw == nil {
		return ErrNotConnected
	}

	return gw.Speaking(ctx, flag)
}

// finish records the session's terminal error. Only the first call counts.
func (s *Session) finish(err error) bool {
	first := false
	s.doneOnce.Do(func() {
		s.err = err
		close(s.done)
		first = true
	})
	return first
}

// fail stops the session with err from within one of its loops.
func (s *Session) fail(err error) {
	if !s.finish(err) {
		return
	}

	s.log.WithError(err).Error("voice session failed")

	// The loops cannot wait for themselves.
	go s.teardown()
}

// teardown closes UDP before cancelling the loops, so the receive loop is
// unblocked first, then waits for every loop to exit.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.ready.Store(false)

		if err := s.udp.Close(); err != nil {
			s.log.WithError(err).Debug("failed to close UDP")
		}

		s.cancel()
	})

	s.loops.Wait()
}

// connState is owned by spin.
type connState struct {
	paused    bool
	connected bool
	group     *dave.Extension
}

func (s *Session) spin(ctx context.Context, ops <-chan ws.Op) {
	defer s.loops.Done()
	defer close(s.events)

	st := connState{paused: true}

	for op := range ops {
		select {
		case <-s.done:
			continue
		default:
		}

		if err := s.handleOp(ctx, op, &st); err != nil {
			s.fail(err)
		}
	}

	if ctx.Err() != nil {
		return
	}

	err := s.gateway.LastError()
	if err == nil {
		err = errors.New("voice gateway stopped")
	}
	s.fail(err)
}

func (s *Session) handleOp(ctx context.Context, op ws.Op, st *connState) error {
	switch data := op.Data.(type) {
	case *voicegateway.ReadyEvent:
		// A fresh Ready follows an Identify, so the old UDP connection and
		// key are useless.
		s.ready.Store(false)

		if !st.paused {
			if err := s.udp.Pause(ctx); err != nil {
				return err
			}
			st.paused = true
		}

		conn, err := s.udp.Dial(ctx, data.Addr(), data.SSRC)
		if err != nil {
			return errors.Wrap(err, "failed to open voice UDP connection")
		}

		mode, err := secure.SelectMode(data.Modes, s.opts.Modes...)
		if err != nil {
			return errors.Wrapf(err, "server offers %v", data.Modes)
		}

		s.ssrc.Store(data.SSRC)
		s.sendControl(ctx, resetSenders{})

		err = s.gateway.SelectProtocol(ctx, voicegateway.SelectProtocolData{
			Address: conn.ExternalIP,
			Port:    conn.ExternalPort,
			Mode:    string(mode),
		})
		if err != nil {
			return errors.Wrap(err, "failed to send SelectProtocolCommand")
		}

	case *voicegateway.SessionDescriptionEvent:
		mode := secure.Mode(data.Mode)
		key := data.SecretKey

		t, err := secure.New(mode, key[:], &secure.Opts{GraceWindow: s.opts.GraceWindow})
		if err != nil {
			return errors.Wrap(err, "failed to set up session key")
		}
		s.transform.Store(t)

		if s.opts.Group.NewEngine != nil {
			st.group = dave.New(s.opts.Group.NewEngine(), s.gateway, data.DAVEProtocolVersion, dave.Opts{
				Policy:     s.opts.Group.Policy,
				MaxRetries: s.opts.Group.MaxRetries,
				OnRekey:    t.Rekey,
				OnDowngrade: func() {
					if err := t.Rekey(0, key[:]); err != nil {
						s.log.WithError(err).Error("failed to restore session key")
					}
				},
				Logger: s.log,
			})
		}

		s.becomeConnected(ctx, st)

	case *voicegateway.ResumedEvent:
		s.becomeConnected(ctx, st)

	case *voicegateway.SpeakingEvent:
		s.sendControl(ctx, data)
		s.emit(&SpeakingEvent{
			UserID:   data.UserID,
			SSRC:     data.SSRC,
			Speaking: data.Speaking != voicegateway.NotSpeaking,
		})

	case *voicegateway.ClientConnectEvent:
		if data.AudioSSRC != 0 {
			s.sendControl(ctx, &voicegateway.SpeakingEvent{
				UserID: data.UserID,
				SSRC:   data.AudioSSRC,
			})
		}

	case *voicegateway.ClientDisconnectEvent:
		s.sendControl(ctx, data)
		s.emit(&ClientDisconnectEvent{UserID: data.UserID})

	case *ws.CloseEvent:
		s.ready.Store(false)

		if voicegateway.ClassifyClose(data.Code) != voicegateway.CloseTerminal {
			s.log.WithField("code", data.Code).Warn("voice gateway closed, reconnecting")
		}

	case *ws.BackgroundErrorEvent:
		s.log.WithError(data.Err).Warn("voice gateway error")
		s.emit(&ReconnectError{Err: data.Err})

	default:
		if st.group == nil {
			return nil
		}

		if err := st.group.Handle(ctx, op); err != nil {
			var terr *dave.TransitionError
			if errors.As(err, &terr) {
				return err
			}
			s.log.WithError(err).Warn("failed to reply to group encryption op")
		}
	}

	return nil
}

// becomeConnected announces speaking, which the server requires before any
// audio, then lets the pacer and the UDP writes through.
func (s *Session) becomeConnected(ctx context.Context, st *connState) {
	if err := s.gateway.Speaking(ctx, s.opts.SpeakingFlag); err != nil {
		// The gateway is reconnecting; the next Resumed tries again.
		s.log.WithError(err).Warn("failed to announce speaking")
		return
	}

	s.ready.Store(true)

	if st.paused {
		s.udp.Continue()
		st.paused = false
	}

	if !st.connected {
		st.connected = true
		close(s.handshake)
	}
}

func (s *Session) sendControl(ctx context.Context, v interface{}) {
	select {
	case s.control <- v:
	case <-ctx.Done():
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.WithField("event", ev).Debug("event queue full, dropping event")
	}
}
