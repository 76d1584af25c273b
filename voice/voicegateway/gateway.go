// Package voicegateway implements the voice signaling connection: the
// handshake, heartbeating, resumption and the group encryption op codes.
package voicegateway

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/diamondburned/arikawa-voice/discord"
	"github.com/diamondburned/arikawa-voice/utils/ws"
)

var (
	ErrNoSessionID = errors.New("no sessionID was received")
	ErrNoEndpoint  = errors.New("no endpoint was received")

	// ErrMissedHeartbeat is sent as a background error when the server did
	// not acknowledge the previous heartbeat in time.
	ErrMissedHeartbeat = errors.New("voice gateway missed heartbeat ack")
	// ErrTooManyReconnects is returned once Opts.MaxReconnects consecutive
	// reconnections failed to reach Ready or Resumed.
	ErrTooManyReconnects = errors.New("voice gateway exceeded max reconnects")
)

// State contains state information of a voice gateway.
type State struct {
	GuildID   discord.GuildID
	ChannelID discord.ChannelID
	UserID    discord.UserID

	SessionID string
	Token     string
	Endpoint  string
}

// Opts configures a Gateway.
type Opts struct {
	// Gateway is the event loop configuration. FatalCloseCodes is always
	// overridden with TerminalCloseCodes.
	Gateway ws.GatewayOpts

	// SendLimiter creates the per-connection send limiter. DialLimiter limits
	// dials across reconnections.
	SendLimiter func() *rate.Limiter
	DialLimiter *rate.Limiter

	// MaxReconnects is the number of consecutive reconnections that may fail
	// to reach Ready or Resumed before the gateway gives up. Zero means
	// unlimited.
	MaxReconnects int

	// MaxDAVEProtocolVersion is advertised in Identify. Zero disables group
	// encryption.
	MaxDAVEProtocolVersion int
}

// DefaultOpts returns the default gateway options.
func DefaultOpts() Opts {
	return Opts{
		Gateway:       ws.DefaultGatewayOpts,
		SendLimiter:   ws.NewSendLimiter,
		DialLimiter:   ws.NewDialLimiter(),
		MaxReconnects: 5,
	}
}

// Gateway represents a Discord voice gateway connection.
type Gateway struct {
	gateway *ws.Gateway
	state   State // constant
	opts    Opts

	status  atomic.Uint32
	seq     atomic.Int64
	latency atomic.Duration

	mutex sync.RWMutex
	ready ReadyEvent
	desc  SessionDescriptionEvent

	// err is only written by the event loop and only read after it exits.
	err error
}

type urlParams struct {
	Version string `schema:"v"`
}

// New creates a new voice gateway. If opts is nil, DefaultOpts is used.
func New(state State, opts *Opts) (*Gateway, error) {
	if state.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if state.SessionID == "" {
		return nil, ErrNoSessionID
	}

	if opts == nil {
		def := DefaultOpts()
		opts = &def
	}

	o := *opts
	if o.SendLimiter == nil {
		o.SendLimiter = ws.NewSendLimiter
	}
	if o.DialLimiter == nil {
		o.DialLimiter = ws.NewDialLimiter()
	}
	o.Gateway.FatalCloseCodes = TerminalCloseCodes

	endpoint, err := EndpointURL(state.Endpoint)
	if err != nil {
		return nil, err
	}

	codec := ws.NewCodec(OpUnmarshalers)
	conn := ws.NewConn(codec)
	sock := ws.NewLimitedWebsocket(conn, endpoint, o.SendLimiter, o.DialLimiter)

	g := &Gateway{
		gateway: ws.NewGateway(sock, codec, &o.Gateway),
		state:   state,
		opts:    o,
	}
	g.seq.Store(ws.NoSequence)

	return g, nil
}

// EndpointURL turns the endpoint given in a voice server update into the
// websocket URL, defaulting to wss and pinning the protocol version.
func EndpointURL(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "wss://" + strings.TrimSuffix(endpoint, ":80")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrap(err, "invalid voice endpoint")
	}

	q := u.Query()
	if err := schema.NewEncoder().Encode(urlParams{Version: Version}, q); err != nil {
		return "", errors.Wrap(err, "failed to encode endpoint query")
	}

	u.RawQuery = q.Encode()
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), nil
}

// State returns the state the gateway was created with.
func (g *Gateway) State() State { return g.state }

// Status returns the current handshake status.
func (g *Gateway) Status() Status { return Status(g.status.Load()) }

func (g *Gateway) setStatus(s Status) {
	old := Status(g.status.Swap(uint32(s)))
	if old != s {
		ws.WSDebug("voice gateway status", old, "->", s)
	}
}

// Ready returns the last Ready event. It is zero before the first one.
func (g *Gateway) Ready() ReadyEvent {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return g.ready
}

// SessionDescription returns the last session description.
func (g *Gateway) SessionDescription() SessionDescriptionEvent {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return g.desc
}

// Sequence returns the last sequence number seen on a binary message, or
// ws.NoSequence.
func (g *Gateway) Sequence() int64 { return g.seq.Load() }

// Latency returns the last measured heartbeat round trip.
func (g *Gateway) Latency() time.Duration { return g.latency.Load() }

// LastError returns the reason the event loop stopped. A terminal close code
// is returned as a *TerminalError. It must only be called after the channel
// returned by Connect is closed.
func (g *Gateway) LastError() error {
	if g.err != nil {
		return g.err
	}

	err := g.gateway.LastError()

	var closeEv *ws.CloseEvent
	if errors.As(err, &closeEv) && ClassifyClose(closeEv.Code) == CloseTerminal {
		return &TerminalError{Code: closeEv.Code, Err: closeEv}
	}

	return err
}

// Connect starts the event loop. Every op, including background errors and
// close events, is sent into the returned channel, which is closed once the
// loop stops because ctx is done or the session cannot be recovered.
func (g *Gateway) Connect(ctx context.Context) <-chan ws.Op {
	g.setStatus(Connecting)
	return g.gateway.Connect(ctx, &gatewayImpl{Gateway: g})
}

// Send sends an arbitrary command, such as the group encryption ops.
func (g *Gateway) Send(ctx context.Context, cmd ws.Event) error {
	return g.gateway.Send(ctx, cmd)
}

// SelectProtocol sends the discovered external address and the chosen mode.
func (g *Gateway) SelectProtocol(ctx context.Context, data SelectProtocolData) error {
	err := g.gateway.Send(ctx, &SelectProtocolCommand{
		Protocol: "udp",
		Data:     data,
	})
	if err != nil {
		return err
	}

	g.status.CompareAndSwap(uint32(SelectingProtocol), uint32(WaitingSessionDescription))
	return nil
}

// Speaking sends the speaking state of our own SSRC.
func (g *Gateway) Speaking(ctx context.Context, flag SpeakingFlag) error {
	return g.gateway.Send(ctx, &SpeakingCommand{
		Speaking: flag,
		Delay:    0,
		SSRC:     g.Ready().SSRC,
	})
}

// heartbeat tracks the outstanding heartbeat. Owned by the event loop.
type heartbeat struct {
	nonce  int64
	sentAt time.Time
	sent   bool
	acked  bool
}

type gatewayImpl struct {
	*Gateway
	beat      heartbeat
	canResume bool
	failures  int
}

var _ ws.DialHandler = (*gatewayImpl)(nil)

func (g *gatewayImpl) OnDial(ctx context.Context) {
	g.beat = heartbeat{}
	g.setStatus(WaitingHello)
}

func (g *gatewayImpl) OnOp(ctx context.Context, op ws.Op) bool {
	if op.Sequence != ws.NoSequence {
		g.seq.Store(op.Sequence)
	}

	switch data := op.Data.(type) {
	case *HelloEvent:
		if g.opts.MaxReconnects > 0 && g.failures > g.opts.MaxReconnects {
			g.err = ErrTooManyReconnects
			return false
		}

		g.beat = heartbeat{}
		g.gateway.ResetHeartbeat(data.HeartbeatInterval.Duration())

		if g.canResume {
			g.setStatus(Resuming)
			if err := g.sendResume(ctx); err != nil {
				g.gateway.SendErrorWrap(ctx, err, "failed to send resume")
				g.canResume = false
				return g.reconnect()
			}
			return true
		}

		g.setStatus(Identifying)
		if err := g.sendIdentify(ctx); err != nil {
			g.gateway.SendErrorWrap(ctx, err, "failed to send identify")
			return g.reconnect()
		}
		g.setStatus(WaitingReady)

	case *ReadyEvent:
		g.mutex.Lock()
		g.ready = *data
		g.mutex.Unlock()

		g.canResume = true
		g.failures = 0
		g.setStatus(SelectingProtocol)

	case *SessionDescriptionEvent:
		g.mutex.Lock()
		g.desc = *data
		g.mutex.Unlock()

		g.setStatus(Connected)

	case *ResumedEvent:
		g.failures = 0
		g.setStatus(Connected)

	case *HeartbeatAckEvent:
		if g.beat.sent && data.Nonce == g.beat.nonce {
			g.beat.acked = true
			g.latency.Store(time.Since(g.beat.sentAt))
		}

	case *ws.CloseEvent:
		switch {
		case ClassifyClose(data.Code) == CloseSessionInvalid:
			g.canResume = false
		case g.Status() == Resuming:
			// The single resume attempt did not go through.
			g.canResume = false
		}

		return g.reconnect()
	}

	return true
}

// reconnect queues a reconnection. It returns false if the gateway should
// stop instead.
func (g *gatewayImpl) reconnect() bool {
	g.failures++
	if g.opts.MaxReconnects > 0 && g.failures > g.opts.MaxReconnects {
		g.err = ErrTooManyReconnects
		return false
	}

	g.setStatus(Connecting)
	g.gateway.QueueReconnect()
	return true
}

func (g *gatewayImpl) SendHeartbeat(ctx context.Context) {
	if g.beat.sent && !g.beat.acked {
		g.gateway.SendError(ctx, ErrMissedHeartbeat)

		if g.Status() == Resuming {
			g.canResume = false
		}

		// The failure limit is enforced on the next Hello, since the loop
		// cannot be stopped from here.
		g.failures++
		g.setStatus(Connecting)
		g.gateway.QueueReconnect()
		return
	}

	now := time.Now()
	g.beat = heartbeat{
		nonce:  now.UnixMilli(),
		sentAt: now,
		sent:   true,
	}

	err := g.gateway.Send(ctx, &HeartbeatCommand{
		Nonce:  g.beat.nonce,
		SeqAck: g.seq.Load(),
	})
	if err != nil {
		g.gateway.SendErrorWrap(ctx, err, "failed to send heartbeat")
	}
}

func (g *gatewayImpl) Close() error {
	if IsTerminal(g.gateway.LastError()) || g.err != nil {
		g.setStatus(Terminal)
	} else {
		g.setStatus(Disconnected)
	}
	return nil
}

func (g *gatewayImpl) sendIdentify(ctx context.Context) error {
	if !g.state.GuildID.IsValid() || !g.state.UserID.IsValid() ||
		g.state.SessionID == "" || g.state.Token == "" {
		return ErrMissingForIdentify
	}

	return g.gateway.Send(ctx, &IdentifyCommand{
		GuildID:   g.state.GuildID,
		UserID:    g.state.UserID,
		SessionID: g.state.SessionID,
		Token:     g.state.Token,

		MaxDAVEProtocolVersion: g.opts.MaxDAVEProtocolVersion,
	})
}

func (g *gatewayImpl) sendResume(ctx context.Context) error {
	if !g.state.GuildID.IsValid() || g.state.SessionID == "" || g.state.Token == "" {
		return ErrMissingForResume
	}

	return g.gateway.Send(ctx, &ResumeCommand{
		GuildID:   g.state.GuildID,
		SessionID: g.state.SessionID,
		Token:     g.state.Token,
		SeqAck:    g.seq.Load(),
	})
}
