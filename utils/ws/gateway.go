package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/diamondburned/arikawa-voice/internal/backoff"
	"github.com/diamondburned/arikawa-voice/internal/lazytime"
)

// ConnectionError is given to the user if the gateway fails to connect to the
// gateway for any reason, including during an initial connection or a
// reconnection. To check for this error, use the errors.As function.
type ConnectionError struct {
	Err error
}

// Unwrap unwraps the ConnectionError.
func (err ConnectionError) Unwrap() error { return err.Err }

// Error formats the error.
func (err ConnectionError) Error() string {
	return fmt.Sprintf("error reconnecting: %s", err.Err)
}

// GatewayOpts describes the gateway event loop options.
type GatewayOpts struct {
	// ReconnectDelay determines the duration to idle after each failed dial.
	// The default is a jittered exponential backoff from 1s to 30s.
	ReconnectDelay func(try int) time.Duration

	// FatalCloseCodes is a list of close codes that will cause the gateway to
	// exit out if it stumbles on one of these.
	FatalCloseCodes []int

	// DialTimeout is the timeout to wait for each websocket dial before failing
	// it and retrying. Default is 0, which only uses the given context.
	DialTimeout time.Duration

	// ReconnectAttempt is the maximum number of dials made per reconnection
	// before aborting the whole gateway. If this set to 0, unlimited attempts
	// will be made.
	ReconnectAttempt int

	// AlwaysCloseGracefully, if true, will always make the Gateway close
	// gracefully once the context given to Connect is cancelled.
	AlwaysCloseGracefully bool
}

// DefaultGatewayOpts is the default event loop options.
var DefaultGatewayOpts = GatewayOpts{
	ReconnectDelay:        BackoffDelay(time.Second, 30*time.Second),
	ReconnectAttempt:      5,
	AlwaysCloseGracefully: true,
}

// BackoffDelay returns a ReconnectDelay function that backs off exponentially
// with jitter between min and max. The function holds no state.
func BackoffDelay(min, max time.Duration) func(try int) time.Duration {
	b := backoff.NewBackoff(min, max)
	return b.ForAttempt
}

// ErrorIsFatalClose returns true if the error is a fatal close error. It uses
// opts.FatalCloseCodes to check for the codes.
func (opts GatewayOpts) ErrorIsFatalClose(err error) bool {
	var closeErr *CloseEvent
	if !errors.As(err, &closeErr) {
		return false
	}

	for _, code := range opts.FatalCloseCodes {
		if code == closeErr.Code {
			return true
		}
	}

	return false
}

// Gateway is an abstracted concurrent event loop that keeps a Websocket
// connected. The behavior of the protocol itself is governed by a Handler.
type Gateway struct {
	ws    *Websocket
	codec Codec

	reconnect chan struct{}
	heart     lazytime.Ticker
	srcOp     <-chan Op // from WS
	outer     outerState
	lastError error

	opts GatewayOpts
}

// outerState holds gateway state that the caller may change concurrently.
// The event loop is given a copy of ch and never reads outerState directly.
type outerState struct {
	sync.Mutex
	ch      chan Op
	started bool
}

// Handler describes a gateway handler. It describes the core that governs the
// behavior of the gateway event loop.
type Handler interface {
	// OnOp is called by the gateway event loop on every new Op. If the returned
	// boolean is false, then the loop fatally exits.
	OnOp(context.Context, Op) (canContinue bool)
	// SendHeartbeat is called by the gateway event loop everytime a heartbeat
	// needs to be sent over.
	SendHeartbeat(context.Context)
	// Close closes the handler.
	Close() error
}

// DialHandler is optionally implemented by a Handler that wants to know when
// a new websocket connection is established.
type DialHandler interface {
	OnDial(context.Context)
}

// NewGateway creates a new Gateway over the given Websocket. If opts is nil,
// then DefaultGatewayOpts is used.
func NewGateway(ws *Websocket, codec Codec, opts *GatewayOpts) *Gateway {
	if opts == nil {
		opts = &DefaultGatewayOpts
	}

	return &Gateway{
		ws:    ws,
		codec: codec,
		opts:  *opts,
	}
}

// Opts returns a copy of the gateway options. The options can only be changed
// during construction, so a copy is a must.
func (g *Gateway) Opts() *GatewayOpts {
	cpy := g.opts
	return &cpy
}

// Send encodes the event with the Gateway's codec and sends it as either a
// text or a binary message.
func (g *Gateway) Send(ctx context.Context, data Event) error {
	b, isBinary, err := g.codec.Encode(data)
	if err != nil {
		return err
	}

	WSDebug("sending command Op", data.Op(), "binary", isBinary)

	if isBinary {
		return g.ws.SendBinary(ctx, b)
	}
	return g.ws.Send(ctx, b)
}

// HasStarted returns true if the gateway event loop is currently spinning.
func (g *Gateway) HasStarted() bool {
	g.outer.Lock()
	defer g.outer.Unlock()

	return g.outer.started
}

// Connect starts the background goroutine that tries its best to maintain a
// stable connection to the Websocket gateway. The returned channel is closed
// once the loop exits, either because ctx is cancelled or because of a fatal
// error, which LastError then returns.
func (g *Gateway) Connect(ctx context.Context, h Handler) <-chan Op {
	g.outer.Lock()
	defer g.outer.Unlock()

	if !g.outer.started {
		g.outer.started = true
		g.outer.ch = make(chan Op, 1)
		go g.spin(ctx, h, g.outer.ch)
	}

	return g.outer.ch
}

// LastError returns the last error that the gateway has received. It must
// only be called after the channel returned by Connect is closed.
func (g *Gateway) LastError() error {
	return g.lastError
}

// finalize closes the gateway permanently.
func (g *Gateway) finalize(h Handler, ch chan Op) {
	var err error

	if g.opts.AlwaysCloseGracefully {
		err = g.ws.CloseGracefully()
	} else {
		err = g.ws.Close()
	}

	if err != nil && !errors.Is(err, ErrWebsocketClosed) {
		WSError(errors.Wrap(err, "failed to finalize websocket"))
	}

	if err := h.Close(); err != nil {
		WSError(err)
	}

	g.heart.Stop()

	g.outer.Lock()
	close(ch)
	g.outer.started = false
	g.outer.Unlock()
}

// QueueReconnect queues a reconnection in the gateway loop. It must only be
// called from the event loop, i.e. from the Handler methods.
func (g *Gateway) QueueReconnect() {
	select {
	case g.reconnect <- struct{}{}:
	default:
	}

	g.heart.Stop()
}

// ResetHeartbeat resets the heartbeat to be the given duration. It must only
// be called from the event loop.
func (g *Gateway) ResetHeartbeat(d time.Duration) {
	g.heart.Reset(d)
}

// SendError sends the given error wrapped in a BackgroundErrorEvent into the
// event channel. It must only be called from the event loop.
func (g *Gateway) SendError(ctx context.Context, err error) {
	event := &BackgroundErrorEvent{err}
	g.emit(ctx, Op{Code: event.Op(), Data: event, Sequence: NoSequence})
	g.lastError = err
}

// SendErrorWrap is a convenient function over SendError.
func (g *Gateway) SendErrorWrap(ctx context.Context, err error, message string) {
	g.SendError(ctx, errors.Wrap(err, message))
}

func (g *Gateway) emit(ctx context.Context, op Op) {
	select {
	case g.outer.ch <- op:
	case <-ctx.Done():
	}
}

func (g *Gateway) spin(ctx context.Context, h Handler, ch chan Op) {
	// Always close the event channel once we exit.
	defer g.finalize(h, ch)

	var retryTimer lazytime.Timer
	defer retryTimer.Stop()

	g.reconnect = make(chan struct{}, 1)
	g.reconnect <- struct{}{}

	for {
		select {
		case <-ctx.Done():
			return

		case op, ok := <-g.srcOp:
			if !ok {
				// The read loop is done; wait for the queued reconnect.
				g.srcOp = nil
				continue
			}

			if data, isClose := op.Data.(*CloseEvent); isClose && g.opts.ErrorIsFatalClose(data) {
				g.emit(ctx, op)
				g.lastError = data
				return
			}

			ok = h.OnOp(ctx, op)
			g.emit(ctx, op)
			if !ok {
				return
			}

		case <-g.heart.C:
			h.SendHeartbeat(ctx)

		case <-g.reconnect:
			// Close the previous connection if it's not already. Ignore the
			// already closed error.
			if err := g.ws.Close(); err != nil && !errors.Is(err, ErrWebsocketClosed) {
				WSError(errors.Wrap(err, "error closing before reconnecting"))
			}

			g.srcOp = nil

			var err error

		retryLoop:
			for try := 0; g.opts.ReconnectAttempt == 0 || try < g.opts.ReconnectAttempt; try++ {
				g.srcOp, err = g.dial(ctx)
				if err == nil {
					break
				}

				select {
				case <-ctx.Done():
					err = ctx.Err()
					break retryLoop
				default:
				}

				g.SendError(ctx, ConnectionError{err})

				retryTimer.Reset(g.opts.ReconnectDelay(try))
				if err := retryTimer.Wait(ctx); err != nil {
					g.lastError = ConnectionError{err}
					return
				}
			}

			if g.srcOp == nil {
				err = errors.Wrap(err, "failed to reconnect after max attempts")
				g.SendError(ctx, ConnectionError{err})
				return
			}

			if dh, ok := h.(DialHandler); ok {
				dh.OnDial(ctx)
			}
		}
	}
}

func (g *Gateway) dial(ctx context.Context) (<-chan Op, error) {
	if g.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.DialTimeout)
		defer cancel()
	}

	return g.ws.Dial(ctx)
}
