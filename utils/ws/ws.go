// Package ws provides abstractions around the Websocket, including rate
// limits and the op code registry shared by the gateway implementations.
package ws

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	// WSError is the default error handler.
	WSError = func(err error) { logrus.WithError(err).Error("gateway error") }
	// WSDebug is used for extra debug logging. This is expected to behave
	// similarly to log.Println().
	WSDebug = func(v ...interface{}) {}
)

// Websocket is a wrapper around a websocket Conn with thread safety and rate
// limiting for sending and throttling.
type Websocket struct {
	mutex sync.Mutex
	conn  Connection
	addr  string

	newSendLimiter func() *rate.Limiter
	sendLimiter    *rate.Limiter
	dialLimiter    *rate.Limiter
}

// NewWebsocket creates a default Websocket with the given address.
func NewWebsocket(c Codec, addr string) *Websocket {
	return NewCustomWebsocket(NewConn(c), addr)
}

// NewCustomWebsocket creates a new undialed Websocket.
func NewCustomWebsocket(conn Connection, addr string) *Websocket {
	return NewLimitedWebsocket(conn, addr, NewSendLimiter, NewDialLimiter())
}

// NewLimitedWebsocket creates a new undialed Websocket with custom limiters.
// newSend is called on every dial, since the send budget is per connection.
func NewLimitedWebsocket(
	conn Connection, addr string, newSend func() *rate.Limiter, dial *rate.Limiter) *Websocket {

	return &Websocket{
		conn:           conn,
		addr:           addr,
		newSendLimiter: newSend,
		sendLimiter:    newSend(),
		dialLimiter:    dial,
	}
}

// Addr returns the address the Websocket dials.
func (ws *Websocket) Addr() string { return ws.addr }

// Dial waits until the rate limiter allows then dials the websocket.
func (ws *Websocket) Dial(ctx context.Context) (<-chan Op, error) {
	if err := ws.dialLimiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to wait for dial rate limiter")
	}

	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	ws.sendLimiter = ws.newSendLimiter()

	return ws.conn.Dial(ctx, ws.addr)
}

// Send sends b over the Websocket as a text message.
func (ws *Websocket) Send(ctx context.Context, b []byte) error {
	return ws.send(ctx, b, false)
}

// SendBinary sends b over the Websocket as a binary message.
func (ws *Websocket) SendBinary(ctx context.Context, b []byte) error {
	return ws.send(ctx, b, true)
}

func (ws *Websocket) send(ctx context.Context, b []byte, binary bool) error {
	ws.mutex.Lock()
	sendLimiter := ws.sendLimiter
	conn := ws.conn
	ws.mutex.Unlock()

	if err := sendLimiter.Wait(ctx); err != nil {
		WSDebug("Send rate limiter timed out.")
		return errors.Wrap(err, "SendLimiter failed")
	}

	if binary {
		return conn.SendBinary(ctx, b)
	}
	return conn.Send(ctx, b)
}

// Close closes the websocket connection. It assumes that the Websocket is
// closed even when it returns an error. If the Websocket was already closed
// before, ErrWebsocketClosed will be returned.
func (ws *Websocket) Close() error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	return ws.conn.Close(false)
}

// CloseGracefully is similar to Close, but a proper close frame is sent first,
// which tells the server the session is over and voids resumes.
func (ws *Websocket) CloseGracefully() error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	return ws.conn.Close(true)
}
