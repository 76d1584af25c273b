package udp

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/diamondburned/arikawa-voice/utils/ws"
)

// ErrManagerClosed is returned when a Manager that is already closed is dialed,
// written to or read from.
var ErrManagerClosed = errors.New("UDP connection manager is closed")

// Manager manages a UDP connection across redials. Datagrams from whichever
// connection is current are funneled into one channel, so a reader survives a
// redial. A Manager is safe for concurrent use.
type Manager struct {
	dial DialFunc

	// connLock is held while the manager is paused. Writers block on it.
	connLock chan struct{}

	mu       sync.Mutex
	conn     *Connection
	stopDial context.CancelFunc
	closed   bool

	ctx     context.Context
	cancel  context.CancelFunc
	pumps   sync.WaitGroup
	packets chan []byte
	stopped chan struct{}
}

// NewManager creates a new UDP connection manager with the default dialer.
func NewManager() *Manager {
	return NewManagerWithDialer(DialConnection)
}

// NewManagerWithDialer creates a Manager that uses the given DialFunc.
func NewManagerWithDialer(dial DialFunc) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		dial:     dial,
		connLock: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		packets:  make(chan []byte, 64),
		stopped:  make(chan struct{}),
	}
}

// Pause explicitly pauses the manager. It blocks until the Manager is paused or
// the context expires. Writes block while the manager is paused.
func (m *Manager) Pause(ctx context.Context) error {
	// An expired context never pauses, even if the lock is free.
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.connLock <- struct{}{}:
		return nil
	}
}

// Continue unpauses the manager. It returns false if it was not paused.
func (m *Manager) Continue() bool {
	ws.WSDebug("UDP continued")

	select {
	case <-m.connLock:
		return true
	default:
		return false
	}
}

// Dial dials a new connection to addr and makes it current, closing the
// previous one. The manager must be paused.
func (m *Manager) Dial(ctx context.Context, addr string, ssrc uint32) (*Connection, error) {
	select {
	case m.connLock <- struct{}{}:
		<-m.connLock
		return nil, errors.New("Dial called on unpaused Manager")
	default:
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.stopDial = cancel
	m.mu.Unlock()

	conn, err := m.dial(ctx, addr, ssrc)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopDial = nil

	if err != nil {
		return nil, errors.Wrap(err, "failed to dial")
	}

	if m.closed {
		conn.Close()
		return nil, ErrManagerClosed
	}

	if m.conn != nil {
		m.conn.Close()
	}

	ws.WSDebug("UDP conn swapped to external address", conn.ExternalIP, conn.ExternalPort)
	m.conn = conn

	m.pumps.Add(1)
	go m.pump(conn)

	return conn, nil
}

func (m *Manager) pump(conn *Connection) {
	defer m.pumps.Done()

	for b := range conn.Receive(m.ctx) {
		select {
		case m.packets <- b:
		case <-m.ctx.Done():
			return
		}
	}
}

// Packets returns the channel of datagrams received on every connection the
// manager has held. It is closed after Close.
func (m *Manager) Packets() <-chan []byte { return m.packets }

// Current returns the current connection, or nil.
func (m *Manager) Current() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.conn
}

// Write writes to the current connection in the manager. It blocks while the
// manager is paused.
func (m *Manager) Write(b []byte) (int, error) {
	conn := m.acquireConn()
	if conn == nil {
		return 0, ErrManagerClosed
	}

	return conn.Write(b)
}

// acquireConn waits out a pause and returns the current connection, or nil
// if the manager is closed or was never dialed.
func (m *Manager) acquireConn() *Connection {
	select {
	case m.connLock <- struct{}{}:
		<-m.connLock
	case <-m.stopped:
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	return m.conn
}

// Close closes the current connection and stops the manager. Blocked writers
// return ErrManagerClosed, and the Packets channel is closed once the pumps
// exit.
func (m *Manager) Close() error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		ws.WSDebug("UDP manager already closed")
		return ErrManagerClosed
	}

	m.closed = true
	close(m.stopped)

	if m.stopDial != nil {
		m.stopDial()
		m.stopDial = nil
	}

	var err error
	if m.conn != nil {
		err = m.conn.Close()
	}

	m.mu.Unlock()

	m.cancel()
	m.pumps.Wait()
	close(m.packets)

	ws.WSDebug("UDP manager closed")

	if errors.Is(err, ErrClosed) {
		err = nil
	}
	return err
}
