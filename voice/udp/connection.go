package udp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrClosed is returned if a Write was called on a closed connection.
var ErrClosed = errors.New("UDP connection closed")

// MaxDatagramSize is the largest datagram the receive loop reads.
const MaxDatagramSize = 1500

// DefaultDiscoveryTimeout is the per-attempt IP discovery timeout.
const DefaultDiscoveryTimeout = 2 * time.Second

// defaultDialer is the default dialer that this package uses for all its
// dialing.
var defaultDialer = net.Dialer{
	Timeout: 30 * time.Second,
}

// Connection is a UDP socket to a voice server whose external address has
// been discovered. Write and the receive loop may run concurrently.
type Connection struct {
	// ExternalIP and ExternalPort are the client's address as seen by the
	// voice server.
	ExternalIP   string
	ExternalPort uint16

	conn net.Conn
	ssrc uint32

	recvOnce sync.Once
	recv     chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// DialFunc is the UDP dialer function type. It's the function signature for
// udp.DialConnection.
type DialFunc = func(ctx context.Context, addr string, ssrc uint32) (*Connection, error)

var _ DialFunc = DialConnection

// DialConnection dials the UDP connection using the given address and SSRC
// number, then runs IP discovery.
func DialConnection(ctx context.Context, addr string, ssrc uint32) (*Connection, error) {
	return DialConnectionCustom(ctx, &defaultDialer, addr, ssrc, DefaultDiscoveryTimeout)
}

// DialConnectionCustom dials the UDP connection with a custom dialer and
// discovery timeout.
func DialConnectionCustom(
	ctx context.Context, dialer *net.Dialer, addr string, ssrc uint32, timeout time.Duration) (*Connection, error) {

	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial host")
	}

	ip, port, err := Discover(ctx, conn, ssrc, timeout)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to discover IP")
	}

	return &Connection{
		ExternalIP:   ip,
		ExternalPort: port,
		conn:         conn,
		ssrc:         ssrc,
		done:         make(chan struct{}),
	}, nil
}

// SSRC returns the SSRC the connection was discovered with.
func (c *Connection) SSRC() uint32 { return c.ssrc }

// RemoteAddr returns the voice server's address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Write sends b as one datagram.
func (c *Connection) Write(b []byte) (int, error) {
	select {
	case <-c.done:
		return 0, ErrClosed
	default:
	}

	return c.conn.Write(b)
}

// SetWriteDeadline sets the UDP connection's write deadline.
func (c *Connection) SetWriteDeadline(deadline time.Time) error {
	return c.conn.SetWriteDeadline(deadline)
}

// Receive starts the receive loop on the first call and returns its channel.
// Every datagram is a fresh slice. The channel is closed once the connection
// is closed or ctx is done.
func (c *Connection) Receive(ctx context.Context) <-chan []byte {
	c.recvOnce.Do(func() {
		c.recv = make(chan []byte, 16)
		go c.receiveLoop(ctx)
	})
	return c.recv
}

func (c *Connection) receiveLoop(ctx context.Context) {
	defer close(c.recv)

	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, MaxDatagramSize)

	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			case <-ctx.Done():
				return
			default:
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			// Connected UDP sockets report ICMP errors through Read; those
			// are not fatal.
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		select {
		case c.recv <- datagram:
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Done returns a channel that is closed once Close is called.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close closes the connection. It unblocks the receive loop. Calling Close
// more than once returns ErrClosed.
func (c *Connection) Close() error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
