// Package secure seals and opens voice RTP payloads under the encryption
// mode negotiated with the voice server.
//
// A Transform is safe for concurrent use. Sealing is done by the sending loop
// and opening by the receiving loop, while rekeying may come from the gateway
// at any time.
package secure

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

var (
	// ErrAuthenticationFailed is returned when a packet fails to open. It only
	// concerns that one packet.
	ErrAuthenticationFailed = errors.New("packet authentication failed")
	// ErrStaleEpoch is returned when a packet only opens with the previous
	// epoch's key after its grace window has passed. Keys older than the
	// previous epoch are not kept, so their packets fail with
	// ErrAuthenticationFailed instead.
	ErrStaleEpoch = errors.New("packet sealed under a stale epoch")
	// ErrNoKey is returned when sealing or opening before any key is set.
	ErrNoKey = errors.New("no session key established")
	// ErrInvalidKey is returned for keys of the wrong size.
	ErrInvalidKey = errors.New("invalid key size")
	// ErrShortPacket is returned when a packet cannot hold its nonce and tag.
	ErrShortPacket = errors.New("packet too short")
)

// DefaultGraceWindow is how long the previous epoch's key keeps opening
// packets after a rekey.
const DefaultGraceWindow = 10 * time.Second

const (
	counterSize = 4
	tagSize     = 16
)

// Opts configures a Transform. Zero fields take their defaults.
type Opts struct {
	// GraceWindow is how long packets sealed under the previous epoch still
	// open after Rekey.
	GraceWindow time.Duration
	// Rand is the source for random nonces. It defaults to crypto/rand.
	Rand io.Reader
	// Now returns the current time.
	Now func() time.Time
}

// Transform seals and opens RTP payloads. The zero value has no key and
// rejects everything with ErrNoKey.
type Transform struct {
	mode Mode
	opts Opts

	keys  atomic.Pointer[keyring]
	nonce atomic.Uint32
}

type keyring struct {
	epoch   uint64
	current suite

	prevEpoch uint64
	previous  suite
	rotated   time.Time
}

// New creates a Transform for the given mode with its initial key at epoch
// zero.
func New(mode Mode, key []byte, opts *Opts) (*Transform, error) {
	var o Opts
	if opts != nil {
		o = *opts
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = DefaultGraceWindow
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	s, err := newSuite(mode, key)
	if err != nil {
		return nil, err
	}

	t := &Transform{mode: mode, opts: o}
	t.keys.Store(&keyring{current: s})

	return t, nil
}

// Mode returns the transform's mode.
func (t *Transform) Mode() Mode { return t.mode }

// Epoch returns the epoch of the active key.
func (t *Transform) Epoch() uint64 {
	if k := t.keys.Load(); k != nil {
		return k.epoch
	}
	return 0
}

// Rekey atomically replaces the active key. The old key keeps opening packets
// for the grace window. Only one previous key is kept: a second Rekey forgets
// the key before it, and packets sealed under that key no longer open at all.
func (t *Transform) Rekey(epoch uint64, key []byte) error {
	s, err := newSuite(t.mode, key)
	if err != nil {
		return err
	}

	for {
		old := t.keys.Load()
		if old == nil {
			return ErrNoKey
		}

		next := &keyring{
			epoch:     epoch,
			current:   s,
			prevEpoch: old.epoch,
			previous:  old.current,
			rotated:   t.opts.Now(),
		}

		if t.keys.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// Overhead returns the number of bytes Seal adds on top of the header and
// plaintext.
func (t *Transform) Overhead() int {
	switch t.mode {
	case XSalsa20Poly1305Suffix:
		return tagSize + 24
	case XSalsa20Poly1305:
		return tagSize
	default:
		return tagSize + counterSize
	}
}

// Seal appends the header, the encrypted payload and the nonce suffix the
// mode requires to dst. For the rtpsize modes, header must be the whole
// unencrypted part of the packet, which is authenticated as associated data.
func (t *Transform) Seal(dst, header, payload []byte) ([]byte, error) {
	keys := t.keys.Load()
	if keys == nil {
		return nil, ErrNoKey
	}

	nonce := make([]byte, keys.current.nonceSize())
	var suffix []byte

	switch t.mode {
	case XSalsa20Poly1305:
		if len(header) < 12 {
			return nil, errors.Wrap(ErrShortPacket, "header shorter than 12 bytes")
		}
		copy(nonce, header[:12])

	case XSalsa20Poly1305Suffix:
		if _, err := io.ReadFull(t.opts.Rand, nonce); err != nil {
			return nil, errors.Wrap(err, "failed to read random nonce")
		}
		suffix = nonce

	default:
		binary.BigEndian.PutUint32(nonce, t.nonce.Inc())
		suffix = nonce[:counterSize]
	}

	var aad []byte
	if t.mode.rtpsize() {
		aad = header
	}

	dst = append(dst, header...)
	dst = keys.current.seal(dst, nonce, payload, aad)
	dst = append(dst, suffix...)

	return dst, nil
}

// Open authenticates and decrypts body, which is everything after header in
// the packet, and appends the plaintext to dst.
func (t *Transform) Open(dst, header, body []byte) ([]byte, error) {
	keys := t.keys.Load()
	if keys == nil {
		return nil, ErrNoKey
	}

	nonce := make([]byte, keys.current.nonceSize())
	ciphertext := body

	switch t.mode {
	case XSalsa20Poly1305:
		if len(header) < 12 {
			return nil, errors.Wrap(ErrShortPacket, "header shorter than 12 bytes")
		}
		copy(nonce, header[:12])

	case XSalsa20Poly1305Suffix:
		if len(body) < tagSize+24 {
			return nil, ErrShortPacket
		}
		ciphertext = body[:len(body)-24]
		copy(nonce, body[len(body)-24:])

	default:
		if len(body) < tagSize+counterSize {
			return nil, ErrShortPacket
		}
		ciphertext = body[:len(body)-counterSize]
		copy(nonce, body[len(body)-counterSize:])
	}

	var aad []byte
	if t.mode.rtpsize() {
		aad = header
	}

	if b, ok := keys.current.open(dst, nonce, ciphertext, aad); ok {
		return b, nil
	}

	if keys.previous == nil {
		return nil, ErrAuthenticationFailed
	}

	b, ok := keys.previous.open(dst, nonce, ciphertext, aad)
	if !ok {
		return nil, ErrAuthenticationFailed
	}

	if t.opts.Now().Sub(keys.rotated) > t.opts.GraceWindow {
		return nil, errors.Wrapf(ErrStaleEpoch, "epoch %d", keys.prevEpoch)
	}

	return b, nil
}
