package secure

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the size of every supported key.
const KeySize = 32

// suite is one keyed cipher. aad is ignored by suites that cannot
// authenticate associated data.
type suite interface {
	nonceSize() int
	seal(dst, nonce, plaintext, aad []byte) []byte
	open(dst, nonce, ciphertext, aad []byte) ([]byte, bool)
}

func newSuite(mode Mode, key []byte) (suite, error) {
	if len(key) != KeySize {
		return nil, errors.Wrapf(ErrInvalidKey, "got %d bytes", len(key))
	}

	switch mode {
	case AEADAES256GCMRTPSize:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create AES cipher")
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create GCM")
		}
		return aeadSuite{aead}, nil

	case AEADXChaCha20Poly1305RTPSize:
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create XChaCha20-Poly1305")
		}
		return aeadSuite{aead}, nil

	case XSalsa20Poly1305, XSalsa20Poly1305Lite, XSalsa20Poly1305Suffix:
		var s boxSuite
		copy(s.key[:], key)
		return &s, nil
	}

	return nil, errors.Wrapf(ErrUnsupportedMode, "mode %q", mode)
}

type aeadSuite struct {
	aead cipher.AEAD
}

func (s aeadSuite) nonceSize() int { return s.aead.NonceSize() }

func (s aeadSuite) seal(dst, nonce, plaintext, aad []byte) []byte {
	return s.aead.Seal(dst, nonce, plaintext, aad)
}

func (s aeadSuite) open(dst, nonce, ciphertext, aad []byte) ([]byte, bool) {
	b, err := s.aead.Open(dst, nonce, ciphertext, aad)
	return b, err == nil
}

type boxSuite struct {
	key [KeySize]byte
}

func (s *boxSuite) nonceSize() int { return 24 }

func (s *boxSuite) seal(dst, nonce, plaintext, _ []byte) []byte {
	return secretbox.Seal(dst, plaintext, (*[24]byte)(nonce), &s.key)
}

func (s *boxSuite) open(dst, nonce, ciphertext, _ []byte) ([]byte, bool) {
	return secretbox.Open(dst, ciphertext, (*[24]byte)(nonce), &s.key)
}
