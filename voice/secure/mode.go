package secure

import "github.com/pkg/errors"

// Mode is an encryption mode string as negotiated with the voice server.
type Mode string

const (
	AEADAES256GCMRTPSize         Mode = "aead_aes256_gcm_rtpsize"
	AEADXChaCha20Poly1305RTPSize Mode = "aead_xchacha20_poly1305_rtpsize"
	XSalsa20Poly1305Lite         Mode = "xsalsa20_poly1305_lite"
	XSalsa20Poly1305Suffix       Mode = "xsalsa20_poly1305_suffix"
	XSalsa20Poly1305             Mode = "xsalsa20_poly1305"
)

// DefaultPreference is the order modes are picked in when the caller has no
// preference of its own.
var DefaultPreference = []Mode{
	AEADAES256GCMRTPSize,
	AEADXChaCha20Poly1305RTPSize,
	XSalsa20Poly1305Lite,
	XSalsa20Poly1305Suffix,
	XSalsa20Poly1305,
}

// ErrUnsupportedMode is returned when no mode can be agreed on or when an
// unknown mode is given to New.
var ErrUnsupportedMode = errors.New("unsupported encryption mode")

// rtpsize returns true for modes that authenticate the unencrypted part of
// the RTP header, including the 4-byte extension header.
func (m Mode) rtpsize() bool {
	return m == AEADAES256GCMRTPSize || m == AEADXChaCha20Poly1305RTPSize
}

// Known returns true if the mode is implemented.
func (m Mode) Known() bool {
	for _, known := range DefaultPreference {
		if m == known {
			return true
		}
	}
	return false
}

// SelectMode returns the first mode in preferred that the server supports. If
// preferred is empty, DefaultPreference is used.
func SelectMode(supported []string, preferred ...Mode) (Mode, error) {
	if len(preferred) == 0 {
		preferred = DefaultPreference
	}

	for _, mode := range preferred {
		if !mode.Known() {
			continue
		}
		for _, s := range supported {
			if Mode(s) == mode {
				return mode, nil
			}
		}
	}

	return "", errors.Wrapf(ErrUnsupportedMode, "server offers %v", supported)
}
