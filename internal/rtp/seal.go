// Package rtp owns the voice wire format: RTP header bookkeeping,
// transport-level AEAD encryption, UDP transmission, IP discovery, and
// the keepalive that measures peer latency.
package rtp

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// Mode selects the transport encryption scheme negotiated with the
// voice gateway.
type Mode string

const (
	// ModeAESGCM is the preferred AES-256-GCM scheme with a 4-byte
	// nonce counter appended to each packet.
	ModeAESGCM Mode = "aead_aes256_gcm_rtpsize"
	// ModeXSalsa20 is the legacy XSalsa20-Poly1305 scheme with the RTP
	// header as nonce.
	ModeXSalsa20 Mode = "xsalsa20_poly1305"
)

// KeySize is the secret key length both schemes require.
const KeySize = 32

// headerSize is the fixed RTP header length (no CSRCs, no extensions).
const headerSize = 12

// Sealer encrypts one RTP payload in the transport framing of its mode.
// Implementations are not safe for concurrent use; the speak loop is
// the only caller.
type Sealer interface {
	// Seal appends the encrypted payload (and any trailer the mode
	// defines) to dst, which already contains the 12-byte RTP header.
	// header aliases dst's first 12 bytes.
	Seal(dst []byte, header, payload []byte) []byte
	// Overhead returns the bytes Seal adds beyond the payload length.
	Overhead() int
}

// NewSealer constructs the sealer for the negotiated mode.
func NewSealer(mode Mode, key []byte) (Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("rtp: key length %d, want %d", len(key), KeySize)
	}
	switch mode {
	case ModeXSalsa20:
		s := &xsalsaSealer{}
		copy(s.key[:], key)
		return s, nil
	case ModeAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("rtp: creating aes cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("rtp: creating gcm: %w", err)
		}
		return &gcmSealer{aead: gcm}, nil
	default:
		return nil, fmt.Errorf("rtp: unknown encryption mode %q", mode)
	}
}

// xsalsaSealer implements the legacy scheme: the nonce is the RTP
// header zero-padded to 24 bytes, no AAD, and the 16-byte Poly1305 tag
// follows the ciphertext.
type xsalsaSealer struct {
	key   [32]byte
	nonce [24]byte
}

func (s *xsalsaSealer) Overhead() int { return secretbox.Overhead }

func (s *xsalsaSealer) Seal(dst []byte, header, payload []byte) []byte {
	copy(s.nonce[:headerSize], header)
	clear(s.nonce[headerSize:])
	return secretbox.Seal(dst, payload, &s.nonce, &s.key)
}

// gcmSealer implements the preferred scheme: a monotonically increasing
// 4-byte counter forms the nonce (big-endian, left-padded with zeros to
// 12 bytes), the RTP header is authenticated as AAD, and the counter is
// appended after the ciphertext and tag.
type gcmSealer struct {
	aead    cipher.AEAD
	counter uint32
	nonce   [12]byte
}

func (s *gcmSealer) Overhead() int { return s.aead.Overhead() + 4 }

func (s *gcmSealer) Seal(dst []byte, header, payload []byte) []byte {
	s.counter++
	clear(s.nonce[:8])
	binary.BigEndian.PutUint32(s.nonce[8:], s.counter)

	dst = s.aead.Seal(dst, s.nonce[:], payload, header)
	return binary.BigEndian.AppendUint32(dst, s.counter)
}
