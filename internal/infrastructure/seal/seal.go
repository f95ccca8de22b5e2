// Package seal provides the authenticated encryption used for vault items and
// sealed database columns. Keys are derived with HKDF-SHA256 and values are
// sealed with XChaCha20-Poly1305.
package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of master, database and derived keys
	KeySize = chacha20poly1305.KeySize
	// SaltSize is the per-envelope HKDF salt size
	SaltSize = 16
	// NonceSize is the XChaCha20-Poly1305 nonce size
	NonceSize = chacha20poly1305.NonceSizeX

	versionColumn   byte = 1
	versionEnvelope byte = 1
)

var (
	// ErrOpen is returned when a sealed value fails authentication or is malformed
	ErrOpen = errors.New("seal: message authentication failed")
	// ErrKeySize is returned for keys that are not KeySize bytes
	ErrKeySize = fmt.Errorf("seal: key must be %d bytes", KeySize)
)

// RandomBytes returns n bytes from the system CSPRNG
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("seal: read random: %w", err)
	}
	return b, nil
}

// NewKey returns a fresh random key
func NewKey() ([]byte, error) {
	return RandomBytes(KeySize)
}

// DeriveKey derives a KeySize key from master with HKDF-SHA256
func DeriveKey(master, salt []byte, info string) ([]byte, error) {
	if len(master) != KeySize {
		return nil, ErrKeySize
	}
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("seal: derive key: %w", err)
	}
	return out, nil
}

// PassphraseKey stretches a passphrase into a key with Argon2id
func PassphraseKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, KeySize)
}

// Sealer encrypts values under a single fixed key. Every call draws a fresh nonce.
type Sealer struct {
	key []byte
}

// NewSealer derives a column key from key and info
func NewSealer(key []byte, info string) (*Sealer, error) {
	derived, err := DeriveKey(key, nil, info)
	if err != nil {
		return nil, err
	}
	return &Sealer{key: derived}, nil
}

// Seal returns version|nonce|ciphertext
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomBytes(NonceSize)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+NonceSize+len(plaintext)+aead.Overhead())
	out = append(out, versionColumn)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Open reverses Seal. Any tampering or key mismatch returns ErrOpen.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < 1+NonceSize+chacha20poly1305.Overhead || sealed[0] != versionColumn {
		return nil, ErrOpen
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[1 : 1+NonceSize]
	plaintext, err := aead.Open(nil, nonce, sealed[1+NonceSize:], aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// SealString seals a UTF-8 string
func (s *Sealer) SealString(v string, aad []byte) ([]byte, error) {
	return s.Seal([]byte(v), aad)
}

// OpenString opens a sealed string
func (s *Sealer) OpenString(sealed, aad []byte) (string, error) {
	b, err := s.Open(sealed, aad)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SealFloat seals the IEEE-754 bits of v
func (s *Sealer) SealFloat(v float64, aad []byte) ([]byte, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	return s.Seal(buf[:], aad)
}

// OpenFloat opens a sealed float
func (s *Sealer) OpenFloat(sealed, aad []byte) (float64, error) {
	b, err := s.Open(sealed, aad)
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, ErrOpen
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// Envelope header flags
const (
	FlagRequireAuthentication byte = 1 << 0
)

// SealEnvelope seals plaintext under a key derived from master with a fresh salt.
// Layout: version|flags|salt|nonce|ciphertext. The header is authenticated.
func SealEnvelope(master []byte, info string, plaintext, aad []byte, flags byte) ([]byte, error) {
	salt, err := RandomBytes(SaltSize)
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(master, salt, info)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomBytes(NonceSize)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, 2+SaltSize+NonceSize)
	header = append(header, versionEnvelope, flags)
	header = append(header, salt...)
	header = append(header, nonce...)

	out := make([]byte, 0, len(header)+len(plaintext)+aead.Overhead())
	out = append(out, header...)
	return aead.Seal(out, nonce, plaintext, envelopeAAD(header[:2], aad)), nil
}

// OpenEnvelope reverses SealEnvelope and returns the header flags
func OpenEnvelope(master []byte, info string, envelope, aad []byte) ([]byte, byte, error) {
	headerLen := 2 + SaltSize + NonceSize
	if len(envelope) < headerLen+chacha20poly1305.Overhead || envelope[0] != versionEnvelope {
		return nil, 0, ErrOpen
	}
	flags := envelope[1]
	salt := envelope[2 : 2+SaltSize]
	nonce := envelope[2+SaltSize : headerLen]

	key, err := DeriveKey(master, salt, info)
	if err != nil {
		return nil, 0, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, 0, err
	}
	plaintext, err := aead.Open(nil, nonce, envelope[headerLen:], envelopeAAD(envelope[:2], aad))
	if err != nil {
		return nil, 0, ErrOpen
	}
	return plaintext, flags, nil
}

// PeekFlags reads the envelope flags without opening it
func PeekFlags(envelope []byte) (byte, bool) {
	if len(envelope) < 2 || envelope[0] != versionEnvelope {
		return 0, false
	}
	return envelope[1], true
}

func envelopeAAD(header, aad []byte) []byte {
	out := make([]byte, 0, len(header)+len(aad))
	out = append(out, header...)
	return append(out, aad...)
}
