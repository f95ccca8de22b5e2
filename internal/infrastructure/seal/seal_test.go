package seal

import (
	"bytes"
	"errors"
	"testing"
)

func mustKey(t *testing.T) []byte {
	t.Helper()
	key, err := NewKey()
	if err != nil {
		t.Fatalf("Failed to create key: %v", err)
	}
	return key
}

func TestSealer_RoundTrip(t *testing.T) {
	t.Parallel()

	s, err := NewSealer(mustKey(t), "trailkeep/column/v1")
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}

	sealed, err := s.Seal([]byte("37.774929"), []byte("track_points.latitude"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("37.774929")) {
		t.Error("Expected ciphertext not to contain plaintext")
	}

	plain, err := s.Open(sealed, []byte("track_points.latitude"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(plain) != "37.774929" {
		t.Errorf("Expected round trip, got %q", plain)
	}
}

func TestSealer_FreshNoncePerValue(t *testing.T) {
	t.Parallel()

	s, _ := NewSealer(mustKey(t), "info")
	a, _ := s.SealFloat(1.5, nil)
	b, _ := s.SealFloat(1.5, nil)
	if bytes.Equal(a, b) {
		t.Error("Expected two seals of the same value to differ")
	}

	v, err := s.OpenFloat(b, nil)
	if err != nil || v != 1.5 {
		t.Errorf("Expected 1.5, got %v (err=%v)", v, err)
	}
}

func TestSealer_RejectsTamperingAndWrongContext(t *testing.T) {
	t.Parallel()

	key := mustKey(t)
	s, _ := NewSealer(key, "info")
	sealed, _ := s.SealString("secret", []byte("a"))

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff

	other, _ := NewSealer(key, "other-info")

	tests := []struct {
		name   string
		sealer *Sealer
		data   []byte
		aad    []byte
	}{
		{"tampered", s, tampered, []byte("a")},
		{"wrong aad", s, sealed, []byte("b")},
		{"wrong derived key", other, sealed, []byte("a")},
		{"truncated", s, sealed[:10], []byte("a")},
		{"empty", s, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.sealer.OpenString(tt.data, tt.aad); !errors.Is(err, ErrOpen) {
				t.Errorf("Expected ErrOpen, got %v", err)
			}
		})
	}
}

func TestEnvelope_RoundTripAndFlags(t *testing.T) {
	t.Parallel()

	master := mustKey(t)
	env, err := SealEnvelope(master, "trailkeep/item/v1", []byte("token"), []byte("auth.tokens"), FlagRequireAuthentication)
	if err != nil {
		t.Fatalf("SealEnvelope failed: %v", err)
	}

	if flags, ok := PeekFlags(env); !ok || flags&FlagRequireAuthentication == 0 {
		t.Errorf("Expected require-auth flag, got %v (ok=%v)", flags, ok)
	}

	plain, flags, err := OpenEnvelope(master, "trailkeep/item/v1", env, []byte("auth.tokens"))
	if err != nil {
		t.Fatalf("OpenEnvelope failed: %v", err)
	}
	if string(plain) != "token" || flags != FlagRequireAuthentication {
		t.Errorf("Unexpected result %q flags=%v", plain, flags)
	}

	// Header bytes are authenticated
	flipped := append([]byte(nil), env...)
	flipped[1] = 0
	if _, _, err := OpenEnvelope(master, "trailkeep/item/v1", flipped, []byte("auth.tokens")); !errors.Is(err, ErrOpen) {
		t.Errorf("Expected flag tampering to fail, got %v", err)
	}

	// Item name is bound as associated data
	if _, _, err := OpenEnvelope(master, "trailkeep/item/v1", env, []byte("other")); !errors.Is(err, ErrOpen) {
		t.Errorf("Expected AAD mismatch to fail, got %v", err)
	}
}

func TestEnvelope_FreshSaltPerCall(t *testing.T) {
	t.Parallel()

	master := mustKey(t)
	a, _ := SealEnvelope(master, "info", []byte("v"), nil, 0)
	b, _ := SealEnvelope(master, "info", []byte("v"), nil, 0)
	if bytes.Equal(a[2:2+SaltSize], b[2:2+SaltSize]) {
		t.Error("Expected a fresh salt per envelope")
	}
}

func TestDeriveKey_RejectsBadMaster(t *testing.T) {
	if _, err := DeriveKey([]byte("short"), nil, "info"); !errors.Is(err, ErrKeySize) {
		t.Errorf("Expected ErrKeySize, got %v", err)
	}
}

func TestPassphraseKey_Deterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	a := PassphraseKey("correct horse", salt)
	b := PassphraseKey("correct horse", salt)
	c := PassphraseKey("wrong horse", salt)
	if !bytes.Equal(a, b) || bytes.Equal(a, c) || len(a) != KeySize {
		t.Error("Expected a deterministic, passphrase-dependent key")
	}
}
