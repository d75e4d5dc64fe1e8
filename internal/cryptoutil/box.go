package cryptoutil

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

var (
	// ErrInvalidKey is returned when key material is neither 32 raw bytes
	// nor 64 hex characters.
	ErrInvalidKey = errors.New("invalid encryption key")
	// ErrOpen is returned when a sealed box fails authentication.
	ErrOpen = errors.New("sealed data failed authentication")
)

const nonceSize = 24

// ResolveKey accepts 64 hex characters or 32 raw bytes and returns the
// secretbox key. Hex is checked first.
func ResolveKey(key string) (*[32]byte, error) {
	var out [32]byte
	if len(key) == 64 {
		if decoded, ok := DecodeHexKey(key, 32); ok {
			copy(out[:], decoded)
			return &out, nil
		}
	}
	if len(key) == 32 {
		copy(out[:], key)
		return &out, nil
	}
	return nil, fmt.Errorf("key must be 32 bytes or 64 hex characters (got %d): %w", len(key), ErrInvalidKey)
}

// Seal encrypts and authenticates plaintext. The random nonce is prepended.
func Seal(key *[32]byte, plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// Open reverses Seal.
func Open(key *[32]byte, box []byte) ([]byte, error) {
	if len(box) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("sealed data too short: %w", ErrOpen)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	out, ok := secretbox.Open(nil, box[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}
