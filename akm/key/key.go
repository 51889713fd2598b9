// Package key holds relationship keys and the four-slot rotating key store.
package key

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	ErrKeySize   = errors.New("key: invalid key size")
	ErrKeyFormat = errors.New("key: invalid base64 key")
)

// Key is an immutable fixed-length symmetric key.
type Key struct {
	b []byte
}

// FromBytes copies b into a new key, which must be size bytes long.
func FromBytes(b []byte, size int) (*Key, error) {
	if size <= 0 || len(b) != size {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrKeySize, len(b), size)
	}
	k := &Key{b: make([]byte, size)}
	copy(k.b, b)
	return k, nil
}

// FromBase64 decodes a standard-encoding base64 key of the given size.
func FromBase64(s string, size int) (*Key, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	return FromBytes(b, size)
}

// Generate returns a random key of the given size.
func Generate(size int) (*Key, error) {
	b := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return FromBytes(b, size)
}

// Bytes returns a copy of the key material.
func (k *Key) Bytes() []byte {
	out := make([]byte, len(k.b))
	copy(out, k.b)
	return out
}

func (k *Key) Len() int { return len(k.b) }

func (k *Key) Base64() string { return base64.StdEncoding.EncodeToString(k.b) }

// Equal compares two keys in constant time.
func (k *Key) Equal(o *Key) bool {
	if k == nil || o == nil {
		return k == o
	}
	return subtle.ConstantTimeCompare(k.b, o.b) == 1
}

// Fingerprint is a short non-secret identifier suitable for debug logs.
func (k *Key) Fingerprint() string {
	if k == nil {
		return "<empty>"
	}
	h := make([]byte, 4)
	for i, c := range k.b {
		h[i%4] ^= c
	}
	return hex.EncodeToString(h)
}

func (k *Key) String() string { return "key:" + k.Fingerprint() }
