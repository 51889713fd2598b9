package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrDecryptionFailed   = errors.New("crypto: decryption failed")
	ErrInvalidKeySize     = errors.New("crypto: invalid key size")
	ErrUnknownProvider    = errors.New("crypto: unknown provider")
)

// HashSize is the length of the SHA-256 content hash shared by all providers.
const HashSize = sha256.Size

// Provider hashes frame content and seals it under a relationship key.
// Encrypt output is IV (or nonce) || ciphertext; Decrypt expects the same.
type Provider interface {
	Name() string
	HashLength() int
	Hash(data []byte) []byte
	Encrypt(plaintext, key []byte) ([]byte, error)
	Decrypt(ciphertext, key []byte) ([]byte, error)
}

// ByName returns the provider registered under name ("cbc" or "aead").
// An empty name selects the CBC provider.
func ByName(name string) (Provider, error) {
	switch strings.ToLower(name) {
	case "", NameCBC:
		return CBC{}, nil
	case NameAEAD:
		return AEAD{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}

func sum256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}
