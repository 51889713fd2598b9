package crypto

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const NameAEAD = "aead"

// AEAD seals frames with ChaCha20-Poly1305.
// Keys rotate under the decision authority, so there is no per-key counter
// to carry between messages; every message uses a random 96-bit nonce.
type AEAD struct{}

func (AEAD) Name() string { return NameAEAD }

func (AEAD) HashLength() int { return HashSize }

func (AEAD) Hash(data []byte) []byte { return sum256(data) }

// Encrypt returns nonce (12 bytes) || ciphertext || tag (16 bytes).
func (AEAD) Encrypt(plaintext, key []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:chacha20poly1305.NonceSize], plaintext, nil), nil
}

func (AEAD) Decrypt(ciphertext, key []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrDecryptionFailed
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	nonceSize := chacha20poly1305.NonceSize
	if len(ciphertext) < nonceSize+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
