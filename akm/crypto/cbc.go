package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
)

const NameCBC = "cbc"

// CBCKeySize is the AES-256 key length.
const CBCKeySize = 32

// CBC is AES-256-CBC with PKCS#7 padding. Each message gets a fresh random
// 16-byte IV which is prefixed to the ciphertext.
type CBC struct{}

func (CBC) Name() string { return NameCBC }

func (CBC) HashLength() int { return HashSize }

func (CBC) Hash(data []byte) []byte { return sum256(data) }

func (CBC) Encrypt(plaintext, key []byte) ([]byte, error) {
	if len(key) != CBCKeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// Decrypt never reports why it failed; every failure is ErrDecryptionFailed
// or ErrCiphertextTooShort so padding errors do not leak.
func (CBC) Decrypt(ciphertext, key []byte) ([]byte, error) {
	if len(key) != CBCKeySize {
		return nil, ErrDecryptionFailed
	}
	if len(ciphertext) < 2*aes.BlockSize {
		return nil, ErrCiphertextTooShort
	}
	body := ciphertext[aes.BlockSize:]
	if len(body)%aes.BlockSize != 0 {
		return nil, ErrDecryptionFailed
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, ciphertext[:aes.BlockSize]).CryptBlocks(plain, body)
	return unpad(plain, aes.BlockSize)
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrDecryptionFailed
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrDecryptionFailed
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrDecryptionFailed
		}
	}
	return data[:len(data)-n], nil
}
