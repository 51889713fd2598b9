package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey derives a key of the specified length using HKDF-SHA256.
// salt can be nil (uses zero salt), info provides context binding.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveSlotKeys expands a relationship's PDV into n initial slot keys.
// Every node of the relationship derives the same keys from the same PDV.
func DeriveSlotKeys(pdv []byte, relationshipID uint16, n, size int) ([][]byte, error) {
	var salt [2]byte
	binary.BigEndian.PutUint16(salt[:], relationshipID)

	material, err := DeriveKey(pdv, salt[:], []byte("akm-initial-keys"), n*size)
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = material[i*size : (i+1)*size]
	}
	return keys, nil
}
