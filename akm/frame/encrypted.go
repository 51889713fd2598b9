package frame

import (
	"encoding/binary"

	"github.com/TheusHen/AKM/akm/key"
)

// Encrypted is a sealed frame: the clear relationship id followed by the
// ciphertext, optionally with the wire length inserted between them.
type Encrypted struct {
	codec     *Codec
	buf       []byte
	lengthSet bool
}

func (e *Encrypted) RelationshipID() uint16 {
	return binary.BigEndian.Uint16(e.buf[:RelationshipIDSize])
}

func (e *Encrypted) payloadStart() int {
	if e.lengthSet {
		return HeaderSize
	}
	return RelationshipIDSize
}

// Ciphertext returns the IV-prefixed ciphertext.
func (e *Encrypted) Ciphertext() []byte { return e.buf[e.payloadStart():] }

// Decrypt opens the frame with k. Any cipher or hash failure is reported as
// ErrCannotDecrypt.
func (e *Encrypted) Decrypt(k *key.Key) (*Decrypted, error) {
	if k == nil {
		return nil, ErrCannotDecrypt
	}
	plain, err := e.codec.provider.Decrypt(e.Ciphertext(), k.Bytes())
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	buf := make([]byte, RelationshipIDSize+len(plain))
	copy(buf, e.buf[:RelationshipIDSize])
	copy(buf[RelationshipIDSize:], plain)

	d, err := e.codec.parseDecrypted(buf)
	if err != nil || !d.CheckHash() {
		return nil, ErrCannotDecrypt
	}
	return d, nil
}

// SetFrameLength inserts the 8-byte payload length after the relationship id.
// It may be called once.
func (e *Encrypted) SetFrameLength() error {
	if e.lengthSet {
		return ErrLengthSet
	}
	ct := e.buf[RelationshipIDSize:]
	buf := make([]byte, HeaderSize+len(ct))
	copy(buf, e.buf[:RelationshipIDSize])
	binary.BigEndian.PutUint64(buf[RelationshipIDSize:HeaderSize], uint64(len(ct)))
	copy(buf[HeaderSize:], ct)
	e.buf = buf
	e.lengthSet = true
	return nil
}

// TransmissionBytes returns the wire message. SetFrameLength must have been
// called.
func (e *Encrypted) TransmissionBytes() ([]byte, error) {
	if !e.lengthSet {
		return nil, ErrNotTransmitted
	}
	return e.buf, nil
}
