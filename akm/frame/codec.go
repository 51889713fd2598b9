package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/TheusHen/AKM/akm/crypto"
)

// Codec builds and parses frames for one schema and crypto provider.
// A Codec is immutable and safe for concurrent use.
type Codec struct {
	schema   Schema
	provider crypto.Provider
}

func NewCodec(schema Schema, provider crypto.Provider) (*Codec, error) {
	if provider == nil {
		return nil, errors.New("frame: nil crypto provider")
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &Codec{schema: schema, provider: provider}, nil
}

func (c *Codec) Schema() Schema { return c.schema }

func (c *Codec) Provider() crypto.Provider { return c.provider }

// NewDecrypted returns an empty frame for the relationship with its event
// set to EventNone.
func (c *Codec) NewDecrypted(relationshipID uint16) *Decrypted {
	d := &Decrypted{codec: c, buf: make([]byte, c.schema.DataStart)}
	binary.BigEndian.PutUint16(d.buf, relationshipID)
	d.buf[c.schema.Event.Index] = 0xff
	return d
}

// NewEncrypted wraps a received payload (IV || ciphertext) for relationshipID.
func (c *Codec) NewEncrypted(relationshipID uint16, payload []byte) *Encrypted {
	buf := make([]byte, RelationshipIDSize+len(payload))
	binary.BigEndian.PutUint16(buf, relationshipID)
	copy(buf[RelationshipIDSize:], payload)
	return &Encrypted{codec: c, buf: buf}
}

// ParseDecrypted wraps a plaintext frame that already carries its hash.
func (c *Codec) ParseDecrypted(b []byte) (*Decrypted, error) {
	return c.parseDecrypted(append([]byte(nil), b...))
}

func (c *Codec) parseDecrypted(buf []byte) (*Decrypted, error) {
	if len(buf) < c.schema.DataStart+c.provider.HashLength() {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(buf))
	}
	return &Decrypted{codec: c, buf: buf, hashed: true}, nil
}
