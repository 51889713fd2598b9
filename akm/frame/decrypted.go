package frame

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/TheusHen/AKM/akm/key"
	"github.com/TheusHen/AKM/akm/protocol"
)

// RelationshipIDSize is the length of the relationship id header.
const RelationshipIDSize = 2

var (
	ErrAddressSize    = errors.New("frame: address does not fit field")
	ErrNoKey          = errors.New("frame: no key in active slot")
	ErrCannotDecrypt  = errors.New("frame: cannot decrypt")
	ErrLengthSet      = errors.New("frame: length already set")
	ErrFrameTooShort  = errors.New("frame: frame too short")
	ErrNotTransmitted = errors.New("frame: length not set")
)

// Decrypted is a plaintext frame under construction or after decryption.
//
// Any setter invalidates a computed content hash; Encrypt recomputes it. A
// Decrypted is not safe for concurrent use.
type Decrypted struct {
	codec  *Codec
	buf    []byte
	hashed bool
	stale  bool
}

func (d *Decrypted) schema() *Schema { return &d.codec.schema }

func (d *Decrypted) hashLen() int { return d.codec.provider.HashLength() }

func (d *Decrypted) touch() {
	if d.hashed {
		d.stale = true
	}
}

func (d *Decrypted) contentEnd() int {
	if d.hashed {
		return len(d.buf) - d.hashLen()
	}
	return len(d.buf)
}

func (d *Decrypted) RelationshipID() uint16 {
	return binary.BigEndian.Uint16(d.buf[:RelationshipIDSize])
}

func (d *Decrypted) field(f Field) []byte {
	out := make([]byte, f.Length)
	copy(out, d.buf[f.Index:f.End()])
	return out
}

func (d *Decrypted) setField(f Field, b []byte) error {
	if len(b) != f.Length {
		return fmt.Errorf("%w: %d bytes, field is %d", ErrAddressSize, len(b), f.Length)
	}
	copy(d.buf[f.Index:f.End()], b)
	d.touch()
	return nil
}

func (d *Decrypted) setNode(f Field, n uint64) error {
	if f.Length < 8 && n>>(8*uint(f.Length)) != 0 {
		return fmt.Errorf("%w: node %d exceeds %d bytes", ErrAddressSize, n, f.Length)
	}
	b := make([]byte, f.Length)
	for i := f.Length - 1; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return d.setField(f, b)
}

func nodeFromBytes(b []byte) uint64 {
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	return n
}

// SetSourceAddress stores the raw source address bytes.
func (d *Decrypted) SetSourceAddress(b []byte) error { return d.setField(d.schema().SourceAddress, b) }

// SetTargetAddress stores the raw target address bytes.
func (d *Decrypted) SetTargetAddress(b []byte) error { return d.setField(d.schema().TargetAddress, b) }

// SetSourceNode stores n big endian in the source address field.
func (d *Decrypted) SetSourceNode(n uint64) error { return d.setNode(d.schema().SourceAddress, n) }

// SetTargetNode stores n big endian in the target address field.
func (d *Decrypted) SetTargetNode(n uint64) error { return d.setNode(d.schema().TargetAddress, n) }

func (d *Decrypted) SourceAddress() []byte { return d.field(d.schema().SourceAddress) }

func (d *Decrypted) TargetAddress() []byte { return d.field(d.schema().TargetAddress) }

func (d *Decrypted) SourceNode() uint64 { return nodeFromBytes(d.SourceAddress()) }

func (d *Decrypted) TargetNode() uint64 { return nodeFromBytes(d.TargetAddress()) }

func (d *Decrypted) SetEvent(e protocol.Event) {
	d.buf[d.schema().Event.Index] = byte(e)
	d.touch()
}

func (d *Decrypted) Event() protocol.Event {
	return protocol.Event(int8(d.buf[d.schema().Event.Index]))
}

// SetContent replaces the payload. Header fields are kept and the content
// hash is dropped.
func (d *Decrypted) SetContent(content []byte) {
	start := d.schema().DataStart
	buf := make([]byte, start+len(content))
	copy(buf, d.buf[:start])
	copy(buf[start:], content)
	d.buf = buf
	d.hashed = false
	d.stale = false
}

// Content returns a copy of the payload.
func (d *Decrypted) Content() []byte {
	start := d.schema().DataStart
	end := d.contentEnd()
	out := make([]byte, end-start)
	copy(out, d.buf[start:end])
	return out
}

// SetContentHash appends the content hash on first use and recomputes it in
// place afterwards.
func (d *Decrypted) SetContentHash() {
	if d.hashed {
		body := d.buf[:len(d.buf)-d.hashLen()]
		copy(d.buf[len(body):], d.codec.provider.Hash(body))
	} else {
		d.buf = append(d.buf, d.codec.provider.Hash(d.buf)...)
		d.hashed = true
	}
	d.stale = false
}

// ContentHash returns a copy of the trailing hash, or nil if none is set.
func (d *Decrypted) ContentHash() []byte {
	if !d.hashed {
		return nil
	}
	return append([]byte(nil), d.buf[len(d.buf)-d.hashLen():]...)
}

// CheckHash recomputes the content hash and compares it with the stored one.
func (d *Decrypted) CheckHash() bool {
	if !d.hashed {
		return false
	}
	split := len(d.buf) - d.hashLen()
	want := d.codec.provider.Hash(d.buf[:split])
	return subtle.ConstantTimeCompare(want, d.buf[split:]) == 1
}

// Bytes returns a copy of the whole plaintext frame.
func (d *Decrypted) Bytes() []byte { return append([]byte(nil), d.buf...) }

// Encrypt seals everything after the relationship id under k. The content
// hash is computed first if it is missing or out of date.
func (d *Decrypted) Encrypt(k *key.Key) (*Encrypted, error) {
	if k == nil {
		return nil, ErrNoKey
	}
	if !d.hashed || d.stale {
		d.SetContentHash()
	}
	ct, err := d.codec.provider.Encrypt(d.buf[RelationshipIDSize:], k.Bytes())
	if err != nil {
		return nil, err
	}
	buf := make([]byte, RelationshipIDSize+len(ct))
	copy(buf, d.buf[:RelationshipIDSize])
	copy(buf[RelationshipIDSize:], ct)
	return &Encrypted{codec: d.codec, buf: buf}, nil
}
