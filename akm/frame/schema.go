package frame

import (
	"errors"
	"fmt"
)

var ErrInvalidSchema = errors.New("frame: invalid schema")

// Field is a byte range inside a decrypted frame.
type Field struct {
	Index  int `toml:"Index"`
	Length int `toml:"Length"`
}

// End is the first index past the field.
func (f Field) End() int { return f.Index + f.Length }

// Schema places each header field inside a decrypted frame. Fields must
// appear in declaration order and must not overlap; gaps are allowed.
type Schema struct {
	RelationshipID Field `toml:"RelationshipID"`
	SourceAddress  Field `toml:"SourceAddress"`
	TargetAddress  Field `toml:"TargetAddress"`
	Event          Field `toml:"Event"`
	DataStart      int   `toml:"DataStart"`
}

// DefaultSchema is the stock layout with two-byte node addresses.
func DefaultSchema() Schema {
	return Schema{
		RelationshipID: Field{Index: 0, Length: RelationshipIDSize},
		SourceAddress:  Field{Index: 2, Length: 2},
		TargetAddress:  Field{Index: 4, Length: 2},
		Event:          Field{Index: 6, Length: 1},
		DataStart:      7,
	}
}

// AddressSize returns the node address length, which source and target share.
func (s Schema) AddressSize() int { return s.SourceAddress.Length }

// Validate checks that every field's index + length does not exceed the
// next field's index. Exact adjacency is valid.
func (s Schema) Validate() error {
	if s.RelationshipID.Index != 0 || s.RelationshipID.Length != RelationshipIDSize {
		return fmt.Errorf("%w: relationship id must occupy bytes [0,%d)", ErrInvalidSchema, RelationshipIDSize)
	}
	if s.SourceAddress.Length < 1 || s.SourceAddress.Length > 8 {
		return fmt.Errorf("%w: source address length %d not in [1,8]", ErrInvalidSchema, s.SourceAddress.Length)
	}
	if s.TargetAddress.Length != s.SourceAddress.Length {
		return fmt.Errorf("%w: source and target address lengths differ", ErrInvalidSchema)
	}
	if s.Event.Length != 1 {
		return fmt.Errorf("%w: event field must be 1 byte", ErrInvalidSchema)
	}

	fields := []struct {
		name string
		f    Field
	}{
		{"relationship id", s.RelationshipID},
		{"source address", s.SourceAddress},
		{"target address", s.TargetAddress},
		{"event", s.Event},
	}
	for i, cur := range fields {
		if cur.f.Index < 0 {
			return fmt.Errorf("%w: %s has negative index", ErrInvalidSchema, cur.name)
		}
		next, nextName := s.DataStart, "data start"
		if i+1 < len(fields) {
			next, nextName = fields[i+1].f.Index, fields[i+1].name
		}
		if cur.f.End() > next {
			return fmt.Errorf("%w: %s [%d,%d) overlaps %s at %d",
				ErrInvalidSchema, cur.name, cur.f.Index, cur.f.End(), nextName, next)
		}
	}
	return nil
}
