package key

import (
	"fmt"
)

// Slots is the number of key slots in a Store.
const Slots = 4

// Store is the rotating key array of a relationship. Slot roles are assigned
// only by Use; a slot may be empty.
//
// Store is not safe for concurrent use. The relationship engine serializes
// all access under its own lock. An out-of-range slot index panics.
type Store struct {
	size  int
	slots [Slots]*Key
	enc   int
	dec   int
}

// NewStore returns an empty store for keys of the given size with slot 0
// active for both directions.
func NewStore(size int) *Store {
	if size <= 0 {
		panic(fmt.Sprintf("key: invalid store key size %d", size))
	}
	return &Store{size: size}
}

func checkSlot(i int) {
	if i < 0 || i >= Slots {
		panic(fmt.Sprintf("key: slot index %d out of range [0,%d]", i, Slots-1))
	}
}

// ValidSlot reports whether i names a slot.
func ValidSlot(i int) bool { return i >= 0 && i < Slots }

// KeySize is the configured key length of the store.
func (s *Store) KeySize() int { return s.size }

// Set stores a copy of b in slot i.
func (s *Store) Set(i int, b []byte) error {
	checkSlot(i)
	k, err := FromBytes(b, s.size)
	if err != nil {
		return err
	}
	s.slots[i] = k
	return nil
}

// SetKey stores k in slot i.
func (s *Store) SetKey(i int, k *Key) error {
	checkSlot(i)
	if k != nil && k.Len() != s.size {
		return fmt.Errorf("%w: got %d, want %d", ErrKeySize, k.Len(), s.size)
	}
	s.slots[i] = k
	return nil
}

// Reset clears slot i.
func (s *Store) Reset(i int) {
	checkSlot(i)
	s.slots[i] = nil
}

// Move copies slot src into dst and clears src.
func (s *Store) Move(src, dst int) {
	checkSlot(src)
	checkSlot(dst)
	if src == dst {
		return
	}
	s.slots[dst] = s.slots[src]
	s.slots[src] = nil
}

// Use selects the active encrypt and decrypt slots.
func (s *Store) Use(enc, dec int) {
	checkSlot(enc)
	checkSlot(dec)
	s.enc = enc
	s.dec = dec
}

// Active returns the active encrypt and decrypt slot indexes.
func (s *Store) Active() (enc, dec int) { return s.enc, s.dec }

// EncryptKey returns the key in the active encrypt slot, or nil.
func (s *Store) EncryptKey() *Key { return s.slots[s.enc] }

// DecryptKey returns the key in the active decrypt slot, or nil.
func (s *Store) DecryptKey() *Key { return s.slots[s.dec] }

// Slot returns the key in slot i, or nil when the slot is empty.
func (s *Store) Slot(i int) *Key {
	checkSlot(i)
	return s.slots[i]
}

// Keys returns the slot contents; empty slots are nil.
func (s *Store) Keys() [Slots]*Key { return s.slots }
