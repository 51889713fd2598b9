package snapshot

import (
	"fmt"
	"time"

	"github.com/TheusHen/AKM/akm/key"
	"github.com/TheusHen/AKM/akm/protocol"
	"github.com/TheusHen/AKM/akm/relationship"
)

// Record is the persisted configuration of one relationship as seen by one
// node.
type Record struct {
	RelationshipID uint16          `cbor:"1,keyasint"`
	Self           uint64          `cbor:"2,keyasint"`
	Params         protocol.Params `cbor:"3,keyasint"`
	PDV            []byte          `cbor:"4,keyasint"`
	Nodes          []uint64        `cbor:"5,keyasint"`
	// Keys holds the base64 slot keys; an empty string is an empty slot.
	Keys    []string  `cbor:"6,keyasint"`
	Encrypt int       `cbor:"7,keyasint"`
	Decrypt int       `cbor:"8,keyasint"`
	SavedAt time.Time `cbor:"9,keyasint"`
}

// NewRecord captures an engine snapshot.
func NewRecord(st *relationship.State) *Record {
	r := &Record{
		RelationshipID: st.ID,
		Encrypt:        st.Encrypt,
		Decrypt:        st.Decrypt,
		Keys:           make([]string, key.Slots),
		SavedAt:        time.Now().UTC(),
	}
	if cfg := st.Configuration; cfg != nil {
		r.Self = cfg.Self
		r.Params = cfg.Params
		r.PDV = append([]byte(nil), cfg.PDV...)
		r.Nodes = append([]uint64(nil), cfg.Nodes...)
	}
	for i, k := range st.Keys {
		if k != nil {
			r.Keys[i] = k.Base64()
		}
	}
	return r
}

// SlotKeys decodes the stored keys.
func (r *Record) SlotKeys(size int) ([]*key.Key, error) {
	if len(r.Keys) != key.Slots {
		return nil, fmt.Errorf("snapshot: record has %d keys", len(r.Keys))
	}
	out := make([]*key.Key, key.Slots)
	for i, s := range r.Keys {
		if s == "" {
			continue
		}
		k, err := key.FromBase64(s, size)
		if err != nil {
			return nil, fmt.Errorf("snapshot: slot %d: %w", i, err)
		}
		out[i] = k
	}
	return out, nil
}
