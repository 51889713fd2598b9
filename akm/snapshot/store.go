// Package snapshot persists relationship configuration snapshots so a node
// can resume with its rotated keys after a restart.
//
// Records are CBOR encoded, split into Reed-Solomon shards with a checksum
// each, and kept in a bbolt database.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"
)

const (
	snapshotsBucket = "snapshots"
	sizeKey         = "size"
	recordKeySize   = 2 + 8
)

var (
	ErrNotFound = errors.New("snapshot: no snapshot for relationship")
	ErrCorrupt  = errors.New("snapshot: record is corrupt")
)

// Store is a bbolt-backed snapshot store. It is safe for concurrent use.
type Store struct {
	db    *bolt.DB
	codec *shardCodec
	log   *logging.Logger
}

// Open opens or creates the database at path.
func Open(path string, log *logging.Logger) (*Store, error) {
	codec, err := newShardCodec()
	if err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(snapshotsBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	if log == nil {
		log = logging.MustGetLogger("snapshot")
	}
	return &Store{db: db, codec: codec, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func recordKey(relationshipID uint16, self uint64) []byte {
	var k [recordKeySize]byte
	binary.BigEndian.PutUint16(k[0:], relationshipID)
	binary.BigEndian.PutUint64(k[2:], self)
	return k[:]
}

func shardKey(i int) []byte { return []byte{'s', byte(i)} }

// Save replaces the stored record for (r.RelationshipID, r.Self).
func (s *Store) Save(r *Record) error {
	raw, err := cbor.Marshal(r)
	if err != nil {
		return err
	}
	shards, err := s.codec.encode(raw)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(snapshotsBucket))
		k := recordKey(r.RelationshipID, r.Self)
		if parent.Bucket(k) != nil {
			if err := parent.DeleteBucket(k); err != nil {
				return err
			}
		}
		bkt, err := parent.CreateBucket(k)
		if err != nil {
			return err
		}
		var sizeBuf [8]byte
		binary.BigEndian.PutUint64(sizeBuf[:], uint64(len(raw)))
		if err := bkt.Put([]byte(sizeKey), sizeBuf[:]); err != nil {
			return err
		}
		for i, sh := range shards {
			if err := bkt.Put(shardKey(i), sh); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Debugf("Saved relationship %d node %d (%d bytes).", r.RelationshipID, r.Self, len(raw))
	return nil
}

// Load returns the stored record, rebuilding damaged shards when possible.
func (s *Store) Load(relationshipID uint16, self uint64) (*Record, error) {
	var (
		shards [][]byte
		size   uint64
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(snapshotsBucket)).Bucket(recordKey(relationshipID, self))
		if bkt == nil {
			return ErrNotFound
		}
		sizeBuf := bkt.Get([]byte(sizeKey))
		if len(sizeBuf) != 8 {
			return fmt.Errorf("%w: missing size", ErrCorrupt)
		}
		size = binary.BigEndian.Uint64(sizeBuf)
		shards = make([][]byte, s.codec.totalShards())
		for i := range shards {
			// Values are only valid inside the transaction.
			if v := bkt.Get(shardKey(i)); v != nil {
				shards[i] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The size key is outside the shard protection; bound it by what the
	// shards can hold before allocating.
	if size == 0 || size > uint64(s.codec.capacity(shards)) {
		return nil, fmt.Errorf("%w: size %d out of range", ErrCorrupt, size)
	}
	raw, err := s.codec.decode(shards, int(size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	r := new(Record)
	if err := cbor.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return r, nil
}

// Delete removes the record, if any.
func (s *Store) Delete(relationshipID uint16, self uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket([]byte(snapshotsBucket)).DeleteBucket(recordKey(relationshipID, self))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
