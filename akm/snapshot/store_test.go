package snapshot

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/TheusHen/AKM/akm/key"
	"github.com/TheusHen/AKM/akm/protocol"
	"github.com/TheusHen/AKM/akm/relationship"
)

func testState(t *testing.T) *relationship.State {
	t.Helper()
	k1, err := key.Generate(32)
	require.NoError(t, err)
	k2, err := key.Generate(32)
	require.NoError(t, err)
	pdv := make([]byte, protocol.PDVSize)
	for i := range pdv {
		pdv[i] = byte(i)
	}
	return &relationship.State{
		ID:      3,
		Keys:    [key.Slots]*key.Key{k1, nil, k2, nil},
		Encrypt: 2,
		Decrypt: 0,
		Configuration: &protocol.Configuration{
			Params: protocol.Params{SK: 32, SRNA: 2, N: 3, CSS: 7, NNRT: 1500},
			PDV:    pdv,
			Nodes:  []uint64{1, 2, 3},
			Self:   2,
		},
	}
}

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, nil)
	require.NoError(t, err)
	return s
}

func TestSaveLoad(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s := openStore(t, path)

	_, err := s.Load(3, 2)
	require.ErrorIs(err, ErrNotFound)

	st := testState(t)
	require.NoError(s.Save(NewRecord(st)))
	require.NoError(s.Close())

	s = openStore(t, path)
	defer s.Close()
	r, err := s.Load(3, 2)
	require.NoError(err)
	require.Equal(uint16(3), r.RelationshipID)
	require.Equal(uint64(2), r.Self)
	require.Equal(st.Configuration.Params, r.Params)
	require.Equal(st.Configuration.PDV, r.PDV)
	require.Equal([]uint64{1, 2, 3}, r.Nodes)
	require.Equal(2, r.Encrypt)
	require.WithinDuration(time.Now(), r.SavedAt, time.Minute)

	keys, err := r.SlotKeys(32)
	require.NoError(err)
	require.True(keys[0].Equal(st.Keys[0]))
	require.Nil(keys[1])
	require.True(keys[2].Equal(st.Keys[2]))

	_, err = r.SlotKeys(16)
	require.Error(err)

	// Saving again replaces the record.
	st.Encrypt = 0
	require.NoError(s.Save(NewRecord(st)))
	r, err = s.Load(3, 2)
	require.NoError(err)
	require.Equal(0, r.Encrypt)

	require.NoError(s.Delete(3, 2))
	require.NoError(s.Delete(3, 2))
	_, err = s.Load(3, 2)
	require.ErrorIs(err, ErrNotFound)
}

func damage(t *testing.T, s *Store, shards ...int) {
	t.Helper()
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(snapshotsBucket)).Bucket(recordKey(3, 2))
		for _, i := range shards {
			v := append([]byte(nil), bkt.Get(shardKey(i))...)
			v[0] ^= 0xff
			if err := bkt.Put(shardKey(i), v); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestLoadRecoversDamagedShards(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "snapshots.db"))
	defer s.Close()
	st := testState(t)
	require.NoError(t, s.Save(NewRecord(st)))

	damage(t, s, 0, 3)
	r, err := s.Load(3, 2)
	require.NoError(t, err)
	require.Equal(t, st.Configuration.PDV, r.PDV)

	damage(t, s, 1)
	_, err = s.Load(3, 2)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestLoadRejectsDamagedSize(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "snapshots.db"))
	defer s.Close()
	require.NoError(t, s.Save(NewRecord(testState(t))))

	for _, size := range [][]byte{
		{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xf0},
		{0, 0, 0, 0, 0, 0x10, 0, 0},
		make([]byte, 8),
		{1, 2, 3},
	} {
		require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(snapshotsBucket)).Bucket(recordKey(3, 2)).Put([]byte(sizeKey), size)
		}))
		_, err := s.Load(3, 2)
		require.ErrorIs(t, err, ErrCorrupt)
	}
}
