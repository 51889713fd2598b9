package snapshot

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"github.com/klauspost/reedsolomon"
)

const (
	dataShards   = 4
	parityShards = 2
	checkSize    = sha256.Size
)

var ErrTooManyLost = errors.New("snapshot: too many shards lost, cannot recover")

// shardCodec provides Reed-Solomon encoding with a per-shard checksum so a
// damaged shard is detected and treated as missing.
type shardCodec struct {
	enc reedsolomon.Encoder
}

func newShardCodec() (*shardCodec, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &shardCodec{enc: enc}, nil
}

func (c *shardCodec) totalShards() int { return dataShards + parityShards }

// encode splits data and computes parity. Every returned shard carries its
// SHA-256 appended.
func (c *shardCodec) encode(data []byte) ([][]byte, error) {
	shards, err := c.enc.Split(data)
	if err != nil {
		return nil, err
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}
	out := make([][]byte, len(shards))
	for i, s := range shards {
		sum := sha256.Sum256(s)
		out[i] = append(append(make([]byte, 0, len(s)+checkSize), s...), sum[:]...)
	}
	return out, nil
}

// capacity returns how many data bytes shards of the stored length hold.
func (c *shardCodec) capacity(stored [][]byte) int {
	longest := 0
	for _, s := range stored {
		longest = max(longest, len(s))
	}
	if longest <= checkSize {
		return 0
	}
	return dataShards * (longest - checkSize)
}

// decode verifies the checksums, rebuilds missing or damaged shards and
// joins the first size bytes of data.
func (c *shardCodec) decode(stored [][]byte, size int) ([]byte, error) {
	shards := make([][]byte, c.totalShards())
	for i := range shards {
		if i >= len(stored) || len(stored[i]) < checkSize {
			continue
		}
		s := stored[i][:len(stored[i])-checkSize]
		sum := sha256.Sum256(s)
		if subtle.ConstantTimeCompare(sum[:], stored[i][len(s):]) == 1 {
			shards[i] = s
		}
	}
	if err := c.enc.ReconstructData(shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return nil, ErrTooManyLost
		}
		return nil, err
	}

	if size < 0 || size > c.capacity(stored) {
		return nil, ErrTooManyLost
	}
	data := make([]byte, 0, size)
	for i := 0; i < dataShards && len(data) < size; i++ {
		remaining := size - len(data)
		if remaining >= len(shards[i]) {
			data = append(data, shards[i]...)
		} else {
			data = append(data, shards[i][:remaining]...)
		}
	}
	if len(data) != size {
		return nil, ErrTooManyLost
	}
	return data, nil
}
