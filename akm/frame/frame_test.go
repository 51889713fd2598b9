package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TheusHen/AKM/akm/crypto"
	"github.com/TheusHen/AKM/akm/key"
	"github.com/TheusHen/AKM/akm/protocol"
)

func testCodec(t *testing.T, p crypto.Provider) *Codec {
	t.Helper()
	c, err := NewCodec(DefaultSchema(), p)
	require.NoError(t, err)
	return c
}

func testKey(t *testing.T, start byte) *key.Key {
	t.Helper()
	b := make([]byte, 32)
	for i := range b {
		b[i] = start + byte(i)
	}
	k, err := key.FromBytes(b, 32)
	require.NoError(t, err)
	return k
}

func sample(t *testing.T, c *Codec) *Decrypted {
	t.Helper()
	d := c.NewDecrypted(1)
	require.NoError(t, d.SetSourceNode(5))
	require.NoError(t, d.SetTargetNode(1))
	d.SetEvent(protocol.EventRecvSE)
	d.SetContent([]byte("Sample message number 1"))
	return d
}

func TestSampleMessageRoundTrip(t *testing.T) {
	for _, p := range []crypto.Provider{crypto.CBC{}, crypto.AEAD{}} {
		t.Run(p.Name(), func(t *testing.T) {
			require := require.New(t)
			c := testCodec(t, p)
			k := testKey(t, 0)

			enc, err := sample(t, c).Encrypt(k)
			require.NoError(err)
			require.Equal(uint16(1), enc.RelationshipID())

			dec, err := enc.Decrypt(k)
			require.NoError(err)
			require.Equal([]byte("Sample message number 1"), dec.Content())
			require.Equal(uint64(5), dec.SourceNode())
			require.Equal(uint64(1), dec.TargetNode())
			require.Equal([]byte{0, 5}, dec.SourceAddress())
			require.Equal(protocol.EventRecvSE, dec.Event())
			require.Equal(uint16(1), dec.RelationshipID())
			require.True(dec.CheckHash())

			// Flip a bit in every ciphertext position in turn.
			ct := enc.Ciphertext()
			for i := range ct {
				tampered := c.NewEncrypted(1, ct)
				tampered.Ciphertext()[i] ^= 0x01
				_, err := tampered.Decrypt(k)
				require.ErrorIs(err, ErrCannotDecrypt, "byte %d", i)
			}

			_, err = enc.Decrypt(testKey(t, 1))
			require.ErrorIs(err, ErrCannotDecrypt)
			_, err = enc.Decrypt(nil)
			require.ErrorIs(err, ErrCannotDecrypt)
		})
	}
}

func TestRoundTripPayloadSizes(t *testing.T) {
	c := testCodec(t, crypto.CBC{})
	k := testKey(t, 7)
	for _, n := range []int{0, 1, 9, 16, 1023, 4096} {
		payload := bytes.Repeat([]byte{byte(n)}, n)
		d := c.NewDecrypted(42)
		d.SetContent(payload)
		enc, err := d.Encrypt(k)
		require.NoError(t, err)
		out, err := enc.Decrypt(k)
		require.NoError(t, err)
		require.Equal(t, payload, out.Content())
		require.Equal(t, protocol.EventNone, out.Event())
	}
}

func TestCheckHashDetectsTamper(t *testing.T) {
	c := testCodec(t, crypto.CBC{})
	d := sample(t, c)
	require.False(t, d.CheckHash())

	d.SetContentHash()
	require.True(t, d.CheckHash())

	hashStart := len(d.buf) - c.Provider().HashLength()
	for i := 0; i < hashStart; i++ {
		d.buf[i] ^= 0x80
		require.False(t, d.CheckHash(), "byte %d", i)
		d.buf[i] ^= 0x80
	}
	require.True(t, d.CheckHash())
}

func TestSetContentHashIdempotent(t *testing.T) {
	require := require.New(t)
	c := testCodec(t, crypto.CBC{})
	d := sample(t, c)

	d.SetContentHash()
	n := len(d.Bytes())
	first := d.ContentHash()
	d.SetContentHash()
	require.Len(d.Bytes(), n)
	require.Equal(first, d.ContentHash())

	require.NoError(d.SetTargetNode(3))
	d.SetContentHash()
	require.Len(d.Bytes(), n)
	require.NotEqual(first, d.ContentHash())
	require.True(d.CheckHash())
	require.Equal([]byte("Sample message number 1"), d.Content())

	d.SetContent([]byte("shorter"))
	require.Nil(d.ContentHash())
	require.Equal(uint64(3), d.TargetNode())
	require.Equal(protocol.EventRecvSE, d.Event())
}

func TestEncryptRefreshesStaleHash(t *testing.T) {
	c := testCodec(t, crypto.CBC{})
	k := testKey(t, 0)
	d := sample(t, c)
	d.SetContentHash()
	d.SetEvent(protocol.EventRecvSEI)

	enc, err := d.Encrypt(k)
	require.NoError(t, err)
	out, err := enc.Decrypt(k)
	require.NoError(t, err)
	require.Equal(t, protocol.EventRecvSEI, out.Event())
}

func TestAddressBounds(t *testing.T) {
	c := testCodec(t, crypto.CBC{})
	d := c.NewDecrypted(1)
	require.ErrorIs(t, d.SetSourceNode(1<<16), ErrAddressSize)
	require.ErrorIs(t, d.SetTargetAddress([]byte{1, 2, 3}), ErrAddressSize)
	require.NoError(t, d.SetSourceNode(0xffff))
	require.Equal(t, uint64(0xffff), d.SourceNode())
}

func TestSetFrameLength(t *testing.T) {
	require := require.New(t)
	c := testCodec(t, crypto.CBC{})
	enc, err := sample(t, c).Encrypt(testKey(t, 0))
	require.NoError(err)

	_, err = enc.TransmissionBytes()
	require.ErrorIs(err, ErrNotTransmitted)

	ct := append([]byte(nil), enc.Ciphertext()...)
	require.NoError(enc.SetFrameLength())
	require.ErrorIs(enc.SetFrameLength(), ErrLengthSet)

	msg, err := enc.TransmissionBytes()
	require.NoError(err)
	require.Len(msg, HeaderSize+len(ct))
	require.Equal([]byte{0, 1}, msg[:2])
	h, payload, err := ReadMessage(bytes.NewReader(msg), MaxMessageSize)
	require.NoError(err)
	require.Equal(uint16(1), h.RelationshipID)
	require.Equal(uint64(len(ct)), h.Length)
	require.Equal(ct, payload)
	require.Equal(ct, enc.Ciphertext())

	_, err = enc.Decrypt(testKey(t, 0))
	require.NoError(err)
}

func TestReadMessageLimits(t *testing.T) {
	msg := []byte{0, 9, 0, 0, 0, 0, 0, 0, 0x10, 0x00}
	_, _, err := ReadMessage(bytes.NewReader(msg), 1024)
	require.ErrorIs(t, err, ErrMessageTooLarge)

	msg = []byte{0, 9, 0, 0, 0, 0, 0, 0, 0, 4, 1, 2}
	_, _, err = ReadMessage(bytes.NewReader(msg), 1024)
	require.Error(t, err)

	h, err := ReadHeader(bytes.NewReader(msg))
	require.NoError(t, err)
	require.Error(t, DiscardPayload(bytes.NewReader(msg[HeaderSize:]), h, 1024))
}

type chunkRecorder struct {
	bytes.Buffer
	writes []int
}

func (w *chunkRecorder) Write(p []byte) (int, error) {
	w.writes = append(w.writes, len(p))
	return w.Buffer.Write(p)
}

func TestWriteMessageChunks(t *testing.T) {
	msg := make([]byte, 2500)
	w := &chunkRecorder{}
	require.NoError(t, WriteMessage(w, msg, ChunkSize))
	require.Equal(t, []int{1024, 1024, 452}, w.writes)
	require.Equal(t, 2500, w.Len())
}

func TestParseDecrypted(t *testing.T) {
	c := testCodec(t, crypto.CBC{})
	d := sample(t, c)
	d.SetContentHash()

	p, err := c.ParseDecrypted(d.Bytes())
	require.NoError(t, err)
	require.True(t, p.CheckHash())
	require.Equal(t, d.Content(), p.Content())

	_, err = c.ParseDecrypted([]byte{0, 1, 2})
	require.ErrorIs(t, err, ErrFrameTooShort)
}
