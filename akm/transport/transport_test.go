package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheusHen/AKM/akm/authority/static"
	"github.com/TheusHen/AKM/akm/crypto"
	"github.com/TheusHen/AKM/akm/frame"
	"github.com/TheusHen/AKM/akm/key"
	"github.com/TheusHen/AKM/akm/log"
	"github.com/TheusHen/AKM/akm/protocol"
	"github.com/TheusHen/AKM/akm/relationship"
)

var logBackend = log.Discard()

func testKey(t *testing.T, seed byte) *key.Key {
	t.Helper()
	b := bytes.Repeat([]byte{seed}, 32)
	k, err := key.FromBytes(b, 32)
	require.NoError(t, err)
	return k
}

func newEngine(t *testing.T, id uint16, self uint64, k *key.Key) *relationship.Engine {
	t.Helper()
	codec, err := frame.NewCodec(frame.DefaultSchema(), crypto.CBC{})
	require.NoError(t, err)
	e, err := relationship.New(&relationship.Config{
		ID:        id,
		Codec:     codec,
		Authority: static.New(),
		Configuration: &protocol.Configuration{
			Params: protocol.Params{SK: 32, SRNA: 2, N: 2},
			PDV:    make([]byte, protocol.PDVSize),
			Nodes:  []uint64{1, 5},
			Self:   self,
		},
		KeySize: 32,
		Keys:    []*key.Key{k, k, k, k},
		Log:     logBackend.GetLogger("relationship"),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

type resolver map[uint16]FrameProcessor

func (r resolver) Relationship(id uint16) (FrameProcessor, bool) {
	p, ok := r[id]
	return p, ok
}

type collector struct {
	ch chan *Delivery
}

func newCollector() *collector { return &collector{ch: make(chan *Delivery, 64)} }

func (c *collector) handle(d *Delivery) { c.ch <- d }

func (c *collector) next(t *testing.T) *Delivery {
	t.Helper()
	select {
	case d := <-c.ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func receiverConfig(r Resolver, c *collector) *ReceiverConfig {
	return &ReceiverConfig{
		Relationships: r,
		Handler:       c.handle,
		Log:           logBackend.GetLogger("receiver"),
	}
}

func TestSenderReceiverOrdering(t *testing.T) {
	require := require.New(t)
	k := testKey(t, 0x42)
	tx := newEngine(t, 1, 5, k)
	rx := newEngine(t, 1, 1, k)

	a, b := net.Pipe()
	c := newCollector()
	recv := NewReceiver(b, receiverConfig(resolver{1: rx}, c))
	defer recv.Halt()
	send := NewSender(a, &SenderConfig{Engine: tx, Self: 5, Log: logBackend.GetLogger("sender")})
	defer send.Halt()

	big := bytes.Repeat([]byte("z"), 3000)
	msgs := [][]byte{[]byte("o1"), []byte("o2"), big, []byte("o3")}
	for _, m := range msgs {
		require.NoError(send.SendData(m, 1))
	}
	for _, m := range msgs {
		d := c.next(t)
		require.NoError(d.Err)
		require.Equal(m, d.Content)
		require.Equal(uint64(5), d.Source)
		require.Equal(uint64(1), d.Target)
		require.Equal(uint16(1), d.RelationshipID)
		require.Equal(protocol.EventRecvSE, d.Event)
		require.Equal(protocol.StatusSuccess, d.Status)
	}
}

func TestSenderOptions(t *testing.T) {
	require := require.New(t)
	k := testKey(t, 0x42)
	tx := newEngine(t, 1, 5, k)
	rx := newEngine(t, 1, 1, k)

	a, b := net.Pipe()
	c := newCollector()
	recv := NewReceiver(b, receiverConfig(resolver{1: rx}, c))
	defer recv.Halt()
	send := NewSender(a, &SenderConfig{Engine: tx, Self: 5})
	defer send.Halt()

	require.NoError(send.SendData([]byte("forced"), 5, WithSource(1), WithEvent(protocol.EventRecvSEI)))
	d := c.next(t)
	require.Equal(uint64(1), d.Source)
	require.Equal(uint64(5), d.Target)
	require.Equal(protocol.EventRecvSEI, d.Event)

	require.Error(send.SendData([]byte("x"), 1<<20))
}

func TestSenderWireFormat(t *testing.T) {
	require := require.New(t)
	k := testKey(t, 0x42)
	tx := newEngine(t, 7, 5, k)

	a, b := net.Pipe()
	send := NewSender(a, &SenderConfig{Engine: tx, Self: 5, ChunkSize: 100})
	defer send.Halt()

	for i := 0; i < 3; i++ {
		require.NoError(send.SendData([]byte{byte(i)}, 1))
	}
	for i := 0; i < 3; i++ {
		h, payload, err := frame.ReadMessage(b, frame.MaxMessageSize)
		require.NoError(err)
		require.Equal(uint16(7), h.RelationshipID)
		require.Equal(int(h.Length), len(payload))

		d, err := tx.Codec().NewEncrypted(h.RelationshipID, payload).Decrypt(k)
		require.NoError(err)
		require.Equal([]byte{byte(i)}, d.Content())
	}
	require.Eventually(func() bool { return send.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSenderDetectsPeerClose(t *testing.T) {
	k := testKey(t, 0x42)
	tx := newEngine(t, 1, 5, k)

	a, b := net.Pipe()
	send := NewSender(a, &SenderConfig{Engine: tx, Self: 5})
	defer send.Halt()
	require.True(t, send.IsActive())

	b.Close()
	require.Eventually(t, func() bool { return !send.IsActive() }, 5*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, send.SendData([]byte("late"), 1), ErrSenderClosed)
}

func TestReceiverSkipsUnknownRelationship(t *testing.T) {
	require := require.New(t)
	k := testKey(t, 0x42)
	rx := newEngine(t, 1, 1, k)
	tx := newEngine(t, 1, 5, k)

	a, b := net.Pipe()
	c := newCollector()
	recv := NewReceiver(b, receiverConfig(resolver{1: rx}, c))
	defer recv.Halt()

	stray := make([]byte, frame.HeaderSize+5)
	binary.BigEndian.PutUint16(stray, 9)
	binary.BigEndian.PutUint64(stray[2:], 5)

	d := tx.Codec().NewDecrypted(1)
	require.NoError(d.SetSourceNode(5))
	d.SetContent([]byte("after stray"))
	enc, err := tx.PrepareFrame(d, nil)
	require.NoError(err)
	require.NoError(enc.SetFrameLength())
	msg, _ := enc.TransmissionBytes()

	go func() {
		_, _ = a.Write(stray)
		_, _ = a.Write(msg)
	}()
	got := c.next(t)
	require.Equal([]byte("after stray"), got.Content)
}

func TestReceiverCannotDecrypt(t *testing.T) {
	require := require.New(t)
	rx := newEngine(t, 1, 1, testKey(t, 0x01))
	tx := newEngine(t, 1, 5, testKey(t, 0x02))

	a, b := net.Pipe()
	c := newCollector()
	recv := NewReceiver(b, receiverConfig(resolver{1: rx}, c))
	defer recv.Halt()
	send := NewSender(a, &SenderConfig{Engine: tx, Self: 5})
	defer send.Halt()

	require.NoError(send.SendData([]byte("secret"), 1))
	d := c.next(t)
	require.Nil(d.Content)
	require.Equal(protocol.EventCannotDecrypt, d.Event)
	require.NoError(d.Err)
}

func TestReceiverClosesOnOversize(t *testing.T) {
	rx := newEngine(t, 1, 1, testKey(t, 0x01))
	a, b := net.Pipe()
	c := newCollector()
	cfg := receiverConfig(resolver{1: rx}, c)
	cfg.MaxMessageSize = 64
	recv := NewReceiver(b, cfg)
	defer recv.Halt()

	hdr := make([]byte, frame.HeaderSize)
	binary.BigEndian.PutUint16(hdr, 1)
	binary.BigEndian.PutUint64(hdr[2:], 65)
	_, err := a.Write(hdr)
	require.NoError(t, err)

	// The receiver hangs up, so the next write fails.
	require.Eventually(t, func() bool {
		_, err := a.Write([]byte{0})
		return err != nil
	}, 5*time.Second, 5*time.Millisecond)
}

type fakeProcessor struct {
	codec *frame.Codec
	res   *relationship.Result
	err   error
}

func (f *fakeProcessor) Codec() *frame.Codec { return f.codec }

func (f *fakeProcessor) ProcessFrame(*frame.Encrypted) (*relationship.Result, error) {
	return f.res, f.err
}

type persister struct {
	mu  sync.Mutex
	ids []uint16
}

func (p *persister) Persist(id uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	return nil
}

func TestReceiverPersistsOnConfigurationChange(t *testing.T) {
	require := require.New(t)
	codec, err := frame.NewCodec(frame.DefaultSchema(), crypto.CBC{})
	require.NoError(err)
	fp := &fakeProcessor{codec: codec, res: &relationship.Result{ConfigurationChanged: true}}
	p := &persister{}

	a, b := net.Pipe()
	c := newCollector()
	cfg := receiverConfig(resolver{3: fp}, c)
	cfg.Persister = p
	recv := NewReceiver(b, cfg)
	defer recv.Halt()

	msg := make([]byte, frame.HeaderSize+4)
	binary.BigEndian.PutUint16(msg, 3)
	binary.BigEndian.PutUint64(msg[2:], 4)
	go func() { _, _ = a.Write(msg) }()

	d := c.next(t)
	require.Nil(d.Content)
	p.mu.Lock()
	require.Equal([]uint16{3}, p.ids)
	p.mu.Unlock()

	fp.err = relationship.ErrClosed
	go func() { _, _ = a.Write(msg) }()
	d = c.next(t)
	require.ErrorIs(d.Err, relationship.ErrClosed)
	require.Equal(protocol.StatusFatalError, d.Status)
}

func TestServerTCP(t *testing.T) {
	require := require.New(t)
	k := testKey(t, 0x42)
	tx := newEngine(t, 1, 5, k)
	rx := newEngine(t, 1, 1, k)

	l, err := ListenTCP("127.0.0.1:0")
	require.NoError(err)
	c := newCollector()
	srv := NewServer(l, receiverConfig(resolver{1: rx}, c))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := DialFunc(DialTCP).Dial(ctx, srv.Addr())
	require.NoError(err)
	send := NewSender(conn, &SenderConfig{Engine: tx, Self: 5})

	require.NoError(send.SendData([]byte("over tcp"), 1))
	require.Equal([]byte("over tcp"), c.next(t).Content)
	require.Equal(1, srv.Connections())

	srv.Halt()
	require.Equal(0, srv.Connections())
	require.Eventually(func() bool { return !send.IsActive() }, 5*time.Second, 5*time.Millisecond)
	send.Halt()
}
