package akm

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheusHen/AKM/akm/config"
	"github.com/TheusHen/AKM/akm/discovery"
	"github.com/TheusHen/AKM/akm/key"
	"github.com/TheusHen/AKM/akm/log"
	"github.com/TheusHen/AKM/akm/protocol"
	"github.com/TheusHen/AKM/akm/transport"
	"github.com/TheusHen/AKM/akm/transport/quic"
)

const testRelationship = 1

func testConfig(t *testing.T, self uint64, peers []uint64, tr, dataDir string) *config.Config {
	t.Helper()
	r := &config.Relationship{
		ID:          testRelationship,
		SelfAddress: self,
		Compression: "lz4",
	}
	for _, p := range peers {
		r.Peer = append(r.Peer, &config.Peer{Address: p, Endpoint: "127.0.0.1:1"})
	}
	cfg := &config.Config{
		Node: &config.Node{
			Listen:    "127.0.0.1:0",
			Transport: tr,
			DataDir:   dataDir,
		},
		Relationship: []*config.Relationship{r},
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func startNode(t *testing.T, cfg *config.Config, h transport.Handler) *Node {
	t.Helper()
	n, err := New(cfg, WithLogBackend(log.Discard()), WithHandler(h), WithRedialInterval(0))
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(n.Shutdown)
	return n
}

func announce(t *testing.T, n *Node, node uint64, peer *Node) {
	t.Helper()
	announceVia(t, n, node, peer, "")
}

func announceVia(t *testing.T, n *Node, node uint64, peer *Node, tr string) {
	t.Helper()
	addr, err := peer.Addr()
	require.NoError(t, err)
	require.NoError(t, n.Announce(discovery.Endpoint{
		RelationshipID: testRelationship,
		Node:           node,
		Addr:           netip.MustParseAddrPort(addr),
		Transport:      tr,
	}))
}

func recv(t *testing.T, ch <-chan *transport.Delivery) *transport.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func testExchange(t *testing.T, tr string) {
	require := require.New(t)
	ctx := context.Background()

	got := make(chan *transport.Delivery, 8)
	a := startNode(t, testConfig(t, 1, []uint64{2}, tr, ""), func(*transport.Delivery) {})
	b := startNode(t, testConfig(t, 2, []uint64{1}, tr, ""), func(d *transport.Delivery) { got <- d })
	announce(t, a, 2, b)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	require.NoError(a.Send(ctx, testRelationship, 2, payload))
	require.NoError(a.Send(ctx, testRelationship, 2, []byte("second"), transport.WithEvent(protocol.EventRecvSEC)))

	d := recv(t, got)
	require.NoError(d.Err)
	require.Equal(protocol.StatusSuccess, d.Status)
	require.Equal(uint64(1), d.Source)
	require.Equal(uint64(2), d.Target)
	require.Equal(protocol.EventRecvSE, d.Event)
	require.Equal(payload, d.Content)

	d = recv(t, got)
	require.Equal(protocol.EventRecvSEC, d.Event)
	require.Equal([]byte("second"), d.Content)

	// The sender is reused.
	s1, err := a.Connect(ctx, testRelationship, 2)
	require.NoError(err)
	s2, err := a.Connect(ctx, testRelationship, 2)
	require.NoError(err)
	require.Same(s1, s2)
}

func TestNodeExchangeTCP(t *testing.T) {
	testExchange(t, config.TransportTCP)
}

func TestNodeExchangeQUIC(t *testing.T) {
	testExchange(t, config.TransportQUIC)
}

func TestNodeDialsPerEndpointTransport(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	got := make(chan *transport.Delivery, 1)
	var quicDials atomic.Int32
	a, err := New(testConfig(t, 1, []uint64{2}, config.TransportTCP, ""),
		WithLogBackend(log.Discard()),
		WithRedialInterval(0),
		WithDialer(config.TransportQUIC, transport.DialFunc(func(ctx context.Context, addr string) (transport.Conn, error) {
			quicDials.Add(1)
			return quic.Dial(ctx, addr)
		})))
	require.NoError(err)
	require.NoError(a.Start())
	defer a.Shutdown()
	b := startNode(t, testConfig(t, 2, []uint64{1}, config.TransportQUIC, ""), func(d *transport.Delivery) { got <- d })

	// The TCP node reaches the QUIC-only peer through the endpoint's transport.
	announceVia(t, a, 2, b, config.TransportQUIC)
	require.NoError(a.Send(ctx, testRelationship, 2, []byte("across transports")))
	require.Equal([]byte("across transports"), recv(t, got).Content)
	require.Equal(int32(1), quicDials.Load())

	announceVia(t, a, 3, b, "carrier-pigeon")
	_, err = a.Connect(ctx, testRelationship, 3)
	require.ErrorIs(err, ErrUnknownTransport)
}

func TestNodeBroadcast(t *testing.T) {
	require := require.New(t)

	got := make(chan *transport.Delivery, 8)
	h := func(d *transport.Delivery) { got <- d }
	a := startNode(t, testConfig(t, 1, []uint64{2, 3}, config.TransportTCP, ""), func(*transport.Delivery) {})
	b := startNode(t, testConfig(t, 2, []uint64{1, 3}, config.TransportTCP, ""), h)
	c := startNode(t, testConfig(t, 3, []uint64{1, 2}, config.TransportTCP, ""), h)
	announce(t, a, 2, b)
	announce(t, a, 3, c)

	require.NoError(a.Broadcast(context.Background(), testRelationship, []byte("all")))
	targets := map[uint64]bool{}
	for range 2 {
		d := recv(t, got)
		require.Equal([]byte("all"), d.Content)
		targets[d.Target] = true
	}
	require.Equal(map[uint64]bool{2: true, 3: true}, targets)
}

func TestNodeRedial(t *testing.T) {
	require := require.New(t)

	got := make(chan *transport.Delivery, 1)
	b := startNode(t, testConfig(t, 2, []uint64{1}, config.TransportTCP, ""), func(d *transport.Delivery) { got <- d })
	addr, err := b.Addr()
	require.NoError(err)

	cfg := testConfig(t, 1, []uint64{2}, config.TransportTCP, "")
	cfg.Relationship[0].Peer[0].Endpoint = addr
	a, err := New(cfg, WithLogBackend(log.Discard()), WithRedialInterval(50*time.Millisecond))
	require.NoError(err)
	require.NoError(a.Start())
	defer a.Shutdown()

	require.Eventually(func() bool {
		s, ok := a.registry.Get(testRelationship, 2)
		return ok && s.IsActive()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNodeErrors(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	n, err := New(testConfig(t, 1, []uint64{2}, config.TransportTCP, ""), WithLogBackend(log.Discard()))
	require.NoError(err)
	defer n.Shutdown()

	_, err = n.Addr()
	require.ErrorIs(err, ErrNotListening)
	require.ErrorIs(n.Send(ctx, 9, 2, []byte("x")), ErrUnknownRelationship)
	require.ErrorIs(n.Persist(9), ErrUnknownRelationship)
	_, err = n.Reinit(9)
	require.ErrorIs(err, ErrUnknownRelationship)
	_, err = n.Connect(ctx, testRelationship, 5)
	require.ErrorIs(err, discovery.ErrNotFound)

	_, ok := n.Relationship(testRelationship)
	require.True(ok)
	_, ok = n.Relationship(9)
	require.False(ok)

	status, err := n.Reinit(testRelationship)
	require.NoError(err)
	require.Equal(protocol.StatusSuccess, status)

	n.Shutdown()
	n.Shutdown()
	require.ErrorIs(n.Start(), ErrShutdown)
}

func slotKeys(t *testing.T, n *Node) [key.Slots]*key.Key {
	t.Helper()
	b, ok := n.binding(testRelationship)
	require.True(t, ok)
	st, err := b.engine.Snapshot()
	require.NoError(t, err)
	return st.Keys
}

func TestNodeSnapshotRestore(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	withKeys := func(force bool) *config.Config {
		cfg := testConfig(t, 1, []uint64{2}, config.TransportTCP, dir)
		if force {
			cfg.Debug.ForceFileConfig = true
		}
		return cfg
	}

	first := withKeys(false)
	k, err := key.Generate(32)
	require.NoError(err)
	first.Relationship[0].InitialKeys = []string{k.Base64(), "", "", ""}

	n, err := New(first, WithLogBackend(log.Discard()))
	require.NoError(err)
	saved := slotKeys(t, n)
	require.True(k.Equal(saved[0]))
	require.NoError(n.Persist(testRelationship))
	n.Shutdown()

	// The file config derives different keys, the snapshot wins.
	n, err = New(withKeys(false), WithLogBackend(log.Discard()))
	require.NoError(err)
	restored := slotKeys(t, n)
	require.True(k.Equal(restored[0]))
	require.Nil(restored[1])
	n.Shutdown()

	n, err = New(withKeys(true), WithLogBackend(log.Discard()))
	require.NoError(err)
	forced := slotKeys(t, n)
	require.False(k.Equal(forced[0]))
	require.NotNil(forced[1])
	n.Shutdown()
}
