package akm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/AKM/akm/authority/static"
	"github.com/TheusHen/AKM/akm/config"
	"github.com/TheusHen/AKM/akm/content"
	"github.com/TheusHen/AKM/akm/discovery"
	"github.com/TheusHen/AKM/akm/discovery/memory"
	"github.com/TheusHen/AKM/akm/instrument"
	"github.com/TheusHen/AKM/akm/internal/worker"
	"github.com/TheusHen/AKM/akm/log"
	"github.com/TheusHen/AKM/akm/protocol"
	"github.com/TheusHen/AKM/akm/registry"
	"github.com/TheusHen/AKM/akm/relationship"
	"github.com/TheusHen/AKM/akm/snapshot"
	"github.com/TheusHen/AKM/akm/transport"
	"github.com/TheusHen/AKM/akm/transport/quic"
)

const (
	defaultRedialInterval = 5 * time.Second
	dialTimeout           = 10 * time.Second
)

var (
	ErrNotListening        = errors.New("akm: node is not listening")
	ErrUnknownRelationship = errors.New("akm: unknown relationship")
	ErrShutdown            = errors.New("akm: node is shut down")
	ErrUnknownTransport    = errors.New("akm: unknown transport")
)

// Option customizes a Node.
type Option func(*Node)

// WithLogBackend replaces the backend built from the Logging section.
func WithLogBackend(b *log.Backend) Option {
	return func(n *Node) { n.logBackend = b }
}

// WithHandler receives every delivery, after content decoding. Without it,
// deliveries are logged.
func WithHandler(h transport.Handler) Option {
	return func(n *Node) { n.handler = h }
}

// WithAuthority replaces the default static decision authority.
func WithAuthority(a protocol.Authority) Option {
	return func(n *Node) { n.authority = a }
}

// WithDialer replaces the dialer for one transport ("tcp" or "quic").
func WithDialer(name string, d transport.Dialer) Option {
	return func(n *Node) { n.dialers[name] = d }
}

// WithRedialInterval sets how often dead senders are replaced. Zero
// disables redialing.
func WithRedialInterval(d time.Duration) Option {
	return func(n *Node) { n.redial = d }
}

type binding struct {
	cfg     *config.Relationship
	engine  *relationship.Engine
	content *content.Codec
}

// Node runs every configured relationship of one process.
type Node struct {
	worker.Worker
	sync.RWMutex

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	authority protocol.Authority
	dialers   map[string]transport.Dialer
	handler   transport.Handler
	redial    time.Duration

	rels      map[uint16]*binding
	registry  *registry.Registry
	discovery discovery.Resolver
	snapshots *snapshot.Store

	server   *transport.Server
	metrics  *http.Server
	shutdown bool
	doneCh   chan struct{}
}

// New builds the node and initializes its relationships. It does not touch
// the network until Start.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	n := &Node{
		cfg:       cfg,
		redial:    defaultRedialInterval,
		rels:      make(map[uint16]*binding),
		registry:  registry.New(),
		discovery: memory.New(),
		doneCh:    make(chan struct{}),
		dialers: map[string]transport.Dialer{
			config.TransportTCP:  transport.DialFunc(transport.DialTCP),
			config.TransportQUIC: transport.DialFunc(quic.Dial),
		},
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.logBackend == nil {
		b, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
		if err != nil {
			return nil, err
		}
		n.logBackend = b
	}
	n.log = n.logBackend.GetLogger("node")
	if n.authority == nil {
		n.authority = static.New()
	}

	if path := cfg.Node.SnapshotPath(); path != "" {
		if err := os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
			return nil, err
		}
		s, err := snapshot.Open(path, n.logBackend.GetLogger("snapshot"))
		if err != nil {
			return nil, fmt.Errorf("akm: failed to open snapshots: %w", err)
		}
		n.snapshots = s
	}

	for _, rCfg := range cfg.Relationship {
		if err := n.addRelationship(rCfg); err != nil {
			n.closeRelationships()
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) addRelationship(rCfg *config.Relationship) error {
	if n.snapshots != nil && !n.cfg.Debug.ForceFileConfig {
		rec, err := n.snapshots.Load(rCfg.ID, rCfg.SelfAddress)
		switch {
		case err == nil:
			if err := rCfg.Overlay(rec); err != nil {
				return err
			}
			n.log.Noticef("Relationship %d: resuming from snapshot of %v.", rCfg.ID, rec.SavedAt)
		case errors.Is(err, snapshot.ErrNotFound):
		default:
			n.log.Warningf("Relationship %d: ignoring snapshot: %v", rCfg.ID, err)
		}
	}

	codec, err := rCfg.Codec()
	if err != nil {
		return err
	}
	keys, err := rCfg.Keys()
	if err != nil {
		return err
	}
	pcfg, err := rCfg.Configuration()
	if err != nil {
		return err
	}
	cc, err := rCfg.Content()
	if err != nil {
		return err
	}

	id := rCfg.ID
	e, err := relationship.New(&relationship.Config{
		ID:            id,
		Codec:         codec,
		Authority:     n.authority,
		Configuration: pcfg,
		KeySize:       rCfg.KeySize,
		Keys:          keys,
		Log:           n.logBackend.GetLogger(fmt.Sprintf("relationship/%d", id)),
		OnTimeout:     func(r *relationship.Result, err error) { n.onTimeout(id, r, err) },
	})
	if err != nil {
		return fmt.Errorf("akm: relationship %d: %w", id, err)
	}

	n.Lock()
	n.rels[id] = &binding{cfg: rCfg, engine: e, content: cc}
	n.Unlock()

	for _, p := range rCfg.Peer {
		ap, err := p.AddrPort()
		if err != nil {
			return err
		}
		if err := n.discovery.Announce(discovery.Endpoint{
			RelationshipID: id,
			Node:           p.Address,
			Addr:           ap,
			Transport:      p.TransportOr(n.cfg.Node.Transport),
		}); err != nil {
			return err
		}
	}
	if e.ConfigurationChanged() {
		return n.Persist(id)
	}
	return nil
}

func (n *Node) onTimeout(id uint16, r *relationship.Result, err error) {
	if err != nil {
		n.log.Errorf("Relationship %d: timer pass failed: %v", id, err)
		return
	}
	if r.ConfigurationChanged {
		if err := n.Persist(id); err != nil {
			n.log.Errorf("Relationship %d: failed to persist: %v", id, err)
		}
	}
}

func (n *Node) binding(id uint16) (*binding, bool) {
	n.RLock()
	defer n.RUnlock()
	b, ok := n.rels[id]
	return b, ok
}

// Relationship returns the engine for id.
func (n *Node) Relationship(id uint16) (transport.FrameProcessor, bool) {
	b, ok := n.binding(id)
	if !ok {
		return nil, false
	}
	return b.engine, true
}

// Persist stores the current configuration of relationship id. It is a no-op
// when snapshots are disabled.
func (n *Node) Persist(id uint16) error {
	b, ok := n.binding(id)
	if !ok {
		return ErrUnknownRelationship
	}
	if n.snapshots == nil {
		return nil
	}
	st, err := b.engine.Snapshot()
	if err != nil {
		return err
	}
	if err := n.snapshots.Save(snapshot.NewRecord(st)); err != nil {
		return err
	}
	instrument.Snapshot(id)
	n.log.Debugf("Relationship %d: snapshot saved.", id)
	return nil
}

// Announce updates where a peer can be reached.
func (n *Node) Announce(ep discovery.Endpoint) error {
	return n.discovery.Announce(ep)
}

// Start binds the receiver server, the optional metrics endpoint and the
// redial loop.
func (n *Node) Start() error {
	var (
		l   transport.Listener
		err error
	)
	switch n.cfg.Node.Transport {
	case config.TransportQUIC:
		l, err = quic.Listen(n.cfg.Node.Listen)
	default:
		l, err = transport.ListenTCP(n.cfg.Node.Listen)
	}
	if err != nil {
		return err
	}

	n.Lock()
	if n.shutdown {
		n.Unlock()
		l.Close()
		return ErrShutdown
	}
	n.server = transport.NewServer(l, &transport.ReceiverConfig{
		Relationships:  n,
		Persister:      n,
		Handler:        n.deliver,
		MaxMessageSize: uint64(n.cfg.Node.MaxMessageSize),
		Log:            n.logBackend.GetLogger("receiver"),
	})
	n.Unlock()

	if addr := n.cfg.Node.MetricsAddress; addr != "" {
		if err := n.serveMetrics(addr); err != nil {
			return err
		}
	}
	if n.redial > 0 {
		n.Go(n.redialWorker)
	}
	return nil
}

func (n *Node) serveMetrics(addr string) error {
	instrument.Init()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", instrument.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	n.Lock()
	n.metrics = srv
	n.Unlock()
	n.log.Noticef("Serving metrics on: %v", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Errorf("Metrics server failed: %v", err)
		}
	}()
	return nil
}

// Addr returns the receiver's bound address.
func (n *Node) Addr() (string, error) {
	n.RLock()
	defer n.RUnlock()
	if n.server == nil {
		return "", ErrNotListening
	}
	return n.server.Addr(), nil
}

// Connect returns a live Sender to node, dialing one if needed.
func (n *Node) Connect(ctx context.Context, id uint16, node uint64) (*transport.Sender, error) {
	b, ok := n.binding(id)
	if !ok {
		return nil, ErrUnknownRelationship
	}
	if s, ok := n.registry.Get(id, node); ok {
		if s.IsActive() {
			return s, nil
		}
		n.registry.Remove(id, node, s)
		s.Halt()
	}

	ep, err := n.discovery.Lookup(id, node)
	if err != nil {
		return nil, err
	}
	d, err := n.dialer(ep.Transport)
	if err != nil {
		return nil, err
	}
	conn, err := d.Dial(ctx, ep.Addr.String())
	if err != nil {
		return nil, err
	}
	s := transport.NewSender(conn, &transport.SenderConfig{
		Engine: b.engine,
		Self:   b.cfg.SelfAddress,
		Log:    n.logBackend.GetLogger(fmt.Sprintf("sender/%d/%d", id, node)),
	})
	cur, added := n.registry.Add(id, node, s)
	if !added {
		s.Halt()
		return cur, nil
	}
	n.log.Debugf("Relationship %d: connected to node %d at %v.", id, node, ep.Addr)
	return s, nil
}

// dialer picks the dialer for an endpoint's transport; an endpoint without
// one uses the node's own transport.
func (n *Node) dialer(name string) (transport.Dialer, error) {
	if name == "" {
		name = n.cfg.Node.Transport
	}
	d, ok := n.dialers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}
	return d, nil
}

// Send encodes payload and queues it for target, dialing the target first
// if there is no live connection.
func (n *Node) Send(ctx context.Context, id uint16, target uint64, payload []byte, opts ...transport.SendOption) error {
	b, ok := n.binding(id)
	if !ok {
		return ErrUnknownRelationship
	}
	s, err := n.Connect(ctx, id, target)
	if err != nil {
		return err
	}
	return s.SendData(b.content.Encode(payload), target, opts...)
}

// Broadcast sends payload to every peer of the relationship and returns the
// first error.
func (n *Node) Broadcast(ctx context.Context, id uint16, payload []byte, opts ...transport.SendOption) error {
	b, ok := n.binding(id)
	if !ok {
		return ErrUnknownRelationship
	}
	var first error
	for _, p := range b.cfg.Peer {
		if err := n.Send(ctx, id, p.Address, payload, opts...); err != nil && first == nil {
			first = fmt.Errorf("node %d: %w", p.Address, err)
		}
	}
	return first
}

// Reinit forces a LOCAL_SEI pass on relationship id.
func (n *Node) Reinit(id uint16) (protocol.Status, error) {
	b, ok := n.binding(id)
	if !ok {
		return protocol.StatusFatalError, ErrUnknownRelationship
	}
	r, err := b.engine.ForceLocalReinit()
	if err != nil {
		return protocol.StatusFatalError, err
	}
	if r.ConfigurationChanged {
		if err := n.Persist(id); err != nil {
			return r.Status, err
		}
	}
	return r.Status, nil
}

func (n *Node) deliver(d *transport.Delivery) {
	if b, ok := n.binding(d.RelationshipID); ok && d.Content != nil {
		c, err := b.content.Decode(d.Content)
		if err != nil {
			n.log.Warningf("Relationship %d: dropping undecodable content from node %d: %v", d.RelationshipID, d.Source, err)
			d.Content = nil
			d.Err = err
		} else {
			d.Content = c
		}
	}
	if n.handler != nil {
		n.handler(d)
		return
	}
	if d.Content == nil {
		n.log.Warningf("Relationship %d: undeliverable frame, event %v status %v", d.RelationshipID, d.Event, d.Status)
		return
	}
	n.log.Infof("Relationship %d: received %d bytes from node %d (event %v).", d.RelationshipID, len(d.Content), d.Source, d.Event)
}

func (n *Node) redialWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-n.HaltCh():
		case <-ctx.Done():
		}
		cancel()
	}()

	t := time.NewTicker(n.redial)
	defer t.Stop()
	for {
		n.connectAll(ctx)
		select {
		case <-n.HaltCh():
			return
		case <-t.C:
		}
	}
}

func (n *Node) connectAll(ctx context.Context) {
	n.RLock()
	ids := make([]uint16, 0, len(n.rels))
	for id := range n.rels {
		ids = append(ids, id)
	}
	n.RUnlock()

	for _, id := range ids {
		eps, err := n.discovery.List(id)
		if err != nil {
			continue
		}
		for _, ep := range eps {
			if ctx.Err() != nil {
				return
			}
			if s, ok := n.registry.Get(id, ep.Node); ok && s.IsActive() {
				continue
			}
			dctx, cancel := context.WithTimeout(ctx, dialTimeout)
			if _, err := n.Connect(dctx, id, ep.Node); err != nil {
				n.log.Debugf("Relationship %d: node %d unreachable: %v", id, ep.Node, err)
			}
			cancel()
		}
	}
}

// RotateLog reopens the log file.
func (n *Node) RotateLog() error { return n.logBackend.Rotate() }

// Shutdown stops the node and releases every relationship. It is safe to
// call more than once.
func (n *Node) Shutdown() {
	n.Lock()
	if n.shutdown {
		n.Unlock()
		return
	}
	n.shutdown = true
	server, metrics := n.server, n.metrics
	n.Unlock()

	n.Halt()
	if server != nil {
		server.Halt()
	}
	if metrics != nil {
		metrics.Close()
	}
	n.registry.Close()
	n.closeRelationships()
	n.log.Noticef("Node shut down.")
	close(n.doneCh)
}

// Wait blocks until Shutdown completes.
func (n *Node) Wait() { <-n.doneCh }

func (n *Node) closeRelationships() {
	n.Lock()
	rels := n.rels
	n.rels = make(map[uint16]*binding)
	n.Unlock()
	for _, b := range rels {
		b.engine.Close()
	}
	if n.snapshots != nil {
		if err := n.snapshots.Close(); err != nil {
			n.log.Errorf("Failed to close snapshots: %v", err)
		}
	}
}
