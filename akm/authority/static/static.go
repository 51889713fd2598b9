// Package static provides a decision authority that never rotates keys.
//
// Every node keeps slot 0 for both directions and announces RECV_SE. Frames
// from nodes outside the roster are answered with UNKNOWN_SOURCE. It lets a
// deployment run the transport end to end without a rotation engine.
package static

import (
	"errors"
	"sync"

	"github.com/TheusHen/AKM/akm/protocol"
)

var ErrUnknownHandle = errors.New("static: unknown handle")

type relationship struct {
	cfg     *protocol.Configuration
	pending []protocol.Command
}

// Authority is safe for concurrent use across handles.
type Authority struct {
	sync.Mutex

	next protocol.Handle
	rels map[protocol.Handle]*relationship
}

func New() *Authority {
	return &Authority{rels: make(map[protocol.Handle]*relationship)}
}

func (a *Authority) Init(cfg *protocol.Configuration) (protocol.Status, protocol.Handle) {
	if cfg == nil || len(cfg.PDV) != protocol.PDVSize || !cfg.HasNode(cfg.Self) {
		return protocol.StatusFatalError, 0
	}

	a.Lock()
	defer a.Unlock()
	a.next++
	a.rels[a.next] = &relationship{cfg: cfg.Clone()}
	return protocol.StatusSuccess, a.next
}

func nodeFromBytes(b []byte) uint64 {
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	return n
}

func plan(r *relationship, req *protocol.Request) []protocol.Command {
	if req.Source != nil && !r.cfg.HasNode(nodeFromBytes(req.Source)) {
		return []protocol.Command{protocol.Return(protocol.StatusUnknownSource)}
	}
	switch req.Event {
	case protocol.EventNone, protocol.EventLocalSEI:
		return []protocol.Command{
			protocol.UseKeys(0, 0),
			protocol.SetSendEvent(protocol.EventRecvSE),
			protocol.Return(protocol.StatusSuccess),
		}
	default:
		return []protocol.Command{protocol.Return(protocol.StatusSuccess)}
	}
}

func (a *Authority) Process(req *protocol.Request) protocol.Command {
	a.Lock()
	defer a.Unlock()
	r, ok := a.rels[req.Handle]
	if !ok {
		return protocol.Return(protocol.StatusFatalError)
	}
	if len(r.pending) == 0 {
		r.pending = plan(r, req)
	}
	cmd := r.pending[0]
	r.pending = r.pending[1:]
	return cmd
}

func (a *Authority) Free(h protocol.Handle) {
	a.Lock()
	defer a.Unlock()
	delete(a.rels, h)
}

func (a *Authority) Config(h protocol.Handle) (*protocol.Configuration, error) {
	a.Lock()
	defer a.Unlock()
	r, ok := a.rels[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return r.cfg.Clone(), nil
}
