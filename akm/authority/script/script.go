// Package script provides a decision authority that replays a scripted
// command sequence. It records every request it sees.
package script

import (
	"errors"
	"sync"

	"github.com/TheusHen/AKM/akm/protocol"
)

var ErrUnknownHandle = errors.New("script: unknown handle")

// Authority returns queued commands in order. When the queue is empty it
// answers RETURN(SUCCESS).
type Authority struct {
	sync.Mutex

	// InitStatus is returned from Init.
	InitStatus protocol.Status
	// Hook, if set, is called with every request before it is answered.
	Hook func(req *protocol.Request)

	queue    []protocol.Command
	requests []protocol.Request
	cfg      *protocol.Configuration
	handle   protocol.Handle
	freed    bool
}

func New(cmds ...protocol.Command) *Authority {
	return &Authority{queue: cmds}
}

// Push appends commands to the queue.
func (a *Authority) Push(cmds ...protocol.Command) {
	a.Lock()
	defer a.Unlock()
	a.queue = append(a.queue, cmds...)
}

// Pending returns the number of queued commands.
func (a *Authority) Pending() int {
	a.Lock()
	defer a.Unlock()
	return len(a.queue)
}

// Requests returns a copy of every request seen so far.
func (a *Authority) Requests() []protocol.Request {
	a.Lock()
	defer a.Unlock()
	return append([]protocol.Request(nil), a.requests...)
}

// Freed reports whether Free was called for the handle.
func (a *Authority) Freed() bool {
	a.Lock()
	defer a.Unlock()
	return a.freed
}

func (a *Authority) Init(cfg *protocol.Configuration) (protocol.Status, protocol.Handle) {
	a.Lock()
	defer a.Unlock()
	a.cfg = cfg.Clone()
	a.handle = 1
	return a.InitStatus, a.handle
}

func (a *Authority) Process(req *protocol.Request) protocol.Command {
	if a.Hook != nil {
		a.Hook(req)
	}

	a.Lock()
	defer a.Unlock()
	a.requests = append(a.requests, *req)
	if len(a.queue) == 0 {
		return protocol.Return(protocol.StatusSuccess)
	}
	cmd := a.queue[0]
	a.queue = a.queue[1:]
	return cmd
}

func (a *Authority) Free(h protocol.Handle) {
	a.Lock()
	defer a.Unlock()
	if h == a.handle {
		a.freed = true
	}
}

func (a *Authority) Config(h protocol.Handle) (*protocol.Configuration, error) {
	a.Lock()
	defer a.Unlock()
	if h != a.handle || a.freed || a.cfg == nil {
		return nil, ErrUnknownHandle
	}
	return a.cfg.Clone(), nil
}
