package transport

import (
	"errors"
	"net"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/AKM/akm/internal/worker"
)

// Server accepts connections from a Listener and runs a Receiver for each.
type Server struct {
	sync.Mutex
	worker.Worker

	l     Listener
	cfg   *ReceiverConfig
	log   *logging.Logger
	conns map[*Receiver]struct{}
}

// NewServer starts accepting on l.
func NewServer(l Listener, cfg *ReceiverConfig) *Server {
	s := &Server{
		l:     l,
		cfg:   cfg,
		log:   cfg.Log,
		conns: make(map[*Receiver]struct{}),
	}
	if s.log == nil {
		s.log = logging.MustGetLogger("listener")
	}
	s.Go(s.worker)
	return s
}

func (s *Server) Addr() string { return s.l.Addr() }

// Connections returns the number of live receivers.
func (s *Server) Connections() int {
	s.Lock()
	defer s.Unlock()
	return len(s.conns)
}

// Halt stops accepting and closes every receiver.
func (s *Server) Halt() {
	s.l.Close()
	s.Worker.Halt()

	s.Lock()
	conns := make([]*Receiver, 0, len(s.conns))
	for r := range s.conns {
		conns = append(conns, r)
	}
	s.Unlock()
	for _, r := range conns {
		r.Halt()
	}
}

func (s *Server) worker() {
	addr := s.l.Addr()
	s.log.Noticef("Listening on: %v", addr)
	defer s.log.Noticef("Stopping listening on: %v", addr)

	for {
		conn, err := s.l.Accept()
		if err != nil {
			if s.Halted() || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrListenerDone) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Errorf("Accept failure: %v", err)
			return
		}

		s.Lock()
		if s.Halted() {
			s.Unlock()
			conn.Close()
			return
		}
		r := newReceiver(conn, s.cfg, s.onClosed)
		s.conns[r] = struct{}{}
		s.Unlock()
	}
}

func (s *Server) onClosed(r *Receiver) {
	s.Lock()
	defer s.Unlock()
	delete(s.conns, r)
}
