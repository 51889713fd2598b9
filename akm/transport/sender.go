package transport

import (
	"sync"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/AKM/akm/frame"
	"github.com/TheusHen/AKM/akm/instrument"
	"github.com/TheusHen/AKM/akm/internal/worker"
	"github.com/TheusHen/AKM/akm/protocol"
)

// SenderConfig describes the relationship a Sender writes for.
type SenderConfig struct {
	Engine FramePreparer
	// Self is the default source address of outgoing frames.
	Self uint64
	// ChunkSize bounds a single socket write; zero means frame.ChunkSize.
	ChunkSize int
	Log       *logging.Logger
}

type sendOptions struct {
	source uint64
	event  *protocol.Event
}

// SendOption adjusts a single SendData call.
type SendOption func(*sendOptions)

// WithSource overrides the source address.
func WithSource(addr uint64) SendOption {
	return func(o *sendOptions) { o.source = addr }
}

// WithEvent forces the frame's event instead of the engine's outgoing event.
func WithEvent(ev protocol.Event) SendOption {
	return func(o *sendOptions) { o.event = &ev }
}

// Sender writes sealed frames to one destination in enqueue order.
type Sender struct {
	worker.Worker

	conn   Conn
	engine FramePreparer
	self   uint64
	chunk  int
	log    *logging.Logger

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}

	active    atomic.Bool
	closeOnce sync.Once
}

// NewSender starts the send loop on conn.
func NewSender(conn Conn, cfg *SenderConfig) *Sender {
	if cfg.Engine == nil {
		panic("transport: sender needs an engine")
	}
	s := &Sender{
		conn:   conn,
		engine: cfg.Engine,
		self:   cfg.Self,
		chunk:  cfg.ChunkSize,
		log:    cfg.Log,
		notify: make(chan struct{}, 1),
	}
	if s.log == nil {
		s.log = logging.MustGetLogger("sender")
	}
	if s.chunk <= 0 {
		s.chunk = frame.ChunkSize
	}
	s.active.Store(true)
	instrument.ConnOpened(outbound)
	s.Go(s.worker)
	return s
}

// IsActive reports whether the connection is still usable. A dead Sender
// stays dead; the owner must dial a new one.
func (s *Sender) IsActive() bool { return s.active.Load() }

// Pending returns the number of frames waiting to be written.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// SendData seals content for target and queues it. It never blocks on the
// network.
func (s *Sender) SendData(content []byte, target uint64, opts ...SendOption) error {
	if !s.IsActive() {
		return ErrSenderClosed
	}
	o := sendOptions{source: s.self}
	for _, opt := range opts {
		opt(&o)
	}

	d := s.engine.Codec().NewDecrypted(s.engine.ID())
	if err := d.SetSourceNode(o.source); err != nil {
		return err
	}
	if err := d.SetTargetNode(target); err != nil {
		return err
	}
	d.SetContent(content)

	enc, err := s.engine.PrepareFrame(d, o.event)
	if err != nil {
		return err
	}
	if err := enc.SetFrameLength(); err != nil {
		return err
	}
	msg, err := enc.TransmissionBytes()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *Sender) head() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	return s.queue[0]
}

func (s *Sender) pop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue[0] = nil
	s.queue = s.queue[1:]
}

// Halt closes the connection and waits for the send loop to return. Frames
// still queued are dropped.
func (s *Sender) Halt() {
	s.close()
	s.Worker.Halt()
}

func (s *Sender) close() {
	s.closeOnce.Do(func() {
		s.active.Store(false)
		s.conn.Close()
		instrument.ConnClosed(outbound)
	})
}

func (s *Sender) worker() {
	defer s.close()

	// Outgoing connections carry no reverse traffic, so a read only
	// returns once the peer has closed the connection.
	peerClosedCh := make(chan struct{})
	go func() {
		var oneByte [1]byte
		if n, err := s.conn.Read(oneByte[:]); n != 0 || err == nil {
			s.log.Warningf("Peer sent reverse traffic.")
		}
		close(peerClosedCh)
	}()

	for {
		select {
		case <-s.HaltCh():
			return
		case <-peerClosedCh:
			s.log.Debugf("Connection closed by peer.")
			return
		case <-s.notify:
		}

		for msg := s.head(); msg != nil; msg = s.head() {
			if s.Halted() {
				return
			}
			if err := frame.WriteMessage(s.conn, msg, s.chunk); err != nil {
				if !s.Halted() {
					s.log.Errorf("Write failed: %v", err)
				}
				return
			}
			s.pop()
			instrument.FrameSent(s.engine.ID())
		}
	}
}
