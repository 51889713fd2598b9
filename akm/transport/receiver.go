package transport

import (
	"errors"
	"io"
	"net"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/AKM/akm/frame"
	"github.com/TheusHen/AKM/akm/instrument"
	"github.com/TheusHen/AKM/akm/internal/worker"
	"github.com/TheusHen/AKM/akm/protocol"
)

// ReceiverConfig is shared by every Receiver of a node.
type ReceiverConfig struct {
	Relationships Resolver
	// Persister is optional.
	Persister Persister
	Handler   Handler
	// MaxMessageSize bounds a frame payload; zero means frame.MaxMessageSize.
	MaxMessageSize uint64
	Log            *logging.Logger
}

// Receiver reads frames from one inbound connection.
type Receiver struct {
	worker.Worker

	conn      Conn
	cfg       *ReceiverConfig
	log       *logging.Logger
	limit     uint64
	onClose   func(*Receiver)
	closeOnce sync.Once
}

// NewReceiver starts reading conn. The connection is closed when the peer
// hangs up, on any I/O error, or on Halt.
func NewReceiver(conn Conn, cfg *ReceiverConfig) *Receiver {
	return newReceiver(conn, cfg, nil)
}

func newReceiver(conn Conn, cfg *ReceiverConfig, onClose func(*Receiver)) *Receiver {
	if cfg.Relationships == nil || cfg.Handler == nil {
		panic("transport: receiver needs a resolver and a handler")
	}
	r := &Receiver{
		conn:    conn,
		cfg:     cfg,
		log:     cfg.Log,
		limit:   cfg.MaxMessageSize,
		onClose: onClose,
	}
	if r.log == nil {
		r.log = logging.MustGetLogger("receiver")
	}
	if r.limit == 0 {
		r.limit = frame.MaxMessageSize
	}
	instrument.ConnOpened(inbound)
	r.Go(r.worker)
	return r
}

// Halt closes the connection and waits for the receive loop to return.
func (r *Receiver) Halt() {
	r.close()
	r.Worker.Halt()
}

func (r *Receiver) close() {
	r.closeOnce.Do(func() {
		r.conn.Close()
		instrument.ConnClosed(inbound)
	})
}

func (r *Receiver) worker() {
	defer func() {
		r.close()
		if r.onClose != nil {
			r.onClose(r)
		}
	}()

	for {
		h, err := frame.ReadHeader(r.conn)
		if err != nil {
			r.logReadError(err)
			return
		}

		p, ok := r.cfg.Relationships.Relationship(h.RelationshipID)
		if !ok {
			r.log.Warningf("Dropping %d byte frame for unknown relationship %d.", h.Length, h.RelationshipID)
			instrument.FrameDropped()
			if err := frame.DiscardPayload(r.conn, h, r.limit); err != nil {
				r.logReadError(err)
				return
			}
			continue
		}

		payload, err := frame.ReadPayload(r.conn, h, r.limit)
		if err != nil {
			r.logReadError(err)
			return
		}
		instrument.FrameReceived(h.RelationshipID)
		r.deliver(p, p.Codec().NewEncrypted(h.RelationshipID, payload))
	}
}

func (r *Receiver) logReadError(err error) {
	switch {
	case r.Halted():
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		r.log.Debugf("Connection closed.")
	case errors.Is(err, frame.ErrMessageTooLarge):
		r.log.Errorf("Closing connection: %v", err)
	default:
		r.log.Errorf("Read failed: %v", err)
	}
}

func (r *Receiver) deliver(p FrameProcessor, enc *frame.Encrypted) {
	d := &Delivery{
		RelationshipID: enc.RelationshipID(),
		Event:          protocol.EventCannotDecrypt,
	}

	res, err := p.ProcessFrame(enc)
	if err != nil {
		r.log.Errorf("Relationship %d failed to process frame: %v", d.RelationshipID, err)
		d.Status = protocol.StatusFatalError
		d.Err = err
		r.cfg.Handler(d)
		return
	}

	d.Status = res.Status
	if res.Frame != nil {
		d.Source = res.Frame.SourceNode()
		d.Target = res.Frame.TargetNode()
		d.Event = res.Frame.Event()
		d.Content = res.Frame.Content()
	}
	if res.ConfigurationChanged && r.cfg.Persister != nil {
		if err := r.cfg.Persister.Persist(d.RelationshipID); err != nil {
			r.log.Errorf("Failed to persist relationship %d: %v", d.RelationshipID, err)
		}
	}
	r.cfg.Handler(d)
}
