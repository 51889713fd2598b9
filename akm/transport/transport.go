// Package transport moves AKM frames over stream connections.
//
// A Receiver owns one inbound connection and hands every frame to the
// relationship engine it names. A Sender owns one outbound connection and a
// FIFO of sealed frames. Each runs in its own goroutine; a connection fault
// ends that goroutine only.
package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/TheusHen/AKM/akm/frame"
	"github.com/TheusHen/AKM/akm/protocol"
	"github.com/TheusHen/AKM/akm/relationship"
)

const (
	// KeepAliveInterval is the TCP keepalive period for every connection.
	KeepAliveInterval = 3 * time.Minute

	inbound  = "inbound"
	outbound = "outbound"
)

var (
	ErrSenderClosed = errors.New("transport: sender is not active")
	ErrListenerDone = errors.New("transport: listener closed")
)

// Conn is a reliable ordered byte stream.
type Conn interface {
	io.ReadWriteCloser
}

// Listener accepts inbound connections. Close unblocks Accept.
type Listener interface {
	Accept() (Conn, error)
	Addr() string
	Close() error
}

// Dialer opens outbound connections.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// DialFunc adapts a function to a Dialer.
type DialFunc func(ctx context.Context, addr string) (Conn, error)

func (f DialFunc) Dial(ctx context.Context, addr string) (Conn, error) { return f(ctx, addr) }

// FrameProcessor is the inbound side of a relationship engine.
type FrameProcessor interface {
	Codec() *frame.Codec
	ProcessFrame(enc *frame.Encrypted) (*relationship.Result, error)
}

// FramePreparer is the outbound side of a relationship engine.
type FramePreparer interface {
	ID() uint16
	Codec() *frame.Codec
	PrepareFrame(dec *frame.Decrypted, forced *protocol.Event) (*frame.Encrypted, error)
}

// Resolver finds the engine for a relationship id.
type Resolver interface {
	Relationship(id uint16) (FrameProcessor, bool)
}

// Persister snapshots a relationship's configuration after the engine
// reports a change.
type Persister interface {
	Persist(relationshipID uint16) error
}

// Delivery is the payload of one received frame and its addressing.
// Content is nil when the frame could not be decrypted or processed.
type Delivery struct {
	RelationshipID uint16
	Source         uint64
	Target         uint64
	Event          protocol.Event
	Status         protocol.Status
	Content        []byte
	// Err is set when the engine failed to process the frame.
	Err error
}

// Handler consumes deliveries. It runs on the receiving goroutine.
type Handler func(d *Delivery)
