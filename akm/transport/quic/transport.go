// Package quic carries AKM frames over QUIC. Each connection holds a single
// bidirectional stream, used the same way as a TCP connection.
package quic

import (
	"context"
	"sync"
	"time"

	q "github.com/quic-go/quic-go"

	"github.com/TheusHen/AKM/akm/transport"
)

const (
	handshakeTimeout = 10 * time.Second
	keepAlivePeriod  = 15 * time.Second
)

func config() *q.Config {
	return &q.Config{
		HandshakeIdleTimeout: handshakeTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
	}
}

// streamConn adapts a QUIC connection and its single stream to
// transport.Conn.
type streamConn struct {
	conn   q.Connection
	stream q.Stream
	once   sync.Once
}

func (c *streamConn) Read(p []byte) (int, error) { return c.stream.Read(p) }

func (c *streamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *streamConn) Close() error {
	var err error
	c.once.Do(func() {
		c.stream.CancelRead(0)
		_ = c.stream.Close()
		err = c.conn.CloseWithError(0, "")
	})
	return err
}

// Listener accepts QUIC connections and yields one transport.Conn per
// accepted stream.
type Listener struct {
	inner  *q.Listener
	connCh chan transport.Conn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func Listen(addr string) (*Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, config())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		inner:  ln,
		connCh: make(chan transport.Conn),
		ctx:    ctx,
		cancel: cancel,
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.inner.Accept(l.ctx)
		if err != nil {
			return
		}
		l.wg.Add(1)
		go l.acceptStream(conn)
	}
}

// acceptStream waits for the peer's first stream; QUIC only announces a
// stream once data is written on it.
func (l *Listener) acceptStream(conn q.Connection) {
	defer l.wg.Done()
	st, err := conn.AcceptStream(l.ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return
	}
	c := &streamConn{conn: conn, stream: st}
	select {
	case l.connCh <- c:
	case <-l.ctx.Done():
		_ = c.Close()
	}
}

func (l *Listener) Accept() (transport.Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-l.ctx.Done():
		return nil, transport.ErrListenerDone
	}
}

func (l *Listener) Addr() string { return l.inner.Addr().String() }

func (l *Listener) Close() error {
	l.cancel()
	err := l.inner.Close()
	l.wg.Wait()
	return err
}

// Dial connects to addr and opens the connection's stream.
func Dial(ctx context.Context, addr string) (transport.Conn, error) {
	conn, err := q.DialAddr(ctx, addr, clientTLSConfig(), config())
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{conn: conn, stream: st}, nil
}
