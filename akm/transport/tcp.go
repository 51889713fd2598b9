package transport

import (
	"context"
	"net"
)

// TCPListener accepts TCP connections with keepalive enabled.
type TCPListener struct {
	l net.Listener
}

func ListenTCP(addr string) (*TCPListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{l: l}, nil
}

func (l *TCPListener) Accept() (Conn, error) {
	conn, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(KeepAliveInterval)
	}
	return conn, nil
}

func (l *TCPListener) Addr() string { return l.l.Addr().String() }

func (l *TCPListener) Close() error { return l.l.Close() }

// DialTCP opens a TCP connection to addr.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	d := net.Dialer{KeepAlive: KeepAliveInterval}
	return d.DialContext(ctx, "tcp", addr)
}
