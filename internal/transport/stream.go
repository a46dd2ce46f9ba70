package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// Dialer opens a tunnel stream to the packet server.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// Listener accepts tunnel streams. Close unblocks a pending Accept.
type Listener interface {
	Accept() (io.ReadWriteCloser, error)
	Close() error
	Addr() net.Addr
}

const keepAlivePeriod = 30 * time.Second

// ---------------------------------------------------------------------------
// tcp
// ---------------------------------------------------------------------------

// TCPDialer dials a raw TCP tunnel stream.
type TCPDialer struct {
	Addr string
}

// Dial connects to d.Addr.
func (d *TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	nd := net.Dialer{KeepAlive: keepAlivePeriod}
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial packet server %s: %w", d.Addr, err)
	}
	return conn, nil
}

// tcpListener adapts a net.Listener to Listener.
type tcpListener struct {
	net.Listener
}

// ListenTCP binds a raw TCP tunnel listener on addr.
func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &tcpListener{Listener: ln}, nil
}

func (l *tcpListener) Accept() (io.ReadWriteCloser, error) {
	return l.Listener.Accept()
}
