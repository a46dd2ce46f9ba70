// Package tunnel runs the tunnel endpoints: the accept loop shared by the
// packet and proxy servers, the packet server holding one tunnel stream at a
// time, and the agent's reconnecting packet client.
package tunnel

import (
	"context"
	"fmt"
)

// Acceptor is the part of a listener Serve needs. net.Listener satisfies
// Acceptor[net.Conn]; transport.Listener satisfies
// Acceptor[io.ReadWriteCloser].
type Acceptor[T any] interface {
	Accept() (T, error)
	Close() error
}

// Serve accepts connections from ln and passes each to handle on the
// accepting goroutine; handlers that run long must spawn their own. It
// closes ln when ctx is cancelled and returns nil on that shutdown, or the
// accept error otherwise.
func Serve[T any](ctx context.Context, ln Acceptor[T], handle func(T)) error {
	stop := make(chan struct{})
	defer close(stop)

	// Cancellation unblocks Accept by closing ln.
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				ln.Close()
				return fmt.Errorf("accept error: %w", err)
			}
		}

		handle(conn)
	}
}
