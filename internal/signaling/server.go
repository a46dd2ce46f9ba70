package signaling

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtun/internal/transport"
	"github.com/1ureka/rtun/internal/util"
	"github.com/1ureka/rtun/internal/webrtc"
)

// HandshakeTimeout bounds one offer/answer exchange plus DataChannel open.
const HandshakeTimeout = 30 * time.Second

// Listener accepts agents on the signaling endpoint and returns an open
// DataChannel stream per agent. It implements transport.Listener.
type Listener struct {
	http       *transport.HTTPListener
	iceServers []string
	log        util.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

var _ transport.Listener = (*Listener)(nil)

// Listen binds the signaling endpoint on addr.
func Listen(addr string, iceServers []string, log util.Logger) (*Listener, error) {
	hl, err := transport.ListenHTTP(addr, Path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		http:       hl,
		iceServers: iceServers,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Accept blocks until an agent completed signaling and the DataChannel is
// open. Failed handshakes are logged and the next agent is awaited.
func (l *Listener) Accept() (io.ReadWriteCloser, error) {
	for {
		conn, err := l.http.AcceptConn()
		if err != nil {
			return nil, err
		}
		l.log.Infof("signaling client connected from %s", conn.RemoteAddr())

		stream, err := l.handshake(conn)
		conn.Close()
		if err != nil {
			if l.ctx.Err() != nil {
				return nil, net.ErrClosed
			}
			l.log.Errorf("signaling failed: %v", err)
			continue
		}

		l.log.Infof("WebRTC DataChannel established, closing WS")
		return stream, nil
	}
}

func (l *Listener) handshake(conn *websocket.Conn) (io.ReadWriteCloser, error) {
	ctx, cancel := context.WithTimeout(l.ctx, HandshakeTimeout)
	defer cancel()

	peer, err := webrtc.NewPeer(l.iceServers)
	if err != nil {
		return nil, err
	}

	if err := offerExchange(ctx, conn, peer); err != nil {
		peer.Close()
		return nil, err
	}
	return newPeerStream(ctx, peer)
}

// Close stops accepting agents and aborts a handshake in progress.
func (l *Listener) Close() error {
	l.cancel()
	return l.http.Close()
}

func (l *Listener) Addr() net.Addr {
	return l.http.Addr()
}

func newPeerStream(ctx context.Context, peer *webrtc.Peer) (io.ReadWriteCloser, error) {
	stream, err := peer.Open(ctx)
	if err != nil {
		peer.Close()
		return nil, fmt.Errorf("DataChannel did not open: %w", err)
	}
	return stream, nil
}
