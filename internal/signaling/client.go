package signaling

import (
	"context"
	"fmt"
	"io"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtun/internal/transport"
	"github.com/1ureka/rtun/internal/util"
	"github.com/1ureka/rtun/internal/webrtc"
)

// Dialer connects to a packet server's signaling endpoint, answers its offer
// and returns the opened DataChannel stream. It implements transport.Dialer.
type Dialer struct {
	Addr       string // host:port of the packet server
	ICEServers []string
	Log        util.Logger
}

var _ transport.Dialer = (*Dialer)(nil)

// URL returns the signaling WebSocket URL.
func (d *Dialer) URL() string {
	return "ws://" + d.Addr + Path
}

// Dial runs the answering side of the exchange. The WebSocket is closed once
// the DataChannel is open or the attempt failed.
func (d *Dialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	defer conn.Close()
	d.Log.Debugf("WS connected: %s", d.URL())

	peer, err := webrtc.NewPeer(d.ICEServers)
	if err != nil {
		return nil, err
	}

	if err := answerExchange(ctx, conn, peer); err != nil {
		peer.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)
	}

	stream, err := newPeerStream(ctx, peer)
	if err != nil {
		return nil, err
	}
	d.Log.Infof("WebRTC DataChannel established, closing WS")
	return stream, nil
}
