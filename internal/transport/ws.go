package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TunnelPath is the HTTP path the ws transport upgrades on.
const TunnelPath = "/tunnel"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ---------------------------------------------------------------------------
// Stream adapter
// ---------------------------------------------------------------------------

// wsStream presents a WebSocket as a byte stream. Each Write becomes one
// binary message; Read concatenates incoming binary messages.
type wsStream struct {
	conn *websocket.Conn

	rmu sync.Mutex
	cur io.Reader

	wmu sync.Mutex

	closeOnce sync.Once
}

// NewWSStream wraps an established WebSocket connection.
func NewWSStream(conn *websocket.Conn) io.ReadWriteCloser {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	for {
		if s.cur == nil {
			typ, r, err := s.conn.NextReader()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			s.cur = r
		}

		n, err := s.cur.Read(p)
		if errors.Is(err, io.EOF) {
			s.cur = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the connection. WriteControl may run
// concurrently with Write.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// ---------------------------------------------------------------------------
// Dialer
// ---------------------------------------------------------------------------

// WSDialer dials the ws transport of a packet server.
type WSDialer struct {
	Addr string // host:port
}

// URL returns the WebSocket URL the dialer connects to.
func (d *WSDialer) URL() string {
	return "ws://" + d.Addr + TunnelPath
}

// Dial performs the WebSocket handshake.
func (d *WSDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return NewWSStream(conn), nil
}

// ---------------------------------------------------------------------------
// Listener
// ---------------------------------------------------------------------------

// HTTPListener serves one WebSocket endpoint and hands each upgraded
// connection to Accept. Used by the ws transport and by webrtc signaling.
type HTTPListener struct {
	ln     net.Listener
	srv    *http.Server
	conns  chan *websocket.Conn
	closed chan struct{}
	once   sync.Once
}

// ListenHTTP binds addr and upgrades requests on path.
func ListenHTTP(addr, path string) (*HTTPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}

	l := &HTTPListener{
		ln:     ln,
		conns:  make(chan *websocket.Conn),
		closed: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleWS)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		_ = l.srv.Serve(ln)
	}()

	return l, nil
}

func (l *HTTPListener) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Hand off to the accepting side; the connection is hijacked, so the
	// handler may return once someone owns it.
	select {
	case l.conns <- conn:
	case <-l.closed:
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// AcceptConn blocks until a client has upgraded or the listener is closed.
func (l *HTTPListener) AcceptConn() (*websocket.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Accept returns the next upgraded connection as a byte stream.
func (l *HTTPListener) Accept() (io.ReadWriteCloser, error) {
	conn, err := l.AcceptConn()
	if err != nil {
		return nil, err
	}
	return NewWSStream(conn), nil
}

// Close stops the HTTP server. Connections already handed out stay open.
func (l *HTTPListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

func (l *HTTPListener) Addr() net.Addr {
	return l.ln.Addr()
}

// ListenWS binds the ws transport on addr.
func ListenWS(addr string) (Listener, error) {
	return ListenHTTP(addr, TunnelPath)
}
