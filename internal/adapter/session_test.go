package adapter

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prep/socketpair"

	"github.com/1ureka/rtun/internal/protocol"
	"github.com/1ureka/rtun/internal/transport"
	"github.com/1ureka/rtun/internal/util"
)

// recordingTunnel records every sent packet and lets tests inject inbound
// packets into the subscribed handler. It starts bound.
type recordingTunnel struct {
	mu      sync.Mutex
	sent    []*protocol.Packet
	handler transport.Handler
	onLost  func()
	unbound bool
	sentc   chan *protocol.Packet
}

func newRecordingTunnel() *recordingTunnel {
	return &recordingTunnel{sentc: make(chan *protocol.Packet, 1024)}
}

func (r *recordingTunnel) Send(pkt *protocol.Packet) error {
	r.mu.Lock()
	r.sent = append(r.sent, pkt)
	r.mu.Unlock()
	r.sentc <- pkt
	return nil
}

func (r *recordingTunnel) Subscribe(fn transport.Handler) func() {
	r.mu.Lock()
	r.handler = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.handler = nil
		r.mu.Unlock()
	}
}

func (r *recordingTunnel) OnUnbind(fn func()) func() {
	r.mu.Lock()
	r.onLost = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.onLost = nil
		r.mu.Unlock()
	}
}

func (r *recordingTunnel) Bound() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.unbound
}

// drop simulates losing the tunnel stream.
func (r *recordingTunnel) drop() {
	r.mu.Lock()
	r.unbound = true
	fn := r.onLost
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// subscribed reports whether a handler is registered.
func (r *recordingTunnel) subscribed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler != nil
}

// inject delivers pkt as if it was read from the tunnel.
func (r *recordingTunnel) inject(pkt *protocol.Packet) {
	r.mu.Lock()
	fn := r.handler
	r.mu.Unlock()
	if fn != nil {
		fn(pkt)
	}
}

// closes counts the ConnectionClosed packets sent for id.
func (r *recordingTunnel) closes(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, pkt := range r.sent {
		if pkt.Type == protocol.TypeConnectionClosed && pkt.SessionID == id {
			n++
		}
	}
	return n
}

// next waits for the next sent packet.
func (r *recordingTunnel) next(t *testing.T) *protocol.Packet {
	t.Helper()
	select {
	case pkt := <-r.sentc:
		return pkt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a sent packet")
		return nil
	}
}

// newPair returns both ends of a unix socketpair, closed at test end.
func newPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair failed: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// startSession runs s.Start in the background and returns its result channel.
func startSession(ctx context.Context, s *Session, id int64, conn net.Conn) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- s.Start(ctx, id, conn) }()
	return errc
}

func waitStart(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
}

// TestSessionForwardsSocketData verifies that bytes read from the socket are
// sent as Message packets tagged with the session id.
func TestSessionForwardsSocketData(t *testing.T) {
	tun := newRecordingTunnel()
	s := NewSession(tun, util.Discard)
	conn, peer := newPair(t)
	errc := startSession(context.Background(), s, 3, conn)

	if _, err := peer.Write([]byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	pkt := tun.next(t)
	if pkt.Type != protocol.TypeMessage || pkt.SessionID != 3 || string(pkt.Data) != "hello" {
		t.Fatalf("unexpected packet %+v", pkt)
	}

	peer.Close()
	waitStart(t, errc)

	if n := tun.closes(3); n != 1 {
		t.Fatalf("sent %d ConnectionClosed packets, want 1", n)
	}
}

// TestSessionQueueBeforeStart verifies that data queued before Start is
// written to the socket first and in order.
func TestSessionQueueBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tun := newRecordingTunnel()
	s := NewSession(tun, util.Discard)
	for _, part := range []string{"a", "b", "c"} {
		if err := s.Queue(protocol.NewMessage(1, []byte(part))); err != nil {
			t.Fatalf("Queue failed: %v", err)
		}
	}

	conn, peer := newPair(t)
	errc := startSession(ctx, s, 1, conn)

	if err := s.Queue(protocol.NewMessage(1, []byte("d"))); err != nil {
		t.Fatalf("Queue after Start failed: %v", err)
	}

	got := make([]byte, 4)
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(peer, got); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if string(got) != "abcd" {
		t.Fatalf("socket received %q, want %q", got, "abcd")
	}

	s.Stop()
	waitStart(t, errc)
}

// TestSessionStopRemote verifies that a remote close flushes queued data,
// closes the socket and does not echo ConnectionClosed back.
func TestSessionStopRemote(t *testing.T) {
	tun := newRecordingTunnel()
	s := NewSession(tun, util.Discard)
	conn, peer := newPair(t)
	s.Queue(protocol.NewMessage(4, []byte("last words")))
	errc := startSession(context.Background(), s, 4, conn)

	s.StopRemote()
	s.StopRemote()
	waitStart(t, errc)

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(peer)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "last words" {
		t.Fatalf("socket received %q, want %q", data, "last words")
	}
	if n := tun.closes(4); n != 0 {
		t.Fatalf("sent %d ConnectionClosed packets after remote close, want 0", n)
	}
}

// TestSessionStopBeforeStart verifies that a session stopped before Start
// still closes its socket and notifies the peer exactly once.
func TestSessionStopBeforeStart(t *testing.T) {
	tun := newRecordingTunnel()
	s := NewSession(tun, util.Discard)
	s.Stop()

	conn, peer := newPair(t)
	waitStart(t, startSession(context.Background(), s, 8, conn))

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := peer.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("peer read = %v, want io.EOF", err)
	}
	if n := tun.closes(8); n != 1 {
		t.Fatalf("sent %d ConnectionClosed packets, want 1", n)
	}
}

// TestSessionMisuse covers the error returns of Start and Queue.
func TestSessionMisuse(t *testing.T) {
	tun := newRecordingTunnel()
	s := NewSession(tun, util.Discard)

	if err := s.Queue(protocol.NewConnectionClosed(1)); !errors.Is(err, ErrNotMessage) {
		t.Fatalf("Queue(ConnectionClosed) = %v, want ErrNotMessage", err)
	}

	s.Stop()
	conn, _ := newPair(t)
	waitStart(t, startSession(context.Background(), s, 1, conn))

	other, _ := newPair(t)
	if err := s.Start(context.Background(), 1, other); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if err := s.Queue(protocol.NewMessage(1, []byte("x"))); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Queue after stop = %v, want ErrSessionClosed", err)
	}
}

// TestSessionParentCancel verifies that cancelling the parent context ends
// the session and still notifies the peer.
func TestSessionParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tun := newRecordingTunnel()
	s := NewSession(tun, util.Discard)
	conn, _ := newPair(t)
	errc := startSession(ctx, s, 2, conn)

	time.Sleep(20 * time.Millisecond)
	cancel()
	waitStart(t, errc)

	if n := tun.closes(2); n != 1 {
		t.Fatalf("sent %d ConnectionClosed packets, want 1", n)
	}
}
