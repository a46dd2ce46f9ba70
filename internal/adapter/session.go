package adapter

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/1ureka/rtun/internal/protocol"
	"github.com/1ureka/rtun/internal/transport"
	"github.com/1ureka/rtun/internal/util"
)

// Tuning constants.
const (
	readBufferSize = 64 * 1024       // max payload of one Message packet
	drainTimeout   = 5 * time.Second // how long queued data may take to flush on close
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotMessage     = errors.New("only Message packets can be queued to a session")
	ErrSessionClosed  = errors.New("session closed")
)

type sessionState int

const (
	stateNotStarted sessionState = iota
	stateRunning
	stateStopped
)

// Session holds the lifecycle state of one proxied TCP connection. It is
// single-use: NotStarted → Running → Stopped.
type Session struct {
	sender transport.Sender
	log    util.Logger

	mu      sync.Mutex
	state   sessionState
	id      int64
	conn    net.Conn
	queue   *transport.WriteQueue
	pending [][]byte // data queued before Start
	cancel  context.CancelFunc
	stopReq bool // Stop or StopRemote was called
	remote  bool // the peer already closed this id; do not echo
}

// NewSession creates a Session that sends its traffic through sender.
func NewSession(sender transport.Sender, log util.Logger) *Session {
	return &Session{sender: sender, log: log}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start forwards between conn and the tunnel under sessionID and blocks
// until the session ends. Termination by any cause closes conn and, unless
// the peer closed first, sends one ConnectionClosed packet. Only a second
// call or a queue that fails to start returns an error; I/O errors are
// logged.
func (s *Session) Start(ctx context.Context, sessionID int64, conn net.Conn) error {
	s.mu.Lock()
	if s.state != stateNotStarted {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.id = sessionID
	s.conn = conn

	parent := ctx
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	defer cancel()

	// Stopped before the socket existed: flush what was queued, then close.
	if s.stopReq {
		cancel()
	}

	q := transport.NewWriteQueue()
	if err := q.Start(conn); err != nil {
		s.state = stateStopped
		s.mu.Unlock()
		conn.Close()
		return err
	}
	for _, data := range s.pending {
		if err := q.Enqueue(data); err != nil {
			s.log.Errorf("[%d] dropping data queued before start: %v", sessionID, err)
			break
		}
	}
	s.pending = nil
	s.queue = q
	s.state = stateRunning
	s.mu.Unlock()

	util.Stats.AddSession()
	defer util.Stats.RemoveSession()
	s.log.Debugf("[%d] session started (%s)", sessionID, conn.RemoteAddr())

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.pumpConnToTunnel(ctx, cancel)
	}()

	select {
	case <-ctx.Done():
	case <-q.Done():
		if err := q.Err(); err != nil && !transport.IsClosed(err) {
			s.log.Errorf("[%d] TCP write error: %v", sessionID, err)
		}
	}

	cancel()
	s.cleanup(q, pumpDone, parent.Err() != nil)
	return nil
}

// cleanup consolidates all shutdown actions. Data already queued for the
// socket is flushed first, except on parent cancellation.
func (s *Session) cleanup(q *transport.WriteQueue, pumpDone <-chan struct{}, abort bool) {
	s.mu.Lock()
	s.state = stateStopped
	s.queue = nil
	s.mu.Unlock()

	q.Stop()
	if !abort {
		s.conn.SetWriteDeadline(time.Now().Add(drainTimeout))
		<-q.Done()
	}
	s.conn.Close()
	<-q.Done()
	<-pumpDone

	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	if !remote {
		s.sendClose()
	}
	s.log.Debugf("[%d] session cleanup complete", s.id)
}

func (s *Session) sendClose() {
	if err := s.sender.Send(protocol.NewConnectionClosed(s.id)); err != nil {
		s.log.Debugf("[%d] failed to send ConnectionClosed: %v", s.id, err)
	}
}

// Stop ends the session and notifies the peer. Safe to call concurrently and
// repeatedly. Before Start, Start flushes the data already queued and
// returns right away.
func (s *Session) Stop() {
	s.stop(false)
}

// StopRemote ends the session because the peer closed it; no
// ConnectionClosed is sent back.
func (s *Session) StopRemote() {
	s.stop(true)
}

func (s *Session) stop(remote bool) {
	s.mu.Lock()
	s.stopReq = true
	if remote {
		s.remote = true
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Queue schedules pkt.Data to be written to the socket. Before Start the data
// is held and flushed in order once the socket is bound.
func (s *Session) Queue(pkt *protocol.Packet) error {
	if pkt.Type != protocol.TypeMessage {
		return ErrNotMessage
	}

	s.mu.Lock()
	switch s.state {
	case stateNotStarted:
		s.pending = append(s.pending, pkt.Data)
		s.mu.Unlock()
		return nil
	case stateStopped:
		s.mu.Unlock()
		return ErrSessionClosed
	}
	q := s.queue
	s.mu.Unlock()

	return q.Enqueue(pkt.Data)
}

// pumpConnToTunnel reads from the socket and sends Message packets. It uses
// a blocking Read; cleanup closes the socket to unblock it.
func (s *Session) pumpConnToTunnel(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)

		if n > 0 {
			if ctx.Err() != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			if sendErr := s.sender.Send(protocol.NewMessage(s.id, data)); sendErr != nil {
				s.log.Errorf("[%d] failed to send to tunnel: %v", s.id, sendErr)
				return
			}
		}

		if err != nil {
			select {
			case <-ctx.Done():
				// Already shutting down; no need to log.
			default:
				if transport.IsClosed(err) {
					s.log.Debugf("[%d] connection closed by client", s.id)
				} else {
					s.log.Errorf("[%d] TCP read error: %v", s.id, err)
				}
			}
			return
		}
	}
}
