package adapter

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/rtun/internal/protocol"
	"github.com/1ureka/rtun/internal/transport"
	"github.com/1ureka/rtun/internal/tunnel"
	"github.com/1ureka/rtun/internal/util"
)

// Tunnel is the packet channel sessions are multiplexed over.
type Tunnel interface {
	transport.Sender
	Subscribe(fn transport.Handler) (unsubscribe func())
	OnUnbind(fn func()) (remove func())
	Bound() bool
}

// ProxyServer accepts external TCP clients and forwards each one as a
// session through the tunnel. Ids come from a counter and are never reused.
type ProxyServer struct {
	tunnel Tunnel
	log    util.Logger
	table  *SessionTable
	nextID atomic.Int64

	ln net.Listener
	wg sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewProxyServer creates a server forwarding through t.
func NewProxyServer(t Tunnel, log util.Logger) *ProxyServer {
	return &ProxyServer{
		tunnel: t,
		log:    log,
		table:  NewSessionTable(),
	}
}

// Listen binds the external address.
func (p *ProxyServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	p.ln = ln
	return nil
}

// Addr returns the bound external address, nil before Listen.
func (p *ProxyServer) Addr() net.Addr {
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Serve routes tunnel packets to sessions and accepts clients until ctx is
// cancelled or Stop is called. Sessions run on ctx: cancelling it ends them
// and Serve waits for that, while Stop leaves them to end on their own.
func (p *ProxyServer) Serve(ctx context.Context) error {
	if p.ln == nil {
		return fmt.Errorf("proxy server: Serve called before Listen")
	}

	acceptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	unsubscribe := p.tunnel.Subscribe(p.handlePacket)
	defer unsubscribe()
	removeHook := p.tunnel.OnUnbind(func() { failSessions(p.table, p.log) })
	defer removeHook()

	p.log.Infof("proxy server listening on %s", p.ln.Addr())

	err := tunnel.Serve(acceptCtx, p.ln, func(conn net.Conn) {
		p.handleConn(ctx, conn)
	})

	if ctx.Err() != nil {
		p.wg.Wait()
	}
	return err
}

// ListenAndServe is Listen followed by Serve.
func (p *ProxyServer) ListenAndServe(ctx context.Context, addr string) error {
	if err := p.Listen(addr); err != nil {
		return err
	}
	return p.Serve(ctx)
}

// Stop closes the listener and stops routing tunnel packets. Sessions in
// flight are left running until their sockets end.
func (p *ProxyServer) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Sessions returns the number of live sessions.
func (p *ProxyServer) Sessions() int {
	return p.table.Len()
}

func (p *ProxyServer) handleConn(ctx context.Context, conn net.Conn) {
	id := p.nextID.Add(1)
	s := NewSession(p.tunnel, p.log)
	p.table.Add(id, s)

	// Checked after Add so a stream lost in between is still seen by
	// failSessions or by this check.
	if !p.tunnel.Bound() {
		p.log.Infof("[%d] no agent connected, refusing %s", id, conn.RemoteAddr())
		s.StopRemote()
	} else {
		p.log.Infof("[%d] new connection from %s", id, conn.RemoteAddr())
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.table.Remove(id, s)
		s.Start(ctx, id, conn)
	}()
}

func (p *ProxyServer) handlePacket(pkt *protocol.Packet) {
	if !deliver(p.table, p.log, pkt) {
		p.log.Debugf("[%d] unknown session, dropping %s packet", pkt.SessionID, pkt.Type)
	}
}

// deliver routes pkt to its session. It reports false when no session is
// registered for the id.
func deliver(table *SessionTable, log util.Logger, pkt *protocol.Packet) bool {
	s, ok := table.Get(pkt.SessionID)
	if !ok {
		return false
	}

	switch pkt.Type {
	case protocol.TypeMessage:
		if err := s.Queue(pkt); err != nil {
			log.Debugf("[%d] dropping Message: %v", pkt.SessionID, err)
		}
	case protocol.TypeConnectionClosed:
		log.Debugf("[%d] received ConnectionClosed", pkt.SessionID)
		s.StopRemote()
	default:
		log.Errorf("[%d] unknown packet type %s", pkt.SessionID, pkt.Type)
	}
	return true
}

// failSessions ends every session in table after the tunnel stream they ran
// on was lost. The peer lost the stream too, so no ConnectionClosed is sent.
func failSessions(table *SessionTable, log util.Logger) {
	n := 0
	table.Each(func(id int64, s *Session) {
		s.StopRemote()
		n++
	})
	if n > 0 {
		log.Infof("tunnel lost, closing %d sessions", n)
	}
}
