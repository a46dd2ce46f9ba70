package adapter

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/1ureka/rtun/internal/protocol"
	"github.com/1ureka/rtun/internal/util"
)

const dialTimeout = 10 * time.Second

// ProxyClient is the agent side: a Message for an unknown session id dials
// the target service and starts a session for it.
type ProxyClient struct {
	tunnel Tunnel
	target string
	log    util.Logger
	table  *SessionTable
	dialer net.Dialer

	mu      sync.Mutex
	ctx     context.Context
	closing bool
	wg      sync.WaitGroup
}

// NewProxyClient creates a client replaying sessions onto target (host:port).
func NewProxyClient(t Tunnel, target string, log util.Logger) *ProxyClient {
	return &ProxyClient{
		tunnel: t,
		target: target,
		log:    log,
		table:  NewSessionTable(),
		dialer: net.Dialer{Timeout: dialTimeout},
	}
}

// Run routes tunnel packets until ctx is cancelled, then waits for every
// session to end. The session table outlives tunnel reconnects; the sessions
// in it do not.
func (c *ProxyClient) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	unsubscribe := c.tunnel.Subscribe(c.handlePacket)
	removeHook := c.tunnel.OnUnbind(func() { failSessions(c.table, c.log) })
	<-ctx.Done()
	removeHook()
	unsubscribe()

	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

// Sessions returns the number of registered sessions, including those
// still dialing.
func (c *ProxyClient) Sessions() int {
	return c.table.Len()
}

func (c *ProxyClient) handlePacket(pkt *protocol.Packet) {
	if deliver(c.table, c.log, pkt) {
		return
	}

	if pkt.Type != protocol.TypeMessage {
		c.log.Debugf("[%d] unknown session, dropping %s packet", pkt.SessionID, pkt.Type)
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx

	s, created := c.table.GetOrCreate(pkt.SessionID, func() *Session {
		return NewSession(c.tunnel, c.log)
	})
	if created {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if err := s.Queue(pkt); err != nil {
		c.log.Debugf("[%d] dropping Message: %v", pkt.SessionID, err)
	}
	if created {
		go c.connect(ctx, pkt.SessionID, s)
	}
}

// connect dials the target for a new session. On failure the peer is told
// the session is closed and no session runs.
func (c *ProxyClient) connect(ctx context.Context, id int64, s *Session) {
	defer c.wg.Done()
	defer c.table.Remove(id, s)

	conn, err := c.dialer.DialContext(ctx, "tcp", c.target)
	if err != nil {
		c.log.Errorf("[%d] TCP dial failed: %v", id, err)
		if err := c.tunnel.Send(protocol.NewConnectionClosed(id)); err != nil {
			c.log.Debugf("[%d] failed to send ConnectionClosed: %v", id, err)
		}
		return
	}
	c.log.Infof("[%d] TCP connected to %s", id, c.target)

	s.Start(ctx, id, conn)
}
