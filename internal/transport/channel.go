// Package transport carries tunnel packets over a single stream: a
// single-writer queue for outbound packets, a read loop for inbound ones, and
// the dialers/listeners producing those streams (tcp, ws, webrtc).
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/1ureka/rtun/internal/protocol"
	"github.com/1ureka/rtun/internal/util"
)

var (
	ErrNotBound     = errors.New("channel is not bound to a stream")
	ErrAlreadyBound = errors.New("channel is already bound to a stream")
)

// Handler receives every packet decoded from the bound stream, in order.
// It runs on the read goroutine and must not block for long.
type Handler func(pkt *protocol.Packet)

// Sender is the outbound half of a Channel.
type Sender interface {
	Send(pkt *protocol.Packet) error
}

type subscription struct {
	id uint64
	fn Handler
}

// Channel binds one live stream at a time to the packet codec. Outbound
// packets go through a WriteQueue; inbound packets are published to
// subscribers. A Channel can be bound again after its previous Bind returned,
// which is how reconnects replace the stream.
type Channel struct {
	log util.Logger

	mu      sync.Mutex
	queue   *WriteQueue
	subs    []subscription
	hooks   []unbindHook
	nextSub uint64
	lost    bool // unbind hooks are running; Bind must wait
}

type unbindHook struct {
	id uint64
	fn func()
}

// NewChannel returns an unbound Channel.
func NewChannel(log util.Logger) *Channel {
	return &Channel{log: log}
}

// ---------------------------------------------------------------------------
// Subscribers
// ---------------------------------------------------------------------------

// Subscribe registers fn for inbound packets and returns a function removing it.
func (c *Channel) Subscribe(fn Handler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscription{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, s := range c.subs {
				if s.id == id {
					c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// OnUnbind registers fn to run each time a bound stream is lost. Hooks run
// after the last packet of that stream was published, once Bound reports
// false and before the Channel accepts another Bind. It returns a function
// removing fn.
func (c *Channel) OnUnbind(fn func()) (remove func()) {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.hooks = append(c.hooks, unbindHook{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, h := range c.hooks {
				if h.id == id {
					c.hooks = append(c.hooks[:i:i], c.hooks[i+1:]...)
					return
				}
			}
		})
	}
}

func (c *Channel) notifyUnbind() {
	c.mu.Lock()
	hooks := c.hooks
	c.mu.Unlock()

	for _, h := range hooks {
		h.fn()
	}
}

func (c *Channel) publish(pkt *protocol.Packet) {
	c.mu.Lock()
	subs := c.subs
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(pkt)
	}
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send encodes pkt and enqueues it for the bound stream. It never waits for
// network I/O.
func (c *Channel) Send(pkt *protocol.Packet) error {
	data, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}

	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()
	if q == nil {
		return ErrNotBound
	}

	if err := q.Enqueue(data); err != nil {
		return err
	}

	util.Stats.AddSent(len(data))
	c.log.Debugf("[%d] queued %s packet (%d bytes of data)", pkt.SessionID, pkt.Type, len(pkt.Data))
	return nil
}

// Bound reports whether a stream is currently bound.
func (c *Channel) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue != nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Bind runs the write queue and the read loop on stream and blocks until the
// stream is no longer usable in either direction. The stream is closed on
// return. Cancelling ctx closes the stream.
//
// A clean disconnect returns nil; protocol errors (schema mismatch, short
// read, invalid length) are returned after the stream is torn down.
func (c *Channel) Bind(ctx context.Context, stream io.ReadWriteCloser) error {
	q := NewWriteQueue()

	c.mu.Lock()
	if c.queue != nil || c.lost {
		c.mu.Unlock()
		return ErrAlreadyBound
	}
	c.queue = q
	c.mu.Unlock()

	c.log.Infof("new packet connection: %s", describe(stream))

	if err := q.Start(stream); err != nil {
		c.unbind(q)
		stream.Close()
		return err
	}

	// Close the stream when the caller gives up or the writer fails, so the
	// blocked read below returns.
	readDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-q.Done():
			if err := q.Err(); err != nil {
				if !IsClosed(err) {
					c.log.Errorf("packet write failed: %v", err)
				}
				stream.Close()
			}
		case <-readDone:
		}
	}()

	err := c.readLoop(stream)
	close(readDone)

	c.mu.Lock()
	c.queue = nil
	c.lost = true
	c.mu.Unlock()

	c.notifyUnbind()

	c.mu.Lock()
	c.lost = false
	c.mu.Unlock()

	q.Stop()
	stream.Close()
	<-q.Done()

	c.log.Debugf("packet receiver lost connection")
	return err
}

func (c *Channel) unbind(q *WriteQueue) {
	c.mu.Lock()
	if c.queue == q {
		c.queue = nil
	}
	c.mu.Unlock()
}

// readLoop decodes packets until the stream fails. Any decode error ends the
// loop: the format has no markers to resynchronize on.
func (c *Channel) readLoop(stream io.Reader) error {
	r := protocol.NewReader(&countingReader{r: stream})
	for {
		pkt, err := r.ReadPacket()
		if err != nil {
			if IsClosed(err) {
				return nil
			}
			c.log.Errorf("failed to decode packet: %v", err)
			return err
		}

		c.log.Debugf("[%d] received %s packet (%d bytes of data)", pkt.SessionID, pkt.Type, len(pkt.Data))
		c.publish(pkt)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// IsClosed reports whether err means the peer went away or the stream was
// closed locally, as opposed to a protocol failure.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

type countingReader struct {
	r io.Reader
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		util.Stats.AddRecv(n)
	}
	return n, err
}

func describe(stream io.ReadWriteCloser) string {
	if a, ok := stream.(interface{ RemoteAddr() net.Addr }); ok && a.RemoteAddr() != nil {
		return a.RemoteAddr().String()
	}
	return "stream"
}
