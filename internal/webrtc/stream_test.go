package webrtc

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeMessageConn behaves like a detached DataChannel: every Write is one
// message and every Read returns exactly one message.
type fakeMessageConn struct {
	in     chan []byte
	mu     sync.Mutex
	out    [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeMessageConn() *fakeMessageConn {
	return &fakeMessageConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeMessageConn) Read(p []byte) (int, error) {
	select {
	case msg := <-c.in:
		if len(p) < len(msg) {
			return 0, io.ErrShortBuffer
		}
		return copy(p, msg), nil
	case <-c.closed:
		return 0, io.EOF
	}
}

func (c *fakeMessageConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeMessageConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeMessageConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out
}

// fakeBuffered reports a settable bufferedAmount.
type fakeBuffered struct {
	amount atomic.Uint64
	mu     sync.Mutex
	low    func()
}

func (b *fakeBuffered) BufferedAmount() uint64 {
	return b.amount.Load()
}

func (b *fakeBuffered) SetBufferedAmountLowThreshold(uint64) {}

func (b *fakeBuffered) OnBufferedAmountLow(f func()) {
	b.mu.Lock()
	b.low = f
	b.mu.Unlock()
}

func (b *fakeBuffered) drain() {
	b.amount.Store(0)
	b.mu.Lock()
	f := b.low
	b.mu.Unlock()
	f()
}

type closeCounter struct{ n atomic.Int32 }

func (c *closeCounter) Close() error {
	c.n.Add(1)
	return nil
}

// makeTestData generates deterministic test data of the given size.
func makeTestData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

// TestStreamWriteChunks verifies that writes are split into messages of at
// most MaxMessageSize bytes that concatenate to the original data.
func TestStreamWriteChunks(t *testing.T) {
	testCases := []struct {
		name     string
		size     int
		messages int
	}{
		{"small", 100, 1},
		{"exactly one message", MaxMessageSize, 1},
		{"one byte over", MaxMessageSize + 1, 2},
		{"100KB", 100 * 1024, 7},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conn := newFakeMessageConn()
			s := newStream(conn, nil)

			data := makeTestData(tc.size, 0x11)
			n, err := s.Write(data)
			if err != nil || n != len(data) {
				t.Fatalf("Write = %d, %v; want %d, nil", n, err, len(data))
			}

			msgs := conn.messages()
			if len(msgs) != tc.messages {
				t.Fatalf("wrote %d messages, want %d", len(msgs), tc.messages)
			}
			for i, m := range msgs {
				if len(m) > MaxMessageSize {
					t.Fatalf("message %d is %d bytes", i, len(m))
				}
			}
			if got := bytes.Join(msgs, nil); !bytes.Equal(got, data) {
				t.Fatal("reassembled data mismatch")
			}
		})
	}
}

// TestStreamReadLeftover verifies that a message larger than the caller's
// buffer is returned across several Reads without loss.
func TestStreamReadLeftover(t *testing.T) {
	conn := newFakeMessageConn()
	s := newStream(conn, nil)

	first := makeTestData(10000, 0x01)
	second := makeTestData(300, 0x02)
	conn.in <- first
	conn.in <- second

	var got []byte
	buf := make([]byte, 4096)
	for len(got) < len(first)+len(second) {
		n, err := s.Read(buf)
		if err != nil {
			t.Fatalf("Read failed after %d bytes: %v", len(got), err)
		}
		got = append(got, buf[:n]...)
	}

	if want := append(append([]byte(nil), first...), second...); !bytes.Equal(got, want) {
		t.Fatal("data mismatch")
	}
}

// TestStreamClose verifies that Close closes the owner once and that reads
// blocked in the message channel return io.ErrClosedPipe.
func TestStreamClose(t *testing.T) {
	conn := newFakeMessageConn()
	owner := &closeCounter{}
	s := newStream(conn, owner)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 10))
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close()
	s.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, io.ErrClosedPipe) {
			t.Fatalf("Read = %v, want io.ErrClosedPipe", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after Close")
	}
	if n := owner.n.Load(); n != 1 {
		t.Fatalf("owner closed %d times, want 1", n)
	}
}

// TestStreamBackpressure verifies that writes pause while bufferedAmount is
// above HighWaterMark and resume on the low-threshold callback.
func TestStreamBackpressure(t *testing.T) {
	conn := newFakeMessageConn()
	s := newStream(conn, nil)
	buf := &fakeBuffered{}
	s.watchBuffered(buf)
	buf.amount.Store(HighWaterMark + 1)

	done := make(chan error, 1)
	go func() {
		_, err := s.Write([]byte("blocked"))
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Write should wait while the send buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	buf.drain()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Write did not resume after the buffer drained")
	}
	if msgs := conn.messages(); len(msgs) != 1 || string(msgs[0]) != "blocked" {
		t.Fatalf("unexpected messages %q", msgs)
	}
}

// TestStreamBackpressureClose verifies that a write waiting for buffer space
// fails once the stream is closed.
func TestStreamBackpressureClose(t *testing.T) {
	conn := newFakeMessageConn()
	s := newStream(conn, nil)
	buf := &fakeBuffered{}
	s.watchBuffered(buf)
	buf.amount.Store(HighWaterMark + 1)

	done := make(chan error, 1)
	go func() {
		_, err := s.Write([]byte("never"))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		if !errors.Is(err, io.ErrClosedPipe) {
			t.Fatalf("Write = %v, want io.ErrClosedPipe", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Write did not return after Close")
	}
}
