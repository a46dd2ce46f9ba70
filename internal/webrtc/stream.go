package webrtc

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
)

const (
	MaxMessageSize = 16 * 1024  // each Write is split into messages of at most this size
	HighWaterMark  = 256 * 1024 // pause writing when bufferedAmount exceeds this
	LowWaterMark   = 64 * 1024  // resume writing when bufferedAmount drops below this

	readBufferSize = 64 * 1024
)

// bufferedChannel is the part of a DataChannel used for backpressure.
type bufferedChannel interface {
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
}

var _ bufferedChannel = (*webrtc.DataChannel)(nil)

// Stream turns a message-oriented detached DataChannel into a byte stream.
// Reads may return part of a message; the rest is kept for the next Read.
type Stream struct {
	msg   io.ReadWriteCloser
	owner io.Closer

	rmu     sync.Mutex
	rbuf    []byte
	pending []byte

	wmu       sync.Mutex
	buffered  bufferedChannel
	sendReady chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// newStream wraps msg. owner, if non-nil, is closed together with the stream.
func newStream(msg io.ReadWriteCloser, owner io.Closer) *Stream {
	return &Stream{
		msg:       msg,
		owner:     owner,
		rbuf:      make([]byte, readBufferSize),
		sendReady: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// watchBuffered enables write backpressure based on the channel's
// bufferedAmount.
func (s *Stream) watchBuffered(ch bufferedChannel) {
	ch.SetBufferedAmountLowThreshold(uint64(LowWaterMark))
	ch.OnBufferedAmountLow(func() {
		select {
		case s.sendReady <- struct{}{}:
		default:
		}
	})
	s.buffered = ch
}

func (s *Stream) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	for len(s.pending) == 0 {
		n, err := s.msg.Read(s.rbuf)
		if err != nil {
			select {
			case <-s.closed:
				return 0, io.ErrClosedPipe
			default:
			}
			return 0, err
		}
		s.pending = s.rbuf[:n]
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *Stream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	written := 0
	for written < len(p) {
		if err := s.waitWritable(); err != nil {
			return written, err
		}

		end := min(written+MaxMessageSize, len(p))
		if _, err := s.msg.Write(p[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (s *Stream) waitWritable() error {
	if s.buffered == nil {
		return nil
	}
	for s.buffered.BufferedAmount() > uint64(HighWaterMark) {
		select {
		case <-s.sendReady:
		case <-s.closed:
			return io.ErrClosedPipe
		}
	}
	return nil
}

// Close closes the DataChannel and its PeerConnection.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		err := s.msg.Close()
		if s.owner != nil {
			err = errors.Join(err, s.owner.Close())
		}
		s.closeErr = err
	})
	return s.closeErr
}
