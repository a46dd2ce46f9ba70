package transport

import (
	"errors"
	"io"
	"sync"
)

var (
	ErrAlreadyStarted = errors.New("write queue already started")
	ErrNotStarted     = errors.New("write queue is not running")
	ErrQueueStopped   = errors.New("write queue stopped")
)

// WriteQueue serializes byte buffers onto one stream. Any number of
// goroutines may Enqueue; a single drain goroutine performs every write.
//
// A queue runs once: after Stop or a write failure it stays stopped. On a
// write failure the pending buffers are discarded and Done is closed so the
// owner can tear down the stream.
type WriteQueue struct {
	mu       sync.Mutex
	pending  [][]byte
	started  bool
	stopping bool
	stopped  bool
	err      error

	signal chan struct{} // capacity 1; set when pending becomes non-empty
	stop   chan struct{}
	done   chan struct{}

	stopOnce sync.Once
}

// NewWriteQueue returns an idle queue.
func NewWriteQueue() *WriteQueue {
	return &WriteQueue{
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the drain goroutine writing to w and returns immediately.
func (q *WriteQueue) Start(w io.Writer) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return ErrAlreadyStarted
	}
	q.started = true
	q.mu.Unlock()

	go q.loop(w)
	return nil
}

// Enqueue appends data to the queue. The slice must not be modified afterwards.
func (q *WriteQueue) Enqueue(data []byte) error {
	q.mu.Lock()
	switch {
	case !q.started:
		q.mu.Unlock()
		return ErrNotStarted
	case q.stopping || q.stopped:
		err := q.err
		q.mu.Unlock()
		if err != nil {
			return errors.Join(ErrQueueStopped, err)
		}
		return ErrQueueStopped
	}
	q.pending = append(q.pending, data)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Stop rejects further Enqueue calls and lets the drain goroutine exit once
// the buffers already queued are written. Safe to call multiple times and
// before Start. To abandon pending data, close the underlying stream.
func (q *WriteQueue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopping = true
		q.mu.Unlock()
		close(q.stop)
	})
}

// Done is closed when the drain goroutine has exited.
func (q *WriteQueue) Done() <-chan struct{} {
	return q.done
}

// Err returns the write error that terminated the queue, if any.
func (q *WriteQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Len returns the number of buffers waiting to be written.
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *WriteQueue) loop(w io.Writer) {
	defer close(q.done)

	for {
		data, ok := q.pop()
		if !ok {
			select {
			case <-q.signal:
				continue
			case <-q.stop:
				// Enqueue is closed now; write what raced in before exiting.
				if q.Len() > 0 {
					continue
				}
				q.finish(nil)
				return
			}
		}

		if _, err := w.Write(data); err != nil {
			q.finish(err)
			return
		}
	}
}

func (q *WriteQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	data := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return data, true
}

func (q *WriteQueue) finish(err error) {
	q.mu.Lock()
	q.stopped = true
	q.err = err
	q.pending = nil
	q.mu.Unlock()
}
