package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
)

// Stats is the process-wide session and tunnel traffic counter.
var Stats = &stats{}

type stats struct {
	opened atomic.Int64 // sessions started since process start
	closed atomic.Int64 // sessions ended since process start
	sent   atomic.Int64 // bytes queued onto the tunnel stream
	recv   atomic.Int64 // bytes read from the tunnel stream
}

func (s *stats) AddSession()    { s.opened.Add(1) }
func (s *stats) RemoveSession() { s.closed.Add(1) }
func (s *stats) AddSent(n int)  { s.sent.Add(int64(n)) }
func (s *stats) AddRecv(n int)  { s.recv.Add(int64(n)) }

// Active returns the number of sessions currently open.
func (s *stats) Active() int64 { return s.opened.Load() - s.closed.Load() }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Opened, Closed int64
	Sent, Recv     int64
}

// Snapshot returns the current counter values.
func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		Opened: s.opened.Load(),
		Closed: s.closed.Load(),
		Sent:   s.sent.Load(),
		Recv:   s.recv.Load(),
	}
}

// Sub returns the change from prev to cur.
func (cur Snapshot) Sub(prev Snapshot) Snapshot {
	return Snapshot{
		Opened: cur.Opened - prev.Opened,
		Closed: cur.Closed - prev.Closed,
		Sent:   cur.Sent - prev.Sent,
		Recv:   cur.Recv - prev.Recv,
	}
}

// idle reports whether nothing worth logging happened during an interval.
func (d Snapshot) idle(secs float64) bool {
	return d.Opened == 0 && d.Closed == 0 &&
		float64(d.Sent)/secs <= 10 && float64(d.Recv)/secs <= 10
}

// StartStatsReporter logs the traffic rates and session churn of every
// interval in which something happened. It stops when ctx is cancelled; a
// non-positive interval disables it.
func StartStatsReporter(ctx context.Context, log Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if d := cur.Sub(prev); !d.idle(secs) {
					log.Infof("%s", formatStats(float64(d.Recv)/secs, float64(d.Sent)/secs,
						d.Opened, d.Closed, cur.Opened-cur.Closed))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats renders one report line.
func formatStats(inS, outS float64, opened, ended, active int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Sessions: %2d↑ %2d↓ (%d active)",
		sizestr.ToString(int64(inS)),
		sizestr.ToString(int64(outS)),
		opened,
		ended,
		active,
	)
}
