package tunnel

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/1ureka/rtun/internal/transport"
	"github.com/1ureka/rtun/internal/util"
)

// Reconnect schedule defaults.
const (
	DefaultMinBackoff = 1 * time.Second
	DefaultMaxBackoff = 5 * time.Minute
)

// PacketClient keeps the agent's tunnel stream connected: it dials, binds
// the stream to a Channel until it drops, and dials again, waiting an
// exponentially growing delay after each failed attempt.
type PacketClient struct {
	dialer  transport.Dialer
	channel *transport.Channel
	log     util.Logger

	// Backoff is the retry schedule; replace it before Run to change it.
	Backoff *backoff.Backoff

	noReconnect atomic.Bool
}

// NewPacketClient dials through d and binds into ch.
func NewPacketClient(d transport.Dialer, ch *transport.Channel, log util.Logger) *PacketClient {
	return &PacketClient{
		dialer:  d,
		channel: ch,
		log:     log,
		Backoff: &backoff.Backoff{
			Min:    DefaultMinBackoff,
			Max:    DefaultMaxBackoff,
			Factor: 2,
		},
	}
}

// DisableReconnect makes Run return after the current connection ends
// instead of dialing again.
func (c *PacketClient) DisableReconnect() {
	c.noReconnect.Store(true)
}

// Run connects and reconnects until ctx is cancelled or reconnects are
// disabled. The first attempt after an established connection drops is
// immediate.
func (c *PacketClient) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		stream, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if c.noReconnect.Load() {
				return err
			}

			wait := c.Backoff.Duration()
			c.log.Errorf("failed to connect to packet server (attempt %d): %v; retrying in %s",
				int(c.Backoff.Attempt()), err, wait)

			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		c.Backoff.Reset()
		c.log.Infof("connected to packet server")

		if err := c.channel.Bind(ctx, stream); err != nil {
			c.log.Errorf("packet connection terminated: %v", err)
		}
		c.log.Infof("lost connection with packet server")

		if c.noReconnect.Load() {
			return nil
		}
	}
}
