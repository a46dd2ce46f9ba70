package tunnel

import (
	"context"
	"io"

	"github.com/1ureka/rtun/internal/transport"
	"github.com/1ureka/rtun/internal/util"
)

// PacketServer accepts the agent's tunnel stream and binds it to a Channel.
// Streams are bound one at a time: the next one is accepted only after the
// current one dropped.
type PacketServer struct {
	ln      transport.Listener
	channel *transport.Channel
	log     util.Logger
}

// NewPacketServer serves ln into ch.
func NewPacketServer(ln transport.Listener, ch *transport.Channel, log util.Logger) *PacketServer {
	return &PacketServer{ln: ln, channel: ch, log: log}
}

// Run accepts and binds streams until ctx is cancelled.
func (s *PacketServer) Run(ctx context.Context) error {
	s.log.Infof("packet server listening on %s", s.ln.Addr())

	return Serve(ctx, s.ln, func(stream io.ReadWriteCloser) {
		if err := s.channel.Bind(ctx, stream); err != nil {
			s.log.Errorf("packet connection terminated: %v", err)
		}
		s.log.Infof("lost connection with packet client")
	})
}
