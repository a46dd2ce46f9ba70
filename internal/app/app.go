// Package app wires the tunnel components together for the server and agent
// roles.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/rtun/internal/config"
	"github.com/1ureka/rtun/internal/signaling"
	"github.com/1ureka/rtun/internal/transport"
	"github.com/1ureka/rtun/internal/util"
)

// newListener binds the packet server endpoint for the configured transport.
func newListener(cfg *config.Config, log *util.PtermLogger) (transport.Listener, error) {
	addr := cfg.PacketServerAddr()
	switch cfg.Transport {
	case config.TransportTCP, "":
		return transport.ListenTCP(addr)
	case config.TransportWS:
		return transport.ListenWS(addr)
	case config.TransportWebRTC:
		return signaling.Listen(addr, cfg.ICEServers, log.Named("signaling"))
	}
	return nil, fmt.Errorf("%w: transport %q", config.ErrInvalid, cfg.Transport)
}

// newDialer returns the agent's dialer for the configured transport.
func newDialer(cfg *config.Config, log *util.PtermLogger) (transport.Dialer, error) {
	addr := cfg.PacketServerAddr()
	switch cfg.Transport {
	case config.TransportTCP, "":
		return &transport.TCPDialer{Addr: addr}, nil
	case config.TransportWS:
		return &transport.WSDialer{Addr: addr}, nil
	case config.TransportWebRTC:
		return &signaling.Dialer{Addr: addr, ICEServers: cfg.ICEServers, Log: log.Named("signaling")}, nil
	}
	return nil, fmt.Errorf("%w: transport %q", config.ErrInvalid, cfg.Transport)
}

// runAll runs every fn until all returned. The first one to return cancels
// the others.
func runAll(ctx context.Context, fns ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(fns))
	for _, fn := range fns {
		go func() {
			err := fn(ctx)
			cancel()
			errCh <- err
		}()
	}

	var errs []error
	for range fns {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
