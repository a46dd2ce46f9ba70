package app

import (
	"context"

	"github.com/1ureka/rtun/internal/adapter"
	"github.com/1ureka/rtun/internal/config"
	"github.com/1ureka/rtun/internal/transport"
	"github.com/1ureka/rtun/internal/tunnel"
	"github.com/1ureka/rtun/internal/util"
)

// RunServer orchestrates the server role:
//  1. Bind the packet server endpoint for the agent's tunnel
//  2. Bind the external proxy address
//  3. Accept the agent's tunnel stream, one at a time
//  4. Forward each external client as a session until shutdown
func RunServer(ctx context.Context, cfg *config.Config, log *util.PtermLogger) error {
	ch := transport.NewChannel(log.Named("channel"))

	ln, err := newListener(cfg, log)
	if err != nil {
		return err
	}
	packets := tunnel.NewPacketServer(ln, ch, log.Named("packet"))

	proxy := adapter.NewProxyServer(ch, log.Named("proxy"))
	if err := proxy.Listen(cfg.ProxyServerAddr()); err != nil {
		ln.Close()
		return err
	}

	util.StartStatsReporter(ctx, log.Named("stats"), cfg.StatsEvery())

	return runAll(ctx, packets.Run, proxy.Serve)
}
