package app

import (
	"context"

	"github.com/1ureka/rtun/internal/adapter"
	"github.com/1ureka/rtun/internal/config"
	"github.com/1ureka/rtun/internal/transport"
	"github.com/1ureka/rtun/internal/tunnel"
	"github.com/1ureka/rtun/internal/util"
)

// RunAgent orchestrates the agent role:
//  1. Dial the packet server, retrying with backoff
//  2. Replay every session arriving through the tunnel onto the target
//  3. Redial whenever the tunnel drops, keeping the session table
func RunAgent(ctx context.Context, cfg *config.Config, log *util.PtermLogger) error {
	ch := transport.NewChannel(log.Named("channel"))

	dialer, err := newDialer(cfg, log)
	if err != nil {
		return err
	}
	packets := tunnel.NewPacketClient(dialer, ch, log.Named("packet"))
	proxy := adapter.NewProxyClient(ch, cfg.TargetAddr(), log.Named("proxy"))

	util.StartStatsReporter(ctx, log.Named("stats"), cfg.StatsEvery())
	log.Infof("forwarding sessions to %s", cfg.TargetAddr())

	return runAll(ctx, packets.Run, proxy.Run)
}
