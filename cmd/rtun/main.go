// Command rtun exposes a TCP service that lives behind NAT. The server role
// accepts external clients and multiplexes them as sessions over one tunnel
// stream; the agent role keeps that stream connected and replays every
// session onto the local target service.
//
// Settings come from a JSON file (-config, default config.json) and can be
// overridden with flags (-role, -packetHost, -packetPort, ...).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/1ureka/rtun/internal/app"
	"github.com/1ureka/rtun/internal/config"
	"github.com/1ureka/rtun/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, path, err := config.Parse(os.Args[0], os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}

	log := util.NewLogger(cfg.Level(), cfg.LogFormat)

	if cfg.LogFormat != "json" {
		pterm.Info.Println(fmt.Sprintf("rtun v%s (%s, %s transport)", version, cfg.Role, cfg.Transport))
		pterm.Println()
	}

	// Pick up logLevel edits without a restart.
	if _, err := os.Stat(path); err == nil {
		watchErr := config.Watch(ctx, path, log.Named("config"), func(c config.Config) {
			lv := c.Level()
			if lv != log.Level() {
				log.SetLevel(lv)
				log.Infof("log level changed to %s", lv)
			}
		})
		if watchErr != nil {
			log.Errorf("config reload disabled: %v", watchErr)
		}
	}

	switch cfg.Role {
	case config.RoleServer:
		err = app.RunServer(ctx, &cfg, log.Named("server"))
	case config.RoleAgent:
		err = app.RunAgent(ctx, &cfg, log.Named("agent"))
	}

	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
	log.Infof("successfully closed tunnel connection")
}
