package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"

	"nuha.dev/fleettrack/internal/agent"
	"nuha.dev/fleettrack/internal/config"
	"nuha.dev/fleettrack/internal/loop"
	"nuha.dev/fleettrack/internal/transport"
)

func main() {
	cfg, err := config.LoadDriver(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	config.SetupLog(cfg.LogLevel)

	sim, err := cfg.Sim.Simulator()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid simulator route")
	}
	mux := transport.Mux{
		"ws":     transport.NewWebSocket(),
		"wss":    transport.NewWebSocket(),
		"tunnel": transport.NewTunnel(),
		"nats":   transport.NewNATS(),
	}
	l := loop.New()
	d, err := agent.NewDriver(l, sim, mux, cfg.Agent)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create driver")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var fatal error
	d.OnFatal(func(err error) {
		fatal = err
		stop()
	})
	l.Post(func() {
		if err := d.Start(); err != nil {
			fatal = err
			stop()
		}
	})
	if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("event loop failed")
	}
	d.Stop()
	if fatal != nil {
		log.Fatal().Err(fatal).Msg("driver stopped")
	}
}
