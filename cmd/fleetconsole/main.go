package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/fleettrack/internal/agent"
	"nuha.dev/fleettrack/internal/config"
	"nuha.dev/fleettrack/internal/loop"
	"nuha.dev/fleettrack/internal/transport"
)

func main() {
	cfg, err := config.LoadConsole(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	config.SetupLog(cfg.LogLevel)

	mux := transport.Mux{
		"ws":     transport.NewWebSocket(),
		"wss":    transport.NewWebSocket(),
		"tunnel": transport.NewTunnel(),
		"nats":   transport.NewNATS(),
	}
	l := loop.New()
	c, err := agent.NewConsole(l, mux, cfg.Agent)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create console")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var fatal error
	c.OnFatal(func(err error) {
		fatal = err
		stop()
	})
	l.Post(func() {
		if err := c.Start(); err != nil {
			fatal = err
			stop()
		}
	})

	srv := &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        c.Handler(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		log.Info().Msgf("serving scene on : %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("scene server failed")
			stop()
		}
	}()

	if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("event loop failed")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	c.Stop()
	if fatal != nil {
		log.Fatal().Err(fatal).Msg("console stopped")
	}
}
