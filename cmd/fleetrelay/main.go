package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"golang.org/x/crypto/bcrypt"

	"nuha.dev/fleettrack/internal/config"
	"nuha.dev/fleettrack/internal/relay"
	"nuha.dev/fleettrack/internal/transport"
	"nuha.dev/fleettrack/internal/util"
)

func main() {
	// fleetrelay token prints a fresh token and the bcrypt hash to put in
	// the tokens config map; fleetrelay hash <token> hashes a given one
	if len(os.Args) >= 2 && (os.Args[1] == "token" || os.Args[1] == "hash") {
		token := util.GenRandomString(24)
		if os.Args[1] == "hash" {
			if len(os.Args) != 3 {
				log.Fatal().Msg("usage: fleetrelay hash <token>")
			}
			token = os.Args[2]
		}
		h, err := relay.HashToken(token, bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to hash token")
		}
		fmt.Printf("token: %s\nhash:  %s\n", token, h)
		return
	}

	cfg, err := config.LoadRelay(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	config.SetupLog(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var validator relay.Validator
	if cfg.DBURL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.DBURL)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to connect to postgres")
		}
		defer pool.Close()
		validator = relay.NewPgValidator(pool)
	} else {
		if len(cfg.Tokens) == 0 {
			log.Warn().Msg("no tokens configured, every authenticate will be rejected")
		}
		validator = relay.NewStaticValidator(cfg.Tokens)
	}

	var cache relay.LastKnown
	if cfg.RedisURL != "" {
		rc, err := relay.NewRedisCache(cfg.RedisURL, cfg.RedisDB, cfg.CacheTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to connect to redis")
		}
		defer rc.Close()
		cache = rc
	}

	hub := relay.NewHub(validator, cache)
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("fleetrelay"))
		if err != nil {
			log.Fatal().Err(err).Msg("unable to connect to nats")
		}
		defer nc.Close()
		if _, err := hub.ServeNATSAuth(nc, transport.NATS_AUTH_SUBJECT); err != nil {
			log.Fatal().Err(err).Msg("unable to subscribe to auth subject")
		}
	}

	srv := relay.NewServer(hub, cfg.Server)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("relay stopped")
	}
}
