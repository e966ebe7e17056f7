// Package config loads agent configuration from defaults, an optional
// config file, a .env file, FLEET_* environment variables and flags, in
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/phuslu/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"nuha.dev/fleettrack/internal/agent"
	"nuha.dev/fleettrack/internal/channel"
	"nuha.dev/fleettrack/internal/geo"
	"nuha.dev/fleettrack/internal/interp"
	"nuha.dev/fleettrack/internal/registry"
	"nuha.dev/fleettrack/internal/relay"
	"nuha.dev/fleettrack/internal/render"
	"nuha.dev/fleettrack/internal/sampler"
)

const ENV_PREFIX = "FLEET"

type Sim struct {
	Route  string        `mapstructure:"route" validate:"required"`
	Speed  float64       `mapstructure:"speed" validate:"gt=0"`
	Period time.Duration `mapstructure:"period" validate:"gte=0"`
	Jitter float64       `mapstructure:"jitter" validate:"gte=0"`
	Deny   bool          `mapstructure:"deny"`
}

// Points parses "lat,lng;lat,lng;...".
func (s Sim) Points() ([]geo.Point, error) {
	var out []geo.Point
	for _, pair := range strings.Split(s.Route, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.Split(pair, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad route point %q", pair)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("bad route latitude %q: %w", parts[0], err)
		}
		lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("bad route longitude %q: %w", parts[1], err)
		}
		out = append(out, geo.Point{Lat: lat, Lng: lng})
	}
	if len(out) < 2 {
		return nil, errors.New("route needs at least two points")
	}
	return out, nil
}

func (s Sim) Simulator() (*sampler.Simulator, error) {
	pts, err := s.Points()
	if err != nil {
		return nil, err
	}
	return &sampler.Simulator{Route: pts, SpeedMPS: s.Speed, Period: s.Period, JitterMeter: s.Jitter, Deny: s.Deny}, nil
}

type Driver struct {
	LogLevel string             `mapstructure:"log_level"`
	Agent    agent.DriverConfig `mapstructure:",squash"`
	Sim      Sim                `mapstructure:"sim"`
}

type Console struct {
	LogLevel   string              `mapstructure:"log_level"`
	ListenAddr string              `mapstructure:"listen_addr" validate:"required"`
	Agent      agent.ConsoleConfig `mapstructure:",squash"`
}

type Relay struct {
	LogLevel string             `mapstructure:"log_level"`
	Server   relay.ServerConfig `mapstructure:",squash"`
	// Tokens maps an identity to the bcrypt hash of its token.
	Tokens   map[string]string `mapstructure:"tokens"`
	DBURL    string            `mapstructure:"db_url"`
	RedisURL string            `mapstructure:"redis_addr"`
	RedisDB  int               `mapstructure:"redis_db"`
	CacheTTL time.Duration     `mapstructure:"cache_ttl" validate:"gte=0"`
	NATSURL  string            `mapstructure:"nats_url"`
}

func setChannel(v *viper.Viper, prefix string) {
	c := channel.DefaultConfig()
	v.SetDefault(prefix+"queue_capacity", c.QueueCapacity)
	v.SetDefault(prefix+"auth_timeout", c.AuthTimeout)
	v.SetDefault(prefix+"dial_timeout", c.DialTimeout)
	v.SetDefault(prefix+"retry_write", c.RetryWrite)
	v.SetDefault(prefix+"backoff.base", c.Backoff.Base)
	v.SetDefault(prefix+"backoff.factor", c.Backoff.Factor)
	v.SetDefault(prefix+"backoff.cap", c.Backoff.Cap)
}

func common(name string) (*viper.Viper, *pflag.FlagSet) {
	v := viper.New()
	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetDefault("log_level", "info")
	setChannel(v, "channel.")

	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("env-file", ".env", "dotenv file to load before reading the environment")
	flags.String("log_level", "info", "log level")
	return v, flags
}

func LoadDriver(args []string) (Driver, error) {
	v, flags := common("fleetdriver")
	s := sampler.DefaultConfig()
	v.SetDefault("sampler.min_interval", s.MinInterval)
	v.SetDefault("sampler.min_distance", s.MinDistanceMeters)
	v.SetDefault("sampler.accuracy", string(s.DesiredAccuracy))
	v.SetDefault("driver_id", "")
	v.SetDefault("endpoint", "ws://localhost:7000/ws")
	v.SetDefault("token", "")
	v.SetDefault("sim.route", "-6.2000,106.8166;-6.2050,106.8200;-6.2100,106.8166")
	v.SetDefault("sim.speed", 12.0)
	v.SetDefault("sim.period", time.Duration(0))
	v.SetDefault("sim.jitter", 2.0)
	v.SetDefault("sim.deny", false)
	flags.String("driver_id", "", "driver identity")
	flags.String("endpoint", "ws://localhost:7000/ws", "broker endpoint (ws://, wss://, tunnel://, nats://)")
	flags.String("token", "", "auth token")
	var cfg Driver
	err := load(v, flags, args, &cfg)
	return cfg, err
}

func LoadConsole(args []string) (Console, error) {
	v, flags := common("fleetconsole")
	r := registry.DefaultConfig()
	v.SetDefault("listen_addr", ":3333")
	v.SetDefault("endpoint", "ws://localhost:7000/ws")
	v.SetDefault("token", "")
	v.SetDefault("driver_ids", []string{})
	v.SetDefault("window", interp.WindowFor(sampler.DefaultConfig().MinInterval))
	v.SetDefault("frame_interval", time.Second/30)
	v.SetDefault("tick_interval", time.Second)
	v.SetDefault("registry.stale_threshold", r.StaleThreshold)
	v.SetDefault("registry.offline_threshold", r.OfflineThreshold)
	v.SetDefault("registry.accept_publisher_restart", r.AcceptPublisherRestart)
	v.SetDefault("render.trail", render.DefaultConfig().Trail)
	v.SetDefault("render.hide_offline", false)
	flags.String("listen_addr", ":3333", "address serving /scene")
	flags.String("endpoint", "ws://localhost:7000/ws", "broker endpoint (ws://, wss://, tunnel://, nats://)")
	flags.String("token", "", "auth token")
	flags.StringSlice("driver_ids", nil, "drivers to follow, all when empty")
	var cfg Console
	err := load(v, flags, args, &cfg)
	return cfg, err
}

func LoadRelay(args []string) (Relay, error) {
	v, flags := common("fleetrelay")
	s := relay.DefaultServerConfig()
	v.SetDefault("listen_addr", s.ListenAddr)
	v.SetDefault("tunnel_addr", s.TunnelAddr)
	v.SetDefault("auth_timeout", s.AuthTimeout)
	v.SetDefault("write_timeout", s.WriteTimeout)
	v.SetDefault("peer_buffer", s.PeerBuffer)
	v.SetDefault("max_message", s.MaxMessage)
	v.SetDefault("allowed_origins", s.AllowedOrigins)
	v.SetDefault("tokens", map[string]string{})
	v.SetDefault("db_url", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("cache_ttl", 10*time.Minute)
	v.SetDefault("nats_url", "")
	flags.String("listen_addr", s.ListenAddr, "websocket listen address")
	flags.String("tunnel_addr", "", "yamux tunnel listen address, disabled when empty")
	flags.String("db_url", "", "postgres url for websocket_session token lookup")
	flags.String("redis_addr", "", "redis address for the last known cache")
	flags.String("nats_url", "", "answer fleet.auth requests on this NATS server")
	var cfg Relay
	err := load(v, flags, args, &cfg)
	return cfg, err
}

func load(v *viper.Viper, flags *pflag.FlagSet, args []string, out interface{}) error {
	if err := flags.Parse(args); err != nil {
		return err
	}
	envFile, _ := flags.GetString("env-file")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("unable to load %s: %w", envFile, err)
	}
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "env-file" {
			return
		}
		_ = v.BindPFlag(f.Name, f)
	})
	if file, _ := flags.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config %s: %w", file, err)
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}
	if err := validator.New().Struct(out); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SetupLog sets the level of the default logger every module copies from.
// Call it before constructing any component.
func SetupLog(level string) {
	log.DefaultLogger.Level = log.ParseLevel(level)
}
