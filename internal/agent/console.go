package agent

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phuslu/log"

	"nuha.dev/fleettrack/internal/channel"
	"nuha.dev/fleettrack/internal/interp"
	"nuha.dev/fleettrack/internal/loop"
	"nuha.dev/fleettrack/internal/metrics"
	"nuha.dev/fleettrack/internal/registry"
	"nuha.dev/fleettrack/internal/render"
	"nuha.dev/fleettrack/internal/transport"
	"nuha.dev/fleettrack/internal/util"
	"nuha.dev/fleettrack/internal/wire"
)

type ConsoleConfig struct {
	Endpoint string `mapstructure:"endpoint" validate:"required,url"`
	Token    string `mapstructure:"token" validate:"required"`
	// DriverIDs to follow; empty follows every driver.
	DriverIDs     []string        `mapstructure:"driver_ids"`
	Window        time.Duration   `mapstructure:"window" validate:"gt=0"`
	FrameInterval time.Duration   `mapstructure:"frame_interval" validate:"gt=0"`
	TickInterval  time.Duration   `mapstructure:"tick_interval" validate:"gt=0"`
	Registry      registry.Config `mapstructure:"registry"`
	Render        render.Config   `mapstructure:"render"`
	Channel       channel.Config  `mapstructure:"channel"`
}

// Console runs channel -> registry -> interpolator -> renderer. Everything
// but Scene and Handler is loop-only.
type Console struct {
	cfg    ConsoleConfig
	sched  loop.Scheduler
	ch     *channel.Manager
	reg    *registry.Registry
	ip     *interp.Interpolator
	r      *render.Renderer
	log    log.Logger
	ticker loop.Timer
	frames loop.Timer
	fatal  func(error)
	// drivers dropped by Unsubscribe; the broker may keep sending them
	// when the console follows every driver
	dropped map[string]bool

	started bool
	mu      sync.RWMutex
	scene   render.Scene
}

func NewConsole(sched loop.Scheduler, t transport.Transport, cfg ConsoleConfig) (*Console, error) {
	ch, err := channel.New(sched, t, cfg.Channel)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(cfg.Registry, sched)
	if err != nil {
		return nil, err
	}
	c := &Console{cfg: cfg, sched: sched, ch: ch, reg: reg, dropped: map[string]bool{}}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "console").Value()
	c.ip = interp.New(cfg.Window, sched)
	c.r = render.New(cfg.Render, reg, c.ip)
	reg.Subscribe(c.ip.Observe)
	reg.Subscribe(c.r.Observe)
	ch.OnMessage(c.onMessage)
	ch.OnStateChange(c.onState)
	ch.OnFatal(func(err error) {
		c.log.Error().Err(err).Msg("console channel failed")
		f := c.fatal
		c.fatal = nil
		if f != nil {
			f(err)
		}
	})
	return c, nil
}

// OnFatal receives AuthRejected, for the hosting screen to re-login.
func (c *Console) OnFatal(fn func(error)) {
	c.fatal = fn
}

func (c *Console) Start() error {
	if c.started {
		return ErrStarted
	}
	c.started = true
	if err := c.ch.Connect(c.cfg.Endpoint, c.cfg.Token); err != nil {
		return err
	}
	c.ticker = loop.Every(c.sched, c.cfg.TickInterval, c.reg.Tick)
	c.frames = loop.Every(c.sched, c.cfg.FrameInterval, func(now time.Time) { c.Frame(now) })
	return nil
}

func (c *Console) Stop() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
	if c.frames != nil {
		c.frames.Stop()
	}
	c.ch.Close()
	c.reg.Close()
}

func (c *Console) onState(s channel.State) {
	if s != channel.Connected {
		return
	}
	// every new connection starts without subscriptions
	ids, ok := c.following()
	if !ok {
		return
	}
	if err := c.ch.Send(wire.Subscribe{DriverIDs: ids}); err != nil {
		c.log.Error().Err(err).Msg("unable to subscribe")
	}
}

// following is the subscribe list for a new connection. An empty list means
// every driver; ok is false when every configured driver was dropped.
func (c *Console) following() (ids []string, ok bool) {
	if len(c.cfg.DriverIDs) == 0 {
		return nil, true
	}
	for _, id := range c.cfg.DriverIDs {
		if !c.dropped[id] {
			ids = append(ids, id)
		}
	}
	return ids, len(ids) > 0
}

func (c *Console) onMessage(msg wire.Message) {
	env, ok := msg.(wire.LocationEnvelope)
	if !ok || c.dropped[env.DriverID] {
		return
	}
	if err := c.reg.OnEnvelope(env); err != nil {
		if errors.Is(err, registry.ErrStaleDuplicate) || errors.Is(err, registry.ErrOutOfRangeFix) {
			return
		}
		c.log.Error().Err(err).Str("driver", env.DriverID).Msg("envelope not applied")
	}
}

// Unsubscribe stops following driverID and drops its track. Later
// envelopes for it are ignored, across reconnects too.
func (c *Console) Unsubscribe(driverID string) {
	c.dropped[driverID] = true
	if err := c.ch.Send(wire.Unsubscribe{DriverIDs: []string{driverID}}); err != nil {
		c.log.Warn().Err(err).Str("driver", driverID).Msg("unable to unsubscribe")
	}
	c.reg.Unsubscribe(driverID)
}

// Frame renders at now and publishes the scene for Scene readers.
func (c *Console) Frame(now time.Time) render.Scene {
	sc := c.r.Frame(now)
	c.mu.Lock()
	c.scene = sc
	c.mu.Unlock()
	return sc
}

// Scene is safe from any goroutine.
func (c *Console) Scene() render.Scene {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scene
}

func (c *Console) Registry() *registry.Registry {
	return c.reg
}

func (c *Console) Interpolator() *interp.Interpolator {
	return c.ip
}

func (c *Console) Channel() *channel.Manager {
	return c.ch
}

// Handler serves /scene for a web map, plus /metrics and /healthz.
func (c *Console) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/scene", func(w http.ResponseWriter, _ *http.Request) {
		if err := util.JsonWrite(w, c.Scene()); err != nil {
			c.log.Error().Err(err).Msg("unable to encode scene")
		}
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	return r
}
