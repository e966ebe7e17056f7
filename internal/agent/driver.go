// Package agent assembles the driver and console pipelines on one event
// loop.
package agent

import (
	"errors"

	"github.com/phuslu/log"

	"nuha.dev/fleettrack/internal/channel"
	"nuha.dev/fleettrack/internal/loop"
	"nuha.dev/fleettrack/internal/publisher"
	"nuha.dev/fleettrack/internal/sampler"
	"nuha.dev/fleettrack/internal/transport"
)

var ErrStarted = errors.New("agent already started")

type DriverConfig struct {
	DriverID string         `mapstructure:"driver_id" validate:"required"`
	Endpoint string         `mapstructure:"endpoint" validate:"required,url"`
	Token    string         `mapstructure:"token" validate:"required"`
	Sampler  sampler.Config `mapstructure:"sampler"`
	Channel  channel.Config `mapstructure:"channel"`
}

// Driver runs sampler -> publisher -> channel.
type Driver struct {
	cfg     DriverConfig
	sched   loop.Scheduler
	ch      *channel.Manager
	sampler *sampler.Sampler
	pub     *publisher.Publisher
	log     log.Logger
	fatal   func(error)
	started bool
}

func NewDriver(sched loop.Scheduler, pos sampler.Positioning, t transport.Transport, cfg DriverConfig) (*Driver, error) {
	ch, err := channel.New(sched, t, cfg.Channel)
	if err != nil {
		return nil, err
	}
	d := &Driver{cfg: cfg, sched: sched, ch: ch}
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "driver").Str("driver", cfg.DriverID).Value()
	d.sampler = sampler.New(sched, pos)
	d.pub = publisher.New(cfg.DriverID, ch, sched.Now())
	ch.OnStateChange(func(s channel.State) {
		if s == channel.Reconnecting {
			d.log.Warn().EmbedObject(ch.Session()).Msg("reconnecting")
			return
		}
		d.log.Info().Str("state", s.String()).Msg("channel state")
	})
	ch.OnFatal(d.onFatal)
	return d, nil
}

// OnFatal receives the first of AuthRejected or PermissionDenied. The
// driver is stopped by then.
func (d *Driver) OnFatal(fn func(error)) {
	d.fatal = fn
}

func (d *Driver) Start() error {
	if d.started {
		return ErrStarted
	}
	d.started = true
	if err := d.ch.Connect(d.cfg.Endpoint, d.cfg.Token); err != nil {
		return err
	}
	return d.sampler.Start(d.cfg.Sampler, d.pub.Sink(), d.onFatal)
}

func (d *Driver) onFatal(err error) {
	d.log.Error().Err(err).Msg("driver stopped")
	d.Stop()
	f := d.fatal
	d.fatal = nil
	if f != nil {
		f(err)
	}
}

// Stop is idempotent.
func (d *Driver) Stop() {
	d.sampler.Stop()
	d.ch.Close()
}

// Reconnecting drives the persistent indicator on the driver's screen.
func (d *Driver) Reconnecting() bool {
	return d.ch.State() == channel.Reconnecting
}

func (d *Driver) Channel() *channel.Manager {
	return d.ch
}

func (d *Driver) Publisher() *publisher.Publisher {
	return d.pub
}
