// Package publisher turns sampled fixes into sequenced location envelopes.
package publisher

import (
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"nuha.dev/fleettrack/internal/geo"
	"nuha.dev/fleettrack/internal/metrics"
	"nuha.dev/fleettrack/internal/wire"
)

// Sender is the outbound half of the channel manager.
type Sender interface {
	Send(env wire.Message) error
}

// Publisher assigns the per-driver sequence. The counter starts at 1 and
// lives as long as the Publisher, so it survives reconnects of the channel.
// Must be used from the event loop only.
type Publisher struct {
	driverID string
	epoch    int64
	seq      uint64
	out      Sender
	log      log.Logger
}

// New creates a publisher whose epoch is started, in unix milliseconds.
func New(driverID string, out Sender, started time.Time) *Publisher {
	p := &Publisher{driverID: driverID, out: out, epoch: started.UnixMilli()}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "publisher").Str("driver", driverID).Str("instance", uuid.NewString()).Value()
	return p
}

// Publish sends f under the next sequence number. Fixes are never dropped
// here; a send error still consumes the number.
func (p *Publisher) Publish(f geo.Fix) error {
	p.seq++
	env := wire.LocationEnvelope{DriverID: p.driverID, Sequence: p.seq, Epoch: p.epoch, Fix: f}
	if err := p.out.Send(env); err != nil {
		p.log.Warn().Err(err).Uint64("sequence", p.seq).Msg("unable to send location")
		return err
	}
	metrics.PublisherPublished.Inc()
	p.log.Trace().Uint64("sequence", p.seq).Float64("lat", f.Latitude).Float64("lng", f.Longitude).Msg("published")
	return nil
}

// Sink adapts Publish to the sampler's fix callback.
func (p *Publisher) Sink() func(geo.Fix) {
	return func(f geo.Fix) {
		_ = p.Publish(f)
	}
}

// Sequence is the last sequence number handed out, 0 before the first fix.
func (p *Publisher) Sequence() uint64 {
	return p.seq
}

func (p *Publisher) Epoch() int64 {
	return p.epoch
}

func (p *Publisher) DriverID() string {
	return p.driverID
}
