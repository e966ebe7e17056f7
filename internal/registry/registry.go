// Package registry keeps the console's view of every tracked driver: the
// last two accepted fixes, the last sequence and a staleness state.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"nuha.dev/fleettrack/internal/geo"
	"nuha.dev/fleettrack/internal/loop"
	"nuha.dev/fleettrack/internal/metrics"
	"nuha.dev/fleettrack/internal/wire"
)

var (
	ErrStaleDuplicate = errors.New("stale or duplicate envelope")
	ErrOutOfRangeFix  = errors.New("out of range fix")
	ErrClosed         = errors.New("registry closed")
)

type ConnectionState int

const (
	Live ConnectionState = iota
	Stale
	Offline
)

func (s ConnectionState) String() string {
	switch s {
	case Live:
		return "live"
	case Stale:
		return "stale"
	case Offline:
		return "offline"
	}
	return "unknown"
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "live":
		*s = Live
	case "stale":
		*s = Stale
	case "offline":
		*s = Offline
	default:
		return fmt.Errorf("unknown connection state %q", b)
	}
	return nil
}

// Track is one driver's entry. Previous and Current are equal right after
// creation.
type Track struct {
	DriverID     string          `json:"driverId"`
	Previous     geo.Fix         `json:"previous"`
	Current      geo.Fix         `json:"current"`
	LastSequence uint64          `json:"lastSequence"`
	Epoch        int64           `json:"epoch,omitempty"`
	LastSeenAt   time.Time       `json:"lastSeenAt"`
	State        ConnectionState `json:"state"`
}

func (t Track) MarshalObject(e *log.Entry) {
	e.Str("driver", t.DriverID).Uint64("sequence", t.LastSequence).Str("state", t.State.String())
}

type ChangeKind int

const (
	Created ChangeKind = iota
	Moved
	StateChanged
	Removed
)

// Change is delivered synchronously to subscribers. Track is a copy taken
// after the mutation; for Removed it is the final state.
type Change struct {
	Kind  ChangeKind
	Track Track
}

type Config struct {
	StaleThreshold   time.Duration `mapstructure:"stale_threshold" validate:"gt=0"`
	OfflineThreshold time.Duration `mapstructure:"offline_threshold" validate:"gtfield=StaleThreshold"`
	// AcceptPublisherRestart lets an envelope from a newer publisher epoch
	// replace a track even though its sequence went backwards.
	AcceptPublisherRestart bool `mapstructure:"accept_publisher_restart"`
}

func DefaultConfig() Config {
	return Config{StaleThreshold: 30 * time.Second, OfflineThreshold: 120 * time.Second}
}

type Clock interface {
	Now() time.Time
}

// Registry must be used from the event loop only; network arrivals and the
// staleness ticker are serialized there.
type Registry struct {
	cfg    Config
	clock  Clock
	log    log.Logger
	tracks map[string]*Track
	subs   loop.Handles[func(Change)]
	closed bool
}

func New(cfg Config, clock Clock) (*Registry, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}
	r := &Registry{cfg: cfg, clock: clock, tracks: make(map[string]*Track)}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "registry").Value()
	return r, nil
}

// Subscribe registers fn for every change. Delivery is synchronous and in
// mutation order.
func (r *Registry) Subscribe(fn func(Change)) loop.Handle {
	return r.subs.Add(fn)
}

func (r *Registry) Cancel(h loop.Handle) {
	r.subs.Remove(h)
}

func (r *Registry) emit(kind ChangeKind, t Track) {
	c := Change{Kind: kind, Track: t}
	r.subs.Each(func(fn func(Change)) {
		if !r.closed {
			fn(c)
		}
	})
}

// OnEnvelope accepts or rejects one inbound envelope. Rejections leave the
// registry untouched.
func (r *Registry) OnEnvelope(env wire.LocationEnvelope) error {
	if r.closed {
		return ErrClosed
	}
	if err := env.Fix.Validate(); err != nil {
		metrics.RegistryEnvelopes.WithLabelValues("out_of_range").Inc()
		return fmt.Errorf("%w: %v", ErrOutOfRangeFix, err)
	}
	now := r.clock.Now()
	t, ok := r.tracks[env.DriverID]
	if !ok {
		t = &Track{
			DriverID:     env.DriverID,
			Previous:     env.Fix,
			Current:      env.Fix,
			LastSequence: env.Sequence,
			Epoch:        env.Epoch,
			LastSeenAt:   now,
			State:        Live,
		}
		r.tracks[env.DriverID] = t
		metrics.RegistryEnvelopes.WithLabelValues("accepted").Inc()
		metrics.RegistryTracks.Set(float64(len(r.tracks)))
		r.log.Debug().EmbedObject(*t).Msg("track created")
		r.emit(Created, *t)
		return nil
	}
	restart := false
	if r.cfg.AcceptPublisherRestart {
		switch {
		case env.Epoch < t.Epoch:
			return r.reject(ErrStaleDuplicate, env)
		case env.Epoch > t.Epoch:
			restart = true
		}
	}
	if !restart && env.Sequence <= t.LastSequence {
		return r.reject(ErrStaleDuplicate, env)
	}
	if !restart && !env.Fix.CapturedAt.After(t.Current.CapturedAt) {
		return r.reject(ErrOutOfRangeFix, env)
	}
	if restart {
		r.log.Info().EmbedObject(*t).Int64("epoch", env.Epoch).Msg("publisher restarted")
	}
	t.Previous = t.Current
	t.Current = env.Fix
	t.LastSequence = env.Sequence
	t.Epoch = env.Epoch
	t.LastSeenAt = now
	t.State = Live
	metrics.RegistryEnvelopes.WithLabelValues("accepted").Inc()
	r.emit(Moved, *t)
	return nil
}

func (r *Registry) reject(err error, env wire.LocationEnvelope) error {
	label := "stale"
	if err == ErrOutOfRangeFix {
		label = "out_of_range"
	}
	metrics.RegistryEnvelopes.WithLabelValues(label).Inc()
	r.log.Debug().Err(err).Str("driver", env.DriverID).Uint64("sequence", env.Sequence).Msg("envelope rejected")
	return err
}

// Tick moves tracks to Stale once now-lastSeenAt reaches StaleThreshold and
// to Offline once it reaches OfflineThreshold. Both boundaries are
// inclusive. Tracks are never removed here.
func (r *Registry) Tick(now time.Time) {
	if r.closed {
		return
	}
	for _, id := range r.ids() {
		t := r.tracks[id]
		elapsed := now.Sub(t.LastSeenAt)
		next := Live
		switch {
		case elapsed >= r.cfg.OfflineThreshold:
			next = Offline
		case elapsed >= r.cfg.StaleThreshold:
			next = Stale
		}
		if next <= t.State {
			continue
		}
		t.State = next
		r.log.Info().EmbedObject(*t).Dur("elapsed", elapsed).Msg("track state changed")
		r.emit(StateChanged, *t)
		if r.closed {
			return
		}
	}
}

// Unsubscribe destroys the driver's track. It is the only removal path.
func (r *Registry) Unsubscribe(driverID string) bool {
	if r.closed {
		return false
	}
	t, ok := r.tracks[driverID]
	if !ok {
		return false
	}
	delete(r.tracks, driverID)
	metrics.RegistryTracks.Set(float64(len(r.tracks)))
	r.emit(Removed, *t)
	return true
}

func (r *Registry) Track(driverID string) (Track, bool) {
	t, ok := r.tracks[driverID]
	if !ok {
		return Track{}, false
	}
	return *t, true
}

// Tracks returns copies of every track, sorted by driver id.
func (r *Registry) Tracks() []Track {
	out := make([]Track, 0, len(r.tracks))
	for _, id := range r.ids() {
		out = append(out, *r.tracks[id])
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.tracks)
}

// Close tears the registry down. Subscribers see Removed for every track,
// in driver id order, before it closes. Callbacks already queued on the loop
// find it closed and leave it alone.
func (r *Registry) Close() {
	if r.closed {
		return
	}
	ids, tracks := r.ids(), r.tracks
	r.tracks = map[string]*Track{}
	metrics.RegistryTracks.Set(0)
	for _, id := range ids {
		r.emit(Removed, *tracks[id])
	}
	r.closed = true
}

func (r *Registry) ids() []string {
	ids := make([]string, 0, len(r.tracks))
	for id := range r.tracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
