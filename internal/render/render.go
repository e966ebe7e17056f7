// Package render turns registry tracks and interpolated positions into a
// drawable scene: one marker per driver with an optional bounded trail.
package render

import (
	"time"

	"nuha.dev/fleettrack/internal/geo"
	"nuha.dev/fleettrack/internal/registry"
)

type Config struct {
	// Trail is the number of past marker positions kept per driver; 0
	// disables trails.
	Trail int `mapstructure:"trail" validate:"gte=0"`
	// HideOffline removes offline drivers from the scene instead of
	// drawing them muted.
	HideOffline bool `mapstructure:"hide_offline"`
}

func DefaultConfig() Config {
	return Config{Trail: 20}
}

type TrackSource interface {
	Tracks() []registry.Track
}

type Positioner interface {
	Position(driverID string, now time.Time) (geo.Point, bool)
	Animating(driverID string, now time.Time) bool
}

type Marker struct {
	DriverID  string                   `json:"driverId"`
	Position  geo.Point                `json:"position"`
	State     registry.ConnectionState `json:"state"`
	Muted     bool                     `json:"muted"`
	Animating bool                     `json:"animating"`
	Trail     []geo.Point              `json:"trail,omitempty"`
}

type Scene struct {
	At      time.Time `json:"at"`
	Markers []Marker  `json:"markers"`
}

func (s Scene) Marker(driverID string) (Marker, bool) {
	for _, m := range s.Markers {
		if m.DriverID == driverID {
			return m, true
		}
	}
	return Marker{}, false
}

// Renderer is loop-only.
type Renderer struct {
	cfg    Config
	tracks TrackSource
	pos    Positioner
	trails map[string][]geo.Point
	last   Scene
}

func New(cfg Config, tracks TrackSource, pos Positioner) *Renderer {
	return &Renderer{cfg: cfg, tracks: tracks, pos: pos, trails: make(map[string][]geo.Point)}
}

// Observe is the registry subscriber; removed tracks lose their trail.
func (r *Renderer) Observe(c registry.Change) {
	if c.Kind == registry.Removed {
		delete(r.trails, c.Track.DriverID)
	}
}

// Frame draws the scene at now and remembers it.
func (r *Renderer) Frame(now time.Time) Scene {
	tracks := r.tracks.Tracks()
	sc := Scene{At: now, Markers: make([]Marker, 0, len(tracks))}
	for _, t := range tracks {
		p, ok := r.pos.Position(t.DriverID, now)
		if !ok {
			p = t.Current.Point()
		}
		r.extend(t.DriverID, p)
		if t.State == registry.Offline && r.cfg.HideOffline {
			continue
		}
		m := Marker{
			DriverID:  t.DriverID,
			Position:  p,
			State:     t.State,
			Muted:     t.State == registry.Offline,
			Animating: r.pos.Animating(t.DriverID, now),
		}
		if trail := r.trails[t.DriverID]; len(trail) > 0 {
			m.Trail = append([]geo.Point(nil), trail...)
		}
		sc.Markers = append(sc.Markers, m)
	}
	r.last = sc
	return sc
}

func (r *Renderer) extend(id string, p geo.Point) {
	if r.cfg.Trail <= 0 {
		return
	}
	trail := r.trails[id]
	if n := len(trail); n > 0 && trail[n-1] == p {
		return
	}
	trail = append(trail, p)
	if len(trail) > r.cfg.Trail {
		trail = append(trail[:0], trail[len(trail)-r.cfg.Trail:]...)
	}
	r.trails[id] = trail
}

// Scene is the last frame drawn.
func (r *Renderer) Scene() Scene {
	return r.last
}
