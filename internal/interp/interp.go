// Package interp animates markers between consecutive accepted fixes.
package interp

import (
	"time"

	"github.com/phuslu/log"

	"nuha.dev/fleettrack/internal/geo"
	"nuha.dev/fleettrack/internal/registry"
)

const MAX_WINDOW = 2 * time.Second

// WindowFor returns the animation window for a sampler interval: the
// interval itself, capped at MAX_WINDOW.
func WindowFor(minInterval time.Duration) time.Duration {
	if minInterval <= 0 || minInterval > MAX_WINDOW {
		return MAX_WINDOW
	}
	return minInterval
}

type Clock interface {
	Now() time.Time
}

// animation is one leg from a rendered position to the current fix. A
// replaced animation is abandoned for good.
type animation struct {
	from  geo.Point
	to    geo.Point
	start time.Time
	gen   uint64
}

// Interpolator holds transient per-driver animation state derived from
// registry changes. It never creates or deletes tracks. Loop only.
type Interpolator struct {
	window time.Duration
	clock  Clock
	anims  map[string]*animation
	gen    uint64
	log    log.Logger
}

func New(window time.Duration, clock Clock) *Interpolator {
	if window <= 0 {
		window = MAX_WINDOW
	}
	ip := &Interpolator{window: window, clock: clock, anims: make(map[string]*animation)}
	ip.log = log.DefaultLogger
	ip.log.Context = log.NewContext(nil).Str("module", "interp").Value()
	return ip
}

func (ip *Interpolator) Window() time.Duration {
	return ip.window
}

// Observe is the registry subscriber.
func (ip *Interpolator) Observe(c registry.Change) {
	id := c.Track.DriverID
	switch c.Kind {
	case registry.Created:
		ip.gen++
		p := c.Track.Current.Point()
		ip.anims[id] = &animation{from: p, to: p, start: ip.clock.Now(), gen: ip.gen}
	case registry.Moved:
		now := ip.clock.Now()
		from := c.Track.Previous.Point()
		if a, ok := ip.anims[id]; ok {
			// restart from where the marker is drawn, not the previous fix
			from = a.at(now, ip.window)
			if now.Sub(a.start) < ip.window {
				ip.log.Trace().Str("driver", id).Uint64("abandoned", a.gen).Msg("animation restarted mid-flight")
			}
		}
		ip.gen++
		ip.anims[id] = &animation{from: from, to: c.Track.Current.Point(), start: now, gen: ip.gen}
	case registry.Removed:
		delete(ip.anims, id)
	}
}

func (a *animation) at(now time.Time, window time.Duration) geo.Point {
	elapsed := now.Sub(a.start)
	if elapsed >= window {
		return a.to
	}
	return geo.Lerp(a.from, a.to, float64(elapsed)/float64(window))
}

// Position is the marker position of driverID at now. Past the window it
// holds at the current fix.
func (ip *Interpolator) Position(driverID string, now time.Time) (geo.Point, bool) {
	a, ok := ip.anims[driverID]
	if !ok {
		return geo.Point{}, false
	}
	return a.at(now, ip.window), true
}

// Animating reports whether driverID's marker is still moving at now.
func (ip *Interpolator) Animating(driverID string, now time.Time) bool {
	a, ok := ip.anims[driverID]
	if !ok {
		return false
	}
	return a.from != a.to && now.Sub(a.start) < ip.window
}

// Steps returns the frame positions of driverID's in-flight animation, one
// per frameInterval from its start, ending exactly at the target.
func (ip *Interpolator) Steps(driverID string, frameInterval time.Duration) []geo.Point {
	a, ok := ip.anims[driverID]
	if !ok {
		return nil
	}
	if frameInterval <= 0 {
		frameInterval = ip.window
	}
	n := int((ip.window + frameInterval - 1) / frameInterval)
	out := make([]geo.Point, 0, n)
	for i := 1; i < n; i++ {
		out = append(out, a.at(a.start.Add(time.Duration(i)*frameInterval), ip.window))
	}
	return append(out, a.to)
}

func (ip *Interpolator) Len() int {
	return len(ip.anims)
}
