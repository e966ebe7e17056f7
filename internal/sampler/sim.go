package sampler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"nuha.dev/fleettrack/internal/geo"
)

// Simulator is a Positioning source that drives around a closed route.
type Simulator struct {
	Route       []geo.Point
	SpeedMPS    float64
	Period      time.Duration
	JitterMeter float64
	Deny        bool
}

type simWatch struct {
	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func (w *simWatch) Cancel() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (s *Simulator) RequestPermission(ctx context.Context) (bool, error) {
	return !s.Deny, nil
}

func (s *Simulator) Watch(cfg Config, onFix func(geo.Fix)) (Watch, error) {
	if len(s.Route) < 2 {
		return nil, errors.New("simulator route needs at least two points")
	}
	period := s.Period
	if period <= 0 {
		period = cfg.MinInterval / 4
	}
	if period <= 0 {
		period = 250 * time.Millisecond
	}
	w := &simWatch{done: make(chan struct{})}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		t := time.NewTicker(period)
		defer t.Stop()
		travelled := 0.0
		for {
			select {
			case <-w.done:
				return
			case now := <-t.C:
				travelled += s.SpeedMPS * period.Seconds()
				p := s.at(travelled)
				p = s.jitter(p)
				onFix(geo.NewFix(p.Lat, p.Lng, now.UTC()).WithAccuracy(5))
			}
		}
	}()
	return w, nil
}

// at returns the point reached after travelling meters along the looped route.
func (s *Simulator) at(meters float64) geo.Point {
	total := 0.0
	for i := range s.Route {
		total += geo.Distance(s.Route[i], s.Route[(i+1)%len(s.Route)])
	}
	if total == 0 {
		return s.Route[0]
	}
	for meters >= total {
		meters -= total
	}
	for i := range s.Route {
		a, b := s.Route[i], s.Route[(i+1)%len(s.Route)]
		seg := geo.Distance(a, b)
		if meters <= seg {
			if seg == 0 {
				return a
			}
			return geo.Lerp(a, b, meters/seg)
		}
		meters -= seg
	}
	return s.Route[0]
}

func (s *Simulator) jitter(p geo.Point) geo.Point {
	if s.JitterMeter <= 0 {
		return p
	}
	// ~111 km per degree
	d := s.JitterMeter / 111000.0
	return geo.Point{Lat: p.Lat + (rand.Float64()*2-1)*d, Lng: p.Lng + (rand.Float64()*2-1)*d}
}
