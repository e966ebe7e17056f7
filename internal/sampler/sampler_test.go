package sampler

import (
	"context"
	"errors"
	"testing"
	"time"

	"nuha.dev/fleettrack/internal/geo"
	"nuha.dev/fleettrack/internal/loop"
)

type mockPositioning struct {
	grant     bool
	watchErr  error
	onFix     func(geo.Fix)
	watches   int
	cancelled int
}

type mockWatch struct {
	p *mockPositioning
}

func (w *mockWatch) Cancel() {
	w.p.cancelled++
	w.p.onFix = nil
}

func (p *mockPositioning) RequestPermission(ctx context.Context) (bool, error) {
	return p.grant, nil
}

func (p *mockPositioning) Watch(cfg Config, onFix func(geo.Fix)) (Watch, error) {
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	p.watches++
	p.onFix = onFix
	return &mockWatch{p: p}, nil
}

var t0 = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func startSampler(t *testing.T, p *mockPositioning) (*loop.Manual, *Sampler, *[]geo.Fix, *[]error) {
	m := loop.NewManual(t0)
	s := New(m, p)
	var got []geo.Fix
	var errs []error
	cfg := Config{MinInterval: 3 * time.Second, MinDistanceMeters: 10}
	if err := s.Start(cfg, func(f geo.Fix) { got = append(got, f) }, func(err error) { errs = append(errs, err) }); err != nil {
		t.Fatal(err)
	}
	m.Drain()
	return m, s, &got, &errs
}

func push(m *loop.Manual, p *mockPositioning, lat, lng float64, after time.Duration) {
	p.onFix(geo.NewFix(lat, lng, t0.Add(after)))
	m.Drain()
}

func TestPacing(t *testing.T) {
	p := &mockPositioning{grant: true}
	m, s, got, _ := startSampler(t, p)
	if !s.Running() {
		t.Fatal("sampler not running")
	}
	push(m, p, 0, 0, 0)                               // first fix always emitted
	push(m, p, 0, 0, 500*time.Millisecond)            // jitter, too soon
	push(m, p, 0.001, 0, 500*time.Millisecond)        // moved but before interval/3
	push(m, p, 0.001, 0, 1100*time.Millisecond)       // moved ~111m after interval/3
	push(m, p, 0.001, 0.00001, 2*time.Second)         // stationary, too soon
	push(m, p, 0.001, 0.00001, 4100*time.Millisecond) // interval elapsed
	if len(*got) != 3 {
		t.Fatalf("expected 3 fixes, got %d: %+v", len(*got), *got)
	}
	if (*got)[1].CapturedAt != t0.Add(1100*time.Millisecond) {
		t.Errorf("unexpected second fix %+v", (*got)[1])
	}
}

func TestDropsInvalidAndNonIncreasing(t *testing.T) {
	p := &mockPositioning{grant: true}
	m, _, got, _ := startSampler(t, p)
	push(m, p, 100, 0, 0)
	push(m, p, 1, 1, 10*time.Second)
	push(m, p, 1, 2, 5*time.Second)
	if len(*got) != 1 {
		t.Fatalf("expected only one fix, got %+v", *got)
	}
}

func TestPermissionDeniedIsTerminal(t *testing.T) {
	p := &mockPositioning{grant: false}
	_, s, _, errs := startSampler(t, p)
	if len(*errs) != 1 || !errors.Is((*errs)[0], ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", *errs)
	}
	if p.watches != 0 {
		t.Error("watch must not be acquired without permission")
	}
	p.grant = true
	err := s.Start(DefaultConfig(), func(geo.Fix) {}, nil)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("restart after denial must fail, got %v", err)
	}
}

func TestWatchFailureReported(t *testing.T) {
	p := &mockPositioning{grant: true, watchErr: errors.New("gps off")}
	_, s, _, errs := startSampler(t, p)
	if len(*errs) != 1 || !errors.Is((*errs)[0], ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", *errs)
	}
	if s.Running() {
		t.Error("sampler must not run after watch failure")
	}
}

func TestStopRestart(t *testing.T) {
	p := &mockPositioning{grant: true}
	m, s, got, _ := startSampler(t, p)
	push(m, p, 0, 0, 0)
	cb := p.onFix
	// a fix delivered by the platform but not yet run on the loop
	cb(geo.NewFix(1, 1, t0.Add(10*time.Second)))
	s.Stop()
	s.Stop()
	m.Drain()
	if len(*got) != 1 {
		t.Fatalf("queued fix must be discarded after Stop, got %+v", *got)
	}
	if p.cancelled != 1 {
		t.Errorf("watch must be released exactly once, got %d", p.cancelled)
	}
	var again []geo.Fix
	if err := s.Start(DefaultConfig(), func(f geo.Fix) { again = append(again, f) }, nil); err != nil {
		t.Fatal(err)
	}
	m.Drain()
	push(m, p, 0, 0, 20*time.Second)
	if len(again) != 1 {
		t.Fatalf("restarted sampler must emit, got %+v", again)
	}
	if err := s.Start(DefaultConfig(), nil, nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	s := New(loop.NewManual(t0), &mockPositioning{grant: true})
	if err := s.Start(Config{}, func(geo.Fix) {}, nil); err == nil {
		t.Error("zero interval must be rejected")
	}
}

func TestSimulatorRoute(t *testing.T) {
	sim := &Simulator{Route: []geo.Point{{Lat: 0, Lng: 0}, {Lat: 0.001, Lng: 0}}}
	p := sim.at(55)
	if p.Lat <= 0 || p.Lat >= 0.001 {
		t.Errorf("point must lie on the first segment: %+v", p)
	}
	back := sim.at(111.2 + 55)
	if back.Lat <= 0 || back.Lat >= 0.001 {
		t.Errorf("point must lie on the return segment: %+v", back)
	}
}
