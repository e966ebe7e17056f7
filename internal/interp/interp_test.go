package interp

import (
	"testing"
	"time"

	"nuha.dev/fleettrack/internal/geo"
	"nuha.dev/fleettrack/internal/loop"
	"nuha.dev/fleettrack/internal/registry"
	"nuha.dev/fleettrack/internal/wire"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*registry.Registry, *Interpolator, *loop.Manual) {
	t.Helper()
	clock := loop.NewManual(t0)
	reg, err := registry.New(registry.DefaultConfig(), clock)
	if err != nil {
		t.Fatal(err)
	}
	ip := New(time.Second, clock)
	reg.Subscribe(ip.Observe)
	return reg, ip, clock
}

func send(t *testing.T, reg *registry.Registry, seq uint64, lat, lng float64) {
	t.Helper()
	err := reg.OnEnvelope(wire.LocationEnvelope{
		DriverID: "d1", Sequence: seq,
		Fix: geo.NewFix(lat, lng, t0.Add(time.Duration(seq)*time.Second)),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWindowFor(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		500 * time.Millisecond: 500 * time.Millisecond,
		time.Second:            time.Second,
		5 * time.Second:        MAX_WINDOW,
		0:                      MAX_WINDOW,
	}
	for in, want := range cases {
		if got := WindowFor(in); got != want {
			t.Errorf("WindowFor(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestHoldsAfterWindow(t *testing.T) {
	reg, ip, clock := setup(t)
	send(t, reg, 1, 0, 0)
	send(t, reg, 2, 0, 1)
	mid, _ := ip.Position("d1", clock.Now().Add(500*time.Millisecond))
	if mid.Lng <= 0 || mid.Lng >= 1 {
		t.Errorf("mid-animation position %v", mid)
	}
	for _, d := range []time.Duration{time.Second, time.Minute} {
		p, _ := ip.Position("d1", clock.Now().Add(d))
		if p != (geo.Point{Lat: 0, Lng: 1}) {
			t.Errorf("at +%s position %v, want hold at current fix", d, p)
		}
	}
	if ip.Animating("d1", clock.Now().Add(time.Second)) {
		t.Error("still animating after the window")
	}
}

func TestRestartFromRenderedPosition(t *testing.T) {
	reg, ip, clock := setup(t)
	send(t, reg, 1, 0, 0)
	send(t, reg, 2, 0, 1)
	clock.Advance(250 * time.Millisecond)
	rendered, _ := ip.Position("d1", clock.Now())
	send(t, reg, 3, 0, 2)

	start, _ := ip.Position("d1", clock.Now())
	if start != rendered {
		t.Fatalf("new animation starts at %v, rendered was %v", start, rendered)
	}
	prev := start
	for _, p := range ip.Steps("d1", time.Second/30) {
		if p.Lng < prev.Lng {
			t.Fatalf("jumped back from %v to %v", prev, p)
		}
		if p.Lng < rendered.Lng {
			t.Fatalf("fell behind rendered position: %v", p)
		}
		prev = p
	}
	if prev != (geo.Point{Lat: 0, Lng: 2}) {
		t.Errorf("steps end at %v", prev)
	}
}

func TestStepsCount(t *testing.T) {
	reg, ip, _ := setup(t)
	send(t, reg, 1, 0, 0)
	send(t, reg, 2, 0, 1)
	steps := ip.Steps("d1", 100*time.Millisecond)
	if len(steps) != 10 {
		t.Fatalf("got %d steps", len(steps))
	}
	if steps[0].Lng <= 0 || steps[0].Lng >= steps[1].Lng {
		t.Errorf("first steps %v %v", steps[0], steps[1])
	}
	if ip.Steps("nobody", time.Millisecond) != nil {
		t.Error("steps for an unknown driver")
	}
}

func TestDiscardOnRemoval(t *testing.T) {
	reg, ip, clock := setup(t)
	send(t, reg, 1, 0, 0)
	if ip.Len() != 1 {
		t.Fatal("no animation state for created track")
	}
	if p, _ := ip.Position("d1", clock.Now()); p != (geo.Point{}) {
		t.Errorf("created track should rest at its fix, got %v", p)
	}
	reg.Unsubscribe("d1")
	if _, ok := ip.Position("d1", clock.Now()); ok || ip.Len() != 0 {
		t.Error("animation state survived track removal")
	}
}
