package geo

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	now := time.Now()
	if err := NewFix(-6.2, 106.8, now).Validate(); err != nil {
		t.Errorf("valid fix rejected: %v", err)
	}
	if err := NewFix(91, 0, now).Validate(); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange for lat 91, got %v", err)
	}
	if err := NewFix(0, -180.5, now).Validate(); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange for lng -180.5, got %v", err)
	}
	if err := NewFix(math.NaN(), 0, now).Validate(); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange for NaN, got %v", err)
	}
	if err := NewFix(0, 0, time.Time{}).Validate(); err == nil {
		t.Error("expected error for zero capture time")
	}
	if err := NewFix(0, 0, now).WithAccuracy(-1).Validate(); err == nil {
		t.Error("expected error for negative accuracy")
	}
}

func TestDistance(t *testing.T) {
	// 0.001 degree of latitude is ~111 m
	d := Distance(Point{0, 0}, Point{0.001, 0})
	if d < 110 || d > 112 {
		t.Errorf("unexpected distance %f", d)
	}
	if Distance(Point{10, 10}, Point{10, 10}) != 0 {
		t.Error("distance to self must be zero")
	}
}

func TestLerp(t *testing.T) {
	a := Point{0, 0}
	b := Point{1, 2}
	if p := Lerp(a, b, 0.5); p.Lat != 0.5 || p.Lng != 1 {
		t.Errorf("unexpected midpoint %+v", p)
	}
	if p := Lerp(a, b, -1); p != a {
		t.Errorf("t<0 must clamp to a, got %+v", p)
	}
	if p := Lerp(a, b, 3); p != b {
		t.Errorf("t>1 must clamp to b, got %+v", p)
	}
}

func TestAccuracy(t *testing.T) {
	f := NewFix(1, 1, time.Now())
	if _, ok := f.AccuracyMeters(); ok {
		t.Error("accuracy should be absent")
	}
	g := f.WithAccuracy(4.5)
	if a, ok := g.AccuracyMeters(); !ok || a != 4.5 {
		t.Errorf("unexpected accuracy %v %v", a, ok)
	}
	if _, ok := f.AccuracyMeters(); ok {
		t.Error("WithAccuracy must not mutate the receiver")
	}
}
