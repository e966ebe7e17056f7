package geo

import (
	"errors"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	EARTH_RADIUS_METERS float64 = 6371008.8
	DEGREES_TO_RADIANS  float64 = math.Pi / 180.0
)

var ErrOutOfRange = errors.New("coordinates out of range")

var vld = validator.New()

// Point is a bare coordinate pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Fix is one position sample. Treat it as immutable once created.
type Fix struct {
	Latitude   float64   `json:"lat" validate:"gte=-90,lte=90"`
	Longitude  float64   `json:"lng" validate:"gte=-180,lte=180"`
	Accuracy   *float64  `json:"accuracy" validate:"omitempty,gte=0"`
	CapturedAt time.Time `json:"at" validate:"required"`
}

func NewFix(lat, lng float64, at time.Time) Fix {
	return Fix{Latitude: lat, Longitude: lng, CapturedAt: at}
}

func (f Fix) WithAccuracy(meters float64) Fix {
	f.Accuracy = &meters
	return f
}

func (f Fix) Point() Point {
	return Point{Lat: f.Latitude, Lng: f.Longitude}
}

func (f Fix) AccuracyMeters() (float64, bool) {
	if f.Accuracy == nil {
		return 0, false
	}
	return *f.Accuracy, true
}

// Validate rejects impossible coordinates and a missing capture time.
func (f Fix) Validate() error {
	if math.IsNaN(f.Latitude) || math.IsNaN(f.Longitude) {
		return ErrOutOfRange
	}
	if err := vld.Struct(f); err != nil {
		return ErrOutOfRange
	}
	return nil
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * DEGREES_TO_RADIANS
	lat2 := b.Lat * DEGREES_TO_RADIANS
	dlat := lat2 - lat1
	dlng := (b.Lng - a.Lng) * DEGREES_TO_RADIANS
	h := math.Sin(dlat/2)*math.Sin(dlat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlng/2)*math.Sin(dlng/2)
	return 2 * EARTH_RADIUS_METERS * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Lerp interpolates linearly on latitude/longitude. t is clamped to [0,1].
// No great-circle correction, fine at city scale.
func Lerp(a, b Point, t float64) Point {
	if t <= 0 {
		return a
	}
	if t >= 1 {
		return b
	}
	return Point{Lat: a.Lat + (b.Lat-a.Lat)*t, Lng: a.Lng + (b.Lng-a.Lng)*t}
}
