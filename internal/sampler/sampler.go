package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"nuha.dev/fleettrack/internal/geo"
	"nuha.dev/fleettrack/internal/loop"
)

type Accuracy string

const (
	ACCURACY_HIGH     Accuracy = "high"
	ACCURACY_BALANCED Accuracy = "balanced"
	ACCURACY_LOW      Accuracy = "low"
)

var (
	// ErrPermissionDenied is terminal for the sampler instance.
	ErrPermissionDenied = errors.New("location permission denied")
	ErrUnavailable      = errors.New("positioning unavailable")
	ErrAlreadyStarted   = errors.New("sampler already started")
)

type Config struct {
	MinInterval       time.Duration `mapstructure:"min_interval" validate:"gt=0"`
	MinDistanceMeters float64       `mapstructure:"min_distance" validate:"gte=0"`
	DesiredAccuracy   Accuracy      `mapstructure:"accuracy" validate:"omitempty,oneof=high balanced low"`
}

func DefaultConfig() Config {
	return Config{MinInterval: time.Second, MinDistanceMeters: 5, DesiredAccuracy: ACCURACY_HIGH}
}

// Positioning is the platform location capability.
type Positioning interface {
	RequestPermission(ctx context.Context) (bool, error)
	// Watch delivers raw fixes from any goroutine until the watch is cancelled.
	Watch(cfg Config, onFix func(geo.Fix)) (Watch, error)
}

type Watch interface {
	Cancel()
}

type state int

const (
	idle state = iota
	requesting
	watching
	denied
)

// Sampler turns raw platform fixes into a paced sequence. All methods must
// be called on the event loop.
type Sampler struct {
	sched  loop.Scheduler
	pos    Positioning
	log    log.Logger
	vld    *validator.Validate
	state  state
	gen    uint64
	cfg    Config
	watch  Watch
	sink   func(geo.Fix)
	fatal  func(error)
	last   *geo.Fix
	raw    uint64
	output uint64
}

func New(sched loop.Scheduler, pos Positioning) *Sampler {
	s := &Sampler{sched: sched, pos: pos}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "sampler").Value()
	s.vld = validator.New()
	return s
}

// Start requests permission and begins watching. Emitted fixes go to sink;
// a denied permission or a failed watch is reported once through fatal.
func (s *Sampler) Start(cfg Config, sink func(geo.Fix), fatal func(error)) error {
	switch s.state {
	case denied:
		return ErrPermissionDenied
	case requesting, watching:
		return ErrAlreadyStarted
	}
	if err := s.vld.Struct(cfg); err != nil {
		return fmt.Errorf("invalid sampler config: %w", err)
	}
	s.gen++
	gen := s.gen
	s.cfg = cfg
	s.sink = sink
	s.fatal = fatal
	s.last = nil
	s.state = requesting
	s.sched.Async(func() func() {
		granted, err := s.pos.RequestPermission(context.Background())
		return func() { s.permissionResult(gen, granted, err) }
	})
	return nil
}

func (s *Sampler) permissionResult(gen uint64, granted bool, err error) {
	if gen != s.gen || s.state != requesting {
		return
	}
	if err != nil {
		s.state = idle
		s.log.Error().Err(err).Msg("permission request failed")
		s.report(fmt.Errorf("%w: %v", ErrUnavailable, err))
		return
	}
	if !granted {
		s.state = denied
		s.log.Warn().Msg("location permission denied")
		s.report(ErrPermissionDenied)
		return
	}
	w, err := s.pos.Watch(s.cfg, func(f geo.Fix) {
		s.sched.Post(func() { s.onRaw(gen, f) })
	})
	if err != nil {
		s.state = idle
		s.log.Error().Err(err).Msg("unable to watch position")
		s.report(fmt.Errorf("%w: %v", ErrUnavailable, err))
		return
	}
	s.watch = w
	s.state = watching
	s.log.Info().Dur("min_interval", s.cfg.MinInterval).Float64("min_distance", s.cfg.MinDistanceMeters).Msg("sampler started")
}

func (s *Sampler) report(err error) {
	f := s.fatal
	s.fatal = nil
	if f != nil {
		f(err)
	}
}

// Stop releases the platform watch. Idempotent; fixes already queued on the
// loop are discarded. A denied sampler stays denied.
func (s *Sampler) Stop() {
	s.gen++
	if s.watch != nil {
		s.watch.Cancel()
		s.watch = nil
	}
	if s.state != denied && s.state != idle {
		s.state = idle
		s.log.Info().Uint64("raw", s.raw).Uint64("emitted", s.output).Msg("sampler stopped")
	}
	s.sink = nil
	s.fatal = nil
}

func (s *Sampler) Running() bool {
	return s.state == watching
}

func (s *Sampler) onRaw(gen uint64, f geo.Fix) {
	if gen != s.gen || s.state != watching {
		return
	}
	s.raw++
	if err := f.Validate(); err != nil {
		s.log.Debug().Err(err).Float64("lat", f.Latitude).Float64("lng", f.Longitude).Msg("dropping invalid fix")
		return
	}
	if !s.accept(f) {
		return
	}
	s.last = &f
	s.output++
	s.sink(f)
}

// accept applies the pacing policy: emit when the interval elapsed, or
// earlier (after a third of it) when the device moved far enough.
func (s *Sampler) accept(f geo.Fix) bool {
	if s.last == nil {
		return true
	}
	elapsed := f.CapturedAt.Sub(s.last.CapturedAt)
	if elapsed <= 0 {
		return false
	}
	if elapsed >= s.cfg.MinInterval {
		return true
	}
	if elapsed >= s.cfg.MinInterval/3 && geo.Distance(s.last.Point(), f.Point()) >= s.cfg.MinDistanceMeters {
		return true
	}
	return false
}
