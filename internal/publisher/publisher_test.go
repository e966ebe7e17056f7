package publisher

import (
	"errors"
	"testing"
	"time"

	"nuha.dev/fleettrack/internal/geo"
	"nuha.dev/fleettrack/internal/wire"
)

type captureSender struct {
	sent []wire.Message
	err  error
}

func (c *captureSender) Send(env wire.Message) error {
	c.sent = append(c.sent, env)
	return c.err
}

func TestSequenceStartsAtOneAndNeverRepeats(t *testing.T) {
	start := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	out := &captureSender{}
	p := New("d1", out, start)
	if p.Sequence() != 0 {
		t.Fatalf("initial sequence %d", p.Sequence())
	}
	sink := p.Sink()
	for i := 0; i < 3; i++ {
		sink(geo.NewFix(0, float64(i)*0.0001, start.Add(time.Duration(i)*time.Second)))
	}
	out.err = errors.New("channel not connected")
	if err := p.Publish(geo.NewFix(0, 1, start.Add(4*time.Second))); err == nil {
		t.Error("send error not returned")
	}
	out.err = nil
	p.Publish(geo.NewFix(0, 2, start.Add(5*time.Second)))

	if len(out.sent) != 5 {
		t.Fatalf("sent %d envelopes, want 5", len(out.sent))
	}
	for i, m := range out.sent {
		env := m.(wire.LocationEnvelope)
		if env.Sequence != uint64(i+1) {
			t.Errorf("envelope %d has sequence %d", i, env.Sequence)
		}
		if env.DriverID != "d1" || env.Epoch != start.UnixMilli() {
			t.Errorf("envelope %d: %+v", i, env)
		}
	}
}
