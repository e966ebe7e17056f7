package channel

import (
	"math"
	"time"
)

type Backoff struct {
	Base   time.Duration `mapstructure:"base" validate:"gt=0"`
	Factor float64       `mapstructure:"factor" validate:"gte=1"`
	Cap    time.Duration `mapstructure:"cap" validate:"gtefield=Base"`
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Factor: 2, Cap: 30 * time.Second}
}

// Delay returns the wait before reconnect attempt number retry (0-based).
func (b Backoff) Delay(retry int) time.Duration {
	d := float64(b.Base) * math.Pow(b.Factor, float64(retry))
	if d > float64(b.Cap) || math.IsInf(d, 0) || math.IsNaN(d) {
		return b.Cap
	}
	return time.Duration(d)
}
