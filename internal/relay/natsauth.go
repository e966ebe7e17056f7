package relay

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"nuha.dev/fleettrack/internal/metrics"
	"nuha.dev/fleettrack/internal/wire"
)

// ServeNATSAuth answers authenticate requests published on subject when
// NATS itself is the broker. Replies are authResult envelopes.
func (h *Hub) ServeNATSAuth(nc *nats.Conn, subject string) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		res := h.natsAuth(m.Data)
		b, err := wire.Encode(res)
		if err != nil {
			return
		}
		if err := m.Respond(b); err != nil {
			h.log.Error().Err(err).Msg("unable to answer nats auth request")
		}
	})
}

func (h *Hub) natsAuth(data []byte) wire.AuthResult {
	msg, err := wire.Decode(data)
	if err != nil {
		return wire.AuthResult{OK: false, Reason: err.Error()}
	}
	a, ok := msg.(wire.Authenticate)
	if !ok {
		return wire.AuthResult{OK: false, Reason: ErrNotAuthenticated.Error()}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	identity, ok, err := h.validator.Validate(ctx, a.Token)
	if err != nil {
		metrics.RelayAuth.WithLabelValues("error").Inc()
		return wire.AuthResult{OK: false, Reason: "validation unavailable"}
	}
	if !ok {
		metrics.RelayAuth.WithLabelValues("rejected").Inc()
		return wire.AuthResult{OK: false, Reason: "invalid token"}
	}
	metrics.RelayAuth.WithLabelValues("ok").Inc()
	h.log.Info().Str("event", AUTH_OK).Str("listener", "nats").Str("identity", identity).Msg("")
	return wire.AuthResult{OK: true}
}
