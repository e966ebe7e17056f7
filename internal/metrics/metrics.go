package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChannelReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_channel_reconnects_total",
		Help: "Reconnect attempts scheduled by the channel manager",
	})
	ChannelAuthRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_channel_auth_rejected_total",
		Help: "Authentications rejected by the broker",
	})
	ChannelQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_channel_queue_dropped_total",
		Help: "Envelopes dropped from the reconnect queue (drop-oldest)",
	})
	ChannelSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_channel_sent_total",
		Help: "Envelopes written to the transport",
	})
	ChannelReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_channel_received_total",
		Help: "Envelopes dispatched to message handlers",
	})
	RegistryEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_registry_envelopes_total",
		Help: "Envelopes seen by the position registry by outcome",
	}, []string{"outcome"})
	RegistryTracks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_registry_tracks",
		Help: "Tracks currently held by the position registry",
	})
	PublisherPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_publisher_published_total",
		Help: "Fixes handed to the channel manager",
	})
	RelayConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_relay_connections_total",
		Help: "Connections accepted by the relay by listener",
	}, []string{"listener"})
	RelayAuth = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_relay_auth_total",
		Help: "Relay authentication results",
	}, []string{"result"})
	RelayRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_relay_relayed_total",
		Help: "Envelopes pushed to subscribers",
	})
	RelayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_relay_dropped_total",
		Help: "Envelopes dropped because a subscriber buffer was full",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
