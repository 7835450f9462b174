package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activePeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_hub_peers_active",
			Help: "Number of attached event channels",
		},
	)

	routedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_hub_events_routed_total",
			Help: "Events delivered to a local peer",
		},
		[]string{"type"},
	)

	relayedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_hub_events_relayed_total",
			Help: "Events handed to the relay for users connected elsewhere",
		},
		[]string{"type"},
	)

	droppedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_hub_events_dropped_total",
			Help: "Events that were not delivered",
		},
		[]string{"type", "reason"},
	)
)
