package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rooms
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cinema_rooms_active",
		Help: "Number of currently live rooms",
	})

	RoomsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinema_rooms_created_total",
		Help: "Total rooms created",
	})

	RoomsDestroyedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinema_rooms_destroyed_total",
		Help: "Total rooms destroyed",
	}, []string{"reason"})

	GuestsJoinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinema_guests_joined_total",
		Help: "Total guest joins (rejoins excluded)",
	})

	// Host grace period
	GraceStartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinema_grace_starts_total",
		Help: "Total host grace periods started",
	})

	GraceCancelsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinema_grace_cancels_total",
		Help: "Total grace periods cancelled by host reconnection",
	})

	GraceExpiriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinema_grace_expiries_total",
		Help: "Total grace periods that expired and destroyed the room",
	})

	// Relay transfers
	RelaySessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cinema_relay_sessions_active",
		Help: "Number of in-flight relay sessions",
	})

	RelayChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinema_relay_chunks_total",
		Help: "Total relay chunks buffered and forwarded",
	})

	RelayRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinema_relay_retries_total",
		Help: "Total chunks re-emitted on retry requests",
	})

	RelayAbortsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinema_relay_aborts_total",
		Help: "Total relay sessions aborted before completion",
	})

	// Forwarding
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cinema_signaling_events_total",
		Help: "Inbound signaling events by type",
	}, []string{"event"})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cinema_connections_active",
		Help: "Number of open websocket connections",
	})
)
