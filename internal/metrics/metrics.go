// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SegmentsTotal counts segments seen per pipeline stage
	SegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toe_rx_segments_total",
			Help: "Total number of segments handled by each receive stage",
		},
		[]string{"stage"},
	)

	// ChecksumDropsTotal counts segments rejected by the checksum stage
	ChecksumDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toe_rx_checksum_drops_total",
			Help: "Total number of segments dropped for an invalid checksum",
		},
	)

	// SessionDropsTotal counts payloads dropped for a closed port or a missing session
	SessionDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toe_rx_session_drops_total",
			Help: "Total number of payloads dropped by port or session resolution",
		},
	)

	// OOODropsTotal counts payloads dropped by the state machine, by reason
	OOODropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toe_rx_ooo_drops_total",
			Help: "Total number of payloads dropped by sequence checks",
		},
		[]string{"reason"},
	)

	// EventsTotal counts events sent toward the transmit engine
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toe_rx_events_total",
			Help: "Total number of events emitted to the transmit side",
		},
		[]string{"type"},
	)

	// NotificationsTotal counts notifications delivered to the application
	NotificationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toe_rx_notifications_total",
			Help: "Total number of receive notifications delivered to the application",
		},
	)

	// WriteErrorsTotal counts failed receive-buffer writes
	WriteErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toe_rx_write_errors_total",
			Help: "Total number of receive buffer write completions reporting failure",
		},
	)

	// ActiveSessions tracks sessions held by the session table
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toe_sessions_active",
			Help: "Number of sessions currently allocated",
		},
	)
)
