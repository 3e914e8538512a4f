// Package metrics registers the engine's Prometheus collectors. They are
// exposed by the api binary on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsOpened counts opened attendance sessions by method.
	SessionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapin_sessions_opened_total",
		Help: "Attendance sessions opened, labelled by verification method.",
	}, []string{"method"})

	// SessionsClosed counts explicit session closes (not lazy expiry).
	SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapin_sessions_closed_total",
		Help: "Attendance sessions closed explicitly by a lecturer.",
	})

	// CheckIns counts check-in submissions by outcome:
	// accepted, duplicate, rejected.
	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapin_checkins_total",
		Help: "Check-in submissions, labelled by outcome.",
	}, []string{"outcome"})

	// BroadcastFailures counts live-feed publishes that failed. Failures
	// never affect the check-in result, so this is the only signal.
	BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapin_broadcast_failures_total",
		Help: "Check-in broadcast attempts that failed to publish.",
	})
)
