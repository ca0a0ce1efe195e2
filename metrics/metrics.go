// Package metrics declares the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warp/kos-engine/core"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kos_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kos_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "route"})

	// BookingTransitions counts lifecycle transitions by name and outcome
	// (ok, or the error kind).
	BookingTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kos_booking_transitions_total",
		Help: "Booking lifecycle transitions",
	}, []string{"transition", "outcome"})

	PaymentOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kos_payment_outcomes_total",
		Help: "Payment settlements, failures and replays",
	}, []string{"outcome"})

	LedgerPostings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kos_ledger_postings_total",
		Help: "Ledger entries appended by source type",
	}, []string{"source_type"})

	WithdrawalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kos_withdrawal_outcomes_total",
		Help: "Withdrawal requests and decisions",
	}, []string{"action", "outcome"})

	// IdempotentReplays counts duplicates converted into success.
	IdempotentReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kos_idempotent_replays_total",
		Help: "Duplicate requests answered with the original result",
	}, []string{"kind"})

	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kos_events_dispatched_total",
		Help: "Notification events handed to dispatchers",
	}, []string{"type", "outcome"})
)

// Outcome labels err as "ok" or its error kind.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return core.Kind(err)
}
