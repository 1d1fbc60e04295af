package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cycle metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_cycles_total",
			Help: "Total number of evaluation cycles",
		},
		[]string{"trigger", "state"}, // state: done, failed
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricewatch_cycle_duration_seconds",
			Help:    "Time taken by one evaluation cycle",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"trigger"},
	)

	LastCycleTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricewatch_last_cycle_timestamp_seconds",
			Help: "Unix time the last cycle finished",
		},
	)

	// Evaluation metrics
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_decisions_total",
			Help: "Alert evaluation decisions",
		},
		[]string{"decision"}, // no_change, update_only, trigger
	)

	AlertsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pricewatch_alerts_skipped_total",
			Help: "Alerts skipped because their coin price could not be resolved",
		},
	)

	PersistTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_persist_total",
			Help: "Conditional alert state writes",
		},
		[]string{"status"}, // status: won, conflict, failed
	)

	// Delivery metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_deliveries_total",
			Help: "Notification deliveries by channel and outcome",
		},
		[]string{"channel", "outcome"}, // outcome: delivered, gone, rejected, failed
	)

	SubscriptionsPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pricewatch_subscriptions_pruned_total",
			Help: "Push subscriptions deleted after the push service reported them gone",
		},
	)

	// Resilience metrics
	CallAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_call_attempts_total",
			Help: "Attempts made against external collaborators",
		},
		[]string{"policy"},
	)

	CallRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_call_retries_total",
			Help: "Retries scheduled after transient failures",
		},
		[]string{"policy"},
	)

	ShortCircuitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_short_circuits_total",
			Help: "Calls rejected by an open circuit breaker",
		},
		[]string{"policy"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pricewatch_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"policy"},
	)

	// Cache metrics
	PriceCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_price_cache_total",
			Help: "Price cache lookups",
		},
		[]string{"result"}, // hit, miss, error
	)
)
