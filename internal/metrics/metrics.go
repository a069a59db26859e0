// Package metrics declares the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_time_seconds",
			Help:    "Histogram of response times",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	LedgerEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_ledger_entries_total",
			Help: "Wallet ledger rows written, by transaction type",
		},
		[]string{"type"},
	)

	PairsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binary_pairs_total",
			Help: "Binary pairs formed, by outcome",
		},
		[]string{"outcome"},
	)

	PayoutTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_transitions_total",
			Help: "Payout status transitions",
		},
		[]string{"status"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_webhook_events_total",
			Help: "Payout gateway webhook deliveries, by event and result",
		},
		[]string{"event", "result"},
	)

	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_total",
			Help: "Background task executions, by kind and result",
		},
		[]string{"kind", "result"},
	)

	ConsistencyViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consistency_violations_total",
			Help: "Invariant checks that failed",
		},
		[]string{"check"},
	)
)
