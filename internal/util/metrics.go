package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransactionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mpesa_transactions_created_total",
		Help: "Total number of transactions created in pending",
	})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_transaction_transitions_total",
		Help: "Total number of accepted status transitions",
	}, []string{"from", "to"})

	TransitionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_transaction_transitions_rejected_total",
		Help: "Total number of rejected status transitions",
	}, []string{"reason"})

	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_callbacks_total",
		Help: "Total number of gateway callbacks by outcome",
	}, []string{"outcome"})

	DuplicatesDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mpesa_duplicate_requests_total",
		Help: "Total number of payment requests suppressed as duplicates",
	})

	DuplicateEntriesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mpesa_duplicate_entries_swept_total",
		Help: "Total number of expired duplicate tracker entries removed",
	})

	STKPushLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mpesa_stk_push_latency_seconds",
		Help:    "Latency of STK push requests to the gateway",
		Buckets: prometheus.DefBuckets,
	})

	AuditEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_events_total",
		Help: "Total number of audit events accepted",
	}, []string{"category", "severity"})

	AuditEventsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_events_rejected_total",
		Help: "Total number of audit events rejected before buffering",
	}, []string{"reason"})

	AuditFieldsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_sensitive_fields_skipped_total",
		Help: "Total number of sensitive fields dropped because they could not be encrypted",
	})

	AuditFlushFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_flush_failures_total",
		Help: "Total number of failed audit flushes",
	})

	AuditFlushLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_flush_latency_seconds",
		Help:    "Latency of audit batch writes",
		Buckets: prometheus.DefBuckets,
	})

	AuditBufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_buffer_depth",
		Help: "Number of audit events waiting to be flushed",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
