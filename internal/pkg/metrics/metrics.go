package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_validations_total",
		Help: "Entitlement validations by provider and outcome",
	}, []string{"provider", "result"})

	ValidationWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paygate_validation_wait_seconds",
		Help:    "Time spent waiting for a tracker to sync or become active",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 20, 30},
	}, []string{"provider"})

	TrackersCached = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "paygate_trackers_cached",
		Help: "Subscription trackers currently held in the cache",
	}, []string{"provider"})

	TrackerEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_tracker_evictions_total",
		Help: "Trackers evicted to respect the cache capacity",
	}, []string{"provider"})

	PaymentEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_payment_events_total",
		Help: "Payment events applied to ledgers",
	}, []string{"origin"})

	BackendWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_backend_warnings_total",
		Help: "Non-fatal backend failures reported by trackers",
	}, []string{"stage"})

	InvoiceMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_invoice_messages_total",
		Help: "Invoice exchange messages handled",
	}, []string{"type", "result"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paygate_http_latency_seconds",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

var SpendRejects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paygate_spend_rejects_total",
	Help: "Outgoing payments refused by spend limits",
}, []string{"reason"})
