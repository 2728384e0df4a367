package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_submitted_total",
		Help: "Total number of orders submitted",
	})

	CartRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_rejections_total",
		Help: "Total number of rejected cart lines",
	}, []string{"reason"})

	OrdersAdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_admitted_total",
		Help: "Total number of orders admitted to the pipeline",
	})

	OrdersCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_completed_total",
		Help: "Total number of orders completed",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed orders",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Time spent in each pipeline stage",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	ClaimConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_claim_conflicts_total",
		Help: "Total number of process calls that found the order already claimed",
	})

	InventoryRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_update_retries_total",
		Help: "Total number of retried inventory updates",
	})

	LedgerReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_reserve_latency_seconds",
		Help:    "Latency of stock reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	LedgerReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reservations_failed_total",
		Help: "Total number of failed stock reservations",
	}, []string{"reason"})

	LedgerAnomaliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_anomalies_total",
		Help: "Total number of release calls on committed reservations",
	})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment attempts",
	})

	PaymentSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_success_total",
		Help: "Total number of successful payments",
	})

	PaymentFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_failed_total",
		Help: "Total number of failed payments",
	})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of payment processing",
		Buckets: prometheus.DefBuckets,
	})

	CustomersPromotedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "customers_promoted_total",
		Help: "Total number of customers promoted to Premium",
	})

	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_worker_queue_depth",
		Help: "Number of orders waiting for a pipeline worker",
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
