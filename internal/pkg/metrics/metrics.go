package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_signals_total",
		Help: "The total number of webhook signals received, by outcome",
	}, []string{"status"})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradegate_orders_total",
		Help: "The total number of orders placed on the exchange",
	}, []string{"status", "side"})

	GatewayRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradegate_gateway_retries_total",
		Help: "Total retried exchange calls after a transient failure",
	})

	DuplicateSignals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradegate_duplicate_signals_total",
		Help: "Signals collapsed onto an existing execution record",
	})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradegate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
