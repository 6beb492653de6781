/**
 * @description
 * Prometheus metrics for the HTTP surface. Exposed on /metrics.
 */

package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ussdCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_ussd_callbacks_total",
		Help: "USSD gateway callbacks by outcome.",
	}, []string{"outcome"})

	providerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_provider_events_total",
		Help: "Mobile-money provider webhook events by direction and result.",
	}, []string{"direction", "result"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lending_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)
