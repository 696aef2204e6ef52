// Package metrics provides Prometheus instrumentation for the OnboardIQ
// processes. It exposes gauges for hub connections and subscriptions,
// counters for frame and request throughput, and histograms for latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HubConnections tracks the current number of active WebSocket connections.
	HubConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "onboardiq_hub_connections",
		Help: "Current number of active real-time WebSocket connections",
	})

	// HubSubscriptions tracks subscribers per channel.
	HubSubscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "onboardiq_hub_subscriptions",
		Help: "Current number of subscribers per real-time channel",
	}, []string{"channel"})

	// HubFramesTotal counts frames handled by the hub, labeled by direction:
	// "in", "out" or "dropped".
	HubFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "onboardiq_hub_frames_total",
		Help: "Total number of real-time frames processed",
	}, []string{"direction"})

	// FeedPublishedTotal counts snapshots published per feed channel.
	FeedPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "onboardiq_feed_published_total",
		Help: "Total number of feed snapshots published",
	}, []string{"channel"})

	// HTTPRequestsTotal counts API requests by route pattern, method and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "onboardiq_http_requests_total",
		Help: "Total number of HTTP API requests",
	}, []string{"route", "method", "code"})

	// HTTPRequestDuration records API latency in seconds.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "onboardiq_http_request_duration_seconds",
		Help:    "HTTP API request latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"route"})

	// RateLimitedTotal counts requests rejected by the API rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "onboardiq_rate_limited_total",
		Help: "Total number of API requests rejected by the rate limiter",
	})

	// VendorCallsTotal counts vendor wrapper calls by outcome status
	// ("ok", "degraded", "failed").
	VendorCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "onboardiq_vendor_calls_total",
		Help: "Total number of vendor API calls by outcome",
	}, []string{"vendor", "operation", "status"})

	// VendorCallDuration records vendor call latency in seconds.
	VendorCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "onboardiq_vendor_call_duration_seconds",
		Help:    "Vendor API call latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"vendor", "operation"})

	// ChatStreamsTotal counts streamed chat replies by result: "ok",
	// "degraded" or "error".
	ChatStreamsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "onboardiq_chat_streams_total",
		Help: "Total number of streamed chat responses",
	}, []string{"result"})

	// ChatCacheTotal counts chat reply cache lookups ("hit" or "miss").
	ChatCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "onboardiq_chat_cache_total",
		Help: "Chat reply cache lookups",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		HubConnections,
		HubSubscriptions,
		HubFramesTotal,
		FeedPublishedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimitedTotal,
		VendorCallsTotal,
		VendorCallDuration,
		ChatStreamsTotal,
		ChatCacheTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
