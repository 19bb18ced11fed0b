// Package metrics exposes Prometheus counters for the reactor: connection
// churn, decoded message kinds, and per-method dispatch latency. Recording
// helpers register the collectors on first use, so callers never have to
// sequence Register against the serve loop.
package metrics

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jrpc-mux/jsonrpc"
)

var (
	registerOnce sync.Once

	connectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jrpcmux",
			Subsystem: "conn",
			Name:      "accepted_total",
			Help:      "Connections accepted by the listener.",
		},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jrpcmux",
			Subsystem: "conn",
			Name:      "active",
			Help:      "Connections currently held by the serve loop.",
		},
	)
	connectionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jrpcmux",
			Subsystem: "conn",
			Name:      "closed_total",
			Help:      "Connections retired, by terminal status.",
		},
		[]string{"reason"},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jrpcmux",
			Subsystem: "rpc",
			Name:      "messages_received_total",
			Help:      "Messages decoded from peers, by kind.",
		},
		[]string{"kind"},
	)
	requestsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jrpcmux",
			Subsystem: "rpc",
			Name:      "requests_dispatched_total",
			Help:      "Requests routed to a registered method.",
		},
		[]string{"method"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jrpcmux",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Method handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectionsAccepted,
			connectionsActive,
			connectionsClosed,
			messagesReceived,
			requestsDispatched,
			requestDuration,
		)
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func ConnectionAccepted() {
	Register()
	connectionsAccepted.Inc()
	connectionsActive.Inc()
}

func ConnectionClosed(status error) {
	Register()
	connectionsActive.Dec()
	connectionsClosed.WithLabelValues(reason(status)).Inc()
}

func MessageReceived(kind string) {
	Register()
	messagesReceived.WithLabelValues(kind).Inc()
}

func RequestDispatched(method string, duration time.Duration) {
	Register()
	requestsDispatched.WithLabelValues(method).Inc()
	requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// reason folds a terminal connection status into a bounded label set.
func reason(status error) string {
	switch {
	case status == nil:
		return "none"
	case errors.Is(status, io.EOF):
		return "eof"
	case errors.Is(status, jsonrpc.ErrUnsupportedNotification):
		return "unsupported_notification"
	case errors.Is(status, jsonrpc.ErrUnexpectedReply):
		return "unexpected_reply"
	case errors.Is(status, jsonrpc.ErrMessageTooLarge):
		return "message_too_large"
	case errors.Is(status, jsonrpc.ErrInvalidMessage):
		return "invalid_message"
	default:
		return "transport"
	}
}
