package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "busrpc",
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "Requests dispatched to a handler, by method.",
	}, []string{"method"})

	decodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "busrpc",
		Subsystem: "server",
		Name:      "decode_failures_total",
		Help:      "Malformed request envelopes dropped without retry.",
	})

	unknownMethods = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "busrpc",
		Subsystem: "server",
		Name:      "unknown_methods_total",
		Help:      "Requests for methods missing from the router.",
	})

	handOffs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "busrpc",
		Subsystem: "server",
		Name:      "handoffs_total",
		Help:      "Requests requeued because this instance had no answer.",
	})

	finalDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "busrpc",
		Subsystem: "server",
		Name:      "final_drops_total",
		Help:      "Requests dropped (or dead-lettered) after a full hand-off cycle.",
	})
)
