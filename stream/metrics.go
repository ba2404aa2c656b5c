package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "busrpc",
		Subsystem: "stream",
		Name:      "chunks_published_total",
		Help:      "Chunk envelopes published across all transfers.",
	})

	chunksApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "busrpc",
		Subsystem: "stream",
		Name:      "chunks_applied_total",
		Help:      "Chunk envelopes applied to a destination sink.",
	})

	chunkBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "busrpc",
		Subsystem: "stream",
		Name:      "chunk_bytes_total",
		Help:      "Payload bytes published across all transfers.",
	})

	streamErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "busrpc",
		Subsystem: "stream",
		Name:      "errors_total",
		Help:      "Transfers terminated by an error envelope or a local failure.",
	})
)
