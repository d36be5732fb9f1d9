// Package metrics exposes the prometheus counters the commit path marks
// on every successful store, using the stack's own promauto pattern
// rather than a hand-rolled alternative.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Marker names a single countable event on the commit path.
type Marker string

const (
	MarkerChunkStored    Marker = "chunk"
	MarkerRegisterStored Marker = "register"
	MarkerSpendStored    Marker = "spend"
)

// Sink is the commit path's metrics collaborator.
type Sink interface {
	Record(marker Marker)
}

// PromSink records commit-path markers as a prometheus counter vector.
type PromSink struct {
	recordsStored *prometheus.CounterVec
}

// NewPromSink registers the counter vector against the default registerer.
func NewPromSink() *PromSink {
	return &PromSink{
		recordsStored: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "klingvault",
			Subsystem: "commit",
			Name:      "records_stored_total",
			Help:      "Count of records successfully committed to local storage, by kind.",
		}, []string{"kind"}),
	}
}

// Record implements Sink.
func (s *PromSink) Record(marker Marker) {
	s.recordsStored.WithLabelValues(string(marker)).Inc()
}
