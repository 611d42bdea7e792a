// Package metrics exposes run counters for segment acquisition.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the counters of one run on a private registry, so concurrent
// engines (and tests) never share state.
type Metrics struct {
	registry *prometheus.Registry

	SegmentsFetched    prometheus.Counter
	SegmentsReused     prometheus.Counter
	SegmentsFailed     prometheus.Counter
	SegmentBytes       prometheus.Counter
	SegmentRetries     prometheus.Counter
	Recordings         *prometheus.CounterVec
	Validations        *prometheus.CounterVec
	CredentialIssuance *prometheus.CounterVec
}

// New registers every counter on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SegmentsFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "recfetch",
			Name:      "segments_fetched_total",
			Help:      "Segments downloaded over the network",
		}),
		SegmentsReused: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "recfetch",
			Name:      "segments_reused_total",
			Help:      "Segments found already staged by a previous run",
		}),
		SegmentsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "recfetch",
			Name:      "segments_failed_total",
			Help:      "Segments that failed after every attempt",
		}),
		SegmentBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "recfetch",
			Name:      "segment_bytes_total",
			Help:      "Bytes written to the staging area",
		}),
		SegmentRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "recfetch",
			Name:      "segment_retries_total",
			Help:      "Additional attempts spent on segments after the first",
		}),
		Recordings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recfetch",
			Name:      "recordings_total",
			Help:      "Recordings processed by final status",
		}, []string{"status"}),
		Validations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recfetch",
			Name:      "duration_validations_total",
			Help:      "Duration validation outcomes by class",
		}, []string{"class"}),
		CredentialIssuance: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recfetch",
			Name:      "credential_issuance_total",
			Help:      "Credential issuance attempts by scheme and result",
		}, []string{"scheme", "result"}),
	}
}

// Registry returns the registry holding the run's counters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the counters in the text exposition format for the
// node-exporter textfile collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
