// Package observability holds the Prometheus metrics the core
// components record. Wiring these into an HTTP /metrics endpoint is
// the (out-of-scope) routing layer's job; this package only declares
// and registers the collectors.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// None of the metrics below carries a per-package label: such a label
// on a counter scraped by Prometheus would grow
// unbounded with the number of distinct packages ever requested, the
// classic high-cardinality-label mistake. Uplink and result are both
// small, fixed sets and safe to label on.
const (
	UplinkLabel = "uplink"
	ResultLabel = "result"
)

const (
	ResultHit       = "hit"
	ResultMiss      = "miss"
	ResultError     = "error"
	ResultNotModified = "not-modified"
)

// Metrics bundles the counters/histograms for the Merge Engine, the
// Uplink Proxy, and the Tarball Pipeline.
type Metrics struct {
	Merge   *MergeMetrics
	Uplink  *UplinkMetrics
	Tarball *TarballMetrics
}

type MergeMetrics struct {
	Runs         *prometheus.CounterVec
	UplinkErrors *prometheus.CounterVec
	Duration     *prometheus.HistogramVec
}

type UplinkMetrics struct {
	FetchesTotal *prometheus.CounterVec
}

type TarballMetrics struct {
	CacheResult    *prometheus.CounterVec
	InFlightJoined prometheus.Counter
}

// NewMetrics constructs and registers every collector. buckets is the
// histogram bucket boundary set for Merge.Duration; nil picks the same
// exponential default the teacher uses for HTTP latency.
func NewMetrics(buckets []float64) *Metrics {
	namespace := "registry_core"

	if buckets == nil {
		buckets = prometheus.ExponentialBuckets(0.01, 2, 10)
	}

	return &Metrics{
		Merge: &MergeMetrics{
			Runs: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: "merge",
					Name:      "runs_total",
					Help:      "The total number of Merge Engine runs, by result",
				},
				[]string{ResultLabel},
			),
			UplinkErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: "merge",
					Name:      "uplink_errors_total",
					Help:      "The total number of per-uplink fetch errors recovered during a merge",
				},
				[]string{UplinkLabel},
			),
			Duration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Subsystem: "merge",
					Name:      "duration_seconds",
					Help:      "Merge Engine run latency in seconds",
					Buckets:   buckets,
				},
				[]string{ResultLabel},
			),
		},
		Uplink: &UplinkMetrics{
			FetchesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: "uplink",
					Name:      "fetches_total",
					Help:      "The total number of conditional-GET calls to an uplink, by result",
				},
				[]string{UplinkLabel, ResultLabel},
			),
		},
		Tarball: &TarballMetrics{
			CacheResult: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: "tarball",
					Name:      "cache_result_total",
					Help:      "The total number of GetTarball calls, by local-cache hit/miss",
				},
				[]string{ResultLabel},
			),
			InFlightJoined: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: "tarball",
					Name:      "in_flight_joined_total",
					Help:      "The total number of GetTarball calls that found the tarball's cache write already taken and streamed from upstream without caching",
				},
			),
		},
	}
}
