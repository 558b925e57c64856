package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreMetrics tracks event-store append/read traffic and error taxonomy
// (spec §7 "Store" — version conflicts and unavailability are distinct
// outcomes, not both folded into a generic "error").
type StoreMetrics struct {
	AppendsTotal    *prometheus.CounterVec
	ReadsTotal      *prometheus.CounterVec
	AppendLatency   prometheus.Histogram
	TotalEventCount prometheus.Gauge
}

func newStoreMetrics(namespace string) *StoreMetrics {
	return &StoreMetrics{
		AppendsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "appends_total",
				Help:      "Total Append calls by result (ok, version_conflict, unavailable)",
			},
			[]string{"result"},
		),
		ReadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "reads_total",
				Help:      "Total read calls by query kind (for, for_since, by_type, between)",
			},
			[]string{"kind"},
		),
		AppendLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "append_latency_seconds",
				Help:      "Latency of Append calls",
				Buckets:   prometheus.DefBuckets,
			},
		),
		TotalEventCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "total_events",
				Help:      "Last observed total event count in the store",
			},
		),
	}
}
