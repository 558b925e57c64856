package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WatchMetrics tracks file-watch session activity: raw filesystem events
// observed versus debounced ClassFileChanged events actually emitted.
type WatchMetrics struct {
	RawEventsTotal    *prometheus.CounterVec
	EmittedTotal      *prometheus.CounterVec
	DebounceCoalesced prometheus.Counter
}

func newWatchMetrics(namespace string) *WatchMetrics {
	return &WatchMetrics{
		RawEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "watch",
				Name:      "raw_events_total",
				Help:      "Total raw filesystem events observed, by fsnotify op",
			},
			[]string{"op"},
		),
		EmittedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "watch",
				Name:      "emitted_total",
				Help:      "Total ClassFile* events emitted after debouncing, by event type",
			},
			[]string{"event_type"},
		),
		DebounceCoalesced: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "watch",
				Name:      "debounce_coalesced_total",
				Help:      "Number of raw events coalesced into an already-pending debounce window",
			},
		),
	}
}
