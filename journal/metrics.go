package journal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// entriesAppendedTotal counts entries written, by kind.
	entriesAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crdtkit",
			Subsystem: "journal",
			Name:      "entries_appended_total",
			Help:      "Total journal entries appended by kind",
		},
		[]string{"kind"},
	)

	compactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crdtkit",
			Subsystem: "journal",
			Name:      "compactions_total",
			Help:      "Total journal compactions",
		},
	)

	// replayDurationSeconds measures how long Mount spends replaying.
	replayDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "crdtkit",
			Subsystem: "journal",
			Name:      "replay_duration_seconds",
			Help:      "Time spent replaying a journal on mount",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		},
	)

	corruptionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crdtkit",
			Subsystem: "journal",
			Name:      "corruptions_total",
			Help:      "Total journals that failed to mount because of a checksum mismatch",
		},
	)

	truncatedTailsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crdtkit",
			Subsystem: "journal",
			Name:      "truncated_tails_total",
			Help:      "Total incomplete trailing entries discarded on mount",
		},
	)
)
