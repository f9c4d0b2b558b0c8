package crdtsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// messagesPublishedTotal counts outbound messages by kind.
	messagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crdtkit",
			Subsystem: "sync",
			Name:      "messages_published_total",
			Help:      "Total replication messages published by kind",
		},
		[]string{"kind"},
	)

	// messagesReceivedTotal counts inbound messages by outcome.
	//
	// Labels:
	//   - result: "merged", "own", "ignored" or "dropped"
	messagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crdtkit",
			Subsystem: "sync",
			Name:      "messages_received_total",
			Help:      "Total replication messages received by result",
		},
		[]string{"result"},
	)

	fullStateFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crdtkit",
			Subsystem: "sync",
			Name:      "full_state_fallbacks_total",
			Help:      "Total catch-up requests answered with full state",
		},
	)

	autoCompactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crdtkit",
			Subsystem: "sync",
			Name:      "auto_compactions_total",
			Help:      "Total journal compactions triggered by replication",
		},
	)
)
