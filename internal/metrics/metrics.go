// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "confcap_active_rooms",
		Help: "Number of rooms with a live ASR worker.",
	})

	RoomSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "confcap_room_subscribers",
		Help: "Connected websockets per room, host included.",
	}, []string{"room"})

	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confcap_broadcasts_total",
		Help: "Transcript chunks fanned out to subscribers.",
	})

	HypothesesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confcap_hypotheses_total",
		Help: "ASR hypotheses consumed from room workers.",
	})

	TranslationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confcap_translations_total",
		Help: "Sentences translated and applied.",
	})

	TranslationErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confcap_translation_errors_total",
		Help: "MT calls that failed and were retried a later cycle.",
	})
)
