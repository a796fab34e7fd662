// Package metrics holds the prometheus collectors for the tie breaker core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tiebreak"

var (
	// Moves counts accepted moves by game type.
	Moves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "moves_total",
		Help:      "Moves applied to games.",
	}, []string{"game_type"})

	// GamesCompleted counts terminal game transitions by result.
	GamesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "games_completed_total",
		Help:      "Games that reached the completed status.",
	}, []string{"game_type", "result"})

	// GamesCreated counts new games by why they were created.
	GamesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "games_created_total",
		Help:      "Games created, by reason (pairing, rematch, decisive).",
	}, []string{"reason"})

	// TieBreakersResolved counts finalized tie breakers.
	TieBreakersResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tie_breakers_resolved_total",
		Help:      "Tie breakers that declared a winner.",
	}, []string{"mode"})

	// PointAwards counts point hand-off attempts by outcome.
	PointAwards = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "point_awards_total",
		Help:      "Point hand-off attempts, by outcome (applied, retry, failed).",
	}, []string{"outcome"})

	// NotificationsDropped counts events that never reached a subscriber.
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_dropped_total",
		Help:      "Events dropped because a queue was full or a sink failed.",
	}, []string{"stage"})
)
