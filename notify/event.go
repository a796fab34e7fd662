// Package notify pushes game and tie breaker changes to whoever is watching.
// Delivery is best effort: nothing here ever blocks or fails a state change.
package notify

import (
	"time"

	"github.com/icco/tiebreak/store"
)

// Kind names the type of change an event describes.
type Kind string

const (
	// GameUpdate is sent after every committed change to a game.
	GameUpdate Kind = "game_update"

	// TieBreakerUpdate is sent after every committed change to a tie breaker.
	TieBreakerUpdate Kind = "tie_breaker_update"
)

// Event is one change notification.
type Event struct {
	ID           string    `json:"id"`
	Seq          int64     `json:"seq"`
	Kind         Kind      `json:"kind"`
	TieBreakerID string    `json:"tie_breaker_id"`
	GameID       string    `json:"game_id,omitempty"`
	Winner       string    `json:"winner,omitempty"`
	Payload      any       `json:"payload"`
	At           time.Time `json:"at"`
	Topics       []string  `json:"-"`
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}

// GameTopic is the topic carrying updates for one game.
func GameTopic(id string) string { return "game:" + id }

// TieBreakerTopic is the topic carrying updates for one tie breaker and
// every game inside it.
func TieBreakerTopic(id string) string { return "tiebreaker:" + id }

// GameEvent describes the current state of g.
func GameEvent(g *store.Game) Event {
	ev := Event{
		Kind:         GameUpdate,
		TieBreakerID: g.TieBreakerID,
		GameID:       g.ID,
		Payload:      g,
		At:           g.UpdatedAt,
		Topics:       []string{GameTopic(g.ID), TieBreakerTopic(g.TieBreakerID)},
	}
	if g.Winner != nil {
		ev.Winner = *g.Winner
	}
	return ev
}

// TieBreakerEvent describes the current state of tb.
func TieBreakerEvent(tb *store.TieBreaker) Event {
	ev := Event{
		Kind:         TieBreakerUpdate,
		TieBreakerID: tb.ID,
		Payload:      tb,
		At:           tb.UpdatedAt,
		Topics:       []string{TieBreakerTopic(tb.ID)},
	}
	if w, ok := tb.Winner(); ok {
		ev.Winner = w
	}
	return ev
}
