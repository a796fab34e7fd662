package tiebreak

import (
	"fmt"
	"strings"
	"time"
)

// GameType is one of the supported board games.
type GameType string

const (
	// TicTacToe is played on a 3x3 grid, positions are cell indexes 0-8.
	TicTacToe GameType = "tictactoe"

	// Connect4 is played on a 6 row by 7 column grid, positions are column
	// indexes 0-6.
	Connect4 GameType = "connect4"
)

// GameTypes lists every supported game type.
var GameTypes = []GameType{TicTacToe, Connect4}

// ParseGameType validates s as a game type.
func ParseGameType(s string) (GameType, error) {
	gt := GameType(strings.ToLower(strings.TrimSpace(s)))
	switch gt {
	case TicTacToe, Connect4:
		return gt, nil
	}
	return "", WithMetadata(KindValidation, CodeInvalidGameType,
		fmt.Sprintf("unknown game type %q", s),
		map[string]string{"allowed": "tictactoe,connect4"})
}

// Mode is the scoring mode a tie was computed under. The core only passes it
// through to the point hand-off.
type Mode string

const (
	// ModeLastIn ranks by the latest arrival.
	ModeLastIn Mode = "last-in"

	// ModeEarlyBird ranks by the earliest arrival.
	ModeEarlyBird Mode = "early-bird"
)

// ParseMode validates s as a scoring mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case ModeLastIn, ModeEarlyBird:
		return m, nil
	}
	return "", New(KindValidation, CodeInvalidInput, fmt.Sprintf("unknown mode %q", s))
}

// Period is the length of the scoring period a tie belongs to.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// ParsePeriod validates s as a period.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return p, nil
	}
	return "", New(KindValidation, CodeInvalidInput, fmt.Sprintf("unknown period %q", s))
}

// Start returns the beginning of the period that closes at end.
func (p Period) Start(end time.Time) time.Time {
	switch p {
	case PeriodWeekly:
		return end.AddDate(0, 0, -7)
	case PeriodMonthly:
		return end.AddDate(0, 0, -30)
	}
	return end.AddDate(0, 0, -1)
}

// TieBreaker statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Game statuses. A pending game is waiting for its second player.
const (
	GamePending   = "pending"
	GameActive    = "active"
	GameCompleted = "completed"
)

// Game results, recorded when a game completes.
const (
	ResultWin        = "win"
	ResultDraw       = "draw"
	ResultResigned   = "resigned"
	ResultAgreedDraw = "agreed_draw"
)

// Move is one entry of a game's move history. Position is what the player
// submitted (a cell for tictactoe, a column for connect4) and Cell is where
// the mark landed.
type Move struct {
	Player   string    `json:"player"`
	Position int       `json:"position"`
	Cell     int       `json:"cell"`
	At       time.Time `json:"at"`
}

// ValidUsername reports whether name can be registered as a participant.
func ValidUsername(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return New(KindValidation, CodeInvalidInput, "username is empty")
	case len(name) > 64:
		return New(KindValidation, CodeInvalidInput, "username is longer than 64 characters")
	case name == Draw:
		return New(KindValidation, CodeInvalidInput, fmt.Sprintf("username %q is reserved", Draw))
	}
	return nil
}
