package store

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/icco/tiebreak"
)

// TieBreaker represents one tie resolution event in the database.
type TieBreaker struct {
	ID            string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Slug          string     `gorm:"type:varchar(128);uniqueIndex" json:"slug"`
	Period        string     `gorm:"type:varchar(16);not null;index:idx_tie_breaker_period_mode" json:"period"`
	Mode          string     `gorm:"type:varchar(16);not null;index:idx_tie_breaker_period_mode" json:"mode"`
	PeriodStart   time.Time  `gorm:"not null" json:"period_start"`
	PeriodEnd     time.Time  `gorm:"not null" json:"period_end"`
	Points        float64    `gorm:"not null" json:"points"`
	Status        string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	PointsApplied bool       `gorm:"not null;default:false" json:"points_applied"`
	Version       int64      `gorm:"not null;default:1" json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`

	// Associations
	Participants []Participant `gorm:"foreignKey:TieBreakerID;constraint:OnDelete:CASCADE" json:"participants,omitempty"`
	Games        []Game        `gorm:"foreignKey:TieBreakerID;constraint:OnDelete:CASCADE" json:"games,omitempty"`
}

// Winner returns the username of the winning participant, if resolved.
func (t *TieBreaker) Winner() (string, bool) {
	for _, p := range t.Participants {
		if p.Winner != nil && *p.Winner {
			return p.Username, true
		}
	}
	return "", false
}

// Participant is one tied user registered against a tie breaker.
type Participant struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TieBreakerID string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_participant_tie_breaker_username" json:"tie_breaker_id"`
	Username     string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_participant_tie_breaker_username" json:"username"`
	GameChoice   *string   `gorm:"type:varchar(16)" json:"game_choice"`
	Ready        bool      `gorm:"not null;default:false" json:"ready"`
	Winner       *bool     `json:"winner"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Game is one two-player contest inside a tie breaker.
type Game struct {
	ID              string                             `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TieBreakerID    string                             `gorm:"type:varchar(36);not null;index" json:"tie_breaker_id"`
	GameType        string                             `gorm:"type:varchar(16);not null" json:"game_type"`
	Player1         string                             `gorm:"type:varchar(64);not null" json:"player1"`
	Player2         *string                            `gorm:"type:varchar(64)" json:"player2"`
	Status          string                             `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	Board           datatypes.JSONSlice[*string]       `json:"board"`
	Moves           datatypes.JSONSlice[tiebreak.Move] `json:"moves"`
	CurrentPlayer   string                             `gorm:"type:varchar(64)" json:"current_player"`
	Winner          *string                            `gorm:"type:varchar(64)" json:"winner"`
	Result          string                             `gorm:"type:varchar(16)" json:"result,omitempty"`
	DrawOfferedBy   *string                            `gorm:"type:varchar(64)" json:"draw_offered_by,omitempty"`
	FinalTiebreaker bool                               `gorm:"not null;default:false" json:"final_tiebreaker"`
	Round           int                                `gorm:"not null;default:0" json:"round"`
	Version         int64                              `gorm:"not null;default:1" json:"version"`
	CreatedAt       time.Time                          `json:"created_at"`
	UpdatedAt       time.Time                          `json:"updated_at"`
	CompletedAt     *time.Time                         `json:"completed_at,omitempty"`
	ProcessedAt     *time.Time                         `gorm:"index" json:"-"`
}

// BoardState returns the board as the engine type.
func (g *Game) BoardState() tiebreak.Board {
	return tiebreak.Board(g.Board)
}

// SetBoard stores b on the game.
func (g *Game) SetBoard(b tiebreak.Board) {
	g.Board = datatypes.JSONSlice[*string](b)
}

// Type returns the game type.
func (g *Game) Type() tiebreak.GameType {
	return tiebreak.GameType(g.GameType)
}

// HasPlayer reports whether user plays in this game.
func (g *Game) HasPlayer(user string) bool {
	return user != "" && (g.Player1 == user || (g.Player2 != nil && *g.Player2 == user))
}

// Opponent returns the other player of user.
func (g *Game) Opponent(user string) string {
	if g.Player1 == user {
		if g.Player2 != nil {
			return *g.Player2
		}
		return ""
	}
	return g.Player1
}

// SecondPlayer returns player2 or the empty string while nobody joined.
func (g *Game) SecondPlayer() string {
	if g.Player2 == nil {
		return ""
	}
	return *g.Player2
}

// IsDraw reports whether a completed game ended without a winner.
func (g *Game) IsDraw() bool {
	return g.Status == tiebreak.GameCompleted && (g.Winner == nil || *g.Winner == tiebreak.Draw)
}

// DecisiveWinner returns the winner of a completed game that did not end in
// a draw.
func (g *Game) DecisiveWinner() (string, bool) {
	if g.Status != tiebreak.GameCompleted || g.IsDraw() {
		return "", false
	}
	return *g.Winner, true
}

// State describes the game for conflict errors so a caller can resync.
func (g *Game) State() map[string]string {
	state := map[string]string{
		"game_id":        g.ID,
		"status":         g.Status,
		"current_player": g.CurrentPlayer,
	}
	if g.Winner != nil {
		state["winner"] = *g.Winner
	}
	if g.DrawOfferedBy != nil {
		state["draw_offered_by"] = *g.DrawOfferedBy
	}
	return state
}

// PointAward is the outbox row for handing a tie breaker's points to the
// scoring collaborator.
type PointAward struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TieBreakerID  string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"tie_breaker_id"`
	Username      string     `gorm:"type:varchar(64);not null" json:"username"`
	Points        float64    `gorm:"not null" json:"points"`
	Mode          string     `gorm:"type:varchar(16);not null" json:"mode"`
	PeriodEnd     time.Time  `json:"period_end"`
	Status        string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	NextAttemptAt time.Time  `gorm:"index" json:"next_attempt_at"`
	AppliedAt     *time.Time `json:"applied_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Point award statuses.
const (
	AwardPending = "pending"
	AwardApplied = "applied"
	AwardFailed  = "failed"
)

// AutoMigrate runs GORM auto-migration for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&TieBreaker{},
		&Participant{},
		&Game{},
		&PointAward{},
	)
}
