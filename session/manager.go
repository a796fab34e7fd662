// Package session runs single two-player games: creation, joining, moves,
// resignation and draw offers. Every change is a locked read-modify-write on
// one game row.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/icco/tiebreak"
	"github.com/icco/tiebreak/metrics"
	"github.com/icco/tiebreak/notify"
	"github.com/icco/tiebreak/store"
)

// CompletionHandler is told about every game that reached the completed
// status. It runs after the game's transaction committed.
type CompletionHandler interface {
	OnGameCompleted(ctx context.Context, tieBreakerID, gameID string) error
}

// Manager owns game state transitions.
type Manager struct {
	db      *gorm.DB
	log     *zap.SugaredLogger
	pub     notify.Publisher
	now     func() time.Time
	newID   func() string
	handler CompletionHandler
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDs replaces the game id generator.
func WithIDs(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// New returns a Manager. A nil publisher discards events.
func New(db *gorm.DB, log *zap.SugaredLogger, pub notify.Publisher, opts ...Option) *Manager {
	if pub == nil {
		pub = notify.Discard{}
	}
	m := &Manager{
		db:    db,
		log:   tiebreak.NopIfNil(log),
		pub:   pub,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetCompletionHandler registers h to be called on terminal transitions. It
// must be called before the manager serves requests.
func (m *Manager) SetCompletionHandler(h CompletionHandler) {
	m.handler = h
}

// NewGame describes a game to create.
type NewGame struct {
	TieBreakerID    string
	GameType        tiebreak.GameType
	Player1         string
	Player2         string
	Round           int
	FinalTiebreaker bool
}

// Create inserts a game. It is active when both players are known and
// pending otherwise.
func (m *Manager) Create(ctx context.Context, ng NewGame) (*store.Game, error) {
	var g *store.Game
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		g, err = m.CreateTx(tx, ng)
		return err
	})
	if err != nil {
		return nil, store.Translate(err, nil)
	}

	m.pub.Publish(notify.GameEvent(g))
	return g, nil
}

// CreateTx inserts a game inside the caller's transaction. The caller
// publishes the game once the transaction commits.
func (m *Manager) CreateTx(tx *gorm.DB, ng NewGame) (*store.Game, error) {
	gt, err := tiebreak.ParseGameType(string(ng.GameType))
	if err != nil {
		return nil, err
	}
	if err := tiebreak.ValidUsername(ng.Player1); err != nil {
		return nil, err
	}
	if ng.Player2 == ng.Player1 {
		return nil, tiebreak.New(tiebreak.KindValidation, tiebreak.CodeInvalidInput, "a player cannot play against themselves")
	}

	now := m.now()
	g := &store.Game{
		ID:              m.newID(),
		TieBreakerID:    ng.TieBreakerID,
		GameType:        string(gt),
		Player1:         ng.Player1,
		Status:          tiebreak.GamePending,
		Moves:           []tiebreak.Move{},
		CurrentPlayer:   ng.Player1,
		FinalTiebreaker: ng.FinalTiebreaker,
		Round:           ng.Round,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	g.SetBoard(tiebreak.NewBoard(gt))
	if ng.Player2 != "" {
		if err := tiebreak.ValidUsername(ng.Player2); err != nil {
			return nil, err
		}
		p2 := ng.Player2
		g.Player2 = &p2
		g.Status = tiebreak.GameActive
	}

	if err := tx.Create(g).Error; err != nil {
		return nil, store.Translate(err, nil)
	}
	return g, nil
}

// Get returns a game.
func (m *Manager) Get(ctx context.Context, id string) (*store.Game, error) {
	return store.GetGame(m.db.WithContext(ctx), id)
}

// Join seats user as the second player of a pending game. The board is reset
// so the game always starts from an empty state.
func (m *Manager) Join(ctx context.Context, id, user string) (*store.Game, error) {
	return m.mutate(ctx, id, func(tx *gorm.DB, g *store.Game) error {
		if g.Status != tiebreak.GamePending || user == "" || user == g.Player1 {
			return tiebreak.Conflict(tiebreak.ErrInvalidParticipant, g.State())
		}

		var n int64
		err := tx.Model(&store.Participant{}).
			Where("tie_breaker_id = ? AND username = ?", g.TieBreakerID, user).
			Count(&n).Error
		if err != nil {
			return store.Translate(err, nil)
		}
		if n == 0 {
			return tiebreak.Conflict(tiebreak.ErrInvalidParticipant, g.State())
		}

		g.Player2 = &user
		g.Status = tiebreak.GameActive
		g.SetBoard(tiebreak.NewBoard(g.Type()))
		g.Moves = []tiebreak.Move{}
		g.CurrentPlayer = g.Player1
		g.DrawOfferedBy = nil
		return nil
	})
}

// Move places a mark for user at position. A move withdraws any open draw
// offer.
func (m *Manager) Move(ctx context.Context, id, user string, position int) (*store.Game, error) {
	return m.mutate(ctx, id, func(_ *gorm.DB, g *store.Game) error {
		if g.Status != tiebreak.GameActive {
			return tiebreak.Conflict(tiebreak.ErrGameNotActive, g.State())
		}
		if !g.HasPlayer(user) {
			return tiebreak.Conflict(tiebreak.ErrInvalidParticipant, g.State())
		}
		if g.CurrentPlayer != user {
			return tiebreak.Conflict(tiebreak.ErrNotYourTurn, g.State())
		}

		board, cell, err := tiebreak.ApplyMove(g.BoardState(), g.Type(), position, user)
		if err != nil {
			return err
		}

		now := m.now()
		g.SetBoard(board)
		g.Moves = append(g.Moves, tiebreak.Move{Player: user, Position: position, Cell: cell, At: now})
		g.CurrentPlayer = g.Opponent(user)
		g.DrawOfferedBy = nil
		metrics.Moves.WithLabelValues(g.GameType).Inc()

		if winner, done := tiebreak.CheckWinner(board, g.Type(), g.Player1, g.SecondPlayer()); done {
			result := tiebreak.ResultWin
			if winner == tiebreak.Draw {
				result = tiebreak.ResultDraw
			}
			m.complete(g, &winner, result)
		}
		return nil
	})
}

// Resign ends the game with the other player as winner.
func (m *Manager) Resign(ctx context.Context, id, user string) (*store.Game, error) {
	return m.mutate(ctx, id, func(_ *gorm.DB, g *store.Game) error {
		if g.Status != tiebreak.GameActive {
			return tiebreak.Conflict(tiebreak.ErrGameNotActive, g.State())
		}
		if !g.HasPlayer(user) {
			return tiebreak.Conflict(tiebreak.ErrInvalidParticipant, g.State())
		}

		winner := g.Opponent(user)
		m.complete(g, &winner, tiebreak.ResultResigned)
		return nil
	})
}

// OfferDraw records that user proposes a draw.
func (m *Manager) OfferDraw(ctx context.Context, id, user string) (*store.Game, error) {
	return m.mutate(ctx, id, func(_ *gorm.DB, g *store.Game) error {
		if g.Status != tiebreak.GameActive {
			return tiebreak.Conflict(tiebreak.ErrGameNotActive, g.State())
		}
		if !g.HasPlayer(user) {
			return tiebreak.Conflict(tiebreak.ErrInvalidParticipant, g.State())
		}
		if g.DrawOfferedBy != nil {
			return tiebreak.Conflict(tiebreak.ErrDrawAlreadyOffered, g.State())
		}

		g.DrawOfferedBy = &user
		return nil
	})
}

// AcceptDraw ends the game without a winner. The rematch is created when the
// completion reaches the orchestrator.
func (m *Manager) AcceptDraw(ctx context.Context, id, user string) (*store.Game, error) {
	return m.mutate(ctx, id, func(_ *gorm.DB, g *store.Game) error {
		if g.Status != tiebreak.GameActive {
			return tiebreak.Conflict(tiebreak.ErrGameNotActive, g.State())
		}
		if g.DrawOfferedBy == nil {
			return tiebreak.Conflict(tiebreak.ErrNoDrawOffer, g.State())
		}
		if *g.DrawOfferedBy == user {
			return tiebreak.Conflict(tiebreak.ErrCannotAcceptOwnDraw, g.State())
		}
		if !g.HasPlayer(user) {
			return tiebreak.Conflict(tiebreak.ErrInvalidParticipant, g.State())
		}

		g.DrawOfferedBy = nil
		m.complete(g, nil, tiebreak.ResultAgreedDraw)
		return nil
	})
}

func (m *Manager) complete(g *store.Game, winner *string, result string) {
	now := m.now()
	g.Status = tiebreak.GameCompleted
	g.Winner = winner
	g.Result = result
	g.CompletedAt = &now
}

// mutate runs fn against the locked game and saves it with a version check.
// Nothing is written when fn fails.
func (m *Manager) mutate(ctx context.Context, id string, fn func(tx *gorm.DB, g *store.Game) error) (*store.Game, error) {
	var (
		g         *store.Game
		completed bool
	)
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := store.LockGame(tx, id)
		if err != nil {
			return err
		}
		wasCompleted := locked.Status == tiebreak.GameCompleted

		if err := fn(tx, locked); err != nil {
			return err
		}
		if err := store.SaveGame(tx, locked); err != nil {
			return err
		}

		g = locked
		completed = !wasCompleted && locked.Status == tiebreak.GameCompleted
		return nil
	})
	if err != nil {
		return nil, store.Translate(err, nil)
	}

	m.pub.Publish(notify.GameEvent(g))
	if completed {
		metrics.GamesCompleted.WithLabelValues(g.GameType, g.Result).Inc()
		m.log.Infow("game completed", "game", g.ID, "tie_breaker", g.TieBreakerID, "result", g.Result, "winner", g.Winner)
		m.notifyCompleted(ctx, g)
	}
	return g, nil
}

// notifyCompleted hands the completion to the orchestrator. A failure leaves
// the game unprocessed for the reconcile job to pick up.
func (m *Manager) notifyCompleted(ctx context.Context, g *store.Game) {
	if m.handler == nil || g.TieBreakerID == "" {
		return
	}
	if err := m.handler.OnGameCompleted(context.WithoutCancel(ctx), g.TieBreakerID, g.ID); err != nil {
		m.log.Errorw("could not process completed game", "game", g.ID, "tie_breaker", g.TieBreakerID, zap.Error(err))
	}
}
