package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/icco/tiebreak"
	"github.com/icco/tiebreak/store"
)

// Reset deletes one tie breaker with its participants, games and point
// award. When an archiver is set the tie breaker is archived first and a
// failed archive aborts the reset.
func (o *Orchestrator) Reset(ctx context.Context, id string) error {
	tb, err := store.LoadTieBreaker(o.db.WithContext(ctx), id)
	if err != nil {
		return err
	}
	return o.reset(ctx, []store.TieBreaker{*tb})
}

// ResetAll deletes every tie breaker. It returns how many were removed.
func (o *Orchestrator) ResetAll(ctx context.Context) (int, error) {
	tbs, err := o.List(ctx, ListOptions{ShowCompleted: true})
	if err != nil {
		return 0, err
	}
	if len(tbs) == 0 {
		return 0, nil
	}
	if err := o.reset(ctx, tbs); err != nil {
		return 0, err
	}
	return len(tbs), nil
}

func (o *Orchestrator) reset(ctx context.Context, tbs []store.TieBreaker) error {
	if o.archiver != nil {
		if err := o.archiver.Archive(ctx, tbs); err != nil {
			return tiebreak.Wrap(tiebreak.KindPersistence, tiebreak.CodeStorage, "could not archive tie breakers", err)
		}
	}

	ids := make([]string, len(tbs))
	for i, tb := range tbs {
		ids[i] = tb.ID
	}
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return store.DeleteTieBreakers(tx, ids)
	})
	if err != nil {
		return store.Translate(err, nil)
	}

	o.log.Warnw("tie breakers reset", "ids", ids)
	return nil
}

// ResetEffects undoes every resolution: completed tie breakers go back to
// pending with unready participants and no games or point awards. It
// returns how many tie breakers were reopened.
func (o *Orchestrator) ResetEffects(ctx context.Context) (int, error) {
	var ids []string
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&store.TieBreaker{}).
			Where("status = ?", tiebreak.StatusCompleted).
			Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}

		for _, model := range []any{&store.Game{}, &store.PointAward{}} {
			if err := tx.Where("tie_breaker_id IN ?", ids).Delete(model).Error; err != nil {
				return err
			}
		}

		err = tx.Model(&store.Participant{}).
			Where("tie_breaker_id IN ?", ids).
			Updates(map[string]any{"winner": nil, "ready": false, "game_choice": nil}).Error
		if err != nil {
			return err
		}

		return tx.Model(&store.TieBreaker{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":         tiebreak.StatusPending,
				"points_applied": false,
				"resolved_at":    nil,
				"version":        gorm.Expr("version + 1"),
			}).Error
	})
	if err != nil {
		return 0, store.Translate(err, nil)
	}

	for _, id := range ids {
		if _, err := o.announce(ctx, id); err != nil {
			o.log.Warnw("could not reload tie breaker", "tie_breaker", id, zap.Error(err))
		}
	}
	if len(ids) > 0 {
		o.log.Warnw("tie breaker effects reset", "count", len(ids))
	}
	return len(ids), nil
}

// TestTieBreaker describes a tie breaker made up for trying the system out.
type TestTieBreaker struct {
	Period    tiebreak.Period
	PeriodEnd time.Time
	Points    float64
	Mode      tiebreak.Mode
	Users     []string
}

// CreateTest creates a pending tie breaker whose participants already made
// a random choice and are ready.
func (o *Orchestrator) CreateTest(ctx context.Context, t TestTieBreaker) (*store.TieBreaker, error) {
	if len(t.Users) < 2 {
		return nil, tiebreak.New(tiebreak.KindValidation, tiebreak.CodeInvalidInput, "a tie needs at least two users")
	}

	choices := make(map[string]tiebreak.GameType, len(t.Users))
	for _, user := range t.Users {
		choices[user] = o.randomGameType()
	}

	return o.create(ctx, NewTieBreaker{
		Period:       t.Period,
		Mode:         t.Mode,
		PeriodEnd:    t.PeriodEnd,
		Points:       t.Points,
		Participants: t.Users,
	}, choices)
}

// StartReady starts pending tie breakers whose participants are all ready.
// They end up waiting when auto start found another tie breaker of the same
// period and mode in progress. Empty period and mode match every tie
// breaker. It does nothing unless auto start is on and returns how many
// started.
func (o *Orchestrator) StartReady(ctx context.Context, period, mode string) (int, error) {
	if !o.cfg.AutoStart {
		return 0, nil
	}

	q := o.db.WithContext(ctx).Model(&store.TieBreaker{}).
		Where("status = ?", tiebreak.StatusPending).
		Where("NOT EXISTS (SELECT 1 FROM participants p WHERE p.tie_breaker_id = tie_breakers.id AND (p.ready = ? OR p.game_choice IS NULL))", false)
	if period != "" {
		q = q.Where("period = ?", period)
	}
	if mode != "" {
		q = q.Where("mode = ?", mode)
	}

	var ids []string
	if err := q.Order("created_at").Pluck("id", &ids).Error; err != nil {
		return 0, store.Translate(err, nil)
	}

	started := 0
	for _, id := range ids {
		if _, err := o.Start(ctx, id); err != nil {
			var derr *tiebreak.Error
			if errors.As(err, &derr) && derr.Kind == tiebreak.KindConflict {
				o.log.Debugw("ready tie breaker not started", "tie_breaker", id, "reason", derr.Code)
				continue
			}
			return started, err
		}
		started++
	}
	if started > 0 {
		o.log.Infow("started waiting tie breakers", "count", started)
	}
	return started, nil
}

// AutoStartExpired starts pending tie breakers older than the configured
// expiry. Participants who never chose get a random game type. It does
// nothing unless auto resolve is enabled and returns how many started.
func (o *Orchestrator) AutoStartExpired(ctx context.Context) (int, error) {
	if !o.cfg.AutoResolve || o.cfg.Expiry <= 0 {
		return 0, nil
	}

	var ids []string
	err := o.db.WithContext(ctx).Model(&store.TieBreaker{}).
		Where("status = ? AND created_at <= ?", tiebreak.StatusPending, o.now().Add(-o.cfg.Expiry)).
		Order("created_at").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, store.Translate(err, nil)
	}

	started := 0
	for _, id := range ids {
		if err := o.forceStart(ctx, id); err != nil {
			var derr *tiebreak.Error
			if errors.As(err, &derr) && derr.Kind == tiebreak.KindConflict {
				o.log.Infow("expired tie breaker not started", "tie_breaker", id, "reason", derr.Code)
				continue
			}
			return started, err
		}
		started++
	}
	return started, nil
}

func (o *Orchestrator) forceStart(ctx context.Context, id string) error {
	var games []*store.Game
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tb, err := store.LockTieBreaker(tx, id)
		if err != nil {
			return err
		}
		if tb.Status != tiebreak.StatusPending {
			return tiebreak.Conflict(tiebreak.ErrTieBreakerNotPending, tieBreakerState(tb))
		}

		ps, err := store.Participants(tx, id)
		if err != nil {
			return err
		}
		if len(ps) < 2 {
			return tiebreak.Conflict(tiebreak.ErrInsufficient, map[string]string{"ready": fmt.Sprint(len(ps))})
		}

		for i := range ps {
			p := &ps[i]
			if p.Ready && p.GameChoice != nil {
				continue
			}
			choice := string(o.randomGameType())
			p.GameChoice = &choice
			p.Ready = true
			err := tx.Model(p).Updates(map[string]any{"game_choice": choice, "ready": true}).Error
			if err != nil {
				return err
			}
		}

		games, err = o.startTx(tx, tb, ps)
		return err
	})
	if err != nil {
		return store.Translate(err, nil)
	}

	o.log.Infow("expired tie breaker started", "tie_breaker", id, "games", len(games))
	o.publishGames(games)
	_, err = o.announce(ctx, id)
	return err
}
