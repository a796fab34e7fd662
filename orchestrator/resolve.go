package orchestrator

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/icco/tiebreak"
	"github.com/icco/tiebreak/metrics"
	"github.com/icco/tiebreak/session"
	"github.com/icco/tiebreak/store"
)

// outcome is what the completion check decided for the latest round.
type outcome struct {
	winner  string
	leaders []string
	round   int
}

// OnGameCompleted consumes every completed game of a tie breaker that was
// not processed yet: draws get a rematch with the players swapped. It then
// checks whether the tie breaker is decided. Calling it again for the same
// game does nothing, so it is safe to retry and to call out of order.
func (o *Orchestrator) OnGameCompleted(ctx context.Context, tieBreakerID, gameID string) error {
	var (
		created      []*store.Game
		finalized    bool
		changed      bool
		period, mode string
	)
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tb, err := store.LockTieBreaker(tx, tieBreakerID)
		if err != nil {
			return err
		}
		if tb.PointsApplied || tb.Status != tiebreak.StatusInProgress {
			return nil
		}
		period, mode = tb.Period, tb.Mode

		games, err := store.Games(tx, tb.ID)
		if err != nil {
			return err
		}

		now := o.now()
		for i := range games {
			g := &games[i]
			if g.Status != tiebreak.GameCompleted || g.ProcessedAt != nil {
				continue
			}

			if g.IsDraw() {
				rematch, err := o.sessions.CreateTx(tx, session.NewGame{
					TieBreakerID:    tb.ID,
					GameType:        g.Type(),
					Player1:         g.SecondPlayer(),
					Player2:         g.Player1,
					Round:           g.Round,
					FinalTiebreaker: g.FinalTiebreaker,
				})
				if err != nil {
					return err
				}
				created = append(created, rematch)
				metrics.GamesCreated.WithLabelValues("rematch").Inc()
				o.log.Infow("draw, rematch created", "tie_breaker", tb.ID, "game", g.ID, "rematch", rematch.ID)
			}

			res := tx.Model(&store.Game{}).
				Where("id = ? AND processed_at IS NULL", g.ID).
				Update("processed_at", now)
			if res.Error != nil {
				return res.Error
			}
			g.ProcessedAt = &now
			changed = true
		}

		for _, g := range created {
			games = append(games, *g)
		}

		out, settled := evaluate(games)
		switch {
		case !settled:
		case out.winner != "":
			if err := o.finalizeTx(tx, tb, out.winner); err != nil {
				return err
			}
			finalized = true
			changed = true
		default:
			next, err := o.decisiveRound(tx, tb, out)
			if err != nil {
				return err
			}
			created = append(created, next...)
		}

		if finalized || (!changed && len(created) == 0) {
			return nil
		}
		return store.SaveTieBreaker(tx, tb)
	})
	if err != nil {
		return store.Translate(err, nil)
	}

	o.publishGames(created)
	if !changed && len(created) == 0 {
		return nil
	}
	if _, err := o.announce(ctx, tieBreakerID); err != nil {
		o.log.Warnw("could not reload tie breaker", "tie_breaker", tieBreakerID, zap.Error(err))
	}

	if finalized && o.points != nil {
		if err := o.points.Deliver(ctx, tieBreakerID); err != nil {
			// The award stays pending and the retry job picks it up.
			o.log.Warnw("could not apply points", "tie_breaker", tieBreakerID, "game", gameID, zap.Error(err))
		}
	}
	if finalized {
		if _, err := o.StartReady(ctx, period, mode); err != nil {
			o.log.Warnw("could not start waiting tie breakers", "period", period, "mode", mode, zap.Error(err))
		}
	}
	return nil
}

// evaluate runs the completion check over the latest round. Round 0 holds the
// pairing games and every later round the decisive games among the leaders of
// the round before. A round is settled once each of its games is completed
// and processed; draws in it already have a rematch in the same round.
func evaluate(games []store.Game) (outcome, bool) {
	if len(games) == 0 {
		return outcome{}, false
	}

	round := 0
	for _, g := range games {
		round = max(round, g.Round)
	}

	// Everyone who played in the round contends, even without a win.
	wins := map[string]int{}
	for _, g := range games {
		if g.Round != round {
			continue
		}
		if g.Status != tiebreak.GameCompleted || g.ProcessedAt == nil {
			return outcome{}, false
		}
		for _, name := range []string{g.Player1, g.SecondPlayer()} {
			if _, ok := wins[name]; !ok {
				wins[name] = 0
			}
		}
		if w, ok := g.DecisiveWinner(); ok {
			wins[w]++
		}
	}

	best := -1
	var leaders []string
	for name, n := range wins {
		switch {
		case n > best:
			best = n
			leaders = []string{name}
		case n == best:
			leaders = append(leaders, name)
		}
	}
	sort.Strings(leaders)

	if len(leaders) == 1 {
		return outcome{winner: leaders[0], round: round}, true
	}
	return outcome{leaders: leaders, round: round}, true
}

// decisiveRound creates the next round of games among the tied leaders.
func (o *Orchestrator) decisiveRound(tx *gorm.DB, tb *store.TieBreaker, out outcome) ([]*store.Game, error) {
	leaders := out.leaders
	if o.cfg.DecisivePairing == PairTopTwo {
		leaders = leaders[:2]
	}

	gt := tiebreak.GameType(o.cfg.DecisiveGameType)
	if _, err := tiebreak.ParseGameType(string(gt)); err != nil {
		gt = o.randomGameType()
	}

	var games []*store.Game
	for i := range leaders {
		for j := i + 1; j < len(leaders); j++ {
			g, err := o.sessions.CreateTx(tx, session.NewGame{
				TieBreakerID:    tb.ID,
				GameType:        gt,
				Player1:         leaders[i],
				Player2:         leaders[j],
				Round:           out.round + 1,
				FinalTiebreaker: true,
			})
			if err != nil {
				return nil, err
			}
			games = append(games, g)
			metrics.GamesCreated.WithLabelValues("decisive").Inc()
		}
	}

	o.log.Infow("aggregate tie, decisive round created", "tie_breaker", tb.ID, "round", out.round+1, "leaders", leaders, "game_type", gt)
	return games, nil
}

// finalizeTx declares the winner and writes the point award in the same
// transaction.
func (o *Orchestrator) finalizeTx(tx *gorm.DB, tb *store.TieBreaker, winner string) error {
	err := tx.Model(&store.Participant{}).
		Where("tie_breaker_id = ?", tb.ID).
		Update("winner", gorm.Expr("username = ?", winner)).Error
	if err != nil {
		return err
	}

	now := o.now()
	tb.Status = tiebreak.StatusCompleted
	tb.ResolvedAt = &now
	tb.PointsApplied = true
	if err := store.SaveTieBreaker(tx, tb); err != nil {
		return err
	}

	award := &store.PointAward{
		TieBreakerID:  tb.ID,
		Username:      winner,
		Points:        tb.Points,
		Mode:          tb.Mode,
		PeriodEnd:     tb.PeriodEnd,
		Status:        store.AwardPending,
		NextAttemptAt: now,
	}
	if err := tx.Create(award).Error; err != nil {
		return err
	}

	metrics.TieBreakersResolved.WithLabelValues(tb.Mode).Inc()
	o.log.Infow("tie breaker resolved", "tie_breaker", tb.ID, "winner", winner, "points", tb.Points, "mode", tb.Mode)
	return nil
}

// Reconcile replays the completion of games the orchestrator never saw, for
// example because the process stopped between the game commit and the
// callback. It returns how many tie breakers were visited.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	var ids []string
	err := o.db.WithContext(ctx).Model(&store.Game{}).
		Distinct().
		Joins("JOIN tie_breakers ON tie_breakers.id = games.tie_breaker_id").
		Where("games.status = ? AND games.processed_at IS NULL AND tie_breakers.status = ?", tiebreak.GameCompleted, tiebreak.StatusInProgress).
		Pluck("games.tie_breaker_id", &ids).Error
	if err != nil {
		return 0, store.Translate(err, nil)
	}

	for _, id := range ids {
		if err := o.OnGameCompleted(ctx, id, ""); err != nil {
			o.log.Errorw("could not reconcile tie breaker", "tie_breaker", id, zap.Error(err))
			continue
		}
	}
	if len(ids) > 0 {
		o.log.Infow("reconciled tie breakers", "count", len(ids))
	}

	if _, err := o.StartReady(ctx, "", ""); err != nil {
		o.log.Errorw("could not start waiting tie breakers", zap.Error(err))
	}
	return len(ids), nil
}
