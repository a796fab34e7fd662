// Package orchestrator runs tie breakers: it registers the tied users, pairs
// them into games, follows the games to completion and declares one winner.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/icco/tiebreak"
	"github.com/icco/tiebreak/config"
	"github.com/icco/tiebreak/metrics"
	"github.com/icco/tiebreak/notify"
	"github.com/icco/tiebreak/session"
	"github.com/icco/tiebreak/store"
)

// Pairing strategies for decisive rounds.
const (
	PairRoundRobin = "round_robin"
	PairTopTwo     = "top_two"
)

// Deliverer hands a finalized tie breaker's points to the scoring service.
type Deliverer interface {
	Deliver(ctx context.Context, tieBreakerID string) error
}

// Archiver keeps a copy of tie breakers before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, tbs []store.TieBreaker) error
}

// Orchestrator owns tie breaker state transitions.
type Orchestrator struct {
	db       *gorm.DB
	sessions *session.Manager
	pub      notify.Publisher
	log      *zap.SugaredLogger
	cfg      config.TieBreaker

	points   Deliverer
	archiver Archiver
	now      func() time.Time
	newID    func() string

	rmu sync.Mutex
	rnd *rand.Rand
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPoints delivers point awards right after finalization.
func WithPoints(d Deliverer) Option {
	return func(o *Orchestrator) { o.points = d }
}

// WithArchiver snapshots tie breakers before an administrative reset.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDs replaces the tie breaker id generator.
func WithIDs(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// WithRand sets the source for random game types.
func WithRand(r *rand.Rand) Option {
	return func(o *Orchestrator) { o.rnd = r }
}

// New returns an Orchestrator creating games through sessions. Wire it back
// with sessions.SetCompletionHandler so completed games reach it.
func New(db *gorm.DB, sessions *session.Manager, pub notify.Publisher, log *zap.SugaredLogger, cfg config.TieBreaker, opts ...Option) *Orchestrator {
	if pub == nil {
		pub = notify.Discard{}
	}
	o := &Orchestrator{
		db:       db,
		sessions: sessions,
		pub:      pub,
		log:      tiebreak.NopIfNil(log),
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
		rnd:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewTieBreaker is a tie event handed over by the scoring service.
type NewTieBreaker struct {
	Period       tiebreak.Period
	Mode         tiebreak.Mode
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Points       float64
	Participants []string
}

// Slug is the key used to reject a second tie breaker for the same tie.
func (n NewTieBreaker) Slug() string {
	return slug.Make(fmt.Sprintf("%s %s %s", n.Period, n.Mode, n.PeriodEnd.UTC().Format("2006-01-02")))
}

// Create stores a pending tie breaker and registers its participants. A zero
// Points uses the configured default and a zero PeriodStart is derived from
// the period.
func (o *Orchestrator) Create(ctx context.Context, n NewTieBreaker) (*store.TieBreaker, error) {
	return o.create(ctx, n, nil)
}

// create stores the tie breaker and its participants in one transaction.
// Participants found in choices are stored ready with that game type.
func (o *Orchestrator) create(ctx context.Context, n NewTieBreaker, choices map[string]tiebreak.GameType) (*store.TieBreaker, error) {
	period, err := tiebreak.ParsePeriod(string(n.Period))
	if err != nil {
		return nil, err
	}
	mode, err := tiebreak.ParseMode(string(n.Mode))
	if err != nil {
		return nil, err
	}
	if !o.cfg.PeriodEnabled(period) {
		return nil, tiebreak.New(tiebreak.KindValidation, tiebreak.CodeInvalidInput, fmt.Sprintf("%s tie breakers are disabled", period))
	}
	if n.PeriodEnd.IsZero() {
		return nil, tiebreak.New(tiebreak.KindValidation, tiebreak.CodeInvalidInput, "period end is required")
	}
	if n.PeriodStart.IsZero() {
		n.PeriodStart = period.Start(n.PeriodEnd)
	}
	if n.PeriodEnd.Before(n.PeriodStart) {
		return nil, tiebreak.New(tiebreak.KindValidation, tiebreak.CodeInvalidInput, "period end is before period start")
	}
	if n.Points < 0 {
		return nil, tiebreak.New(tiebreak.KindValidation, tiebreak.CodeInvalidInput, "points must be positive")
	}
	if n.Points == 0 {
		n.Points = o.cfg.Points
	}
	if err := checkUsernames(n.Participants); err != nil {
		return nil, err
	}
	n.Period, n.Mode = period, mode

	tb := &store.TieBreaker{
		ID:          o.newID(),
		Slug:        n.Slug(),
		Period:      string(period),
		Mode:        string(mode),
		PeriodStart: n.PeriodStart,
		PeriodEnd:   n.PeriodEnd,
		Points:      n.Points,
		Status:      tiebreak.StatusPending,
		Version:     1,
		CreatedAt:   o.now(),
	}

	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing store.TieBreaker
		err := tx.Select("id").Where("slug = ?", tb.Slug).Limit(1).Find(&existing).Error
		if err != nil {
			return err
		}
		if existing.ID != "" {
			return tiebreak.Conflict(tiebreak.ErrDuplicateTieBreaker, map[string]string{"tie_breaker_id": existing.ID, "slug": tb.Slug})
		}

		if err := tx.Create(tb).Error; err != nil {
			return err
		}
		return createParticipants(tx, tb.ID, n.Participants, choices)
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, tiebreak.Conflict(tiebreak.ErrDuplicateTieBreaker, map[string]string{"slug": tb.Slug})
	}
	if err != nil {
		return nil, store.Translate(err, nil)
	}

	o.log.Infow("tie breaker created", "tie_breaker", tb.ID, "slug", tb.Slug, "participants", n.Participants)
	return o.announce(ctx, tb.ID)
}

// Register adds participants to a pending tie breaker.
func (o *Orchestrator) Register(ctx context.Context, id string, usernames []string) (*store.TieBreaker, error) {
	if err := checkUsernames(usernames); err != nil {
		return nil, err
	}

	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tb, err := store.LockTieBreaker(tx, id)
		if err != nil {
			return err
		}
		if tb.Status != tiebreak.StatusPending {
			return tiebreak.Conflict(tiebreak.ErrTieBreakerNotPending, tieBreakerState(tb))
		}

		var taken []string
		err = tx.Model(&store.Participant{}).
			Where("tie_breaker_id = ? AND username IN ?", id, usernames).
			Pluck("username", &taken).Error
		if err != nil {
			return err
		}
		if len(taken) > 0 {
			return tiebreak.Conflict(tiebreak.ErrDuplicateParticipant, map[string]string{"username": strings.Join(taken, ",")})
		}

		if err := createParticipants(tx, id, usernames, nil); err != nil {
			return err
		}
		return store.SaveTieBreaker(tx, tb)
	})
	if err != nil {
		return nil, store.Translate(err, nil)
	}
	return o.announce(ctx, id)
}

// SetChoice records a participant's game type and marks them ready. When
// auto start is on and everyone is ready the tie breaker starts right away.
func (o *Orchestrator) SetChoice(ctx context.Context, id, username string, gameType tiebreak.GameType) (*store.TieBreaker, error) {
	var games []*store.Game
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tb, err := store.LockTieBreaker(tx, id)
		if err != nil {
			return err
		}

		var p store.Participant
		err = tx.Where("tie_breaker_id = ? AND username = ?", id, username).First(&p).Error
		if err != nil {
			return store.Translate(err, tiebreak.WithMetadata(tiebreak.KindNotFound, tiebreak.CodeUnknownParticipant,
				tiebreak.ErrUnknownParticipant.Message, map[string]string{"username": username}))
		}
		gt, err := tiebreak.ParseGameType(string(gameType))
		if err != nil {
			return err
		}
		if tb.Status != tiebreak.StatusPending {
			return tiebreak.Conflict(tiebreak.ErrTieBreakerNotPending, tieBreakerState(tb))
		}
		if p.Ready {
			state := map[string]string{"username": username}
			if p.GameChoice != nil {
				state["game_choice"] = *p.GameChoice
			}
			return tiebreak.Conflict(tiebreak.ErrAlreadyReady, state)
		}

		err = tx.Model(&p).Updates(map[string]any{"game_choice": string(gt), "ready": true}).Error
		if err != nil {
			return err
		}
		if err := store.SaveTieBreaker(tx, tb); err != nil {
			return err
		}

		if !o.cfg.AutoStart {
			return nil
		}
		ps, err := store.Participants(tx, id)
		if err != nil {
			return err
		}
		games, err = o.startTx(tx, tb, ps)
		var derr *tiebreak.Error
		if errors.As(err, &derr) && derr.Kind == tiebreak.KindConflict {
			// Not everyone is ready yet, or another tie breaker is running.
			o.log.Debugw("tie breaker not started", "tie_breaker", id, "reason", derr.Code)
			return nil
		}
		return err
	})
	if err != nil {
		return nil, store.Translate(err, nil)
	}

	o.publishGames(games)
	return o.announce(ctx, id)
}

// Start pairs every ready participant with every other and creates the
// games. Two participants who chose the same game type play once, otherwise
// they play one game of each choice.
func (o *Orchestrator) Start(ctx context.Context, id string) (*store.TieBreaker, error) {
	var games []*store.Game
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tb, err := store.LockTieBreaker(tx, id)
		if err != nil {
			return err
		}
		ps, err := store.Participants(tx, id)
		if err != nil {
			return err
		}
		games, err = o.startTx(tx, tb, ps)
		return err
	})
	if err != nil {
		return nil, store.Translate(err, nil)
	}

	o.publishGames(games)
	return o.announce(ctx, id)
}

// startTx checks every precondition before it writes anything, so a
// conflict leaves tx untouched.
func (o *Orchestrator) startTx(tx *gorm.DB, tb *store.TieBreaker, ps []store.Participant) ([]*store.Game, error) {
	if tb.Status != tiebreak.StatusPending {
		return nil, tiebreak.Conflict(tiebreak.ErrTieBreakerNotPending, tieBreakerState(tb))
	}

	var waiting []string
	for _, p := range ps {
		if !p.Ready || p.GameChoice == nil {
			waiting = append(waiting, p.Username)
		}
	}
	if len(waiting) > 0 {
		return nil, tiebreak.Conflict(tiebreak.ErrNotAllReady, map[string]string{"waiting": strings.Join(waiting, ",")})
	}
	if len(ps) < 2 {
		return nil, tiebreak.Conflict(tiebreak.ErrInsufficient, map[string]string{"ready": fmt.Sprint(len(ps))})
	}

	var running store.TieBreaker
	err := tx.Select("id").
		Where("period = ? AND mode = ? AND status = ? AND id <> ?", tb.Period, tb.Mode, tiebreak.StatusInProgress, tb.ID).
		Limit(1).
		Find(&running).Error
	if err != nil {
		return nil, err
	}
	if running.ID != "" {
		return nil, tiebreak.Conflict(tiebreak.ErrActiveTieBreaker, map[string]string{"tie_breaker_id": running.ID})
	}

	sort.Slice(ps, func(i, j int) bool { return ps[i].Username < ps[j].Username })

	var games []*store.Game
	for i := range ps {
		for j := i + 1; j < len(ps); j++ {
			a, b := ps[i], ps[j]
			pairs := []session.NewGame{{GameType: tiebreak.GameType(*a.GameChoice), Player1: a.Username, Player2: b.Username}}
			if *a.GameChoice != *b.GameChoice {
				pairs = append(pairs, session.NewGame{GameType: tiebreak.GameType(*b.GameChoice), Player1: b.Username, Player2: a.Username})
			}

			for _, ng := range pairs {
				ng.TieBreakerID = tb.ID
				g, err := o.sessions.CreateTx(tx, ng)
				if err != nil {
					return nil, err
				}
				games = append(games, g)
				metrics.GamesCreated.WithLabelValues("pairing").Inc()
			}
		}
	}

	tb.Status = tiebreak.StatusInProgress
	if err := store.SaveTieBreaker(tx, tb); err != nil {
		return nil, err
	}

	o.log.Infow("tie breaker started", "tie_breaker", tb.ID, "participants", len(ps), "games", len(games))
	return games, nil
}

// Get returns a tie breaker with its participants and games.
func (o *Orchestrator) Get(ctx context.Context, id string) (*store.TieBreaker, error) {
	return store.LoadTieBreaker(o.db.WithContext(ctx), id)
}

// ListOptions filters List.
type ListOptions struct {
	Mode          tiebreak.Mode
	ShowCompleted bool
	Limit         int
}

// List returns tie breakers, running ones first, then pending, then
// completed, newest first within each status.
func (o *Orchestrator) List(ctx context.Context, opts ListOptions) ([]store.TieBreaker, error) {
	q := o.db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("username") }).
		Preload("Games", func(db *gorm.DB) *gorm.DB { return db.Order("round, created_at, id") })
	if opts.Mode != "" {
		q = q.Where("mode = ?", opts.Mode)
	}
	if !opts.ShowCompleted {
		q = q.Where("status <> ?", tiebreak.StatusCompleted)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var tbs []store.TieBreaker
	err := q.Order(fmt.Sprintf("CASE status WHEN '%s' THEN 0 WHEN '%s' THEN 1 ELSE 2 END", tiebreak.StatusInProgress, tiebreak.StatusPending)).
		Order("created_at DESC").
		Find(&tbs).Error
	return tbs, store.Translate(err, nil)
}

// announce reloads a tie breaker and publishes it.
func (o *Orchestrator) announce(ctx context.Context, id string) (*store.TieBreaker, error) {
	tb, err := store.LoadTieBreaker(o.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	o.pub.Publish(notify.TieBreakerEvent(tb))
	return tb, nil
}

func (o *Orchestrator) publishGames(games []*store.Game) {
	for _, g := range games {
		o.pub.Publish(notify.GameEvent(g))
	}
}

func (o *Orchestrator) randomGameType() tiebreak.GameType {
	o.rmu.Lock()
	defer o.rmu.Unlock()
	return tiebreak.GameTypes[o.rnd.IntN(len(tiebreak.GameTypes))]
}

func createParticipants(tx *gorm.DB, id string, usernames []string, choices map[string]tiebreak.GameType) error {
	for _, name := range usernames {
		p := &store.Participant{TieBreakerID: id, Username: name}
		if gt, ok := choices[name]; ok {
			choice := string(gt)
			p.GameChoice = &choice
			p.Ready = true
		}
		if err := tx.Create(p).Error; err != nil {
			return err
		}
	}
	return nil
}

func checkUsernames(usernames []string) error {
	seen := map[string]bool{}
	for _, name := range usernames {
		if err := tiebreak.ValidUsername(name); err != nil {
			return err
		}
		if seen[name] {
			return tiebreak.Conflict(tiebreak.ErrDuplicateParticipant, map[string]string{"username": name})
		}
		seen[name] = true
	}
	return nil
}

func tieBreakerState(tb *store.TieBreaker) map[string]string {
	return map[string]string{
		"tie_breaker_id": tb.ID,
		"status":         tb.Status,
	}
}
