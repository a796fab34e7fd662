package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/icco/tiebreak"
	"github.com/icco/tiebreak/config"
	"github.com/icco/tiebreak/points"
	"github.com/icco/tiebreak/session"
	"github.com/icco/tiebreak/store"
	"github.com/icco/tiebreak/store/storetest"
)

type env struct {
	t        *testing.T
	db       *gorm.DB
	sessions *session.Manager
	orch     *Orchestrator
	points   *points.Service
	now      time.Time
	ties     int

	mu      sync.Mutex
	applied []string
	failing bool
}

func newEnv(t *testing.T, tweak func(*config.TieBreaker), opts ...Option) *env {
	t.Helper()

	cfg := config.TieBreaker{
		Points:           5,
		Expiry:           24 * time.Hour,
		Weekly:           true,
		Monthly:          true,
		DecisivePairing:  PairRoundRobin,
		DecisiveGameType: string(tiebreak.TicTacToe),
	}
	if tweak != nil {
		tweak(&cfg)
	}

	e := &env{t: t, db: storetest.New(t), now: time.Date(2026, 10, 11, 9, 0, 0, 0, time.UTC)}
	log := zaptest.NewLogger(t).Sugar()
	clock := func() time.Time { return e.now }

	games, tbs := 0, 0
	e.sessions = session.New(e.db, log, nil, session.WithClock(clock), session.WithIDs(func() string {
		games++
		return fmt.Sprintf("game-%d", games)
	}))
	e.points = points.NewService(e.db, points.ApplierFunc(e.apply), log, 3)
	e.points.SetClock(clock)

	opts = append([]Option{
		WithClock(clock),
		WithPoints(e.points),
		WithRand(rand.New(rand.NewPCG(1, 2))),
		WithIDs(func() string {
			tbs++
			return fmt.Sprintf("tb-%d", tbs)
		}),
	}, opts...)
	e.orch = New(e.db, e.sessions, nil, log, cfg, opts...)
	e.sessions.SetCompletionHandler(e.orch)
	return e
}

func (e *env) apply(_ context.Context, user string, _ float64, _ tiebreak.Mode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failing {
		return errors.New("scoring unavailable")
	}
	e.applied = append(e.applied, user)
	return nil
}

// tie creates a weekly tie breaker with a fresh period end.
func (e *env) tie(users ...string) *store.TieBreaker {
	e.t.Helper()
	e.ties++
	tb, err := e.orch.Create(context.Background(), NewTieBreaker{
		Period:       tiebreak.PeriodWeekly,
		Mode:         tiebreak.ModeLastIn,
		PeriodEnd:    time.Date(2026, 10, e.ties, 0, 0, 0, 0, time.UTC),
		Participants: users,
	})
	if err != nil {
		e.t.Fatalf("Failed to create tie breaker: %v", err)
	}
	return tb
}

func (e *env) choose(id string, choices ...string) {
	e.t.Helper()
	for i := 0; i < len(choices); i += 2 {
		if _, err := e.orch.SetChoice(context.Background(), id, choices[i], tiebreak.GameType(choices[i+1])); err != nil {
			e.t.Fatalf("Failed to set choice for %s: %v", choices[i], err)
		}
	}
}

func (e *env) start(id string) *store.TieBreaker {
	e.t.Helper()
	tb, err := e.orch.Start(context.Background(), id)
	if err != nil {
		e.t.Fatalf("Failed to start: %v", err)
	}
	return tb
}

func (e *env) load(id string) *store.TieBreaker {
	e.t.Helper()
	tb, err := e.orch.Get(context.Background(), id)
	if err != nil {
		e.t.Fatalf("Failed to load tie breaker: %v", err)
	}
	return tb
}

// open returns the unfinished game between a and b.
func (e *env) open(id, a, b string) *store.Game {
	e.t.Helper()
	for _, g := range e.load(id).Games {
		if g.Status == tiebreak.GameCompleted {
			continue
		}
		if (g.Player1 == a && g.SecondPlayer() == b) || (g.Player1 == b && g.SecondPlayer() == a) {
			return &g
		}
	}
	e.t.Fatalf("No open game between %s and %s", a, b)
	return nil
}

// beats finishes the open game between winner and loser by resignation.
func (e *env) beats(id, winner, loser string) {
	e.t.Helper()
	g := e.open(id, winner, loser)
	if _, err := e.sessions.Resign(context.Background(), g.ID, loser); err != nil {
		e.t.Fatalf("Failed to resign: %v", err)
	}
}

// draw plays the open game between a and b to a full board without a line.
func (e *env) draw(id, a, b string) *store.Game {
	e.t.Helper()
	g := e.open(id, a, b)
	p1, p2 := g.Player1, g.SecondPlayer()
	for i, pos := range []int{0, 1, 2, 4, 3, 5, 7, 6, 8} {
		player := p1
		if i%2 == 1 {
			player = p2
		}
		var err error
		g, err = e.sessions.Move(context.Background(), g.ID, player, pos)
		if err != nil {
			e.t.Fatalf("Move %d failed: %v", i, err)
		}
	}
	if g.Winner == nil || *g.Winner != tiebreak.Draw {
		e.t.Fatalf("Expected drawn game, got %+v", g)
	}
	return g
}

func winners(tb *store.TieBreaker) (names []string, unset int) {
	for _, p := range tb.Participants {
		switch {
		case p.Winner == nil:
			unset++
		case *p.Winner:
			names = append(names, p.Username)
		}
	}
	return names, unset
}

func assertResolved(t *testing.T, tb *store.TieBreaker, want string) {
	t.Helper()
	if tb.Status != tiebreak.StatusCompleted || !tb.PointsApplied || tb.ResolvedAt == nil {
		t.Fatalf("Expected completed tie breaker, got status=%s points_applied=%v", tb.Status, tb.PointsApplied)
	}
	names, unset := winners(tb)
	if len(names) != 1 || unset != 0 {
		t.Fatalf("Expected exactly one winner and no unset flags, got %v (unset %d)", names, unset)
	}
	if names[0] != want {
		t.Errorf("Expected %s to win, got %s", want, names[0])
	}
}

func TestTwoPlayersSameChoice(t *testing.T) {
	e := newEnv(t, nil)
	tb := e.tie("alice", "bob")
	e.choose(tb.ID, "alice", "tictactoe", "bob", "tictactoe")

	tb = e.start(tb.ID)
	if tb.Status != tiebreak.StatusInProgress {
		t.Fatalf("Expected in_progress, got %s", tb.Status)
	}
	if len(tb.Games) != 1 {
		t.Fatalf("Expected exactly one game, got %d", len(tb.Games))
	}
	g := tb.Games[0]
	if g.Player1 != "alice" || g.SecondPlayer() != "bob" || g.Status != tiebreak.GameActive || g.FinalTiebreaker {
		t.Errorf("Unexpected pairing game %+v", g)
	}

	ctx := context.Background()
	for _, mv := range []struct {
		user string
		pos  int
	}{{"alice", 0}, {"bob", 3}, {"alice", 1}, {"bob", 4}, {"alice", 2}} {
		if _, err := e.sessions.Move(ctx, g.ID, mv.user, mv.pos); err != nil {
			t.Fatalf("Move failed: %v", err)
		}
	}

	tb = e.load(tb.ID)
	assertResolved(t, tb, "alice")
	if w, _ := tb.Winner(); w != "alice" {
		t.Errorf("Expected Winner() to report alice, got %s", w)
	}
	if len(e.applied) != 1 || e.applied[0] != "alice" {
		t.Errorf("Expected points applied to alice once, got %v", e.applied)
	}
}

func TestDifferentChoicesPlayTwice(t *testing.T) {
	e := newEnv(t, nil)
	tb := e.tie("alice", "bob")
	e.choose(tb.ID, "alice", "tictactoe", "bob", "connect4")

	tb = e.start(tb.ID)
	if len(tb.Games) != 2 {
		t.Fatalf("Expected two games, got %d", len(tb.Games))
	}
	byType := map[string]store.Game{}
	for _, g := range tb.Games {
		byType[g.GameType] = g
	}
	if g := byType["tictactoe"]; g.Player1 != "alice" {
		t.Errorf("Expected alice to open her own choice, got %s", g.Player1)
	}
	if g := byType["connect4"]; g.Player1 != "bob" || len(g.Board) != 42 {
		t.Errorf("Expected bob to open connect4, got %+v", g)
	}

	// One win each is an aggregate tie.
	ctx := context.Background()
	if _, err := e.sessions.Resign(ctx, byType["tictactoe"].ID, "bob"); err != nil {
		t.Fatalf("Failed to resign: %v", err)
	}
	if got := e.load(tb.ID); got.Status != tiebreak.StatusInProgress {
		t.Fatalf("Resolved with a game still open: %s", got.Status)
	}
	if _, err := e.sessions.Resign(ctx, byType["connect4"].ID, "alice"); err != nil {
		t.Fatalf("Failed to resign: %v", err)
	}

	tb = e.load(tb.ID)
	if tb.Status != tiebreak.StatusInProgress {
		t.Fatalf("Expected a decisive game, got status %s", tb.Status)
	}
	decisive := e.open(tb.ID, "alice", "bob")
	if !decisive.FinalTiebreaker || decisive.Round != 1 || decisive.GameType != "tictactoe" {
		t.Errorf("Unexpected decisive game %+v", decisive)
	}

	e.beats(tb.ID, "bob", "alice")
	assertResolved(t, e.load(tb.ID), "bob")
}

func TestThreeWayTieRoundRobin(t *testing.T) {
	e := newEnv(t, nil)
	tb := e.tie("carol", "alice", "bob")
	e.choose(tb.ID, "alice", "tictactoe", "bob", "tictactoe", "carol", "tictactoe")

	tb = e.start(tb.ID)
	if len(tb.Games) != 3 {
		t.Fatalf("Expected three pairing games, got %d", len(tb.Games))
	}

	e.beats(tb.ID, "alice", "bob")
	e.beats(tb.ID, "bob", "carol")
	e.beats(tb.ID, "carol", "alice")

	tb = e.load(tb.ID)
	var decisive []store.Game
	for _, g := range tb.Games {
		if g.FinalTiebreaker {
			decisive = append(decisive, g)
		}
	}
	if len(decisive) != 3 {
		t.Fatalf("Expected a decisive round among all three leaders, got %d games", len(decisive))
	}
	for _, g := range decisive {
		if g.Round != 1 || g.Status != tiebreak.GameActive {
			t.Errorf("Unexpected decisive game %+v", g)
		}
	}

	e.beats(tb.ID, "bob", "alice")
	e.beats(tb.ID, "bob", "carol")
	if got := e.load(tb.ID); got.Status != tiebreak.StatusInProgress {
		t.Fatalf("Resolved before the round finished")
	}
	e.beats(tb.ID, "carol", "alice")

	assertResolved(t, e.load(tb.ID), "bob")
}

func TestThreeWayTieTopTwo(t *testing.T) {
	e := newEnv(t, func(c *config.TieBreaker) { c.DecisivePairing = PairTopTwo })
	tb := e.tie("alice", "bob", "carol")
	e.choose(tb.ID, "alice", "tictactoe", "bob", "tictactoe", "carol", "tictactoe")
	e.start(tb.ID)

	e.beats(tb.ID, "alice", "bob")
	e.beats(tb.ID, "bob", "carol")
	e.beats(tb.ID, "carol", "alice")

	tb = e.load(tb.ID)
	var decisive []store.Game
	for _, g := range tb.Games {
		if g.FinalTiebreaker {
			decisive = append(decisive, g)
		}
	}
	if len(decisive) != 1 {
		t.Fatalf("Expected one decisive game, got %d", len(decisive))
	}
	if g := decisive[0]; g.Player1 != "alice" || g.SecondPlayer() != "bob" {
		t.Errorf("Expected the first two leaders to play, got %s vs %s", g.Player1, g.SecondPlayer())
	}

	e.beats(tb.ID, "bob", "alice")
	assertResolved(t, e.load(tb.ID), "bob")
}

func TestDrawCreatesOneSwappedRematch(t *testing.T) {
	e := newEnv(t, nil)
	tb := e.tie("alice", "bob")
	e.choose(tb.ID, "alice", "tictactoe", "bob", "tictactoe")
	e.start(tb.ID)

	drawn := e.draw(tb.ID, "alice", "bob")

	tb = e.load(tb.ID)
	if len(tb.Games) != 2 {
		t.Fatalf("Expected exactly one rematch, got %d games", len(tb.Games))
	}
	rematch := e.open(tb.ID, "alice", "bob")
	if rematch.Player1 != drawn.SecondPlayer() || rematch.SecondPlayer() != drawn.Player1 {
		t.Errorf("Expected players swapped, got %s vs %s", rematch.Player1, rematch.SecondPlayer())
	}
	if rematch.GameType != drawn.GameType || rematch.Round != 0 || rematch.FinalTiebreaker {
		t.Errorf("Unexpected rematch %+v", rematch)
	}
	if tb.Status != tiebreak.StatusInProgress {
		t.Errorf("A draw must not resolve the tie breaker, got %s", tb.Status)
	}

	// Retried completion callbacks do not add rematches.
	for range 2 {
		if err := e.orch.OnGameCompleted(context.Background(), tb.ID, drawn.ID); err != nil {
			t.Fatalf("Failed to reprocess: %v", err)
		}
	}
	if n := len(e.load(tb.ID).Games); n != 2 {
		t.Fatalf("Expected still two games, got %d", n)
	}

	e.beats(tb.ID, "bob", "alice")
	assertResolved(t, e.load(tb.ID), "bob")
}

func TestAgreedDrawOnDecisiveGame(t *testing.T) {
	e := newEnv(t, nil)
	tb := e.tie("alice", "bob")
	e.choose(tb.ID, "alice", "tictactoe", "bob", "connect4")
	e.start(tb.ID)

	e.beats(tb.ID, "alice", "bob")
	e.beats(tb.ID, "bob", "alice")

	ctx := context.Background()
	decisive := e.open(tb.ID, "alice", "bob")
	if _, err := e.sessions.OfferDraw(ctx, decisive.ID, "alice"); err != nil {
		t.Fatalf("Failed to offer draw: %v", err)
	}
	if _, err := e.sessions.AcceptDraw(ctx, decisive.ID, "bob"); err != nil {
		t.Fatalf("Failed to accept draw: %v", err)
	}

	tb = e.load(tb.ID)
	if tb.Status != tiebreak.StatusInProgress {
		t.Fatalf("A drawn decisive game must not complete the tie breaker")
	}
	again := e.open(tb.ID, "alice", "bob")
	if !again.FinalTiebreaker || again.Round != decisive.Round || again.Player1 != "bob" {
		t.Errorf("Expected swapped decisive rematch, got %+v", again)
	}

	e.beats(tb.ID, "alice", "bob")
	assertResolved(t, e.load(tb.ID), "alice")
}

func TestOnGameCompletedIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	tb := e.tie("alice", "bob")
	e.choose(tb.ID, "alice", "tictactoe", "bob", "tictactoe")
	e.start(tb.ID)
	g := e.open(tb.ID, "alice", "bob")
	e.beats(tb.ID, "alice", "bob")

	before := e.load(tb.ID)
	for range 3 {
		if err := e.orch.OnGameCompleted(context.Background(), tb.ID, g.ID); err != nil {
			t.Fatalf("Failed to reprocess: %v", err)
		}
	}
	after := e.load(tb.ID)

	assertResolved(t, after, "alice")
	if after.Version != before.Version || len(after.Games) != len(before.Games) {
		t.Errorf("Reprocessing changed the tie breaker: version %d -> %d", before.Version, after.Version)
	}

	var awards int64
	if err := e.db.Model(&store.PointAward{}).Where("tie_breaker_id = ?", tb.ID).Count(&awards).Error; err != nil {
		t.Fatalf("Failed to count awards: %v", err)
	}
	if awards != 1 || len(e.applied) != 1 {
		t.Errorf("Expected one award applied once, got %d rows and %v", awards, e.applied)
	}
}

func TestPointsFailureKeepsResolution(t *testing.T) {
	e := newEnv(t, nil)
	e.failing = true
	tb := e.tie("alice", "bob")
	e.choose(tb.ID, "alice", "tictactoe", "bob", "tictactoe")
	e.start(tb.ID)
	e.beats(tb.ID, "bob", "alice")

	assertResolved(t, e.load(tb.ID), "bob")

	var award store.PointAward
	if err := e.db.Where("tie_breaker_id = ?", tb.ID).First(&award).Error; err != nil {
		t.Fatalf("Failed to load award: %v", err)
	}
	if award.Status != store.AwardPending || award.Attempts != 1 || award.Username != "bob" || award.Points != 5 {
		t.Errorf("Expected pending award for bob, got %+v", award)
	}

	e.failing = false
	e.now = e.now.Add(time.Hour)
	if n, err := e.points.RetryPending(context.Background()); err != nil || n != 1 {
		t.Fatalf("Expected retry to apply one award, got %d %v", n, err)
	}
	if len(e.applied) != 1 || e.applied[0] != "bob" {
		t.Errorf("Expected bob to receive points, got %v", e.applied)
	}
}

func TestReconcile(t *testing.T) {
	e := newEnv(t, nil)
	tb := e.tie("alice", "bob")
	e.choose(tb.ID, "alice", "tictactoe", "bob", "tictactoe")
	e.start(tb.ID)

	// Complete a game without telling the orchestrator.
	e.sessions.SetCompletionHandler(nil)
	e.beats(tb.ID, "alice", "bob")
	if got := e.load(tb.ID); got.Status != tiebreak.StatusInProgress {
		t.Fatalf("Expected unresolved tie breaker, got %s", got.Status)
	}

	n, err := e.orch.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Failed to reconcile: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected one tie breaker reconciled, got %d", n)
	}
	assertResolved(t, e.load(tb.ID), "alice")

	if n, _ := e.orch.Reconcile(context.Background()); n != 0 {
		t.Errorf("Expected nothing left to reconcile, got %d", n)
	}
}

func TestStartErrors(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	tb := e.tie("alice", "bob")
	e.choose(tb.ID, "alice", "tictactoe")
	_, err := e.orch.Start(ctx, tb.ID)
	if !errors.Is(err, tiebreak.ErrNotAllReady) {
		t.Fatalf("Expected not all ready, got %v", err)
	}
	if got := e.load(tb.ID); got.Status != tiebreak.StatusPending || len(got.Games) != 0 {
		t.Errorf("Failed start must not change state, got %s with %d games", got.Status, len(got.Games))
	}

	solo := e.tie("dave")
	e.choose(solo.ID, "dave", "connect4")
	_, err = e.orch.Start(ctx, solo.ID)
	if !errors.Is(err, tiebreak.ErrInsufficient) {
		t.Errorf("Expected insufficient participants, got %v", err)
	}
	if got := e.load(solo.ID); got.Status != tiebreak.StatusPending {
		t.Errorf("Expected pending, got %s", got.Status)
	}

	e.choose(tb.ID, "bob", "tictactoe")
	e.start(tb.ID)
	_, err = e.orch.Start(ctx, tb.ID)
	if !errors.Is(err, tiebreak.ErrTieBreakerNotPending) {
		t.Errorf("Expected not pending, got %v", err)
	}

	other := e.tie("carol", "erin")
	e.choose(other.ID, "carol", "tictactoe", "erin", "tictactoe")
	_, err = e.orch.Start(ctx, other.ID)
	if !errors.Is(err, tiebreak.ErrActiveTieBreaker) {
		t.Errorf("Expected active tie breaker conflict, got %v", err)
	}

	_, err = e.orch.Start(ctx, "missing")
	if !errors.Is(err, tiebreak.ErrTieBreakerNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestRegisterAndChoiceErrors(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	tb := e.tie("alice")

	if _, err := e.orch.Register(ctx, tb.ID, []string{"bob", "carol"}); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	_, err := e.orch.Register(ctx, tb.ID, []string{"dave", "bob"})
	if !errors.Is(err, tiebreak.ErrDuplicateParticipant) {
		t.Errorf("Expected duplicate participant, got %v", err)
	}
	_, err = e.orch.Register(ctx, tb.ID, []string{"erin", "erin"})
	if !errors.Is(err, tiebreak.ErrDuplicateParticipant) {
		t.Errorf("Expected duplicate within request, got %v", err)
	}
	_, err = e.orch.Register(ctx, tb.ID, []string{"draw"})
	if tiebreak.KindOf(err) != tiebreak.KindValidation {
		t.Errorf("Expected reserved name to be rejected, got %v", err)
	}
	if n := len(e.load(tb.ID).Participants); n != 3 {
		t.Errorf("Failed registrations must not write, got %d participants", n)
	}

	_, err = e.orch.SetChoice(ctx, tb.ID, "mallory", tiebreak.TicTacToe)
	if !errors.Is(err, tiebreak.ErrUnknownParticipant) {
		t.Errorf("Expected unknown participant, got %v", err)
	}
	_, err = e.orch.SetChoice(ctx, tb.ID, "alice", "chess")
	if !errors.Is(err, tiebreak.ErrInvalidGameType) {
		t.Errorf("Expected invalid game type, got %v", err)
	}

	got, err := e.orch.SetChoice(ctx, tb.ID, "alice", tiebreak.Connect4)
	if err != nil {
		t.Fatalf("Failed to set choice: %v", err)
	}
	for _, p := range got.Participants {
		if p.Username == "alice" && (!p.Ready || p.GameChoice == nil || *p.GameChoice != "connect4") {
			t.Errorf("Expected alice ready with connect4, got %+v", p)
		}
	}
	_, err = e.orch.SetChoice(ctx, tb.ID, "alice", tiebreak.TicTacToe)
	if !errors.Is(err, tiebreak.ErrAlreadyReady) {
		t.Errorf("Expected already ready, got %v", err)
	}
}

func TestCreate(t *testing.T) {
	e := newEnv(t, func(c *config.TieBreaker) { c.Monthly = false })
	ctx := context.Background()
	end := time.Date(2026, 10, 11, 0, 0, 0, 0, time.UTC)

	tb, err := e.orch.Create(ctx, NewTieBreaker{Period: "weekly", Mode: "early-bird", PeriodEnd: end, Participants: []string{"bob", "alice"}})
	if err != nil {
		t.Fatalf("Failed to create: %v", err)
	}
	if tb.Points != 5 || tb.Status != tiebreak.StatusPending || tb.Slug != "weekly-early-bird-2026-10-11" {
		t.Errorf("Unexpected tie breaker %+v", tb)
	}
	if !tb.PeriodStart.Equal(end.AddDate(0, 0, -7)) {
		t.Errorf("Expected derived period start, got %s", tb.PeriodStart)
	}
	if len(tb.Participants) != 2 || tb.Participants[0].Username != "alice" {
		t.Errorf("Expected two registered participants, got %+v", tb.Participants)
	}

	_, err = e.orch.Create(ctx, NewTieBreaker{Period: "weekly", Mode: "early-bird", PeriodEnd: end})
	if !errors.Is(err, tiebreak.ErrDuplicateTieBreaker) {
		t.Errorf("Expected duplicate tie breaker, got %v", err)
	}

	for name, n := range map[string]NewTieBreaker{
		"disabled period": {Period: "monthly", Mode: "last-in", PeriodEnd: end},
		"unknown mode":    {Period: "weekly", Mode: "sometimes", PeriodEnd: end},
		"no end":          {Period: "weekly", Mode: "last-in"},
		"end before":      {Period: "daily", Mode: "last-in", PeriodStart: end, PeriodEnd: end.Add(-time.Hour)},
		"negative points": {Period: "daily", Mode: "last-in", PeriodEnd: end, Points: -1},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := e.orch.Create(ctx, n); tiebreak.KindOf(err) != tiebreak.KindValidation {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestAutoStart(t *testing.T) {
	e := newEnv(t, func(c *config.TieBreaker) { c.AutoStart = true })
	tb := e.tie("alice", "bob")

	e.choose(tb.ID, "alice", "tictactoe")
	if got := e.load(tb.ID); got.Status != tiebreak.StatusPending {
		t.Fatalf("Started before everyone was ready")
	}
	e.choose(tb.ID, "bob", "connect4")

	got := e.load(tb.ID)
	if got.Status != tiebreak.StatusInProgress || len(got.Games) != 2 {
		t.Errorf("Expected auto start with two games, got %s and %d games", got.Status, len(got.Games))
	}
}

func TestWaitingTieBreakerStarts(t *testing.T) {
	e := newEnv(t, func(c *config.TieBreaker) { c.AutoStart = true })
	ctx := context.Background()

	first := e.tie("alice", "bob")
	e.choose(first.ID, "alice", "tictactoe", "bob", "tictactoe")
	if got := e.load(first.ID); got.Status != tiebreak.StatusInProgress {
		t.Fatalf("Expected first tie breaker running, got %s", got.Status)
	}

	second := e.tie("carol", "dave")
	e.choose(second.ID, "carol", "tictactoe", "dave", "connect4")
	if got := e.load(second.ID); got.Status != tiebreak.StatusPending {
		t.Fatalf("Expected second tie breaker to wait, got %s", got.Status)
	}

	e.beats(first.ID, "bob", "alice")
	assertResolved(t, e.load(first.ID), "bob")
	if got := e.load(second.ID); got.Status != tiebreak.StatusInProgress || len(got.Games) != 2 {
		t.Fatalf("Expected the waiting tie breaker to start, got %s with %d games", got.Status, len(got.Games))
	}

	// A tie breaker left waiting by a reset is picked up by the reconcile job.
	third := e.tie("erin", "frank")
	e.choose(third.ID, "erin", "connect4", "frank", "connect4")
	if err := e.orch.Reset(ctx, second.ID); err != nil {
		t.Fatalf("Failed to reset: %v", err)
	}
	if got := e.load(third.ID); got.Status != tiebreak.StatusPending {
		t.Fatalf("Expected third tie breaker still pending, got %s", got.Status)
	}
	if _, err := e.orch.Reconcile(ctx); err != nil {
		t.Fatalf("Failed to reconcile: %v", err)
	}
	if got := e.load(third.ID); got.Status != tiebreak.StatusInProgress {
		t.Errorf("Expected reconcile to start the waiting tie breaker, got %s", got.Status)
	}

	off := newEnv(t, nil)
	tb := off.tie("alice", "bob")
	off.choose(tb.ID, "alice", "tictactoe", "bob", "tictactoe")
	if n, err := off.orch.StartReady(ctx, "", ""); err != nil || n != 0 {
		t.Errorf("Expected nothing started with auto start off, got %d %v", n, err)
	}
}

func TestAutoStartExpired(t *testing.T) {
	e := newEnv(t, func(c *config.TieBreaker) { c.AutoResolve = true })
	ctx := context.Background()

	stale := e.tie("alice", "bob")
	e.choose(stale.ID, "alice", "connect4")
	e.now = e.now.Add(25 * time.Hour)
	fresh := e.tie("carol", "dave")

	n, err := e.orch.AutoStartExpired(ctx)
	if err != nil {
		t.Fatalf("Failed to auto start: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected one tie breaker started, got %d", n)
	}

	got := e.load(stale.ID)
	if got.Status != tiebreak.StatusInProgress || len(got.Games) == 0 {
		t.Errorf("Expected expired tie breaker started, got %s", got.Status)
	}
	for _, p := range got.Participants {
		if !p.Ready || p.GameChoice == nil {
			t.Errorf("Expected %s to be given a choice", p.Username)
		}
		if p.Username == "alice" && *p.GameChoice != "connect4" {
			t.Errorf("Expected alice to keep her choice, got %s", *p.GameChoice)
		}
	}
	if got := e.load(fresh.ID); got.Status != tiebreak.StatusPending {
		t.Errorf("Fresh tie breaker must stay pending, got %s", got.Status)
	}

	off := newEnv(t, nil)
	off.tie("alice", "bob")
	off.now = off.now.Add(48 * time.Hour)
	if n, _ := off.orch.AutoStartExpired(ctx); n != 0 {
		t.Errorf("Expected nothing started with auto resolve off, got %d", n)
	}
}

func TestList(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	done := e.tie("alice", "bob")
	e.choose(done.ID, "alice", "tictactoe", "bob", "tictactoe")
	e.start(done.ID)
	e.beats(done.ID, "alice", "bob")

	e.now = e.now.Add(time.Minute)
	running := e.tie("carol", "dave")
	e.choose(running.ID, "carol", "tictactoe", "dave", "tictactoe")
	e.start(running.ID)

	e.now = e.now.Add(time.Minute)
	pending := e.tie("erin", "frank")

	got, err := e.orch.List(ctx, ListOptions{ShowCompleted: true})
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	var order []string
	for _, tb := range got {
		order = append(order, tb.ID)
	}
	want := []string{running.ID, pending.ID, done.ID}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("Expected order %v, got %v", want, order)
	}

	got, err = e.orch.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Expected completed tie breakers hidden, got %d", len(got))
	}

	got, err = e.orch.List(ctx, ListOptions{Mode: tiebreak.ModeEarlyBird, ShowCompleted: true})
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected no early-bird tie breakers, got %d", len(got))
	}
}

type fakeArchiver struct {
	got []string
	err error
}

func (f *fakeArchiver) Archive(_ context.Context, tbs []store.TieBreaker) error {
	for _, tb := range tbs {
		f.got = append(f.got, tb.ID)
	}
	return f.err
}

func TestReset(t *testing.T) {
	arch := &fakeArchiver{}
	e := newEnv(t, nil, WithArchiver(arch))
	ctx := context.Background()

	a := e.tie("alice", "bob")
	e.choose(a.ID, "alice", "tictactoe", "bob", "tictactoe")
	e.start(a.ID)
	b := e.tie("carol", "dave")

	if err := e.orch.Reset(ctx, a.ID); err != nil {
		t.Fatalf("Failed to reset: %v", err)
	}
	if _, err := e.orch.Get(ctx, a.ID); !errors.Is(err, tiebreak.ErrTieBreakerNotFound) {
		t.Errorf("Expected reset tie breaker gone, got %v", err)
	}
	var games int64
	e.db.Model(&store.Game{}).Count(&games)
	if games != 0 {
		t.Errorf("Expected games deleted, got %d", games)
	}
	if len(arch.got) != 1 || arch.got[0] != a.ID {
		t.Errorf("Expected archive before reset, got %v", arch.got)
	}

	arch.err = errors.New("bucket gone")
	if _, err := e.orch.ResetAll(ctx); tiebreak.KindOf(err) != tiebreak.KindPersistence {
		t.Errorf("Expected archive failure to abort, got %v", err)
	}
	if _, err := e.orch.Get(ctx, b.ID); err != nil {
		t.Errorf("Expected tie breaker kept after failed archive, got %v", err)
	}

	arch.err = nil
	n, err := e.orch.ResetAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Expected one tie breaker reset, got %d %v", n, err)
	}
}

func TestResetEffects(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	tb := e.tie("alice", "bob")
	e.choose(tb.ID, "alice", "tictactoe", "bob", "tictactoe")
	e.start(tb.ID)
	e.beats(tb.ID, "alice", "bob")
	assertResolved(t, e.load(tb.ID), "alice")

	n, err := e.orch.ResetEffects(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Expected one tie breaker reopened, got %d %v", n, err)
	}

	got := e.load(tb.ID)
	if got.Status != tiebreak.StatusPending || got.PointsApplied || got.ResolvedAt != nil || len(got.Games) != 0 {
		t.Errorf("Expected reopened tie breaker, got %+v", got)
	}
	for _, p := range got.Participants {
		if p.Winner != nil || p.Ready || p.GameChoice != nil {
			t.Errorf("Expected %s reset, got %+v", p.Username, p)
		}
	}

	// It can be played again.
	e.choose(tb.ID, "alice", "tictactoe", "bob", "tictactoe")
	e.start(tb.ID)
	e.beats(tb.ID, "bob", "alice")
	assertResolved(t, e.load(tb.ID), "bob")
}

func TestCreateTest(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	tb, err := e.orch.CreateTest(ctx, TestTieBreaker{
		Period:    tiebreak.PeriodWeekly,
		PeriodEnd: time.Date(2026, 10, 11, 0, 0, 0, 0, time.UTC),
		Points:    3,
		Mode:      tiebreak.ModeEarlyBird,
		Users:     []string{"alice", "bob", "carol"},
	})
	if err != nil {
		t.Fatalf("Failed to create test tie breaker: %v", err)
	}
	if tb.Points != 3 || tb.Status != tiebreak.StatusPending {
		t.Errorf("Unexpected tie breaker %+v", tb)
	}
	for _, p := range tb.Participants {
		if !p.Ready || p.GameChoice == nil {
			t.Errorf("Expected %s ready with a choice", p.Username)
		}
	}

	tb = e.start(tb.ID)
	if len(tb.Games) < 3 || len(tb.Games) > 6 {
		t.Errorf("Expected between three and six games, got %d", len(tb.Games))
	}

	if _, err := e.orch.CreateTest(ctx, TestTieBreaker{Period: "weekly", Mode: "last-in", Users: []string{"solo"}}); tiebreak.KindOf(err) != tiebreak.KindValidation {
		t.Errorf("Expected validation error for a single user, got %v", err)
	}
}

func TestCreateTestIsAtomic(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	failing := true
	err := e.db.Callback().Create().Before("gorm:create").Register("fail_carol", func(tx *gorm.DB) {
		p, ok := tx.Statement.Dest.(*store.Participant)
		if failing && ok && p.Username == "carol" {
			tx.AddError(errors.New("disk full"))
		}
	})
	if err != nil {
		t.Fatalf("Failed to register callback: %v", err)
	}

	req := TestTieBreaker{
		Period:    tiebreak.PeriodWeekly,
		PeriodEnd: time.Date(2026, 10, 11, 0, 0, 0, 0, time.UTC),
		Mode:      tiebreak.ModeLastIn,
		Users:     []string{"alice", "bob", "carol"},
	}
	if _, err := e.orch.CreateTest(ctx, req); err == nil {
		t.Fatal("Expected the failed participant write to fail the call")
	}

	var tbs, ps int64
	e.db.Model(&store.TieBreaker{}).Count(&tbs)
	e.db.Model(&store.Participant{}).Count(&ps)
	if tbs != 0 || ps != 0 {
		t.Fatalf("Expected nothing left behind, got %d tie breakers and %d participants", tbs, ps)
	}

	failing = false
	tb, err := e.orch.CreateTest(ctx, req)
	if err != nil {
		t.Fatalf("Expected a retry to succeed, got %v", err)
	}
	if len(tb.Participants) != 3 {
		t.Fatalf("Expected three participants, got %d", len(tb.Participants))
	}
	for _, p := range tb.Participants {
		if !p.Ready || p.GameChoice == nil {
			t.Errorf("Expected %s ready with a choice", p.Username)
		}
	}
}

func TestEvaluate(t *testing.T) {
	now := time.Now()
	done := func(round int, p1, p2, winner string) store.Game {
		g := store.Game{Round: round, Player1: p1, Player2: &p2, Status: tiebreak.GameCompleted, ProcessedAt: &now}
		if winner != "" {
			g.Winner = &winner
		}
		return g
	}

	for _, tc := range []struct {
		name    string
		games   []store.Game
		settled bool
		winner  string
		leaders []string
	}{
		{name: "no games"},
		{
			name:    "clear winner",
			games:   []store.Game{done(0, "a", "b", "a"), done(0, "a", "c", "a"), done(0, "b", "c", "b")},
			settled: true,
			winner:  "a",
		},
		{
			name:    "open game",
			games:   []store.Game{done(0, "a", "b", "a"), {Round: 0, Player1: "a", Status: tiebreak.GameActive}},
			settled: false,
		},
		{
			name:    "draw ignored",
			games:   []store.Game{done(0, "a", "b", tiebreak.Draw), done(0, "b", "a", "b")},
			settled: true,
			winner:  "b",
		},
		{
			name:    "cycle",
			games:   []store.Game{done(0, "a", "b", "a"), done(0, "b", "c", "b"), done(0, "c", "a", "c")},
			settled: true,
			leaders: []string{"a", "b", "c"},
		},
		{
			name: "latest round decides",
			games: []store.Game{
				done(0, "a", "b", "a"), done(0, "b", "a", "b"),
				done(1, "a", "b", "b"),
			},
			settled: true,
			winner:  "b",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out, settled := evaluate(tc.games)
			if settled != tc.settled {
				t.Fatalf("settled = %v, want %v", settled, tc.settled)
			}
			if out.winner != tc.winner {
				t.Errorf("winner = %q, want %q", out.winner, tc.winner)
			}
			if fmt.Sprint(out.leaders) != fmt.Sprint(tc.leaders) && tc.leaders != nil {
				t.Errorf("leaders = %v, want %v", out.leaders, tc.leaders)
			}
		})
	}
}
