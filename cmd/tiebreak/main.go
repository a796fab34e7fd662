// Command tiebreak administers tie breakers from the shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/icco/gutil/logging"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/icco/tiebreak"
	"github.com/icco/tiebreak/archive"
	"github.com/icco/tiebreak/config"
	"github.com/icco/tiebreak/orchestrator"
	"github.com/icco/tiebreak/points"
	"github.com/icco/tiebreak/session"
	"github.com/icco/tiebreak/store"
)

var (
	log = logging.Must(logging.NewLogger(tiebreak.Service))
	out io.Writer = os.Stdout

	// connect builds the services a command runs against.
	connect = openServices
)

var opts struct {
	EnvFile []string `short:"e" long:"env-file" description:"dotenv file to load before the environment"`
}

// services is what the commands operate on.
type services struct {
	orch   *orchestrator.Orchestrator
	points *points.Service
}

func openServices(ctx context.Context) (*services, error) {
	cfg, err := config.Load(opts.EnvFile...)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL, log.Desugar())
	if err != nil {
		return nil, err
	}

	var applier points.Applier = points.LogApplier{Log: log.Named("points")}
	if cfg.PointsWebhookURL != "" {
		applier = points.NewWebhookApplier(cfg.PointsWebhookURL)
	}
	pts := points.NewService(db, applier, log.Named("points"), cfg.PointsMaxAttempts)

	o := []orchestrator.Option{orchestrator.WithPoints(pts)}
	if cfg.Archive.Bucket != "" {
		arch, err := archive.New(ctx, cfg.Archive, log.Named("archive"))
		if err != nil {
			return nil, err
		}
		o = append(o, orchestrator.WithArchiver(arch))
	}

	sessions := session.New(db, log.Named("session"), nil)
	orch := orchestrator.New(db, sessions, nil, log.Named("orchestrator"), cfg.TieBreaker, o...)
	sessions.SetCompletionHandler(orch)
	return &services{orch: orch, points: pts}, nil
}

// CreateTestCommand makes up a ready tie breaker.
type CreateTestCommand struct {
	Period string   `short:"p" long:"period" description:"daily, weekly or monthly" default:"weekly"`
	Mode   string   `short:"m" long:"mode" description:"last-in or early-bird" default:"last-in"`
	Points float64  `long:"points" description:"points for the winner, 0 uses the configured default"`
	End    string   `long:"end" description:"period end as YYYY-MM-DD, defaults to today"`
	Users  []string `short:"u" long:"user" description:"tied user, repeat for each" required:"true"`
}

// Execute implements flags.Commander.
func (c *CreateTestCommand) Execute([]string) error {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	if c.End != "" {
		t, err := time.Parse("2006-01-02", c.End)
		if err != nil {
			return fmt.Errorf("bad --end: %w", err)
		}
		end = t
	}

	ctx := context.Background()
	s, err := connect(ctx)
	if err != nil {
		return err
	}
	tb, err := s.orch.CreateTest(ctx, orchestrator.TestTieBreaker{
		Period:    tiebreak.Period(c.Period),
		PeriodEnd: end,
		Points:    c.Points,
		Mode:      tiebreak.Mode(c.Mode),
		Users:     c.Users,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "created %s (%s %s, %v points)\n", tb.ID, tb.Period, tb.Mode, tb.Points)
	for _, p := range tb.Participants {
		fmt.Fprintf(out, "  %s chose %s\n", p.Username, deref(p.GameChoice))
	}
	return nil
}

// ListCommand prints tie breakers.
type ListCommand struct {
	Mode  string `short:"m" long:"mode" description:"only this mode"`
	All   bool   `short:"a" long:"all" description:"include completed tie breakers"`
	Limit int    `short:"n" long:"limit" description:"maximum rows" default:"50"`
}

// Execute implements flags.Commander.
func (c *ListCommand) Execute([]string) error {
	lo := orchestrator.ListOptions{ShowCompleted: c.All, Limit: c.Limit}
	if c.Mode != "" {
		m, err := tiebreak.ParseMode(c.Mode)
		if err != nil {
			return err
		}
		lo.Mode = m
	}

	ctx := context.Background()
	s, err := connect(ctx)
	if err != nil {
		return err
	}
	tbs, err := s.orch.List(ctx, lo)
	if err != nil {
		return err
	}
	if len(tbs) == 0 {
		fmt.Fprintln(out, "no tie breakers")
		return nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "PERIOD", "MODE", "ENDS", "STATUS", "PARTICIPANTS", "GAMES", "WINNER")
	for _, tb := range tbs {
		names := make([]string, len(tb.Participants))
		for i, p := range tb.Participants {
			names[i] = p.Username
		}
		winner, _ := tb.Winner()
		t.Row(tb.ID, tb.Period, tb.Mode, tb.PeriodEnd.Format("2006-01-02"), tb.Status,
			strings.Join(names, ","), fmt.Sprint(len(tb.Games)), winner)
	}
	fmt.Fprintln(out, t.String())
	return nil
}

// ResetCommand deletes tie breakers.
type ResetCommand struct {
	All  bool `long:"all" description:"delete every tie breaker"`
	Yes  bool `short:"y" long:"yes" description:"do not ask for confirmation"`
	Args struct {
		ID string `positional-arg-name:"id"`
	} `positional-args:"yes"`
}

// Execute implements flags.Commander.
func (c *ResetCommand) Execute([]string) error {
	if c.All == (c.Args.ID != "") {
		return errors.New("give either an id or --all")
	}
	if !c.Yes {
		return errors.New("reset deletes games and tie breakers, pass --yes to confirm")
	}

	ctx := context.Background()
	s, err := connect(ctx)
	if err != nil {
		return err
	}
	if c.All {
		n, err := s.orch.ResetAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %d tie breakers\n", n)
		return nil
	}
	if err := s.orch.Reset(ctx, c.Args.ID); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted %s\n", c.Args.ID)
	return nil
}

// ResetEffectsCommand undoes every resolution.
type ResetEffectsCommand struct {
	Yes bool `short:"y" long:"yes" description:"do not ask for confirmation"`
}

// Execute implements flags.Commander.
func (c *ResetEffectsCommand) Execute([]string) error {
	if !c.Yes {
		return errors.New("reset-effects deletes every game of completed tie breakers, pass --yes to confirm")
	}
	ctx := context.Background()
	s, err := connect(ctx)
	if err != nil {
		return err
	}
	n, err := s.orch.ResetEffects(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "reset %d tie breakers\n", n)
	return nil
}

// ReconcileCommand processes completed games that were never evaluated.
type ReconcileCommand struct{}

// Execute implements flags.Commander.
func (c *ReconcileCommand) Execute([]string) error {
	ctx := context.Background()
	s, err := connect(ctx)
	if err != nil {
		return err
	}
	n, err := s.orch.Reconcile(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "reconciled %d tie breakers\n", n)
	return nil
}

// RetryPointsCommand retries due point awards once.
type RetryPointsCommand struct{}

// Execute implements flags.Commander.
func (c *RetryPointsCommand) Execute([]string) error {
	ctx := context.Background()
	s, err := connect(ctx)
	if err != nil {
		return err
	}
	n, err := s.points.RetryPending(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "attempted %d point awards\n", n)
	return nil
}

func newParser() *flags.Parser {
	p := flags.NewParser(&opts, flags.Default)
	commands := []struct {
		name, short string
		data        any
	}{
		{"create-test", "Create a ready tie breaker for trying things out", &CreateTestCommand{}},
		{"list", "List tie breakers", &ListCommand{}},
		{"reset", "Delete one or all tie breakers", &ResetCommand{}},
		{"reset-effects", "Move completed tie breakers back to pending", &ResetEffectsCommand{}},
		{"reconcile", "Evaluate completed games that were never processed", &ReconcileCommand{}},
		{"retry-points", "Retry pending point awards", &RetryPointsCommand{}},
	}
	for _, c := range commands {
		if _, err := p.AddCommand(c.name, c.short, "", c.data); err != nil {
			log.Fatalw("could not register command", "command", c.name, zap.Error(err))
		}
	}
	return p
}

func main() {
	if _, err := newParser().Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		// flags.Default already printed the error.
		os.Exit(1)
	}
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
