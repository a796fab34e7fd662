// Command tbplay is a terminal client for playing tie breaker games.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/jessevdk/go-flags"

	"github.com/icco/tiebreak"
	"github.com/icco/tiebreak/store"
)

var opts struct {
	Server     string `short:"s" long:"server" env:"TIEBREAK_SERVER" default:"http://localhost:8080" description:"tiebreak server"`
	Token      string `short:"t" long:"token" env:"TIEBREAK_TOKEN" required:"true" description:"bearer token, its subject is your username"`
	TieBreaker string `long:"tiebreaker" description:"open this tie breaker right away"`
}

const refreshInterval = 2 * time.Second

var (
	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginLeft(2)

	itemStyle = lipgloss.NewStyle().
			MarginLeft(2)

	selectedItemStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("170")).
				Bold(true).
				MarginLeft(2)

	boardStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1).
			MarginLeft(2)

	cellStyle = lipgloss.NewStyle().
			Width(3).
			Align(lipgloss.Center)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginLeft(2)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true).
			MarginLeft(2)
)

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	user, err := Username(opts.Token)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	p := tea.NewProgram(
		initialModel(NewClient(strings.TrimRight(opts.Server, "/"), opts.Token), user, opts.TieBreaker),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type screen int

const (
	screenList screen = iota
	screenTieBreaker
	screenGame
)

// api is the part of Client the model uses.
type api interface {
	TieBreakers(ctx context.Context) ([]store.TieBreaker, error)
	TieBreaker(ctx context.Context, id string) (*store.TieBreaker, error)
	Choose(ctx context.Context, id, gameType string) (*store.TieBreaker, error)
	Game(ctx context.Context, id string) (*store.Game, error)
	Move(ctx context.Context, id string, position int) (*store.Game, error)
	Resign(ctx context.Context, id string) (*store.Game, error)
	OfferDraw(ctx context.Context, id string) (*store.Game, error)
	AcceptDraw(ctx context.Context, id string) (*store.Game, error)
}

type model struct {
	client api
	user   string
	screen screen

	tbs      []store.TieBreaker
	tbCursor int

	tb         *store.TieBreaker
	gameCursor int

	game   *store.Game
	cursor int

	input     textinput.Model
	inputting bool

	err string
}

// Messages
type (
	tieBreakersLoaded []store.TieBreaker
	tieBreakerLoaded  *store.TieBreaker
	gameLoaded        *store.Game
	errMsg            struct{ err error }
	tickMsg           time.Time
)

func initialModel(client api, user, tieBreakerID string) model {
	ti := textinput.New()
	ti.Placeholder = "tie breaker id"
	ti.CharLimit = 64

	m := model{client: client, user: user, screen: screenList, input: ti}
	if tieBreakerID != "" {
		m.screen = screenTieBreaker
		m.tb = &store.TieBreaker{ID: tieBreakerID}
	}
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// call runs fn as a command, turning its result into a message.
func call[T any](fn func(ctx context.Context) (T, error), wrap func(T) tea.Msg) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		v, err := fn(ctx)
		if err != nil {
			return errMsg{err}
		}
		return wrap(v)
	}
}

func loadedTieBreaker(tb *store.TieBreaker) tea.Msg { return tieBreakerLoaded(tb) }
func loadedGame(g *store.Game) tea.Msg             { return gameLoaded(g) }

// refresh reloads whatever the current screen shows.
func (m model) refresh() tea.Cmd {
	switch m.screen {
	case screenTieBreaker:
		id := m.tb.ID
		return call(func(ctx context.Context) (*store.TieBreaker, error) { return m.client.TieBreaker(ctx, id) }, loadedTieBreaker)
	case screenGame:
		id := m.game.ID
		return call(func(ctx context.Context) (*store.Game, error) { return m.client.Game(ctx, id) }, loadedGame)
	}
	return call(m.client.TieBreakers, func(tbs []store.TieBreaker) tea.Msg { return tieBreakersLoaded(tbs) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, tea.Batch(m.refresh(), tick())

	case tieBreakersLoaded:
		m.tbs = msg
		if m.tbCursor >= len(m.tbs) {
			m.tbCursor = max(len(m.tbs)-1, 0)
		}
		return m, nil

	case tieBreakerLoaded:
		if m.screen == screenTieBreaker && m.tb != nil && m.tb.ID == msg.ID {
			m.tb = msg
			m.err = ""
		}
		return m, nil

	case gameLoaded:
		if m.screen == screenGame && m.game != nil && m.game.ID == msg.ID {
			m.game = msg
		}
		return m, nil

	case errMsg:
		m.err = msg.err.Error()
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.inputting {
			return m.updateInput(msg)
		}
		switch m.screen {
		case screenList:
			return m.updateList(msg)
		case screenTieBreaker:
			return m.updateTieBreaker(msg)
		case screenGame:
			return m.updateGame(msg)
		}
	}
	return m, nil
}

func (m model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.inputting = false
		m.input.Blur()
		m.input.SetValue("")
		return m, nil
	case "enter":
		id := strings.TrimSpace(m.input.Value())
		m.inputting = false
		m.input.Blur()
		m.input.SetValue("")
		if id == "" {
			return m, nil
		}
		return m.openTieBreaker(id)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "up", "k":
		if m.tbCursor > 0 {
			m.tbCursor--
		}
	case "down", "j":
		if m.tbCursor < len(m.tbs)-1 {
			m.tbCursor++
		}
	case "/":
		m.inputting = true
		return m, m.input.Focus()
	case "r":
		return m, m.refresh()
	case "enter", " ":
		if len(m.tbs) > 0 {
			return m.openTieBreaker(m.tbs[m.tbCursor].ID)
		}
	}
	return m, nil
}

func (m model) openTieBreaker(id string) (tea.Model, tea.Cmd) {
	m.screen = screenTieBreaker
	m.tb = &store.TieBreaker{ID: id}
	m.gameCursor = 0
	m.err = ""
	return m, m.refresh()
}

func (m model) updateTieBreaker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		m.screen = screenList
		m.err = ""
		return m, m.refresh()
	case "up", "k":
		if m.gameCursor > 0 {
			m.gameCursor--
		}
	case "down", "j":
		if m.gameCursor < len(m.tb.Games)-1 {
			m.gameCursor++
		}
	case "t", "c":
		gt := string(tiebreak.TicTacToe)
		if msg.String() == "c" {
			gt = string(tiebreak.Connect4)
		}
		id := m.tb.ID
		return m, call(func(ctx context.Context) (*store.TieBreaker, error) { return m.client.Choose(ctx, id, gt) }, loadedTieBreaker)
	case "enter", " ":
		if len(m.tb.Games) > 0 {
			g := m.tb.Games[m.gameCursor]
			m.screen = screenGame
			m.game = &g
			m.cursor = 0
			m.err = ""
			return m, m.refresh()
		}
	}
	return m, nil
}

func (m model) updateGame(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	cols := tiebreak.Columns(m.game.Type())
	size := len(m.game.Board)
	id := m.game.ID

	act := func(fn func(ctx context.Context, id string) (*store.Game, error)) tea.Cmd {
		return call(func(ctx context.Context) (*store.Game, error) { return fn(ctx, id) }, loadedGame)
	}

	switch msg.String() {
	case "q", "esc":
		m.screen = screenTieBreaker
		m.err = ""
		return m, m.refresh()
	case "up", "k":
		if m.cursor-cols >= 0 {
			m.cursor -= cols
		}
	case "down", "j":
		if m.cursor+cols < size {
			m.cursor += cols
		}
	case "left", "h":
		if cols > 0 && m.cursor%cols > 0 {
			m.cursor--
		}
	case "right", "l":
		if cols > 0 && m.cursor%cols < cols-1 && m.cursor+1 < size {
			m.cursor++
		}
	case "enter", " ":
		pos := m.cursor
		if m.game.Type() == tiebreak.Connect4 {
			pos = m.cursor % cols
		}
		m.err = ""
		return m, call(func(ctx context.Context) (*store.Game, error) { return m.client.Move(ctx, id, pos) }, loadedGame)
	case "R":
		return m, act(m.client.Resign)
	case "d":
		return m, act(m.client.OfferDraw)
	case "a":
		return m, act(m.client.AcceptDraw)
	}
	return m, nil
}

func (m model) View() string {
	var body []string
	switch m.screen {
	case screenList:
		body = m.viewList()
	case screenTieBreaker:
		body = m.viewTieBreaker()
	case screenGame:
		body = m.viewGame()
	}
	if m.err != "" {
		body = append(body, "", errorStyle.Render("Error: "+m.err))
	}
	return lipgloss.JoinVertical(lipgloss.Left, body...)
}

func (m model) viewList() []string {
	lines := []string{titleStyle.Render("Tie breakers"), itemStyle.Render("Signed in as " + m.user), ""}
	if len(m.tbs) == 0 {
		lines = append(lines, itemStyle.Render("No open tie breakers."))
	}
	for i, tb := range m.tbs {
		line := fmt.Sprintf("%s  %s %s  ends %s  %s", tb.ID, tb.Period, tb.Mode, tb.PeriodEnd.Format("2006-01-02"), tb.Status)
		if i == m.tbCursor {
			lines = append(lines, selectedItemStyle.Render("> "+line))
		} else {
			lines = append(lines, itemStyle.Render("  "+line))
		}
	}

	if m.inputting {
		lines = append(lines, "", itemStyle.Render("Open: "+m.input.View()))
	}
	return append(lines, "", helpStyle.Render("↑/↓ select • enter open • / open by id • r refresh • q quit"))
}

func (m model) viewTieBreaker() []string {
	tb := m.tb
	lines := []string{titleStyle.Render(fmt.Sprintf("Tie breaker %s", tb.ID))}
	if tb.Status == "" {
		return append(lines, itemStyle.Render("Loading..."))
	}
	lines = append(lines,
		itemStyle.Render(fmt.Sprintf("%s %s, %v points, %s", tb.Period, tb.Mode, tb.Points, tb.Status)),
		"",
		itemStyle.Render("Participants"),
	)
	for _, p := range tb.Participants {
		line := fmt.Sprintf("  %-16s %-10s", p.Username, choice(p))
		if p.Winner != nil && *p.Winner {
			line += "  winner"
		}
		lines = append(lines, itemStyle.Render(line))
	}

	lines = append(lines, "", itemStyle.Render("Games"))
	for i, g := range tb.Games {
		line := fmt.Sprintf("round %d  %-9s %s vs %s  %s", g.Round, g.GameType, g.Player1, opponentName(g), gameStatus(&g))
		if i == m.gameCursor {
			lines = append(lines, selectedItemStyle.Render("> "+line))
		} else {
			lines = append(lines, itemStyle.Render("  "+line))
		}
	}

	help := "↑/↓ select • enter play • q back"
	if tb.Status == tiebreak.StatusPending {
		help = "t choose tictactoe • c choose connect4 • q back"
	}
	return append(lines, "", helpStyle.Render(help))
}

func (m model) viewGame() []string {
	g := m.game
	lines := []string{titleStyle.Render(fmt.Sprintf("%s: %s vs %s", g.GameType, g.Player1, opponentName(*g)))}
	if g.Status == "" {
		return append(lines, itemStyle.Render("Loading..."))
	}

	lines = append(lines, itemStyle.Render(gameStatus(g)), "", m.renderBoard())
	if g.DrawOfferedBy != nil {
		lines = append(lines, "", itemStyle.Render(*g.DrawOfferedBy+" offers a draw"))
	}
	return append(lines, "", helpStyle.Render("←↑↓→ move • enter place • d offer draw • a accept draw • R resign • q back"))
}

func (m model) renderBoard() string {
	cols := tiebreak.Columns(m.game.Type())
	if cols == 0 {
		return itemStyle.Render("unknown game type")
	}

	var rows []string
	for start := 0; start < len(m.game.Board); start += cols {
		var cells []string
		for i := start; i < start+cols && i < len(m.game.Board); i++ {
			cells = append(cells, m.renderCell(i))
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return boardStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func (m model) renderCell(i int) string {
	content, fg := "·", "240"
	if owner, ok := m.game.BoardState().At(i); ok {
		if owner == m.game.Player1 {
			content, fg = "X", "39"
		} else {
			content, fg = "O", "214"
		}
	}

	style := cellStyle.Foreground(lipgloss.Color(fg))
	if i == m.cursor {
		style = style.Background(lipgloss.Color("220")).Foreground(lipgloss.Color("16"))
	}
	return style.Render(content)
}

func choice(p store.Participant) string {
	if p.GameChoice == nil {
		return "choosing"
	}
	return *p.GameChoice
}

func opponentName(g store.Game) string {
	if g.Player2 == nil {
		return "?"
	}
	return *g.Player2
}

func gameStatus(g *store.Game) string {
	switch g.Status {
	case tiebreak.GamePending:
		return "waiting for a second player"
	case tiebreak.GameActive:
		return g.CurrentPlayer + " to move"
	}
	switch {
	case g.Winner == nil || *g.Winner == tiebreak.Draw:
		return "drawn"
	default:
		return *g.Winner + " won"
	}
}
