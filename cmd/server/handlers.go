package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/icco/tiebreak"
	"github.com/icco/tiebreak/orchestrator"
	"github.com/icco/tiebreak/store"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string            `json:"error" example:"not your turn"`
	Code      string            `json:"code,omitempty" example:"NOT_YOUR_TURN"`
	Retryable bool              `json:"retryable"`
	State     map[string]string `json:"state,omitempty"`
}

// HealthResponse is returned by the health check.
type HealthResponse struct {
	Healthy  string `json:"healthy"`
	Revision string `json:"revision"`
	Tag      string `json:"tag"`
	Branch   string `json:"branch"`
}

// CountResponse reports how many records an admin operation touched.
type CountResponse struct {
	Count int `json:"count"`
}

// CreateTieBreakerRequest is a tie reported by the scoring service.
type CreateTieBreakerRequest struct {
	Period       string    `json:"period" example:"weekly"`
	Mode         string    `json:"mode" example:"last-in"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	Points       float64   `json:"points" example:"5"`
	Participants []string  `json:"participants"`
}

// RegisterRequest adds participants to a pending tie breaker.
type RegisterRequest struct {
	Usernames []string `json:"usernames"`
}

// ChoiceRequest is a participant's preferred game type.
type ChoiceRequest struct {
	GameType string `json:"game_type" example:"tictactoe"`
}

// MoveRequest is a cell index on the board.
type MoveRequest struct {
	Position *int `json:"position" example:"4"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind tiebreak.Kind) int {
	switch kind {
	case tiebreak.KindValidation:
		return http.StatusBadRequest
	case tiebreak.KindConflict, tiebreak.KindConcurrency:
		return http.StatusConflict
	case tiebreak.KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusServiceUnavailable
}

// renderError writes err as an ErrorResponse. Storage details stay in the
// logs.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: tiebreak.ErrStorage.Message, Code: string(tiebreak.CodeStorage), Retryable: true}

	var e *tiebreak.Error
	if errors.As(err, &e) && e.Kind != tiebreak.KindPersistence {
		resp = ErrorResponse{Error: e.Error(), Code: string(e.Code), Retryable: e.Retryable(), State: e.Metadata}
	}

	kind := tiebreak.KindOf(err)
	if kind == tiebreak.KindPersistence {
		log.Errorw("request failed", "path", r.URL.Path, zap.Error(err))
	} else {
		log.Infow("request rejected", "path", r.URL.Path, "code", resp.Code, zap.Error(err))
	}

	if err := Renderer.JSON(w, statusFor(kind), resp); err != nil {
		log.Errorw("failed to render JSON", zap.Error(err))
	}
}

func renderJSON(w http.ResponseWriter, status int, v any) {
	if err := Renderer.JSON(w, status, v); err != nil {
		log.Errorw("failed to render JSON", zap.Error(err))
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return tiebreak.Wrap(tiebreak.KindValidation, tiebreak.CodeInvalidInput, "invalid request body", err)
	}
	return nil
}

func urlID(r *http.Request) string {
	return ugcPolicy.Sanitize(chi.URLParamFromCtx(r.Context(), "id"))
}

func username(r *http.Request) string {
	return getIdentity(r).Username
}

// @Summary List tie breakers
// @Description Running tie breakers first, then pending, then completed, newest first
// @Tags tiebreaker
// @Produce json
// @Param mode query string false "Filter by leaderboard mode"
// @Param show_completed query bool false "Include completed tie breakers"
// @Param limit query int false "Maximum number of results"
// @Success 200 {array} store.TieBreaker
// @Failure 400 {object} ErrorResponse
// @Router /tiebreakers [get]
func (a *app) listTieBreakersHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts orchestrator.ListOptions

	if m := q.Get("mode"); m != "" {
		mode, err := tiebreak.ParseMode(ugcPolicy.Sanitize(m))
		if err != nil {
			renderError(w, r, err)
			return
		}
		opts.Mode = mode
	}
	if s := q.Get("show_completed"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			renderError(w, r, tiebreak.Wrap(tiebreak.KindValidation, tiebreak.CodeInvalidInput, "show_completed must be a boolean", err))
			return
		}
		opts.ShowCompleted = b
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			renderError(w, r, tiebreak.New(tiebreak.KindValidation, tiebreak.CodeInvalidInput, "limit must be a non-negative integer"))
			return
		}
		opts.Limit = n
	}

	tbs, err := a.orch.List(r.Context(), opts)
	if err != nil {
		renderError(w, r, err)
		return
	}
	if tbs == nil {
		tbs = []store.TieBreaker{}
	}
	renderJSON(w, http.StatusOK, tbs)
}

// @Summary Get a tie breaker
// @Description Returns a tie breaker with its participants and games
// @Tags tiebreaker
// @Produce json
// @Param id path string true "Tie breaker id"
// @Success 200 {object} store.TieBreaker
// @Failure 404 {object} ErrorResponse
// @Router /tiebreakers/{id} [get]
func (a *app) getTieBreakerHandler(w http.ResponseWriter, r *http.Request) {
	tb, err := a.orch.Get(r.Context(), urlID(r))
	if err != nil {
		renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, tb)
}

// @Summary Create a tie breaker
// @Description Registers a tie between users at the top of a leaderboard
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Security AdminToken
// @Param tiebreaker body CreateTieBreakerRequest true "Tie"
// @Success 201 {object} store.TieBreaker
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /tiebreakers [post]
func (a *app) createTieBreakerHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateTieBreakerRequest
	if err := decodeJSON(r, &req); err != nil {
		renderError(w, r, err)
		return
	}

	users := make([]string, len(req.Participants))
	for i, u := range req.Participants {
		users[i] = ugcPolicy.Sanitize(u)
	}

	tb, err := a.orch.Create(r.Context(), orchestrator.NewTieBreaker{
		Period:       tiebreak.Period(req.Period),
		Mode:         tiebreak.Mode(req.Mode),
		PeriodStart:  req.PeriodStart,
		PeriodEnd:    req.PeriodEnd,
		Points:       req.Points,
		Participants: users,
	})
	if err != nil {
		renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusCreated, tb)
}

// @Summary Register participants
// @Description Adds users to a pending tie breaker
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Security AdminToken
// @Param id path string true "Tie breaker id"
// @Param participants body RegisterRequest true "Usernames"
// @Success 200 {object} store.TieBreaker
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /tiebreakers/{id}/participants [post]
func (a *app) registerHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		renderError(w, r, err)
		return
	}
	users := make([]string, len(req.Usernames))
	for i, u := range req.Usernames {
		users[i] = ugcPolicy.Sanitize(u)
	}

	tb, err := a.orch.Register(r.Context(), urlID(r), users)
	if err != nil {
		renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, tb)
}

// @Summary Choose a game type
// @Description Records the caller's game choice and marks them ready
// @Tags tiebreaker
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Tie breaker id"
// @Param choice body ChoiceRequest true "Game type"
// @Success 200 {object} store.TieBreaker
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /tiebreakers/{id}/choice [post]
func (a *app) choiceHandler(w http.ResponseWriter, r *http.Request) {
	var req ChoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		renderError(w, r, err)
		return
	}

	tb, err := a.orch.SetChoice(r.Context(), urlID(r), username(r), tiebreak.GameType(req.GameType))
	if err != nil {
		renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, tb)
}

// @Summary Start a tie breaker
// @Description Pairs every participant with every other and creates the games
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Security AdminToken
// @Param id path string true "Tie breaker id"
// @Success 200 {object} store.TieBreaker
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /tiebreakers/{id}/start [post]
func (a *app) startHandler(w http.ResponseWriter, r *http.Request) {
	tb, err := a.orch.Start(r.Context(), urlID(r))
	if err != nil {
		renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, tb)
}

// @Summary Delete a tie breaker
// @Description Archives and deletes a tie breaker with its games
// @Tags admin
// @Security BearerAuth
// @Security AdminToken
// @Param id path string true "Tie breaker id"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /admin/tiebreakers/{id} [delete]
func (a *app) resetHandler(w http.ResponseWriter, r *http.Request) {
	id := urlID(r)
	if err := a.orch.Reset(r.Context(), id); err != nil {
		renderError(w, r, err)
		return
	}
	log.Infow("tie breaker reset", "tie_breaker", id, "by", getIdentity(r).Username)
	w.WriteHeader(http.StatusNoContent)
}

// @Summary Delete every tie breaker
// @Description Archives and deletes all tie breakers
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Security AdminToken
// @Success 200 {object} CountResponse
// @Router /admin/tiebreakers [delete]
func (a *app) resetAllHandler(w http.ResponseWriter, r *http.Request) {
	n, err := a.orch.ResetAll(r.Context())
	if err != nil {
		renderError(w, r, err)
		return
	}
	log.Infow("all tie breakers reset", "count", n, "by", getIdentity(r).Username)
	renderJSON(w, http.StatusOK, CountResponse{Count: n})
}

// @Summary Undo resolutions
// @Description Moves completed tie breakers back to pending and deletes their games
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Security AdminToken
// @Success 200 {object} CountResponse
// @Router /admin/tiebreakers/reset-effects [post]
func (a *app) resetEffectsHandler(w http.ResponseWriter, r *http.Request) {
	n, err := a.orch.ResetEffects(r.Context())
	if err != nil {
		renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, CountResponse{Count: n})
}

// @Summary Get a game
// @Description Returns the board, players and status of a game
// @Tags game
// @Produce json
// @Param id path string true "Game id"
// @Success 200 {object} store.Game
// @Failure 404 {object} ErrorResponse
// @Router /games/{id} [get]
func (a *app) getGameHandler(w http.ResponseWriter, r *http.Request) {
	g, err := a.sessions.Get(r.Context(), urlID(r))
	if err != nil {
		renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, g)
}

// @Summary Join a game
// @Description Takes the empty second seat of a pending game
// @Tags game
// @Produce json
// @Security BearerAuth
// @Param id path string true "Game id"
// @Success 200 {object} store.Game
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /games/{id}/join [post]
func (a *app) joinHandler(w http.ResponseWriter, r *http.Request) {
	a.gameAction(w, r, a.sessions.Join)
}

// @Summary Make a move
// @Description Places the caller's mark. Connect4 positions are dropped to the lowest empty row of their column.
// @Tags game
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Game id"
// @Param move body MoveRequest true "Cell index"
// @Success 200 {object} store.Game
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /games/{id}/move [post]
func (a *app) moveHandler(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if err := decodeJSON(r, &req); err != nil {
		renderError(w, r, err)
		return
	}
	if req.Position == nil {
		renderError(w, r, tiebreak.New(tiebreak.KindValidation, tiebreak.CodeInvalidInput, "position is required"))
		return
	}

	g, err := a.sessions.Move(r.Context(), urlID(r), username(r), *req.Position)
	if err != nil {
		renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, g)
}

// @Summary Resign
// @Description Concedes an active game to the opponent
// @Tags game
// @Produce json
// @Security BearerAuth
// @Param id path string true "Game id"
// @Success 200 {object} store.Game
// @Failure 409 {object} ErrorResponse
// @Router /games/{id}/resign [post]
func (a *app) resignHandler(w http.ResponseWriter, r *http.Request) {
	a.gameAction(w, r, a.sessions.Resign)
}

// @Summary Offer a draw
// @Tags game
// @Produce json
// @Security BearerAuth
// @Param id path string true "Game id"
// @Success 200 {object} store.Game
// @Failure 409 {object} ErrorResponse
// @Router /games/{id}/draw/offer [post]
func (a *app) offerDrawHandler(w http.ResponseWriter, r *http.Request) {
	a.gameAction(w, r, a.sessions.OfferDraw)
}

// @Summary Accept a draw
// @Tags game
// @Produce json
// @Security BearerAuth
// @Param id path string true "Game id"
// @Success 200 {object} store.Game
// @Failure 409 {object} ErrorResponse
// @Router /games/{id}/draw/accept [post]
func (a *app) acceptDrawHandler(w http.ResponseWriter, r *http.Request) {
	a.gameAction(w, r, a.sessions.AcceptDraw)
}

type gameFunc func(ctx context.Context, id, user string) (*store.Game, error)

func (a *app) gameAction(w http.ResponseWriter, r *http.Request, fn gameFunc) {
	g, err := fn(r.Context(), urlID(r), username(r))
	if err != nil {
		renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, g)
}
