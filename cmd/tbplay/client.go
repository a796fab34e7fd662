package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/icco/tiebreak/store"
)

// Client talks to the tiebreak HTTP API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient returns a client for the server at baseURL authenticating with
// a bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{BaseURL: baseURL, Token: token, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

// APIError is a non 2xx answer from the server.
type APIError struct {
	Status    int               `json:"-"`
	Message   string            `json:"error"`
	Code      string            `json:"code"`
	Retryable bool              `json:"retryable"`
	State     map[string]string `json:"state"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// Username reads the subject of the token. The server checks the
// signature, the client only needs to know who it is.
func Username(token string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("could not read token: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// TieBreakers lists open tie breakers.
func (c *Client) TieBreakers(ctx context.Context) ([]store.TieBreaker, error) {
	var tbs []store.TieBreaker
	err := c.do(ctx, http.MethodGet, "/tiebreakers", nil, &tbs)
	return tbs, err
}

// TieBreaker fetches one tie breaker with its games.
func (c *Client) TieBreaker(ctx context.Context, id string) (*store.TieBreaker, error) {
	var tb store.TieBreaker
	if err := c.do(ctx, http.MethodGet, "/tiebreakers/"+id, nil, &tb); err != nil {
		return nil, err
	}
	return &tb, nil
}

// Choose records the caller's game type.
func (c *Client) Choose(ctx context.Context, id, gameType string) (*store.TieBreaker, error) {
	var tb store.TieBreaker
	if err := c.do(ctx, http.MethodPost, "/tiebreakers/"+id+"/choice", map[string]string{"game_type": gameType}, &tb); err != nil {
		return nil, err
	}
	return &tb, nil
}

// Game fetches a game.
func (c *Client) Game(ctx context.Context, id string) (*store.Game, error) {
	var g store.Game
	if err := c.do(ctx, http.MethodGet, "/games/"+id, nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Move places the caller's mark.
func (c *Client) Move(ctx context.Context, id string, position int) (*store.Game, error) {
	return c.gameAction(ctx, id, "move", map[string]int{"position": position})
}

// Resign concedes a game.
func (c *Client) Resign(ctx context.Context, id string) (*store.Game, error) {
	return c.gameAction(ctx, id, "resign", nil)
}

// OfferDraw offers a draw.
func (c *Client) OfferDraw(ctx context.Context, id string) (*store.Game, error) {
	return c.gameAction(ctx, id, "draw/offer", nil)
}

// AcceptDraw accepts the opponent's draw offer.
func (c *Client) AcceptDraw(ctx context.Context, id string) (*store.Game, error) {
	return c.gameAction(ctx, id, "draw/accept", nil)
}

func (c *Client) gameAction(ctx context.Context, id, action string, body any) (*store.Game, error) {
	var g store.Game
	if err := c.do(ctx, http.MethodPost, "/games/"+id+"/"+action, body, &g); err != nil {
		return nil, err
	}
	return &g, nil
}
