package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/icco/tiebreak"
)

// Define context key type to avoid collisions
type contextKey string

const identityContextKey contextKey = "identity"

// Claims are the JWT claims we accept. The subject is the username.
type Claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// identity is the caller of a request.
type identity struct {
	Username string
	Admin    bool
}

var errUnauthorized = errors.New("authentication required")

// authenticate reads the bearer token and the admin token, if any, and puts
// the caller in the request context. Requests without credentials pass
// through anonymously; bad credentials are rejected.
func (a *app) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id identity

		if header := r.Header.Get("Authorization"); header != "" {
			claims, err := a.parseToken(header)
			if err != nil {
				log.Infow("authentication failed", zap.Error(err))
				renderUnauthorized(w)
				return
			}
			id.Username = claims.Subject
			id.Admin = claims.Admin
		}

		if token := r.Header.Get("X-Admin-Token"); token != "" {
			if !a.checkAdminToken(token) {
				log.Infow("admin token rejected")
				renderUnauthorized(w)
				return
			}
			id.Admin = true
		}

		if id.Username == "" && !id.Admin {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, &id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *app) parseToken(header string) (*Claims, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, errors.New("missing or invalid authorization header")
	}
	if a.cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is not configured")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), &claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if err := tiebreak.ValidUsername(claims.Subject); err != nil {
		return nil, err
	}
	return &claims, nil
}

func (a *app) checkAdminToken(token string) bool {
	if a.cfg.AdminTokenHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.cfg.AdminTokenHash), []byte(token)) == nil
}

// getIdentity returns the caller, or nil for anonymous requests.
func getIdentity(r *http.Request) *identity {
	if id, ok := r.Context().Value(identityContextKey).(*identity); ok {
		return id
	}
	return nil
}

// requireUser rejects requests without a username.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := getIdentity(r); id == nil || id.Username == "" {
			renderUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin rejects requests without admin rights.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := getIdentity(r)
		if id == nil {
			renderUnauthorized(w)
			return
		}
		if !id.Admin {
			if err := Renderer.JSON(w, http.StatusForbidden, ErrorResponse{Error: "admin access required", Code: "FORBIDDEN"}); err != nil {
				log.Errorw("failed to render JSON", zap.Error(err))
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

func renderUnauthorized(w http.ResponseWriter) {
	if err := Renderer.JSON(w, http.StatusUnauthorized, ErrorResponse{Error: errUnauthorized.Error(), Code: "UNAUTHORIZED"}); err != nil {
		log.Errorw("failed to render JSON", zap.Error(err))
	}
}
