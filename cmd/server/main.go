package main

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/icco/gutil/logging"
	"github.com/microcosm-cc/bluemonday"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/unrolled/render"
	"github.com/unrolled/secure"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/icco/tiebreak"
	"github.com/icco/tiebreak/cmd/server/docs"
	"github.com/icco/tiebreak/config"
	"github.com/icco/tiebreak/scheduler"
	"github.com/icco/tiebreak/store"
)

var (
	// Renderer writes every JSON response.
	Renderer = render.New(render.Options{Charset: "UTF-8"})

	log       = logging.Must(logging.NewLogger(tiebreak.Service))
	ugcPolicy = bluemonday.StrictPolicy()
)

// @title Tiebreak API
// @version 1.0
// @description Resolves leaderboard ties with head to head games
// @contact.name tiebreak maintainers
// @contact.url http://github.com/icco/tiebreak
// @license.name MIT
// @license.url https://github.com/icco/tiebreak/blob/main/LICENSE
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Bearer JWT, sub is the username and the admin claim grants admin routes
// @securityDefinitions.apikey AdminToken
// @in header
// @name X-Admin-Token

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("could not load config", zap.Error(err))
	}
	log.Infow("Starting up", "port", cfg.Port, "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL, log.Desugar())
	if err != nil {
		log.Fatalw("could not get db", zap.Error(err))
	}

	shutdownMetrics, err := setupMetrics()
	if err != nil {
		log.Fatalw("could not set up metrics", zap.Error(err))
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Errorw("failed to shut down metrics", zap.Error(err))
		}
	}()

	a, err := newApp(ctx, cfg, db)
	if err != nil {
		log.Fatalw("could not build app", zap.Error(err))
	}

	sched, err := scheduler.Start(ctx, log.Named("scheduler"), a.jobs()...)
	if err != nil {
		log.Fatalw("could not start scheduler", zap.Error(err))
	}
	defer func() {
		if err := sched.Shutdown(); err != nil {
			log.Errorw("failed to stop scheduler", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        a.routes(),
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorw("failed to shut down server", zap.Error(err))
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalw("server failed", zap.Error(err))
	}
	log.Infow("Shut down")
}

// routes builds the HTTP handler.
func (a *app) routes() http.Handler {
	isDev := a.cfg.IsDevelopment()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(middleware.Recoverer)

	r.Use(cors.New(cors.Options{
		AllowCredentials:   true,
		OptionsPassthrough: true,
		AllowedOrigins:     []string{"*"},
		AllowedMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:     []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Admin-Token"},
		ExposedHeaders:     []string{"Link", "X-Request-Id"},
		MaxAge:             300,
	}).Handler)

	r.Use(a.authenticate)
	r.NotFound(notFoundHandler)

	// Scraped and streamed, no request logging or ssl redirect.
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/events", a.eventsHandler)

	r.Group(func(r chi.Router) {
		r.Use(logging.Middleware(log.Desugar(), tiebreak.GCPProject))
		r.Use(secure.New(secure.Options{
			BrowserXssFilter:     true,
			ContentTypeNosniff:   true,
			FrameDeny:            true,
			HostsProxyHeaders:    []string{"X-Forwarded-Host"},
			IsDevelopment:        isDev,
			SSLProxyHeaders:      map[string]string{"X-Forwarded-Proto": "https"},
			SSLRedirect:          !isDev,
			STSIncludeSubdomains: true,
			STSPreload:           true,
			STSSeconds:           315360000,
		}).Handler)

		// Anyone may read
		r.Get("/", rootHandler)
		r.Get("/healthz", healthCheckHandler)
		r.Get("/swagger/*", httpSwagger.Handler(
			httpSwagger.URL("/swagger/doc.json"),
		))

		r.Get("/tiebreakers", a.listTieBreakersHandler)
		r.Get("/tiebreakers/{id}", a.getTieBreakerHandler)
		r.Get("/games/{id}", a.getGameHandler)

		// Players
		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Post("/tiebreakers/{id}/choice", a.choiceHandler)
			r.Post("/games/{id}/join", a.joinHandler)
			r.Post("/games/{id}/move", a.moveHandler)
			r.Post("/games/{id}/resign", a.resignHandler)
			r.Post("/games/{id}/draw/offer", a.offerDrawHandler)
			r.Post("/games/{id}/draw/accept", a.acceptDrawHandler)
		})

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/tiebreakers", a.createTieBreakerHandler)
			r.Post("/tiebreakers/{id}/participants", a.registerHandler)
			r.Post("/tiebreakers/{id}/start", a.startHandler)
			r.Delete("/admin/tiebreakers/{id}", a.resetHandler)
			r.Delete("/admin/tiebreakers", a.resetAllHandler)
			r.Post("/admin/tiebreakers/reset-effects", a.resetEffectsHandler)
		})
	})

	return otelhttp.NewHandler(r, tiebreak.Service)
}

// @Summary Endpoint index
// @Description Lists every endpoint with the credentials it needs
// @Tags info
// @Produce html
// @Success 200 {string} string "HTML endpoint table"
// @Router / [get]
func rootHandler(w http.ResponseWriter, r *http.Request) {
	endpoints, err := docs.Endpoints()
	if err != nil {
		log.Errorw("failed to parse swagger.json", zap.Error(err))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexPage.Execute(w, endpoints); err != nil {
		log.Errorw("failed to render index", zap.Error(err))
	}
}

var indexPage = template.Must(template.New("index").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`<!doctype html>
<html>
  <head>
    <title>tiebreak</title>
    <style>
      body { font-family: sans-serif; max-width: 60em; margin: 2em auto; }
      table { border-collapse: collapse; width: 100%; }
      td, th { text-align: left; padding: 0.3em 0.6em; border-bottom: 1px solid #ddd; }
      code { color: #205081; }
    </style>
  </head>
  <body>
    <h1>tiebreak</h1>
    <p>Leaderboard ties settled with tictactoe and connect4. Full reference at <a href="/swagger/">/swagger/</a>.</p>
    <table>
      <tr><th>Group</th><th>Method</th><th>Path</th><th>Auth</th><th>What it does</th></tr>
      {{- range .}}
      <tr><td>{{.Tag}}</td><td>{{.Method}}</td><td><code>{{.Path}}</code></td><td>{{join .Auth ", "}}</td><td>{{.Summary}}</td></tr>
      {{- end}}
    </table>
  </body>
</html>
`))
