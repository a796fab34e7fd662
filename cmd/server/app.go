package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"gorm.io/gorm"

	"github.com/icco/tiebreak/archive"
	"github.com/icco/tiebreak/config"
	"github.com/icco/tiebreak/notify"
	"github.com/icco/tiebreak/orchestrator"
	"github.com/icco/tiebreak/points"
	"github.com/icco/tiebreak/scheduler"
	"github.com/icco/tiebreak/session"
)

// app holds everything the handlers need.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	hub      *notify.Hub
	sessions *session.Manager
	orch     *orchestrator.Orchestrator
	points   *points.Service
}

// newApp wires the services together. The notification hub runs until ctx is
// cancelled.
func newApp(ctx context.Context, cfg *config.Config, db *gorm.DB) (*app, error) {
	var sinks []notify.Sink
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.NotifyWebhookURL))
	}
	hub := notify.NewHub(log.Named("notify"), cfg.NotifyBuffer, sinks...)
	go hub.Run(ctx)

	var applier points.Applier = points.LogApplier{Log: log.Named("points")}
	if cfg.PointsWebhookURL != "" {
		applier = points.NewWebhookApplier(cfg.PointsWebhookURL)
	}
	pts := points.NewService(db, applier, log.Named("points"), cfg.PointsMaxAttempts)

	opts := []orchestrator.Option{orchestrator.WithPoints(pts)}
	if cfg.Archive.Bucket != "" {
		arch, err := archive.New(ctx, cfg.Archive, log.Named("archive"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, orchestrator.WithArchiver(arch))
	}

	sessions := session.New(db, log.Named("session"), hub)
	orch := orchestrator.New(db, sessions, hub, log.Named("orchestrator"), cfg.TieBreaker, opts...)
	sessions.SetCompletionHandler(orch)

	return &app{
		cfg:      cfg,
		db:       db,
		hub:      hub,
		sessions: sessions,
		orch:     orch,
		points:   pts,
	}, nil
}

// jobs are the background tasks run by the scheduler.
func (a *app) jobs() []scheduler.Job {
	return []scheduler.Job{
		{Name: "retry-points", Interval: a.cfg.RetryInterval, Run: a.points.RetryPending},
		{Name: "reconcile", Interval: a.cfg.RetryInterval, Run: a.orch.Reconcile},
		{Name: "auto-start", Interval: a.cfg.RetryInterval, Run: a.orch.AutoStartExpired},
	}
}

// setupMetrics exports OpenTelemetry metrics through the default prometheus
// registry served on /metrics.
func setupMetrics() (func(context.Context) error, error) {
	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// requestID tags every request with an id, keeping one sent by the client.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ugcPolicy.Sanitize(r.Header.Get(middleware.RequestIDHeader))
		if id == "" {
			id = gonanoid.Must()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
