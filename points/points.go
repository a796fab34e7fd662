// Package points hands a resolved tie breaker's points to the scoring
// service. Awards are written to an outbox in the same transaction that
// resolves the tie breaker and delivered afterwards, so a scoring outage
// never undoes a resolution.
package points

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/icco/tiebreak"
	"github.com/icco/tiebreak/metrics"
	"github.com/icco/tiebreak/store"
)

// Applier adds points to a user's score.
type Applier interface {
	ApplyPoints(ctx context.Context, username string, points float64, mode tiebreak.Mode) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, username string, points float64, mode tiebreak.Mode) error

// ApplyPoints implements Applier.
func (f ApplierFunc) ApplyPoints(ctx context.Context, username string, points float64, mode tiebreak.Mode) error {
	return f(ctx, username, points, mode)
}

// LogApplier only logs awards. It is used when no scoring service is
// configured.
type LogApplier struct {
	Log *zap.SugaredLogger
}

// ApplyPoints implements Applier.
func (l LogApplier) ApplyPoints(_ context.Context, username string, points float64, mode tiebreak.Mode) error {
	tiebreak.NopIfNil(l.Log).Infow("points awarded", "username", username, "points", points, "mode", mode)
	return nil
}

// WebhookApplier posts awards as JSON to a scoring service.
type WebhookApplier struct {
	URL    string
	Client *http.Client
}

// NewWebhookApplier returns an applier posting to url.
func NewWebhookApplier(url string) *WebhookApplier {
	return &WebhookApplier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

type award struct {
	Username string        `json:"username"`
	Points   float64       `json:"points"`
	Mode     tiebreak.Mode `json:"mode"`
}

// ApplyPoints implements Applier.
func (w *WebhookApplier) ApplyPoints(ctx context.Context, username string, points float64, mode tiebreak.Mode) error {
	body, err := json.Marshal(award{Username: username, Points: points, Mode: mode})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("scoring service returned %s", resp.Status)
	}
	return nil
}

const (
	defaultMaxAttempts = 10
	baseBackoff        = 30 * time.Second
	maxBackoff         = time.Hour
	retryBatch         = 50

	// claimLease keeps a claimed award out of the retry query while the
	// applier runs. An award whose holder died is picked up after it.
	claimLease = 5 * time.Minute
)

// Service delivers point awards from the outbox.
type Service struct {
	db          *gorm.DB
	applier     Applier
	log         *zap.SugaredLogger
	now         func() time.Time
	maxAttempts int
}

// NewService returns a Service. maxAttempts bounds how often one award is
// tried before it is marked failed.
func NewService(db *gorm.DB, applier Applier, log *zap.SugaredLogger, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	log = tiebreak.NopIfNil(log)
	if applier == nil {
		applier = LogApplier{Log: log}
	}
	return &Service{db: db, applier: applier, log: log, now: time.Now, maxAttempts: maxAttempts}
}

// SetClock replaces time.Now.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Deliver tries the award of one tie breaker once. Awards that are already
// applied, failed, or being delivered elsewhere are left alone.
func (s *Service) Deliver(ctx context.Context, tieBreakerID string) error {
	var a store.PointAward
	err := s.db.WithContext(ctx).Where("tie_breaker_id = ?", tieBreakerID).First(&a).Error
	if err != nil {
		return store.Translate(err, tiebreak.ErrTieBreakerNotFound)
	}
	if a.Status != store.AwardPending {
		return nil
	}
	_, err = s.attempt(ctx, &a)
	return err
}

// RetryPending tries every pending award whose next attempt is due. It
// returns how many were applied.
func (s *Service) RetryPending(ctx context.Context) (int, error) {
	var due []store.PointAward
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", store.AwardPending, s.now()).
		Order("next_attempt_at").
		Limit(retryBatch).
		Find(&due).Error
	if err != nil {
		return 0, store.Translate(err, nil)
	}

	applied := 0
	for i := range due {
		if ok, err := s.attempt(ctx, &due[i]); ok && err == nil {
			applied++
		}
	}
	return applied, nil
}

// claim takes the award for one attempt. The attempt counter is the
// compare-and-swap token: of all callers holding the same snapshot only one
// moves it forward. A never-tried award can be claimed right away, later
// attempts only once they are due, which also skips awards whose lease is
// still running.
func (s *Service) claim(ctx context.Context, a *store.PointAward) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&store.PointAward{}).
		Where("id = ? AND status = ? AND attempts = ?", a.ID, store.AwardPending, a.Attempts).
		Where("attempts = 0 OR next_attempt_at <= ?", now).
		Updates(map[string]any{
			"attempts":        a.Attempts + 1,
			"next_attempt_at": now.Add(claimLease),
		})
	if res.Error != nil {
		return false, store.Translate(res.Error, nil)
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	a.Attempts++
	return true, nil
}

// attempt claims the award, calls the applier, and records the outcome. It
// reports false when another caller holds the award.
func (s *Service) attempt(ctx context.Context, a *store.PointAward) (bool, error) {
	ok, err := s.claim(ctx, a)
	if err != nil || !ok {
		if err == nil {
			s.log.Debugw("point award claimed elsewhere", "tie_breaker", a.TieBreakerID)
		}
		return false, err
	}

	applyErr := s.applier.ApplyPoints(ctx, a.Username, a.Points, tiebreak.Mode(a.Mode))
	now := s.now()

	updates := map[string]any{}
	switch {
	case applyErr == nil:
		updates["status"] = store.AwardApplied
		updates["applied_at"] = now
		updates["last_error"] = ""
		metrics.PointAwards.WithLabelValues("applied").Inc()
		s.log.Infow("points applied", "tie_breaker", a.TieBreakerID, "username", a.Username, "points", a.Points)
	case a.Attempts >= s.maxAttempts:
		updates["status"] = store.AwardFailed
		updates["last_error"] = applyErr.Error()
		metrics.PointAwards.WithLabelValues("failed").Inc()
		s.log.Errorw("giving up on point award", "tie_breaker", a.TieBreakerID, "username", a.Username, "attempts", a.Attempts, zap.Error(applyErr))
	default:
		updates["last_error"] = applyErr.Error()
		updates["next_attempt_at"] = now.Add(backoff(a.Attempts))
		metrics.PointAwards.WithLabelValues("retry").Inc()
		s.log.Warnw("could not apply points, will retry", "tie_breaker", a.TieBreakerID, "username", a.Username, "attempts", a.Attempts, zap.Error(applyErr))
	}

	res := s.db.WithContext(ctx).Model(&store.PointAward{}).
		Where("id = ? AND attempts = ? AND status = ?", a.ID, a.Attempts, store.AwardPending).
		Updates(updates)
	if res.Error != nil {
		return true, store.Translate(res.Error, nil)
	}
	return true, applyErr
}

// backoff doubles from baseBackoff per attempt, capped at maxBackoff.
func backoff(attempts int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempts && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}
