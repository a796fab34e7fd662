// Package store holds the gorm models and the locking helpers every
// read-modify-write on a game or tie breaker goes through.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"moul.io/zapgorm2"

	"github.com/icco/tiebreak"
)

// slowQuery is the threshold above which gorm logs a query as slow.
const slowQuery = 200 * time.Millisecond

// Open connects to the database named by driver and dsn and migrates the
// schema. driver is "postgres" or "sqlite".
func Open(driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	// Configure GORM to use our zap logger
	gl := zapgorm2.New(log)
	gl.LogLevel = logger.Warn
	gl.SlowThreshold = slowQuery
	gl.IgnoreRecordNotFoundError = true

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gl, TranslateError: true})
	if err != nil {
		return nil, err
	}

	if driver == "sqlite" {
		// SQLite has no row locks, writers are serialised on one connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to run auto-migration: %w", err)
	}

	return db, nil
}

// Translate maps a gorm error into the domain taxonomy. A missing row
// becomes notFound, domain errors pass through, anything else is a
// retryable persistence failure.
func Translate(err error, notFound *tiebreak.Error) error {
	if err == nil {
		return nil
	}

	var domain *tiebreak.Error
	if errors.As(err, &domain) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) && notFound != nil {
		return notFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return tiebreak.Wrap(tiebreak.KindConflict, tiebreak.CodeInvalidInput, "duplicate record", err)
	}
	return tiebreak.Wrap(tiebreak.KindPersistence, tiebreak.CodeStorage, "storage failure", err)
}

// forUpdate adds an exclusive row lock. Postgres takes it, the sqlite driver
// drops the clause and the version check does the work.
func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// LockGame loads a game and holds its row lock until tx ends.
func LockGame(tx *gorm.DB, id string) (*Game, error) {
	var g Game
	if err := forUpdate(tx).Where("id = ?", id).First(&g).Error; err != nil {
		return nil, Translate(err, tiebreak.ErrGameNotFound)
	}
	return &g, nil
}

// LockTieBreaker loads a tie breaker and holds its row lock until tx ends.
func LockTieBreaker(tx *gorm.DB, id string) (*TieBreaker, error) {
	var tb TieBreaker
	if err := forUpdate(tx).Where("id = ?", id).First(&tb).Error; err != nil {
		return nil, Translate(err, tiebreak.ErrTieBreakerNotFound)
	}
	return &tb, nil
}

// SaveGame writes every column of g if the stored version still matches the
// one g was read at, and bumps the version.
func SaveGame(tx *gorm.DB, g *Game) error {
	prev := g.Version
	g.Version = prev + 1

	res := tx.Model(&Game{}).
		Where("id = ? AND version = ?", g.ID, prev).
		Select("*").
		Omit("id", "created_at").
		Updates(g)
	if res.Error != nil {
		g.Version = prev
		return Translate(res.Error, nil)
	}
	if res.RowsAffected == 0 {
		g.Version = prev
		return tiebreak.Conflict(tiebreak.ErrVersionConflict, map[string]string{"game_id": g.ID})
	}
	return nil
}

// SaveTieBreaker is SaveGame for tie breakers. Associations are not written.
func SaveTieBreaker(tx *gorm.DB, tb *TieBreaker) error {
	prev := tb.Version
	tb.Version = prev + 1

	res := tx.Model(&TieBreaker{}).
		Where("id = ? AND version = ?", tb.ID, prev).
		Select("*").
		Omit("id", "created_at", clause.Associations).
		Updates(tb)
	if res.Error != nil {
		tb.Version = prev
		return Translate(res.Error, nil)
	}
	if res.RowsAffected == 0 {
		tb.Version = prev
		return tiebreak.Conflict(tiebreak.ErrVersionConflict, map[string]string{"tie_breaker_id": tb.ID})
	}
	return nil
}

// LoadTieBreaker returns a tie breaker with its participants and games.
func LoadTieBreaker(db *gorm.DB, id string) (*TieBreaker, error) {
	var tb TieBreaker
	err := db.
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("username") }).
		Preload("Games", func(db *gorm.DB) *gorm.DB { return db.Order("round, created_at, id") }).
		Where("id = ?", id).
		First(&tb).Error
	if err != nil {
		return nil, Translate(err, tiebreak.ErrTieBreakerNotFound)
	}
	return &tb, nil
}

// GetGame returns a game without locking it.
func GetGame(db *gorm.DB, id string) (*Game, error) {
	var g Game
	if err := db.Where("id = ?", id).First(&g).Error; err != nil {
		return nil, Translate(err, tiebreak.ErrGameNotFound)
	}
	return &g, nil
}

// Games returns every game of a tie breaker, oldest first within a round.
func Games(db *gorm.DB, tieBreakerID string) ([]Game, error) {
	var games []Game
	err := db.Where("tie_breaker_id = ?", tieBreakerID).
		Order("round, created_at, id").
		Find(&games).Error
	return games, Translate(err, nil)
}

// Participants returns the participants of a tie breaker sorted by username.
func Participants(db *gorm.DB, tieBreakerID string) ([]Participant, error) {
	var ps []Participant
	err := db.Where("tie_breaker_id = ?", tieBreakerID).
		Order("username").
		Find(&ps).Error
	return ps, Translate(err, nil)
}

// DeleteTieBreakers removes the given tie breakers and everything they own.
func DeleteTieBreakers(tx *gorm.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, model := range []any{&Game{}, &Participant{}, &PointAward{}} {
		if err := tx.Where("tie_breaker_id IN ?", ids).Delete(model).Error; err != nil {
			return Translate(err, nil)
		}
	}
	return Translate(tx.Where("id IN ?", ids).Delete(&TieBreaker{}).Error, nil)
}
