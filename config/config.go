// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/icco/tiebreak"
)

// Config is the full service configuration.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`
	Env  string `env:"NAT_ENV" envDefault:"development"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL"`

	JWTSecret      string `env:"JWT_SECRET"`
	AdminTokenHash string `env:"ADMIN_TOKEN_HASH"`

	PointsWebhookURL  string        `env:"POINTS_WEBHOOK_URL"`
	PointsMaxAttempts int           `env:"POINTS_MAX_ATTEMPTS" envDefault:"10"`
	RetryInterval     time.Duration `env:"RETRY_INTERVAL" envDefault:"1m"`

	NotifyWebhookURL string `env:"NOTIFY_WEBHOOK_URL"`
	NotifyBuffer     int    `env:"NOTIFY_BUFFER" envDefault:"256"`

	TieBreaker TieBreaker
	Archive    Archive
}

// TieBreaker holds the tie breaker settings.
type TieBreaker struct {
	Points           float64       `env:"TIEBREAKER_POINTS" envDefault:"5"`
	Expiry           time.Duration `env:"TIEBREAKER_EXPIRY" envDefault:"24h"`
	Weekly           bool          `env:"TIEBREAKER_WEEKLY" envDefault:"true"`
	Monthly          bool          `env:"TIEBREAKER_MONTHLY" envDefault:"true"`
	AutoResolve      bool          `env:"AUTO_RESOLVE_TIEBREAKERS" envDefault:"false"`
	AutoStart        bool          `env:"AUTO_START_TIEBREAKERS" envDefault:"true"`
	DecisivePairing  string        `env:"DECISIVE_PAIRING" envDefault:"round_robin"`
	DecisiveGameType string        `env:"DECISIVE_GAME_TYPE" envDefault:"random"`
}

// Archive points at an S3 compatible bucket. Archiving is off when Bucket is
// empty.
type Archive struct {
	Bucket          string `env:"ARCHIVE_BUCKET"`
	Prefix          string `env:"ARCHIVE_PREFIX" envDefault:"tiebreakers"`
	Endpoint        string `env:"ARCHIVE_ENDPOINT"`
	Region          string `env:"ARCHIVE_REGION" envDefault:"auto"`
	AccessKeyID     string `env:"ARCHIVE_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"ARCHIVE_SECRET_ACCESS_KEY"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads an optional .env file and then the environment.
func Load(files ...string) (*Config, error) {
	// A missing .env is normal outside of local development.
	_ = godotenv.Load(files...)

	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that the env tags cannot express.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is empty")
	}
	if c.TieBreaker.Points <= 0 {
		return fmt.Errorf("TIEBREAKER_POINTS must be positive, got %v", c.TieBreaker.Points)
	}
	switch c.TieBreaker.DecisivePairing {
	case "round_robin", "top_two":
	default:
		return fmt.Errorf("DECISIVE_PAIRING must be round_robin or top_two, got %q", c.TieBreaker.DecisivePairing)
	}
	if c.TieBreaker.DecisiveGameType != "random" {
		if _, err := tiebreak.ParseGameType(c.TieBreaker.DecisiveGameType); err != nil {
			return fmt.Errorf("DECISIVE_GAME_TYPE: %w", err)
		}
	}
	if c.PointsMaxAttempts < 1 {
		return fmt.Errorf("POINTS_MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("RETRY_INTERVAL must be positive")
	}
	return nil
}

// IsDevelopment reports whether the service runs outside production.
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// PeriodEnabled reports whether tie breakers may be created for p.
func (t TieBreaker) PeriodEnabled(p tiebreak.Period) bool {
	switch p {
	case tiebreak.PeriodWeekly:
		return t.Weekly
	case tiebreak.PeriodMonthly:
		return t.Monthly
	}
	return true
}
