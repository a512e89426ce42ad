// Package store persists confirmed reservations and the session ID counter.
//
// Backends:
//   - memory: process lifetime only (tests, dry runs)
//   - sqlite / postgres: GORM, schema created with AutoMigrate
//   - badger: embedded key/value store
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/reservation"
)

// ErrDuplicateReservation is returned by Save when the key is taken.
var ErrDuplicateReservation = errors.New("reservation already exists")

// errCounterOverflow is returned when the session ID space is exhausted.
var errCounterOverflow = fmt.Errorf("session id counter overflow (max %d)", math.MaxInt32)

// Store is the reservation persistence boundary used by the session manager.
type Store interface {
	// Save inserts a reservation. Keys are unique.
	Save(ctx context.Context, r *reservation.Reservation) error

	// Get returns the reservation stored under key, or an
	// *errors.UnknownSessionError.
	Get(ctx context.Context, key string) (*reservation.Reservation, error)

	// List returns every reservation ordered by start time, then key.
	List(ctx context.Context) ([]*reservation.Reservation, error)

	// Delete removes the reservation stored under key, or returns an
	// *errors.UnknownSessionError.
	Delete(ctx context.Context, key string) error

	// NextSessionID returns the next session ID. IDs are strictly
	// increasing, start at 1 and survive restarts of persistent backends.
	NextSessionID(ctx context.Context) (int32, error)

	Close() error
}

// Type selects a backend.
type Type string

const (
	TypeMemory   Type = "memory"
	TypeSQLite   Type = "sqlite"
	TypePostgres Type = "postgres"
	TypeBadger   Type = "badger"
)

// Config selects and configures a backend.
type Config struct {
	Type     Type           `mapstructure:"type" yaml:"type" validate:"omitempty,oneof=memory sqlite postgres badger"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Badger   BadgerConfig   `mapstructure:"badger" yaml:"badger"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Type == "" {
		c.Type = TypeMemory
	}
	if c.Type == TypePostgres {
		c.Postgres.applyDefaults()
	}
}

// Validate checks the fields required by the selected backend.
func (c *Config) Validate() error {
	switch c.Type {
	case TypeMemory:
	case TypeSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case TypePostgres:
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres user is required")
		}
	case TypeBadger:
		if c.Badger.Path == "" && !c.Badger.InMemory {
			return fmt.Errorf("badger path is required unless in_memory is set")
		}
	default:
		return fmt.Errorf("unsupported reservation store type: %s", c.Type)
	}
	return nil
}

// New opens the backend selected by cfg.
func New(cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reservation store configuration: %w", err)
	}

	switch cfg.Type {
	case TypeSQLite, TypePostgres:
		return NewGORM(cfg)
	case TypeBadger:
		return NewBadger(cfg.Badger)
	default:
		return NewMemory(), nil
	}
}

func notFound(key string) error {
	return &cmserrors.UnknownSessionError{Key: key, ID: -1}
}

func validate(r *reservation.Reservation) error {
	if r == nil || r.Key == "" {
		return fmt.Errorf("reservation key is required")
	}
	if err := r.Period().Validate(); err != nil {
		return err
	}
	return nil
}

func sortReservations(rs []*reservation.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].Start.Equal(rs[j].Start) {
			return rs[i].Start.Before(rs[j].Start)
		}
		return rs[i].Key < rs[j].Key
	})
}
