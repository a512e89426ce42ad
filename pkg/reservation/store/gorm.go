package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vire-cms/vire/pkg/reservation"
)

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" opens a private in-memory
	// database.
	Path string `mapstructure:"path" yaml:"path"`
}

// PostgresConfig contains PostgreSQL-specific configuration.
type PostgresConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Database     string `mapstructure:"database" yaml:"database"`
	User         string `mapstructure:"user" yaml:"user"`
	Password     string `mapstructure:"password" yaml:"password"`
	SSLMode      string `mapstructure:"sslmode" yaml:"sslmode"` // disable, require, verify-ca, verify-full
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
}

func (c *PostgresConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
	if c.SSLMode != "" {
		dsn += " sslmode=" + c.SSLMode
	}
	return dsn
}

// counter is a named persisted sequence.
type counter struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value int64  `gorm:"not null"`
}

func (counter) TableName() string { return "counters" }

const sessionCounter = "session_id"

// GORMStore persists reservations in SQLite or PostgreSQL.
type GORMStore struct {
	db *gorm.DB
}

// NewGORM opens a SQLite or PostgreSQL store and migrates its schema.
func NewGORM(cfg *Config) (*GORMStore, error) {
	var dialector gorm.Dialector
	memory := false
	switch cfg.Type {
	case TypeSQLite:
		path := cfg.SQLite.Path
		if path == ":memory:" {
			memory = true
			dialector = sqlite.Open(path)
			break
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// WAL for concurrent readers, wait up to 5s on a locked database
		dialector = sqlite.Open(path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	case TypePostgres:
		dialector = postgres.Open(cfg.Postgres.DSN())
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	switch {
	case memory:
		// every connection to :memory: is a different database
		sqlDB.SetMaxOpenConns(1)
	case cfg.Type == TypePostgres:
		sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	}

	if err := db.AutoMigrate(&reservation.Reservation{}, &counter{}); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}
	return &GORMStore{db: db}, nil
}

// DB returns the underlying GORM connection.
func (s *GORMStore) DB() *gorm.DB { return s.db }

func (s *GORMStore) Save(ctx context.Context, r *reservation.Reservation) error {
	if err := validate(r); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(r.Clone()).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateReservation
		}
		return err
	}
	return nil
}

func (s *GORMStore) Get(ctx context.Context, key string) (*reservation.Reservation, error) {
	var r reservation.Reservation
	if err := s.db.WithContext(ctx).Where("session_key = ?", key).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(key)
		}
		return nil, err
	}
	return &r, nil
}

func (s *GORMStore) List(ctx context.Context) ([]*reservation.Reservation, error) {
	var out []*reservation.Reservation
	if err := s.db.WithContext(ctx).Order("starts_at").Order("session_key").Find(&out).Error; err != nil {
		return nil, err
	}
	if out == nil {
		out = []*reservation.Reservation{}
	}
	return out, nil
}

func (s *GORMStore) Delete(ctx context.Context, key string) error {
	res := s.db.WithContext(ctx).Where("session_key = ?", key).Delete(&reservation.Reservation{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(key)
	}
	return nil
}

func (s *GORMStore) NextSessionID(ctx context.Context) (int32, error) {
	var id int32
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c counter
		if err := tx.Where("name = ?", sessionCounter).FirstOrCreate(&c, counter{Name: sessionCounter}).Error; err != nil {
			return err
		}
		if c.Value >= math.MaxInt32 {
			return errCounterOverflow
		}
		c.Value++
		if err := tx.Save(&c).Error; err != nil {
			return err
		}
		id = int32(c.Value)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Close closes the database connection.
func (s *GORMStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database: %w", err)
	}
	return sqlDB.Close()
}

func isUniqueConstraintError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

var _ Store = (*GORMStore)(nil)
