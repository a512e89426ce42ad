package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/reservation"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := New(&Config{Type: TypeSQLite, SQLite: SQLiteConfig{Path: ":memory:"}})
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) Store {
			s, err := New(&Config{Type: TypeBadger, Badger: BadgerConfig{InMemory: true}})
			require.NoError(t, err)
			return s
		},
	}
}

func sample(key string, id int32, startOffset time.Duration) *reservation.Reservation {
	return &reservation.Reservation{
		Key:       key,
		SessionID: id,
		Role:      "expert",
		Start:     t0.Add(startOffset),
		End:       t0.Add(startOffset + time.Hour),
		Owner:     "alice",
		Properties: map[string]any{
			"key":  key,
			"role": "expert",
			"usecase": map[string]any{
				"model": "Calibration",
			},
		},
	}
}

func TestStoreConformance(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			require.NoError(t, s.Save(ctx, sample("late", 2, 2*time.Hour)))
			require.NoError(t, s.Save(ctx, sample("early", 1, 0)))
			assert.ErrorIs(t, s.Save(ctx, sample("early", 3, 0)), ErrDuplicateReservation)

			got, err := s.Get(ctx, "early")
			require.NoError(t, err)
			assert.Equal(t, int32(1), got.SessionID)
			assert.Equal(t, "alice", got.Owner)
			assert.True(t, got.Start.Equal(t0))
			assert.True(t, got.End.Equal(t0.Add(time.Hour)))
			uc, ok := got.Properties["usecase"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "Calibration", uc["model"])

			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "early", list[0].Key)
			assert.Equal(t, "late", list[1].Key)

			require.NoError(t, s.Delete(ctx, "early"))
			_, err = s.Get(ctx, "early")
			assert.True(t, cmserrors.HasCode(err, cmserrors.ErrUnknownSession))
			assert.True(t, cmserrors.HasCode(s.Delete(ctx, "early"), cmserrors.ErrUnknownSession))

			list, err = s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestStoreRejectsInvalidReservation(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			ctx := context.Background()

			assert.Error(t, s.Save(ctx, &reservation.Reservation{Start: t0, End: t0.Add(time.Hour)}))
			err := s.Save(ctx, &reservation.Reservation{Key: "k", Start: t0, End: t0})
			assert.True(t, cmserrors.HasCode(err, cmserrors.ErrInvalidTimeWindow))
		})
	}
}

func TestNextSessionIDIsMonotonic(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			ctx := context.Background()

			var (
				mu  sync.Mutex
				ids = make(map[int32]struct{})
				wg  sync.WaitGroup
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 5; j++ {
						id, err := s.NextSessionID(ctx)
						if !assert.NoError(t, err) {
							return
						}
						mu.Lock()
						ids[id] = struct{}{}
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Len(t, ids, 40, "no ID is issued twice")

			next, err := s.NextSessionID(ctx)
			require.NoError(t, err)
			assert.Equal(t, int32(41), next)
		})
	}
}

func TestSQLiteCounterSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reservations.db")
	cfg := &Config{Type: TypeSQLite, SQLite: SQLiteConfig{Path: path}}
	ctx := context.Background()

	s, err := New(cfg)
	require.NoError(t, err)
	_, err = s.NextSessionID(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, sample("kept", 1, 0)))
	require.NoError(t, s.Close())

	s, err = New(cfg)
	require.NoError(t, err)
	defer s.Close()
	id, err := s.NextSessionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), id)
	_, err = s.Get(ctx, "kept")
	assert.NoError(t, err)
}

func TestBadgerCounterSurvivesReopen(t *testing.T) {
	cfg := BadgerConfig{Path: t.TempDir()}
	ctx := context.Background()

	s, err := NewBadger(cfg)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = s.NextSessionID(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s, err = NewBadger(cfg)
	require.NoError(t, err)
	defer s.Close()
	id, err := s.NextSessionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(4), id)
}

func TestConfig(t *testing.T) {
	c := &Config{}
	c.ApplyDefaults()
	assert.Equal(t, TypeMemory, c.Type)
	assert.NoError(t, c.Validate())

	assert.Error(t, (&Config{Type: "etcd"}).Validate())
	assert.Error(t, (&Config{Type: TypeSQLite}).Validate())
	assert.Error(t, (&Config{Type: TypeBadger}).Validate())

	pg := &Config{Type: TypePostgres, Postgres: PostgresConfig{Host: "db", Database: "vire", User: "vire"}}
	pg.ApplyDefaults()
	require.NoError(t, pg.Validate())
	assert.Equal(t, "host=db port=5432 user=vire password= dbname=vire sslmode=disable", pg.Postgres.DSN())

	_, err := New(&Config{Type: "etcd"})
	assert.Error(t, err)
}

func TestReservationHelpers(t *testing.T) {
	r := sample("k", 1, 0)
	assert.True(t, r.Due(t0))
	assert.False(t, r.Due(t0.Add(time.Hour)))
	assert.True(t, r.Expired(t0.Add(time.Hour)))

	c := r.Clone()
	c.Properties["usecase"].(map[string]any)["model"] = "Other"
	assert.Equal(t, "Calibration", r.Properties["usecase"].(map[string]any)["model"])
}
