package store

import (
	"context"
	"math"
	"sync"

	"github.com/vire-cms/vire/pkg/reservation"
)

// MemoryStore keeps reservations in a map.
type MemoryStore struct {
	mu     sync.RWMutex
	byKey  map[string]*reservation.Reservation
	lastID int32
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]*reservation.Reservation)}
}

func (s *MemoryStore) Save(ctx context.Context, r *reservation.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[r.Key]; ok {
		return ErrDuplicateReservation
	}
	s.byKey[r.Key] = r.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*reservation.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byKey[key]
	if !ok {
		return nil, notFound(key)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*reservation.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*reservation.Reservation, 0, len(s.byKey))
	for _, r := range s.byKey {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()
	sortReservations(out)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[key]; !ok {
		return notFound(key)
	}
	delete(s.byKey, key)
	return nil
}

func (s *MemoryStore) NextSessionID(ctx context.Context) (int32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastID == math.MaxInt32 {
		return 0, errCounterOverflow
	}
	s.lastID++
	return s.lastID, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
