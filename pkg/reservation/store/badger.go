package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/vire-cms/vire/pkg/reservation"
)

// BadgerConfig contains badger-specific configuration.
type BadgerConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	InMemory bool   `mapstructure:"in_memory" yaml:"in_memory"`
}

// Key layout:
//
//	resv:{key}             -> JSON(Reservation)
//	meta:next_session_id   -> decimal last issued session ID
const (
	prefixReservation = "resv:"
	keySessionCounter = "meta:next_session_id"
)

// BadgerStore persists reservations in an embedded badger database.
type BadgerStore struct {
	db *badgerdb.DB
}

// NewBadger opens (or creates) a badger store.
func NewBadger(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badgerdb.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Save(ctx context.Context, r *reservation.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(r); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reservation: %w", err)
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		key := []byte(prefixReservation + r.Key)
		if _, err := txn.Get(key); err == nil {
			return ErrDuplicateReservation
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) Get(ctx context.Context, key string) (*reservation.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var r *reservation.Reservation
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(prefixReservation + key))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return notFound(key)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r = &reservation.Reservation{}
			return json.Unmarshal(val, r)
		})
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *BadgerStore) List(ctx context.Context) ([]*reservation.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []*reservation.Reservation{}
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixReservation)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r reservation.Reservation
				if err := json.Unmarshal(val, &r); err != nil {
					return err
				}
				out = append(out, &r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortReservations(out)
	return out, nil
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		k := []byte(prefixReservation + key)
		if _, err := txn.Get(k); errors.Is(err, badgerdb.ErrKeyNotFound) {
			return notFound(key)
		} else if err != nil {
			return err
		}
		return txn.Delete(k)
	})
}

func (s *BadgerStore) NextSessionID(ctx context.Context) (int32, error) {
	var id int32
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		err := s.db.Update(func(txn *badgerdb.Txn) error {
			var last int64
			item, err := txn.Get([]byte(keySessionCounter))
			switch {
			case errors.Is(err, badgerdb.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				if err := item.Value(func(val []byte) error {
					last, err = strconv.ParseInt(string(val), 10, 64)
					return err
				}); err != nil {
					return err
				}
			}
			if last >= math.MaxInt32 {
				return errCounterOverflow
			}
			id = int32(last + 1)
			return txn.Set([]byte(keySessionCounter), []byte(strconv.FormatInt(last+1, 10)))
		})
		if errors.Is(err, badgerdb.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return id, nil
	}
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)
