package cmsserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/vire-cms/vire/internal/logger"
	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/session"
	"github.com/vire-cms/vire/pkg/session/manager"
)

// ReservationWatcher books the session property files dropped into a
// directory. A file is reserved once, with owner "file:<name>"; removing
// it cancels the reservation. Rewriting a file that is already booked
// cancels the old reservation and books the new content.
type ReservationWatcher struct {
	dir     string
	manager *manager.Manager

	mu    sync.Mutex
	files map[string]string // file name -> reservation key
}

// NewReservationWatcher creates a watcher for dir. Run starts it.
func NewReservationWatcher(dir string, m *manager.Manager) *ReservationWatcher {
	return &ReservationWatcher{dir: dir, manager: m, files: make(map[string]string)}
}

// Run books the files already present, then follows changes until ctx is
// done.
func (w *ReservationWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create reservations directory: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch reservations directory: %w", err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read reservations directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && isPropertyFile(e.Name()) {
			w.load(ctx, e.Name())
		}
	}
	logger.Info("watching reservations directory", "dir", w.dir, logger.KeyCount, len(entries))

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !isPropertyFile(name) {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.unload(ctx, name)
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.load(ctx, name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}

// Booked returns the reservation key booked from name, if any.
func (w *ReservationWatcher) Booked(name string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key, ok := w.files[name]
	return key, ok
}

func (w *ReservationWatcher) load(ctx context.Context, name string) {
	props, err := session.ReadPropertiesFile(filepath.Join(w.dir, name))
	if err != nil {
		// editors write in several steps; the next event retries
		logger.Debug("reservation file not readable yet", "file", name, logger.KeyError, err)
		return
	}
	key, _ := props["key"].(string)

	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, ok := w.files[name]; ok {
		if prev == key {
			if w.stored(ctx, key) {
				return
			}
		}
		w.cancel(ctx, name, prev)
	}

	owned := manager.ContextWithOwner(ctx, "file:"+name)
	r, _, err := w.manager.Reserve(owned, props)
	if err != nil {
		logger.Warn("reservation file refused",
			"file", name,
			logger.KeySessionKey, key,
			logger.KeyError, err)
		return
	}
	w.files[name] = r.Key
	logger.Info("reservation file booked",
		"file", name,
		logger.KeySessionKey, r.Key,
		logger.KeySessionID, r.SessionID)
}

func (w *ReservationWatcher) unload(ctx context.Context, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if key, ok := w.files[name]; ok {
		w.cancel(ctx, name, key)
	}
}

// cancel requires w.mu.
func (w *ReservationWatcher) cancel(ctx context.Context, name, key string) {
	delete(w.files, name)
	err := w.manager.Cancel(ctx, key)
	if err != nil && !cmserrors.HasCode(err, cmserrors.ErrUnknownSession) {
		logger.Warn("reservation cancel failed",
			"file", name,
			logger.KeySessionKey, key,
			logger.KeyError, err)
		return
	}
	logger.Info("reservation file withdrawn", "file", name, logger.KeySessionKey, key)
}

func (w *ReservationWatcher) stored(ctx context.Context, key string) bool {
	list, err := w.manager.Reservations(ctx)
	if err != nil {
		return false
	}
	for _, r := range list {
		if r.Key == key {
			return true
		}
	}
	return false
}

func isPropertyFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
