package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vire-cms/vire/internal/logger"
	"github.com/vire-cms/vire/internal/telemetry"
	"github.com/vire-cms/vire/pkg/event"
	"github.com/vire-cms/vire/pkg/reservation"
	"github.com/vire-cms/vire/pkg/session"
	"github.com/vire-cms/vire/pkg/usecase/factory"
)

// ErrAlreadyRunning is returned by Start when the run loop is active.
var ErrAlreadyRunning = errors.New("session manager already running")

// Serve runs the manager loop until ctx is cancelled. Each tick reaps
// finished sessions, stops sessions past their window, activates due
// reservations and purges expired ones. On return every session has been
// asked to stop and has finished.
func (m *Manager) Serve(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	stopObserver := m.observeEvents(ctx)
	defer stopObserver()

	logger.Info("session manager started", "tick", m.cfg.TickInterval)

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			logger.Info("session manager stopped")
			return nil
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Start runs Serve in the background.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.done != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		err := m.Serve(ctx)
		m.lifecycleMu.Lock()
		m.serveErr = err
		m.lifecycleMu.Unlock()
		close(done)
	}(m.done)
	return nil
}

// Join waits for a loop started by Start to return.
func (m *Manager) Join() error {
	m.lifecycleMu.Lock()
	done := m.done
	m.lifecycleMu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.serveErr
}

// Stop cancels a loop started by Start and waits for it.
func (m *Manager) Stop() error {
	m.lifecycleMu.Lock()
	cancel := m.cancel
	m.lifecycleMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := m.Join()

	m.lifecycleMu.Lock()
	m.cancel, m.done = nil, nil
	m.lifecycleMu.Unlock()
	return err
}

// Tick runs one iteration of the loop. Tests drive the manager with it.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	if m.runCtx == nil {
		m.runCtx = ctx
	}
	m.mu.Unlock()
	m.tick(ctx)
}

func (m *Manager) tick(ctx context.Context) {
	m.planMu.Lock()
	defer m.planMu.Unlock()

	now := m.now()
	m.reap(ctx)

	for _, e := range m.activeEntries() {
		if !e.finished() && !now.Before(e.session.Period().End) {
			logger.Info("session window closed",
				logger.KeySessionID, e.session.ID(),
				logger.KeySessionKey, e.session.Key())
			e.session.StopRequest()
		}
	}

	list, err := m.store.List(ctx)
	if err != nil {
		logger.Error("list reservations failed", logger.KeyError, err)
		return
	}
	for _, r := range list {
		switch {
		case m.isActive(r.Key):
		case r.Expired(now):
			m.purge(ctx, r)
		case r.Due(now):
			if err := m.activate(ctx, r, now); err != nil {
				logger.Error("session activation failed",
					logger.KeySessionID, r.SessionID,
					logger.KeySessionKey, r.Key,
					logger.KeyError, err)
				m.publish("failed", r.Key, r.SessionID, map[string]string{"error": err.Error()})
				if derr := m.store.Delete(ctx, r.Key); derr != nil {
					logger.Warn("drop failed reservation", logger.KeySessionKey, r.Key, logger.KeyError, derr)
				}
			}
		}
	}
	m.updateGauges(ctx)
}

func (m *Manager) isActive(key string) bool {
	_, err := m.SessionByKey(key)
	return err == nil
}

// activate builds the session's use-case tree, negotiates it and starts the
// run goroutine. Caller holds planMu.
func (m *Manager) activate(ctx context.Context, r *reservation.Reservation, now time.Time) error {
	ctx, span := telemetry.StartSessionSpan(ctx, "activate",
		telemetry.SessionID(r.SessionID), telemetry.SessionKey(r.Key))
	defer span.End()

	info := session.NewInfo()
	if err := info.InitializeAt(session.Properties(r.Properties), m.users, m.catalog, r.Start); err != nil {
		return fmt.Errorf("stored properties: %w", err)
	}
	spec := info.UseCase()
	if spec.Model == "" {
		return fmt.Errorf("session %s has no use case", r.Key)
	}

	path := "/" + r.Key
	uc, err := m.factory.CreateDry(factory.ConstructionContext{
		Model:          spec.Model,
		Path:           path,
		Config:         spec.Config,
		CheckUCFactory: m.cfg.CheckUCFactory,
	})
	if err != nil {
		return err
	}

	opts := []session.Option{session.WithEvents(m.events)}
	if m.metrics != nil {
		opts = append(opts, session.WithPoolObserver(m.metrics))
	}
	s, err := session.New(r.SessionID, info, m.catalog, opts...)
	if err != nil {
		m.factory.Discard(path)
		return err
	}
	if err := s.Negotiate(ctx, uc, now); err != nil {
		m.factory.Discard(path)
		m.metrics.ForgetPool(r.Key + "/functional")
		m.metrics.ForgetPool(r.Key + "/distributable")
		return err
	}

	e := &entry{session: s, path: path, root: r.Root, done: make(chan struct{})}
	m.mu.Lock()
	m.sessions[r.SessionID] = e
	runCtx := m.runCtx
	m.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(e.done)
		e.status = s.Run(runCtx)
	}()

	logger.InfoCtx(ctx, "session activated",
		logger.KeySessionID, r.SessionID,
		logger.KeySessionKey, r.Key,
		logger.KeyModel, spec.Model,
		"late", now.Sub(r.Start).Round(time.Millisecond))
	m.publish("activated", r.Key, r.SessionID, nil)
	return nil
}

// reap removes finished sessions together with their reservation and
// use-case instances. Caller holds planMu.
func (m *Manager) reap(ctx context.Context) {
	for _, e := range m.activeEntries() {
		if !e.finished() {
			continue
		}
		s := e.session
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()

		n := m.factory.Discard(e.path)
		if err := m.store.Delete(ctx, s.Key()); err != nil {
			logger.Warn("drop finished reservation", logger.KeySessionKey, s.Key(), logger.KeyError, err)
		}
		m.metrics.ForgetPool(s.FunctionalPool().Name())
		m.metrics.ForgetPool(s.DistributablePool().Name())
		if started, finished := s.StartedAt(), s.FinishedAt(); !started.IsZero() && !finished.IsZero() {
			m.metrics.ObserveSessionRun(finished.Sub(started))
		}

		logger.InfoCtx(ctx, "session reaped",
			logger.KeySessionID, s.ID(),
			logger.KeySessionKey, s.Key(),
			logger.KeyStatus, e.status.String(),
			logger.KeyCount, n)
		m.publish("reaped", s.Key(), s.ID(), map[string]string{"status": e.status.String()})
	}
}

// purge drops a reservation whose window closed before it was activated.
func (m *Manager) purge(ctx context.Context, r *reservation.Reservation) {
	if err := m.store.Delete(ctx, r.Key); err != nil {
		logger.Warn("purge expired reservation", logger.KeySessionKey, r.Key, logger.KeyError, err)
		return
	}
	logger.InfoCtx(ctx, "expired reservation purged",
		logger.KeySessionID, r.SessionID,
		logger.KeySessionKey, r.Key,
		logger.KeyPeriod, r.Period().String())
	m.publish("expired", r.Key, r.SessionID, nil)
}

func (m *Manager) shutdown() {
	for _, e := range m.activeEntries() {
		e.session.StopRequest()
	}
	m.wg.Wait()

	m.planMu.Lock()
	defer m.planMu.Unlock()
	m.reap(context.Background())
}

func (m *Manager) updateGauges(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	active := m.activeEntries()
	clients := 0
	for _, e := range active {
		clients += len(e.session.Clients())
	}
	m.metrics.SetActiveSessions(len(active))
	m.metrics.SetActiveConnections(clients)

	list, err := m.store.List(ctx)
	if err != nil {
		return
	}
	pending := 0
	for _, r := range list {
		if !m.isActive(r.Key) {
			pending++
		}
	}
	m.metrics.SetPendingReservations(pending)
}

// observeEvents feeds session and use-case state changes into metrics.
func (m *Manager) observeEvents(ctx context.Context) func() {
	if m.events == nil || m.metrics == nil {
		return func() {}
	}
	ch, cancel := m.events.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				switch ev.Kind {
				case event.KindSessionState:
					m.metrics.ObserveSessionState(ev.State)
				case event.KindUseCaseStatus:
					m.metrics.ObserveUseCaseStatus(ev.State)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
