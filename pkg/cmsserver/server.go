// Package cmsserver assembles a running vired instance from its
// configuration: catalog, users, use-case factory, reservation store,
// session manager, event transport, metrics and the control API.
package cmsserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vire-cms/vire/internal/logger"
	"github.com/vire-cms/vire/pkg/cmsserver/api"
	"github.com/vire-cms/vire/pkg/config"
	"github.com/vire-cms/vire/pkg/event"
	"github.com/vire-cms/vire/pkg/metrics"
	"github.com/vire-cms/vire/pkg/reservation/store"
	"github.com/vire-cms/vire/pkg/session/manager"
	"github.com/vire-cms/vire/pkg/transport"
	"github.com/vire-cms/vire/pkg/usecase/factory"
)

// Server owns every long-running component of vired.
type Server struct {
	cfg     *config.Config
	version string

	store     store.Store
	events    *event.Bus
	bus       transport.Bus
	forwarder *event.Forwarder
	metrics   *metrics.Metrics
	metricSrv *metrics.Server
	manager   *manager.Manager
	api       *api.Server
	watcher   *ReservationWatcher

	served atomic.Bool

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	serveErr    error
}

// New builds a stopped server. The configuration must already be
// validated; New only fails on resources it cannot open.
func New(cfg *config.Config, version string) (*Server, error) {
	cat, err := cfg.BuildCatalog()
	if err != nil {
		return nil, fmt.Errorf("resource catalog: %w", err)
	}
	users, err := cfg.BuildUsers()
	if err != nil {
		return nil, fmt.Errorf("users: %w", err)
	}
	db, err := cfg.BuildModelDB()
	if err != nil {
		return nil, fmt.Errorf("use-case models: %w", err)
	}

	st, err := store.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("reservation store: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		version: version,
		store:   st,
		events:  event.NewBus(),
	}

	if cfg.Metrics.Enabled {
		registry := metrics.NewRegistry()
		s.metrics = metrics.NewMetrics(registry)
		s.metricSrv = metrics.NewServer(cfg.Metrics.Port, registry)
		s.events.SetDropObserver(s.metrics)
	}

	if err := s.buildTransport(); err != nil {
		_ = st.Close()
		return nil, err
	}

	opts := []manager.Option{manager.WithEvents(s.events)}
	if s.metrics != nil {
		opts = append(opts, manager.WithMetrics(s.metrics))
	}
	s.manager = manager.New(manager.Config{
		TickInterval:   cfg.Server.TickInterval,
		CheckUCFactory: cfg.Server.CheckUCFactory,
	}, cat, users, factory.New(db, factory.NewRegistryWithBuiltins()), st, opts...)

	s.api, err = api.NewServer(cfg.API, s.manager, version)
	if err != nil {
		s.close()
		return nil, err
	}

	if cfg.Server.ReservationsDir != "" {
		s.watcher = NewReservationWatcher(cfg.Server.ReservationsDir, s.manager)
	}

	return s, nil
}

func (s *Server) buildTransport() error {
	tc := s.cfg.Transport
	switch tc.Type {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     tc.Redis.Address,
			Password: tc.Redis.Password,
			DB:       tc.Redis.DB,
		})
		s.bus = transport.NewRedisBus(rdb,
			transport.WithRedisPrefix(tc.Redis.Prefix),
			transport.WithRedisBuffer(tc.Buffer))
	default:
		s.bus = transport.NewMemoryBus(tc.Buffer)
	}

	if tc.EventsAddress != "" {
		to, err := transport.ParseAddress(tc.EventsAddress)
		if err != nil {
			_ = s.bus.Close()
			return fmt.Errorf("transport events address: %w", err)
		}
		s.forwarder = event.NewForwarder(s.events, s.bus, to, transport.NewBuilder(tc.EmitterID))
	}
	logger.Info("transport configured",
		"type", tc.Type,
		"events_address", tc.EventsAddress)
	return nil
}

// Manager returns the session manager.
func (s *Server) Manager() *manager.Manager { return s.manager }

// API returns the control API server.
func (s *Server) API() *api.Server { return s.api }

// Events returns the in-process event bus.
func (s *Server) Events() *event.Bus { return s.events }

// Transport returns the bus events are forwarded on.
func (s *Server) Transport() transport.Bus { return s.bus }

// Serve books the configured sessions, then runs every component until
// ctx is cancelled or one of them fails. It may be called once.
func (s *Server) Serve(ctx context.Context) error {
	if !s.served.CompareAndSwap(false, true) {
		return errors.New("server already served")
	}
	return s.serve(ctx)
}

// Start runs Serve in the background.
func (s *Server) Start(ctx context.Context) error {
	if !s.served.CompareAndSwap(false, true) {
		return errors.New("server already served")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.lifecycleMu.Lock()
	s.cancel, s.done = cancel, done
	s.lifecycleMu.Unlock()

	go func() {
		err := s.serve(ctx)
		s.lifecycleMu.Lock()
		s.serveErr = err
		s.lifecycleMu.Unlock()
		close(done)
	}()
	return nil
}

// Join waits for a server started by Start to return.
func (s *Server) Join() error {
	s.lifecycleMu.Lock()
	done := s.done
	s.lifecycleMu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.serveErr
}

// Stop cancels a server started by Start and waits for it.
func (s *Server) Stop() error {
	s.lifecycleMu.Lock()
	cancel := s.cancel
	s.lifecycleMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return s.Join()
}

func (s *Server) serve(ctx context.Context) error {
	defer s.close()

	// subscribed before bootstrap so the first reservations are forwarded
	var forwarded <-chan event.Event
	if s.forwarder != nil {
		ch, unsubscribe := s.events.Subscribe(s.cfg.Transport.Buffer)
		defer unsubscribe()
		forwarded = ch
	}

	root, static := s.cfg.SessionEntries()
	if err := s.manager.Bootstrap(ctx, root, static); err != nil {
		return fmt.Errorf("bootstrap sessions: %w", err)
	}
	logger.Info("configured sessions booked",
		"root", s.manager.RootKey(),
		logger.KeyCount, len(static))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, 5)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil && runCtx.Err() == nil {
				logger.Error("component failed", logger.KeyComponent, name, logger.KeyError, err)
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("session manager", s.manager.Serve)
	run("API server", s.api.Start)
	if s.metricSrv != nil {
		logger.Info("metrics enabled", logger.KeyPort, s.cfg.Metrics.Port)
		run("metrics server", s.metricSrv.Start)
	}
	if s.watcher != nil {
		run("reservation watcher", s.watcher.Run)
	}
	if s.forwarder != nil {
		run("event forwarder", func(ctx context.Context) error {
			s.forwarder.Forward(ctx, forwarded)
			return nil
		})
	}

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", "reason", ctx.Err())
	case shutdownErr = <-errChan:
		logger.Error("component failed, initiating shutdown", logger.KeyError, shutdownErr)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("vired stopped")
	case <-time.After(s.cfg.Server.ShutdownTimeout):
		logger.Warn("shutdown timed out", "timeout", s.cfg.Server.ShutdownTimeout)
		if shutdownErr == nil {
			shutdownErr = errors.New("shutdown timed out")
		}
	}
	return shutdownErr
}

func (s *Server) close() {
	if err := s.bus.Close(); err != nil {
		logger.Warn("transport close failed", logger.KeyError, err)
	}
	if err := s.store.Close(); err != nil {
		logger.Warn("reservation store close failed", logger.KeyError, err)
	}
}
