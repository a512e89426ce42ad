package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vire-cms/vire/internal/logger"
	"github.com/vire-cms/vire/internal/telemetry"
	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/event"
	"github.com/vire-cms/vire/pkg/period"
	"github.com/vire-cms/vire/pkg/resource"
	"github.com/vire-cms/vire/pkg/resource/pool"
	"github.com/vire-cms/vire/pkg/usecase"
)

// State is the manager-facing state of a session.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateConnected:
		return "CONNECTED"
	case StateStopped:
		return "STOPPED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is STOPPED or ERROR.
func (s State) Terminal() bool { return s == StateStopped || s == StateError }

// Option configures a Session.
type Option func(*Session)

// WithEvents publishes state changes to p.
func WithEvents(p event.Publisher) Option {
	return func(s *Session) { s.events = p }
}

// WithPoolObserver attaches o to both session pools.
func WithPoolObserver(o pool.Observer) Option {
	return func(s *Session) { s.observer = o }
}

// Session is a time-bounded, resource-scoped grant running exactly one
// top-level use case. Its functional pool is private to that use case; its
// distributable pool is shared with the use case's daughters.
type Session struct {
	id      int32
	info    *Info
	catalog resource.Catalog

	events   event.Publisher
	observer pool.Observer

	functional    *pool.Pool
	distributable *pool.Pool

	stop atomic.Bool

	mu       sync.Mutex
	state    State
	uc       usecase.UseCase
	clients  map[string]*Connection
	err      error
	started  time.Time
	finished time.Time
}

// New creates an IDLE session from an initialized Info.
func New(id int32, info *Info, cat resource.Catalog, opts ...Option) (*Session, error) {
	if info == nil || !info.IsInitialized() {
		return nil, &cmserrors.NotInitializedError{Object: "session info", Reason: "session created from an uninitialized info"}
	}
	s := &Session{
		id:      id,
		info:    info,
		catalog: cat,
		clients: make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(s)
	}

	var popts []pool.Option
	if s.observer != nil {
		popts = append(popts, pool.WithObserver(s.observer))
	}
	fp, dp, err := info.BuildPools(cat, popts...)
	if err != nil {
		return nil, err
	}
	s.functional, s.distributable = fp, dp
	return s, nil
}

func (s *Session) ID() int32 { return s.id }
func (s *Session) Key() string { return s.info.Key() }
func (s *Session) Info() *Info { return s.info }
func (s *Session) Period() period.Period { return s.info.When() }
func (s *Session) FunctionalPool() *pool.Pool { return s.functional }
func (s *Session) DistributablePool() *pool.Pool { return s.distributable }
func (s *Session) IsStopRequested() bool { return s.stop.Load() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// UseCase returns the top-level use case, nil before Negotiate.
func (s *Session) UseCase() usecase.UseCase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uc
}

// StartedAt and FinishedAt bound the run; zero when not reached.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Session) FinishedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Candidate describes the session to the resolver. Only a CONNECTED
// session can be entered.
func (s *Session) Candidate() Candidate {
	return Candidate{
		Key:           s.Key(),
		Role:          s.info.Role(),
		Period:        s.Period(),
		Active:        s.State() == StateConnected,
		Functional:    policies(s.functional),
		Distributable: s.distributable,
	}
}

func (s *Session) publish(kind event.Kind, state, source string, attrs map[string]string) {
	if s.events == nil {
		return
	}
	s.events.Publish(event.Event{
		Kind:       kind,
		SessionID:  s.id,
		SessionKey: s.Key(),
		Source:     source,
		State:      state,
		Attrs:      attrs,
	})
}

func (s *Session) setState(st State, cause error) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	if cause != nil {
		s.err = cause
	}
	s.mu.Unlock()

	var attrs map[string]string
	if cause != nil {
		attrs = map[string]string{"error": cause.Error()}
	}
	s.publish(event.KindSessionState, st.String(), s.Key(), attrs)
	logger.Info("session state changed",
		logger.KeySessionID, s.id,
		logger.KeySessionKey, s.Key(),
		"from", prev.String(),
		logger.KeyState, st.String())
}

// Negotiate attaches the top-level use case: it must fit in what is left of
// the session window at now, and it is mounted with the functional pool as
// mother pool and the distributable pool as shared pool. On success the
// session is CONNECTED; on failure it is in ERROR.
func (s *Session) Negotiate(ctx context.Context, uc usecase.UseCase, now time.Time) error {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return &cmserrors.AlreadyInitializedError{Object: "session " + s.Key(), Field: "usecase (state " + st.String() + ")"}
	}
	s.mu.Unlock()
	s.setState(StateNegotiating, nil)

	ctx, span := telemetry.StartSessionSpan(ctx, "negotiate",
		telemetry.SessionID(s.id), telemetry.SessionKey(s.Key()), telemetry.UseCase(uc.Path()))
	defer span.End()

	fail := func(err error) error {
		telemetry.RecordError(ctx, err)
		s.setState(StateError, err)
		return err
	}

	when := s.Period()
	remaining := when
	if now.After(when.Start) {
		remaining.Start = now
	}
	tc := uc.TimeConstraints()
	if !remaining.Valid() || !tc.FitsIn(remaining) {
		return fail(&cmserrors.InvalidTimeWindowError{
			Window: remaining.String(),
			Reason: fmt.Sprintf("use case %s does not fit (%s)", uc.Path(), tc),
		})
	}

	err := uc.Mount(usecase.Binding{
		Catalog:    s.catalog,
		Pool:       s.functional,
		Shared:     s.distributable,
		Ports:      s.info.UseCase().Ports,
		Events:     s.events,
		SessionID:  s.id,
		SessionKey: s.Key(),
	})
	if err != nil {
		return fail(err)
	}

	s.mu.Lock()
	s.uc = uc
	s.mu.Unlock()
	s.setState(StateConnected, nil)
	return nil
}

// Run runs the top-level use case to completion. A stop request raised
// before Run is honored immediately. Clients are disconnected on exit.
func (s *Session) Run(ctx context.Context) usecase.RunStatus {
	s.mu.Lock()
	if s.state != StateConnected || s.uc == nil {
		st := s.state
		s.mu.Unlock()
		err := &cmserrors.NotInitializedError{Object: "session " + s.Key(), Reason: "run in state " + st.String()}
		s.setState(StateError, err)
		return usecase.StatusFailed
	}
	uc := s.uc
	s.started = time.Now()
	s.mu.Unlock()

	ctx, span := telemetry.StartSessionSpan(ctx, "run",
		telemetry.SessionID(s.id), telemetry.SessionKey(s.Key()), telemetry.Role(s.info.Role()))
	defer span.End()
	ctx = logger.WithContext(ctx, logger.NewLogContext(s.id, s.Key()).
		WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx)))

	if s.stop.Load() {
		uc.StopRequest()
	}
	status := uc.Run(ctx)

	s.disconnectAll()
	s.mu.Lock()
	s.finished = time.Now()
	s.mu.Unlock()

	if status == usecase.StatusFailed {
		s.setState(StateError, uc.Err())
	} else {
		s.setState(StateStopped, nil)
	}
	return status
}

// StopRequest asks the running use case to stop after its current
// iteration.
func (s *Session) StopRequest() {
	if s.stop.Swap(true) {
		return
	}
	logger.Info("session stop requested", logger.KeySessionID, s.id, logger.KeySessionKey, s.Key())
	if uc := s.UseCase(); uc != nil {
		uc.StopRequest()
	}
}

// AddClient attaches a connected client. The session must be CONNECTED
// and the client's login allowed by the session info.
func (s *Session) AddClient(c *Connection) error {
	if c.State() != ConnConnected {
		return &cmserrors.NotInitializedError{Object: "connection " + c.ID(), Reason: "client is not connected"}
	}
	if !s.info.AllowsUser(c.Login()) {
		return &cmserrors.InvalidCredentialsError{Login: c.Login()}
	}

	s.mu.Lock()
	if s.state != StateConnected {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %s does not accept clients in state %s", s.Key(), st)
	}
	if _, dup := s.clients[c.ID()]; dup {
		s.mu.Unlock()
		return fmt.Errorf("session %s: client %s already attached", s.Key(), c.ID())
	}
	s.clients[c.ID()] = c
	s.mu.Unlock()

	s.publish(event.KindConnectionState, ConnConnected.String(), c.Login(), map[string]string{"connection_id": c.ID()})
	return nil
}

// RemoveClient detaches and resets a client.
func (s *Session) RemoveClient(id string) error {
	s.mu.Lock()
	c, ok := s.clients[id]
	delete(s.clients, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: no client %s", s.Key(), id)
	}
	login := c.Login()
	if err := c.Reset(); err != nil {
		return err
	}
	s.publish(event.KindConnectionState, ConnDisconnected.String(), login, map[string]string{"connection_id": id})
	return nil
}

// Clients returns the attached connection ids, sorted.
func (s *Session) Clients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.clients))
	for id := range s.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) disconnectAll() {
	for _, id := range s.Clients() {
		if err := s.RemoveClient(id); err != nil {
			logger.Warn("client disconnect failed", logger.KeyConnectionID, id, logger.KeyError, err)
		}
	}
}
