// Package manager owns the sessions of a running server: it books
// reservations against the resource catalog, activates them when their
// window opens, attaches clients and reaps finished sessions.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vire-cms/vire/internal/logger"
	"github.com/vire-cms/vire/internal/telemetry"
	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/event"
	"github.com/vire-cms/vire/pkg/metrics"
	"github.com/vire-cms/vire/pkg/reservation"
	"github.com/vire-cms/vire/pkg/reservation/store"
	"github.com/vire-cms/vire/pkg/resource"
	"github.com/vire-cms/vire/pkg/resource/pool"
	"github.com/vire-cms/vire/pkg/session"
	"github.com/vire-cms/vire/pkg/usecase"
	"github.com/vire-cms/vire/pkg/usecase/factory"
	"github.com/vire-cms/vire/pkg/user"
)

// ErrInvalidProperties wraps every error caused by a malformed
// reservation request.
var ErrInvalidProperties = errors.New("invalid session properties")

// RootHorizon is the window given to a root session configured without one.
const RootHorizon = "(now ; 3650 day)"

// Config tunes the run loop.
type Config struct {
	// TickInterval is the period of the run loop. Default: 1s.
	TickInterval time.Duration

	// CheckUCFactory requires every use-case type to be registered before
	// a session can be activated.
	CheckUCFactory bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithEvents publishes session and reservation events on bus.
func WithEvents(bus *event.Bus) Option {
	return func(m *Manager) { m.events = bus }
}

// WithMetrics records pool, session and reservation metrics.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// WithClock replaces time.Now for the run loop.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type ownerKey struct{}

// ContextWithOwner records the login a reservation is made for.
func ContextWithOwner(ctx context.Context, login string) context.Context {
	return context.WithValue(ctx, ownerKey{}, login)
}

// OwnerFromContext returns the login recorded by ContextWithOwner.
func OwnerFromContext(ctx context.Context) string {
	login, _ := ctx.Value(ownerKey{}).(string)
	return login
}

// entry is an active session and the goroutine running it.
type entry struct {
	session *session.Session
	path    string
	root    bool
	done    chan struct{}
	status  usecase.RunStatus
}

func (e *entry) finished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Manager is the session manager.
type Manager struct {
	cfg      Config
	catalog  resource.Catalog
	users    user.Store
	factory  *factory.Factory
	store    store.Store
	resolver *session.Resolver
	events   *event.Bus
	metrics  *metrics.Metrics
	now      func() time.Time

	// planMu serializes every change to the booked set: reservations,
	// activations and reaping.
	planMu sync.Mutex

	mu       sync.RWMutex
	sessions map[int32]*entry
	rootKey  string
	runCtx   context.Context
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	serveErr    error
}

// New creates a Manager. The catalog and the factory's model DB must be
// locked.
func New(cfg Config, cat resource.Catalog, users user.Store, f *factory.Factory, st store.Store, opts ...Option) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	m := &Manager{
		cfg:      cfg,
		catalog:  cat,
		users:    users,
		factory:  f,
		store:    st,
		resolver: session.NewResolver(),
		now:      time.Now,
		sessions: make(map[int32]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Catalog returns the resource catalog.
func (m *Manager) Catalog() resource.Catalog { return m.catalog }

// Users returns the user store.
func (m *Manager) Users() user.Store { return m.users }

// Factory returns the use-case factory.
func (m *Manager) Factory() *factory.Factory { return m.factory }

func (m *Manager) publish(state, key string, id int32, attrs map[string]string) {
	m.events.Publish(event.Event{
		Kind:       event.KindReservation,
		SessionID:  id,
		SessionKey: key,
		State:      state,
		Attrs:      attrs,
	})
}

// Reserve validates props as a session info and asks the resolver how the
// request can be served. On create advice the reservation is stored with a
// fresh session ID; on enter advice nothing is stored and the caller is
// expected to Enter the advised session. A rejection is a
// *errors.ReservationRejectedError. An invalid property set never books
// anything.
func (m *Manager) Reserve(ctx context.Context, props session.Properties) (*reservation.Reservation, session.Possibility, error) {
	return m.reserve(ctx, props, false)
}

func (m *Manager) reserve(ctx context.Context, props session.Properties, root bool) (*reservation.Reservation, session.Possibility, error) {
	start := time.Now()
	ctx, span := telemetry.StartSessionSpan(ctx, "reserve")
	defer span.End()

	info := session.NewInfo()
	if err := info.InitializeAt(props, m.users, m.catalog, m.now()); err != nil {
		telemetry.RecordError(ctx, err)
		m.metrics.ObserveReservation("invalid", "", time.Since(start))
		return nil, session.Possibility{}, fmt.Errorf("%w: %w", ErrInvalidProperties, err)
	}
	if strings.ContainsAny(info.Key(), "/ \t") {
		err := fmt.Errorf("%w: session key %q must not contain slashes or spaces", ErrInvalidProperties, info.Key())
		m.metrics.ObserveReservation("invalid", "", time.Since(start))
		return nil, session.Possibility{}, err
	}
	req, err := session.NewRequest(info, m.catalog)
	if err != nil {
		m.metrics.ObserveReservation("invalid", "", time.Since(start))
		return nil, session.Possibility{}, fmt.Errorf("%w: %w", ErrInvalidProperties, err)
	}

	m.planMu.Lock()
	defer m.planMu.Unlock()

	if _, err := m.store.Get(ctx, info.Key()); err == nil {
		m.metrics.ObserveReservation("invalid", "", time.Since(start))
		return nil, session.Possibility{}, fmt.Errorf("session %s: %w", info.Key(), store.ErrDuplicateReservation)
	}

	cands, err := m.candidates(ctx)
	if err != nil {
		return nil, session.Possibility{}, err
	}
	poss, err := m.resolver.Resolve(ctx, req, cands)
	if err != nil {
		reason := ""
		var rej *cmserrors.ReservationRejectedError
		if errors.As(err, &rej) {
			reason = rej.Reason.String()
		}
		m.metrics.ObserveReservation("rejected", reason, time.Since(start))
		m.publish("rejected", info.Key(), 0, map[string]string{"error": err.Error()})
		return nil, poss, err
	}
	m.metrics.ObserveReservation(poss.Action.String(), "", time.Since(start))
	if root && poss.Action == session.ActionEnterSession {
		// the root session owns its resources
		poss = session.Possibility{Action: session.ActionCreateSession, Role: req.Role, Period: req.Period}
	}
	if poss.Action != session.ActionCreateSession {
		return nil, poss, nil
	}

	id, err := m.store.NextSessionID(ctx)
	if err != nil {
		return nil, poss, fmt.Errorf("assign session id: %w", err)
	}

	stored := info.Properties()
	stored["id"] = id
	stored["when"] = poss.Period.String()
	r := &reservation.Reservation{
		Key:        info.Key(),
		SessionID:  id,
		Role:       info.Role(),
		Start:      poss.Period.Start,
		End:        poss.Period.End,
		Owner:      OwnerFromContext(ctx),
		Root:       root,
		Properties: map[string]any(stored),
	}
	if err := m.store.Save(ctx, r); err != nil {
		return nil, poss, err
	}

	logger.InfoCtx(ctx, "reservation booked",
		logger.KeySessionID, id,
		logger.KeySessionKey, r.Key,
		logger.KeyRole, r.Role,
		logger.KeyPeriod, poss.Period.String())
	m.publish("reserved", r.Key, id, map[string]string{"period": poss.Period.String()})
	return r, poss, nil
}

// candidates lists active sessions and stored reservations that are not
// running. Caller holds planMu.
func (m *Manager) candidates(ctx context.Context) ([]session.Candidate, error) {
	list, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}

	active := m.activeEntries()
	keys := make(map[string]bool, len(active))
	cands := make([]session.Candidate, 0, len(active)+len(list))
	for _, e := range active {
		if e.finished() {
			continue
		}
		keys[e.session.Key()] = true
		cands = append(cands, e.session.Candidate())
	}

	for _, r := range list {
		if keys[r.Key] {
			continue
		}
		info := session.NewInfo()
		if err := info.InitializeAt(session.Properties(r.Clone().Properties), nil, m.catalog, r.Start); err != nil {
			logger.Warn("stored reservation is no longer valid",
				logger.KeySessionKey, r.Key, logger.KeyError, err)
			continue
		}
		c, err := session.NewCandidate(info, m.catalog)
		if err != nil {
			logger.Warn("stored reservation is no longer valid",
				logger.KeySessionKey, r.Key, logger.KeyError, err)
			continue
		}
		cands = append(cands, c)
	}
	return cands, nil
}

func (m *Manager) activeEntries() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].session.ID() < out[j].session.ID() })
	return out
}

// Bootstrap books the configured sessions. A root entry without "when" is
// given RootHorizon; a stale root reservation from a previous run is
// replaced. Static entries already stored are kept as they are.
func (m *Manager) Bootstrap(ctx context.Context, root session.Properties, static []session.Properties) error {
	if root != nil {
		props := make(session.Properties, len(root)+1)
		for k, v := range root {
			props[k] = v
		}
		if _, ok := props["when"]; !ok {
			props["when"] = RootHorizon
		}
		if key, _ := props["key"].(string); key != "" {
			if err := m.store.Delete(ctx, key); err != nil && !cmserrors.HasCode(err, cmserrors.ErrUnknownSession) {
				return err
			}
		}
		r, _, err := m.reserve(ctx, props, true)
		if err != nil {
			return fmt.Errorf("root session: %w", err)
		}
		m.mu.Lock()
		m.rootKey = r.Key
		m.mu.Unlock()
	}

	for _, props := range static {
		key, _ := props["key"].(string)
		if _, err := m.store.Get(ctx, key); err == nil {
			logger.Debug("static reservation already stored", logger.KeySessionKey, key)
			continue
		}
		if _, _, err := m.Reserve(ctx, props); err != nil {
			return fmt.Errorf("session %s: %w", key, err)
		}
	}
	return nil
}

// RootKey returns the key of the root session, empty when none is
// configured.
func (m *Manager) RootKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rootKey
}

// Enter attaches a client to the active session stored under key. The
// credentials are checked against the user store and the session's allowed
// users. The client acts under role, the session's own role when empty, and
// holds one unit of each of the role's distributable resources in the
// session's distributable pool until it leaves.
func (m *Manager) Enter(ctx context.Context, key, login, password, role string) (*session.Connection, error) {
	ctx, span := telemetry.StartSessionSpan(ctx, "enter",
		telemetry.SessionKey(key), telemetry.Login(login))
	defer span.End()

	s, err := m.SessionByKey(key)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	if role == "" {
		role = s.Info().Role()
	}
	telemetry.SetAttributes(ctx, telemetry.Role(role))

	c := session.NewConnection(m.users, session.ConnectionHooks{})
	for _, set := range []func() error{
		func() error { return c.SetID(session.NewConnectionID()) },
		func() error { return c.SetLogin(login) },
		func() error { return c.SetPassword(password) },
		func() error { return c.SetPeriod(s.Period()) },
	} {
		if err := set(); err != nil {
			return nil, err
		}
	}
	if err := c.Initialize(); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	lease, err := m.holdFor(s, login, role)
	if err != nil {
		_ = c.Reset()
		telemetry.RecordError(ctx, err)
		logger.InfoCtx(ctx, "enter refused",
			logger.KeySessionKey, key,
			logger.KeyLogin, login,
			logger.KeyRole, role,
			logger.KeyError, err)
		return nil, err
	}
	if err := c.Hold(lease); err != nil {
		_ = lease.Release()
		_ = c.Reset()
		return nil, err
	}
	if err := s.AddClient(c); err != nil {
		_ = c.Reset()
		return nil, err
	}

	logger.InfoCtx(ctx, "client entered session",
		logger.KeySessionID, s.ID(),
		logger.KeySessionKey, key,
		logger.KeyLogin, login,
		logger.KeyRole, role,
		logger.KeyConnectionID, c.ID())
	m.updateGauges(ctx)
	return c, nil
}

// holdFor takes role's distributable resources in the session's
// distributable pool, all or none.
func (m *Manager) holdFor(s *session.Session, login, role string) (*pool.Lease, error) {
	rejected := func(reason cmserrors.RejectReason, id int32, cause error) error {
		return &cmserrors.ReservationRejectedError{
			Reason: reason, Role: role, ResourceID: id, ConflictingKey: s.Key(), Cause: cause,
		}
	}

	if m.users != nil {
		u, err := m.users.GetUser(login)
		if err != nil {
			return nil, err
		}
		if !u.CanUseRole(role) {
			return nil, rejected(cmserrors.RejectRole, -1, nil)
		}
	}

	_, dr, err := m.catalog.RoleResources(role)
	if err != nil {
		return nil, err
	}
	dp := s.DistributablePool()
	ids := make([]int32, 0, len(dr))
	for _, r := range dr {
		if !dp.Has(r.ID) {
			return nil, rejected(cmserrors.RejectCapacity, r.ID, cmserrors.NewUnknownResourceID(r.ID))
		}
		ids = append(ids, r.ID)
	}

	lease, err := dp.AcquireAll(ids...)
	if err != nil {
		var capErr *cmserrors.CapacityExceededError
		id := int32(-1)
		if errors.As(err, &capErr) {
			id = capErr.ResourceID
		}
		return nil, rejected(cmserrors.RejectCapacity, id, err)
	}
	return lease, nil
}

// Leave detaches a client from the session stored under key.
func (m *Manager) Leave(ctx context.Context, key, connectionID string) error {
	s, err := m.SessionByKey(key)
	if err != nil {
		return err
	}
	if err := s.RemoveClient(connectionID); err != nil {
		return err
	}
	m.updateGauges(ctx)
	return nil
}

// Sessions returns the active sessions ordered by ID.
func (m *Manager) Sessions() []*session.Session {
	active := m.activeEntries()
	out := make([]*session.Session, 0, len(active))
	for _, e := range active {
		out = append(out, e.session)
	}
	return out
}

// Session returns the active session with the given ID.
func (m *Manager) Session(id int32) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, &cmserrors.UnknownSessionError{ID: id}
	}
	return e.session, nil
}

// SessionByKey returns the active session stored under key.
func (m *Manager) SessionByKey(key string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.sessions {
		if e.session.Key() == key {
			return e.session, nil
		}
	}
	return nil, &cmserrors.UnknownSessionError{Key: key, ID: -1}
}

// Reservations returns the stored reservations, active ones included.
func (m *Manager) Reservations(ctx context.Context) ([]*reservation.Reservation, error) {
	return m.store.List(ctx)
}

// Cancel drops the reservation stored under key. A session already running
// under it is asked to stop and is reaped by the run loop.
func (m *Manager) Cancel(ctx context.Context, key string) error {
	if s, err := m.SessionByKey(key); err == nil {
		s.StopRequest()
		return nil
	}

	m.planMu.Lock()
	defer m.planMu.Unlock()
	r, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, key); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "reservation cancelled", logger.KeySessionKey, key)
	m.publish("cancelled", key, r.SessionID, nil)
	m.updateGauges(ctx)
	return nil
}

// RequestStop asks the active session with the given ID to stop.
func (m *Manager) RequestStop(id int32) error {
	s, err := m.Session(id)
	if err != nil {
		return err
	}
	s.StopRequest()
	return nil
}
