// Package metrics exposes Prometheus metrics for pools, sessions, use cases,
// reservations and the event bus.
//
// Every method is safe on a nil *Metrics, so components accept a nil
// collector when metrics are disabled.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label names.
const (
	LabelPool     = "pool"
	LabelResource = "resource_id"
	LabelStatus   = "status"
	LabelState    = "state"
	LabelAction   = "action"
	LabelReason   = "reason"
	LabelKind     = "kind"
	LabelModel    = "model"
)

// Acquire outcomes.
const (
	StatusGranted = "granted"
	StatusDenied  = "denied"
)

const namespace = "vire"

// Metrics provides Prometheus metrics for the CMS core.
type Metrics struct {
	poolAcquireTotal *prometheus.CounterVec
	poolReleaseTotal *prometheus.CounterVec
	poolHolders      *prometheus.GaugeVec

	sessionsActive      prometheus.Gauge
	sessionStateTotal   *prometheus.CounterVec
	sessionRunDuration  prometheus.Histogram
	connectionsActive   prometheus.Gauge
	useCaseStatusTotal  *prometheus.CounterVec
	reservationTotal    *prometheus.CounterVec
	reservationsPending prometheus.Gauge
	resolveDuration     prometheus.Histogram
	eventsDropped       *prometheus.CounterVec

	registered bool
}

// NewMetrics creates the collectors and registers them with registry.
// A nil registry creates unregistered collectors (useful for testing).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		poolAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "acquire_total",
				Help:      "Total number of resource acquire attempts",
			},
			[]string{LabelPool, LabelStatus},
		),
		poolReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "release_total",
				Help:      "Total number of resource releases",
			},
			[]string{LabelPool},
		),
		poolHolders: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "holders",
				Help:      "Current holders per resource",
			},
			[]string{LabelPool, LabelResource},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "active",
				Help:      "Number of running sessions",
			},
		),
		sessionStateTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "state_transitions_total",
				Help:      "Session state transitions by target state",
			},
			[]string{LabelState},
		),
		sessionRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "run_duration_seconds",
				Help:      "Wall time of finished sessions",
				Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600, 24 * 3600},
			},
		),
		connectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connections",
				Name:      "active",
				Help:      "Number of connected clients",
			},
		),
		useCaseStatusTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "usecases",
				Name:      "status_total",
				Help:      "Use case run status transitions",
			},
			[]string{LabelStatus},
		),
		reservationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reservations",
				Name:      "requests_total",
				Help:      "Reservation requests by resolver outcome",
			},
			[]string{LabelAction, LabelReason},
		),
		reservationsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reservations",
				Name:      "pending",
				Help:      "Confirmed reservations whose session has not started",
			},
		),
		resolveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "reservations",
				Name:      "resolve_duration_seconds",
				Help:      "Time spent resolving a reservation request",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),
		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events lost to slow subscribers",
			},
			[]string{LabelKind},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.poolAcquireTotal,
			m.poolReleaseTotal,
			m.poolHolders,
			m.sessionsActive,
			m.sessionStateTotal,
			m.sessionRunDuration,
			m.connectionsActive,
			m.useCaseStatusTotal,
			m.reservationTotal,
			m.reservationsPending,
			m.resolveDuration,
			m.eventsDropped,
		)
		m.registered = true
	}
	return m
}

// ============================================================================
// Pool metrics (pool.Observer)
// ============================================================================

// ObserveAcquire records an acquire attempt.
func (m *Metrics) ObserveAcquire(pool string, id int32, granted bool) {
	if m == nil {
		return
	}
	status := StatusGranted
	if !granted {
		status = StatusDenied
	}
	m.poolAcquireTotal.WithLabelValues(pool, status).Inc()
	if granted {
		m.poolHolders.WithLabelValues(pool, strconv.Itoa(int(id))).Inc()
	}
}

// ObserveRelease records a release.
func (m *Metrics) ObserveRelease(pool string, id int32) {
	if m == nil {
		return
	}
	m.poolReleaseTotal.WithLabelValues(pool).Inc()
	m.poolHolders.WithLabelValues(pool, strconv.Itoa(int(id))).Dec()
}

// ForgetPool drops the per-resource gauges of a discarded pool.
func (m *Metrics) ForgetPool(pool string) {
	if m == nil {
		return
	}
	m.poolHolders.DeletePartialMatch(prometheus.Labels{LabelPool: pool})
}

// ============================================================================
// Session metrics
// ============================================================================

// ObserveSessionState records a session state transition.
func (m *Metrics) ObserveSessionState(state string) {
	if m == nil {
		return
	}
	m.sessionStateTotal.WithLabelValues(state).Inc()
}

// SetActiveSessions sets the number of running sessions.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// ObserveSessionRun records the duration of a finished session.
func (m *Metrics) ObserveSessionRun(d time.Duration) {
	if m == nil {
		return
	}
	m.sessionRunDuration.Observe(d.Seconds())
}

// SetActiveConnections sets the number of connected clients.
func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.connectionsActive.Set(float64(n))
}

// ObserveUseCaseStatus records a use case status transition.
func (m *Metrics) ObserveUseCaseStatus(status string) {
	if m == nil {
		return
	}
	m.useCaseStatusTotal.WithLabelValues(status).Inc()
}

// ============================================================================
// Reservation metrics
// ============================================================================

// ObserveReservation records a resolver outcome. reason is empty unless
// the request was rejected.
func (m *Metrics) ObserveReservation(action, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.reservationTotal.WithLabelValues(action, reason).Inc()
	m.resolveDuration.Observe(d.Seconds())
}

// SetPendingReservations sets the number of reservations waiting to start.
func (m *Metrics) SetPendingReservations(n int) {
	if m == nil {
		return
	}
	m.reservationsPending.Set(float64(n))
}

// ============================================================================
// Event bus metrics (event.DropObserver)
// ============================================================================

// ObserveEventDropped records an event lost to a slow subscriber.
func (m *Metrics) ObserveEventDropped(kind string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(kind).Inc()
}
