package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vire-cms/vire/pkg/event"
	"github.com/vire-cms/vire/pkg/resource/pool"
)

var (
	_ pool.Observer      = (*Metrics)(nil)
	_ event.DropObserver = (*Metrics)(nil)
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAcquire("p", 1, true)
		m.ObserveRelease("p", 1)
		m.ForgetPool("p")
		m.ObserveSessionState("CONNECTED")
		m.SetActiveSessions(1)
		m.ObserveSessionRun(time.Second)
		m.SetActiveConnections(2)
		m.ObserveUseCaseStatus("RUNNING")
		m.ObserveReservation("create_session", "", time.Millisecond)
		m.SetPendingReservations(3)
		m.ObserveEventDropped("session_state")
	})
}

func TestPoolObserverCounts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	p := pool.New("calib/functional", pool.WithObserver(m))
	require.NoError(t, p.AddExclusive(10))

	require.NoError(t, p.Acquire(10))
	assert.Error(t, p.Acquire(10))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolAcquireTotal.WithLabelValues("calib/functional", StatusGranted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolAcquireTotal.WithLabelValues("calib/functional", StatusDenied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolHolders.WithLabelValues("calib/functional", "10")))

	require.NoError(t, p.Release(10))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.poolHolders.WithLabelValues("calib/functional", "10")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolReleaseTotal.WithLabelValues("calib/functional")))

	m.ForgetPool("calib/functional")
	assert.Equal(t, 0, testutil.CollectAndCount(m.poolHolders))
}

func TestEventDropsAreCounted(t *testing.T) {
	m := NewMetrics(nil)
	bus := event.NewBus()
	bus.SetDropObserver(m)
	_, cancel := bus.Subscribe(1)
	defer cancel()

	for i := 0; i < 3; i++ {
		bus.Publish(event.Event{Kind: event.KindMonitoring})
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsDropped.WithLabelValues(string(event.KindMonitoring))))
}

func TestServerExposesRegistry(t *testing.T) {
	reg := NewRegistry()
	m := NewMetrics(reg)
	m.SetActiveSessions(2)
	m.ObserveReservation("create_session", "", time.Millisecond)

	srv := NewServer(0, reg)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "vire_sessions_active 2"))
	assert.Contains(t, body, "vire_reservations_requests_total")
	assert.Contains(t, body, "go_goroutines")
}
