package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vire-cms/vire/pkg/cmsserver/api/handlers"
	"github.com/vire-cms/vire/pkg/reservation/store"
	"github.com/vire-cms/vire/pkg/resource"
	"github.com/vire-cms/vire/pkg/session/manager"
	"github.com/vire-cms/vire/pkg/usecase"
	"github.com/vire-cms/vire/pkg/usecase/factory"
	"github.com/vire-cms/vire/pkg/usecase/model"
	"github.com/vire-cms/vire/pkg/user"
)

const testSecret = "router-test-secret-of-32-characters"

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()

	cat := resource.NewManager()
	require.NoError(t, cat.AddResource(resource.Resource{ID: 1, Path: "/dev1/temp", Cardinality: resource.ExclusiveCardinality()}))
	require.NoError(t, cat.AddResource(resource.Resource{ID: 2, Path: "/dev2/lv", Cardinality: resource.UnlimitedCardinality()}))
	require.NoError(t, cat.AddRole(resource.Role{ID: 1, Name: "expert", Functional: []string{"/dev1/"}, Distributable: []string{"/dev2/"}}))
	require.NoError(t, cat.AddRole(resource.Role{ID: 2, Name: "guest", Distributable: []string{"/dev2/lv"}}))
	require.NoError(t, cat.Lock())

	users := user.NewMemoryStore()
	require.NoError(t, users.AddWithPassword("alice", "alice-secret-1", "expert", "guest"))
	require.NoError(t, users.AddWithPassword("bob", "bob-secret-22", "guest"))

	db := model.NewDB()
	require.NoError(t, db.Add("Idle", usecase.TypeDummy, "runs until stopped", nil, usecase.Config{"tick": "10ms"}))
	require.NoError(t, db.Lock())

	return manager.New(manager.Config{TickInterval: 20 * time.Millisecond}, cat, users,
		factory.New(db, factory.NewRegistryWithBuiltins()), store.NewMemory())
}

func newTestServer(t *testing.T, cfg APIConfig) (*httptest.Server, *manager.Manager) {
	t.Helper()
	t.Setenv(EnvAPISecret, "")
	cfg.JWT.Secret = testSecret
	m := newTestManager(t)
	srv, err := NewServer(cfg, m, "test")
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, m
}

func do(t *testing.T, ts *httptest.Server, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func login(t *testing.T, ts *httptest.Server, username, password string) string {
	t.Helper()
	resp := do(t, ts, http.MethodPost, "/api/v1/auth/login", "", handlers.LoginRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[handlers.LoginResponse](t, resp).AccessToken
}

func TestNewServerRequiresSecret(t *testing.T) {
	t.Setenv(EnvAPISecret, "")
	_, err := NewServer(APIConfig{JWT: JWTConfig{Secret: "short"}}, newTestManager(t), "test")
	assert.Error(t, err)

	t.Setenv(EnvAPISecret, testSecret)
	_, err = NewServer(APIConfig{JWT: JWTConfig{Secret: "short"}}, newTestManager(t), "test")
	assert.NoError(t, err)
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, APIConfig{})

	resp := do(t, ts, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decode[handlers.Response](t, resp).Status)

	resp = do(t, ts, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogin(t *testing.T) {
	ts, _ := newTestServer(t, APIConfig{})

	resp := do(t, ts, http.MethodPost, "/api/v1/auth/login", "", handlers.LoginRequest{Username: "alice", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, handlers.ContentTypeProblemJSON, resp.Header.Get("Content-Type"))

	resp = do(t, ts, http.MethodPost, "/api/v1/auth/login", "", handlers.LoginRequest{Username: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	token := login(t, ts, "alice", "alice-secret-1")
	resp = do(t, ts, http.MethodGet, "/api/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[handlers.UserResponse](t, resp)
	assert.Equal(t, "alice", me.Login)
	assert.ElementsMatch(t, []string{"expert", "guest"}, me.Roles)
}

func TestRefresh(t *testing.T) {
	ts, _ := newTestServer(t, APIConfig{})

	resp := do(t, ts, http.MethodPost, "/api/v1/auth/login", "", handlers.LoginRequest{Username: "bob", Password: "bob-secret-22"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pair := decode[handlers.LoginResponse](t, resp)

	resp = do(t, ts, http.MethodPost, "/api/v1/auth/refresh", "", handlers.RefreshRequest{RefreshToken: pair.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/api/v1/auth/refresh", "", handlers.RefreshRequest{RefreshToken: pair.RefreshToken})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts, _ := newTestServer(t, APIConfig{})

	for _, path := range []string{"/api/v1/sessions", "/api/v1/reservations", "/api/v1/resources", "/api/v1/usecases/models"} {
		resp := do(t, ts, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		resp = do(t, ts, http.MethodGet, path, "garbage", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestReservationLifecycle(t *testing.T) {
	ts, m := newTestServer(t, APIConfig{})
	alice := login(t, ts, "alice", "alice-secret-1")
	bob := login(t, ts, "bob", "bob-secret-22")

	body := map[string]any{"key": "calib", "role": "expert", "when": "(now ; 1 hour)", "usecase": "Idle"}

	resp := do(t, ts, http.MethodPost, "/api/v1/reservations", bob, body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "role", decode[handlers.Problem](t, resp).Reason)

	resp = do(t, ts, http.MethodPost, "/api/v1/reservations", alice, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[handlers.ReserveResponse](t, resp)
	require.NotNil(t, created.Reservation)
	assert.Equal(t, "alice", created.Reservation.Owner)
	assert.False(t, created.Reservation.Active)

	// same key again
	resp = do(t, ts, http.MethodPost, "/api/v1/reservations", alice, body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// the exclusive temperature sensor is taken
	body["key"] = "other"
	resp = do(t, ts, http.MethodPost, "/api/v1/reservations", alice, body)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	problem := decode[handlers.Problem](t, resp)
	assert.Equal(t, "capacity", problem.Reason)
	assert.Equal(t, "calib", problem.ConflictingKey)

	resp = do(t, ts, http.MethodPost, "/api/v1/reservations", alice, map[string]any{"key": "bad", "role": "expert", "when": "soon"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	ctx := context.Background()
	m.Tick(ctx)
	t.Cleanup(func() {
		for _, s := range m.Sessions() {
			s.StopRequest()
		}
	})

	resp = do(t, ts, http.MethodGet, "/api/v1/sessions", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := decode[[]handlers.SessionResponse](t, resp)
	require.Len(t, sessions, 1)
	assert.Equal(t, "calib", sessions[0].Key)
	assert.Equal(t, "CONNECTED", sessions[0].State)
	id := sessions[0].ID

	// bob's guest request fits in the running session
	resp = do(t, ts, http.MethodPost, "/api/v1/reservations", bob,
		map[string]any{"key": "visit", "role": "guest", "when": "(now ; 5 minute)"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	advice := decode[handlers.ReserveResponse](t, resp)
	assert.Equal(t, "calib", advice.Advice.SessionKey)
	assert.Nil(t, advice.Reservation)

	// the session's own role is not granted to bob
	resp = do(t, ts, http.MethodPost, fmt.Sprintf("/api/v1/sessions/%d/clients", id), bob, handlers.EnterRequest{Password: "bob-secret-22"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, fmt.Sprintf("/api/v1/sessions/%d/clients", id), bob, handlers.EnterRequest{Password: "bob-secret-22", Role: "guest"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	entered := decode[handlers.EnterResponse](t, resp)

	resp = do(t, ts, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%d", id), bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{entered.ConnectionID}, decode[handlers.SessionResponse](t, resp).Clients)

	resp = do(t, ts, http.MethodDelete, fmt.Sprintf("/api/v1/sessions/%d/clients/%s", id, entered.ConnectionID), bob, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, ts, http.MethodDelete, "/api/v1/reservations/calib", bob, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, fmt.Sprintf("/api/v1/sessions/%d/stop", id), alice, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		m.Tick(ctx)
		return len(m.Sessions()) == 0
	}, 2*time.Second, 20*time.Millisecond)

	resp = do(t, ts, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%d", id), alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, ts, http.MethodGet, "/api/v1/sessions/abc", alice, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelReservation(t *testing.T) {
	ts, _ := newTestServer(t, APIConfig{})
	alice := login(t, ts, "alice", "alice-secret-1")

	later := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp := do(t, ts, http.MethodPost, "/api/v1/reservations", alice,
		map[string]any{"key": "later", "role": "guest", "when": "(" + later + " ; 1 hour)", "usecase": "Idle"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/api/v1/reservations/later", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, ts, http.MethodDelete, "/api/v1/reservations/later", alice, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/api/v1/reservations/later", alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, ts, http.MethodDelete, "/api/v1/reservations/later", alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCatalogRoutes(t *testing.T) {
	ts, _ := newTestServer(t, APIConfig{})
	token := login(t, ts, "bob", "bob-secret-22")

	resp := do(t, ts, http.MethodGet, "/api/v1/resources", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]handlers.ResourceResponse](t, resp), 2)

	resp = do(t, ts, http.MethodGet, "/api/v1/roles/expert", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	role := decode[handlers.RoleResponse](t, resp)
	require.Len(t, role.Functional, 1)
	assert.Equal(t, "/dev1/temp", role.Functional[0].Path)
	assert.Equal(t, "exclusive", role.Functional[0].Cardinality)

	resp = do(t, ts, http.MethodGet, "/api/v1/roles/wizard", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/api/v1/usecases/models", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	models := decode[[]handlers.ModelResponse](t, resp)
	require.Len(t, models, 1)
	assert.True(t, models[0].Registered)

	resp = do(t, ts, http.MethodGet, "/api/v1/usecases/types", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, decode[[]string](t, resp), usecase.TypeDummy)
}

func TestRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, APIConfig{RateLimit: RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}})

	login(t, ts, "bob", "bob-secret-22")
	login(t, ts, "bob", "bob-secret-22")
	resp := do(t, ts, http.MethodPost, "/api/v1/auth/login", "", handlers.LoginRequest{Username: "bob", Password: "bob-secret-22"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}
