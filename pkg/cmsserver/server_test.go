package cmsserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vire-cms/vire/pkg/cmsserver/api"
	"github.com/vire-cms/vire/pkg/config"
	"github.com/vire-cms/vire/pkg/event"
	"github.com/vire-cms/vire/pkg/transport"
	"github.com/vire-cms/vire/pkg/usecase"
	"github.com/vire-cms/vire/pkg/user"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(api.EnvAPISecret, "")

	hash, err := user.HashPasswordWithCost("alice-secret-1", 4)
	require.NoError(t, err)

	cfg := config.GetDefaultConfig()
	cfg.API.Port = freePort(t)
	cfg.API.JWT.Secret = testSecret
	cfg.Server.TickInterval = 20 * time.Millisecond
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Resources = []config.ResourceConfig{
		{ID: 10, Path: "/dev1/temp", Access: "readwrite", Cardinality: "exclusive"},
		{ID: 20, Path: "/dev2/lv", Access: "read", Cardinality: "unlimited"},
	}
	cfg.Roles = []config.RoleConfig{
		{ID: 1, Name: "expert", Functional: []string{"/dev1/"}, Distributable: []string{"/dev2/"}},
		{ID: 2, Name: "guest", Distributable: []string{"/dev2/lv"}},
	}
	cfg.Users = []config.UserConfig{
		{Login: "alice", PasswordHash: hash, Roles: []string{"expert"}},
	}
	cfg.UseCases.Models = []config.ModelConfig{
		{Name: "Idle", TypeID: usecase.TypeDummy, Config: map[string]any{"tick": "10ms"}},
	}
	cfg.Sessions = []map[string]any{
		{"key": "root", "role": "guest", "usecase": "Idle", "root": true},
		{"key": "calib", "role": "expert", "when": "(now ; 1 hour)", "usecase": "Idle"},
	}
	return cfg
}

func serve(t *testing.T, s *Server) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx) }()

	var once bool
	cancel = func() error {
		if once {
			return nil
		}
		once = true
		stop()
		select {
		case err := <-errc:
			return err
		case <-time.After(10 * time.Second):
			return fmt.Errorf("server did not stop")
		}
	}
	t.Cleanup(func() { _ = cancel() })
	return cancel
}

func TestNewBuildsComponents(t *testing.T) {
	s, err := New(testConfig(t), "test")
	require.NoError(t, err)

	assert.NotNil(t, s.Manager())
	assert.NotNil(t, s.API())
	assert.IsType(t, &transport.MemoryBus{}, s.Transport())
	assert.Empty(t, s.Manager().RootKey())
	assert.Nil(t, s.watcher)
	assert.Nil(t, s.forwarder)
	assert.Nil(t, s.metrics)
}

func TestNewRejectsBadEventsAddress(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.EventsAddress = "no-slash"

	_, err := New(cfg, "test")
	assert.Error(t, err)
}

func TestNewRequiresAPISecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.JWT.Secret = ""

	_, err := New(cfg, "test")
	assert.Error(t, err)
}

func TestNewRejectsUnknownRoleResource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Roles = append(cfg.Roles, config.RoleConfig{ID: 3, Name: "broken", Functional: []string{"/nowhere"}})

	_, err := New(cfg, "test")
	assert.Error(t, err)
}

func TestServeBootstrapsAndStops(t *testing.T) {
	s, err := New(testConfig(t), "test")
	require.NoError(t, err)
	stop := serve(t, s)

	require.Eventually(t, func() bool {
		_, err := s.Manager().SessionByKey("root")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "root", s.Manager().RootKey())

	require.Eventually(t, func() bool {
		_, err := s.Manager().SessionByKey("calib")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { return s.API().Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health/ready", s.API().Port()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, stop())
	assert.Empty(t, s.Manager().Sessions())
}

func TestServeOnlyOnce(t *testing.T) {
	s, err := New(testConfig(t), "test")
	require.NoError(t, err)
	stop := serve(t, s)
	require.Eventually(t, func() bool { return s.API().Addr() != nil }, 5*time.Second, 10*time.Millisecond)

	assert.Error(t, s.Serve(context.Background()))
	require.NoError(t, stop())
}

func TestStartJoinStop(t *testing.T) {
	s, err := New(testConfig(t), "test")
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, err := s.Manager().SessionByKey("root")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Error(t, s.Start(context.Background()))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Join())
	assert.Empty(t, s.Manager().Sessions())
}

func TestServeForwardsEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.EventsAddress = "vire.cms.events/sessions"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = freePort(t)

	s, err := New(cfg, "test")
	require.NoError(t, err)
	require.NotNil(t, s.forwarder)
	require.NotNil(t, s.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	to, err := transport.ParseAddress(cfg.Transport.EventsAddress)
	require.NoError(t, err)
	msgs, err := s.Transport().Subscribe(ctx, to)
	require.NoError(t, err)

	stop := serve(t, s)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-msgs:
			require.True(t, ok, "subscription closed")
			assert.Equal(t, transport.TypeSessionEvent, msg.Body.TypeID)
			assert.Equal(t, "vired", msg.Header.EmitterID)

			var ev event.Event
			require.NoError(t, msg.Body.Decode(&ev))
			if ev.Kind != event.KindSessionState {
				continue
			}
			require.NoError(t, stop())
			return
		case <-deadline:
			t.Fatal("no session state event forwarded")
		}
	}
}

func TestServeWatchesReservationsDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions = nil
	cfg.Server.ReservationsDir = filepath.Join(t.TempDir(), "reservations")

	s, err := New(cfg, "test")
	require.NoError(t, err)
	require.NotNil(t, s.watcher)
	stop := serve(t, s)

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.Server.ReservationsDir)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	file := filepath.Join(cfg.Server.ReservationsDir, "calib.yaml")
	require.NoError(t, os.WriteFile(file, []byte("key: calib\nrole: expert\nwhen: (now ; 1 hour)\nusecase: Idle\n"), 0644))

	require.Eventually(t, func() bool {
		_, err := s.Manager().SessionByKey("calib")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, stop())
}
