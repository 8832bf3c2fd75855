// ABOUTME: Tests for console wiring and lifecycle
// ABOUTME: Checks backend selection, token install, route decisions and teardown

package console

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/spendsense/internal/access"
	"github.com/2389/spendsense/internal/config"
	"github.com/2389/spendsense/internal/credential"
	"github.com/2389/spendsense/internal/gateway"
	"github.com/2389/spendsense/internal/session"
)

func mintToken(t *testing.T, userID string, role credential.Role, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"exp":     exp.Unix(),
	}).SignedString([]byte("backend-secret"))
	require.NoError(t, err)
	return token
}

func testConfig(url string) *config.Config {
	cfg := config.Default()
	cfg.Gateway.URL = url
	cfg.Credential.Backend = config.BackendMemory
	return cfg
}

func TestOpenStore(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	tests := []struct {
		name string
		cfg  config.CredentialConfig
		want any
	}{
		{"file", config.CredentialConfig{Backend: config.BackendFile, Path: filepath.Join(dir, "token")}, &credential.FileStore{}},
		{"sqlite", config.CredentialConfig{Backend: config.BackendSQLite, Path: filepath.Join(dir, "cred.db")}, &credential.SQLiteStore{}},
		{"redis", config.CredentialConfig{Backend: config.BackendRedis, Redis: config.RedisConfig{Addr: mr.Addr()}}, &credential.RedisStore{}},
		{"memory", config.CredentialConfig{Backend: config.BackendMemory}, &credential.MemoryStore{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := OpenStore(tt.cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			assert.IsType(t, tt.want, store)

			ctx := context.Background()
			require.NoError(t, store.Set(ctx, "a.b.c"))
			raw, ok, err := store.Get(ctx)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "a.b.c", raw)
		})
	}

	_, err := OpenStore(config.CredentialConfig{Backend: "etcd"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestRedisStoreUsesDefaultKey(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := OpenStore(config.CredentialConfig{Backend: config.BackendRedis, Redis: config.RedisConfig{Addr: mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Set(context.Background(), "tok"))
	got, err := mr.Get(credential.DefaultRedisKey)
	require.NoError(t, err)
	assert.Equal(t, "tok", got)
}

func TestInitRestoresAndRoutes(t *testing.T) {
	ctx := context.Background()
	store := credential.NewMemoryStore()
	require.NoError(t, store.Set(ctx, mintToken(t, "op_1", credential.RoleSteward, time.Now().Add(time.Hour))))

	c, err := New(testConfig("http://localhost:1"), WithStore(store))
	require.NoError(t, err)
	t.Cleanup(c.Teardown)

	assert.Equal(t, access.Pending, c.Route("/operator").Outcome, "routes wait for restore")

	require.NoError(t, c.Init(ctx))
	assert.Equal(t, session.StatusAuthenticated, c.Session.State().Status())
	assert.Equal(t, access.Allow, c.Route("/operator").Outcome)

	d := c.Route("/dashboard")
	assert.Equal(t, access.Redirect, d.Outcome)
	assert.Equal(t, "/operator", d.Path)
}

func TestInitInstallsConfiguredToken(t *testing.T) {
	cfg := testConfig("http://localhost:1")
	cfg.Token = mintToken(t, "usr_7", credential.RoleSubject, time.Now().Add(time.Hour))

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Teardown)

	require.NoError(t, c.Init(context.Background()))
	p, ok := c.Session.Principal()
	require.True(t, ok)
	assert.Equal(t, "usr_7", p.SubjectID)
}

func TestInitRejectsExpiredConfiguredToken(t *testing.T) {
	cfg := testConfig("http://localhost:1")
	cfg.Token = mintToken(t, "usr_7", credential.RoleSubject, time.Now().Add(-time.Minute))

	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Teardown)

	err = c.Init(context.Background())
	require.ErrorIs(t, err, session.ErrLoginRejected)
	assert.Equal(t, session.StatusAnonymous, c.Session.State().Status())
}

func TestExpiryNavigatesToConfiguredLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "expired"})
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.Gateway.LoginPath = "/signin"
	cfg.Token = mintToken(t, "usr_1", credential.RoleSubject, time.Now().Add(time.Hour))

	rec := &gateway.Recorder{}
	c, err := New(cfg, WithNotifier(rec), WithNavigator(rec), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	t.Cleanup(c.Teardown)
	require.NoError(t, c.Init(context.Background()))

	_, err = c.API.Profile(context.Background(), "usr_1", "30")
	require.ErrorIs(t, err, gateway.ErrExpired)
	assert.Equal(t, []string{"/signin"}, rec.Navigations())
	assert.Equal(t, access.Redirect, c.Route("/dashboard").Outcome)
	assert.Equal(t, "/signin", c.Route("/dashboard").Path)

	families, err := c.Registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "spendsense_gateway_session_teardowns_total")
}

func TestRouteTearsDownLapsedCredential(t *testing.T) {
	var credentialed atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		credentialed.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	now := time.Now()
	cfg := testConfig(srv.URL)
	cfg.Token = mintToken(t, "usr_1", credential.RoleSubject, now.Add(time.Minute))

	rec := &gateway.Recorder{}
	c, err := New(cfg,
		WithNotifier(rec),
		WithNavigator(rec),
		WithHTTPClient(srv.Client()),
		WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	t.Cleanup(c.Teardown)
	require.NoError(t, c.Init(context.Background()))
	require.Equal(t, access.Allow, c.Route("/dashboard").Outcome)

	now = now.Add(2 * time.Hour)

	d := c.Route("/dashboard")
	assert.Equal(t, access.Redirect, d.Outcome)
	assert.Equal(t, "/login", d.Path)
	assert.Equal(t, session.StatusAnonymous, c.Session.State().Status())
	assert.Equal(t, []string{"/login"}, rec.Navigations())
	require.Len(t, rec.Notifications(), 1)
	assert.Equal(t, gateway.MessageSessionExpired, rec.Notifications()[0].Message)

	_, err = c.API.Profile(context.Background(), "usr_1", "30")
	require.ErrorIs(t, err, gateway.ErrExpired)
	assert.Zero(t, credentialed.Load(), "no request carries the lapsed credential")
	assert.Len(t, rec.Navigations(), 1, "teardown happens once")
}

// Stewards may view Subject routes when configured to; the default sends
// them to the Steward home instead.
func TestStewardPolicyFromConfig(t *testing.T) {
	tests := []struct {
		policy string
		want   access.Decision
	}{
		{"allow", access.Decision{Outcome: access.Allow}},
		{"redirect", access.Decision{Outcome: access.Redirect, Path: "/operator"}},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			cfg := testConfig("http://localhost:1")
			cfg.Access.StewardOnSubjectRoutes = tt.policy
			cfg.Token = mintToken(t, "op_1", credential.RoleSteward, time.Now().Add(time.Hour))

			c, err := New(cfg)
			require.NoError(t, err)
			t.Cleanup(c.Teardown)
			require.NoError(t, c.Init(context.Background()))

			assert.Equal(t, tt.want, c.Route("/dashboard"))
			assert.Equal(t, access.Allow, c.Route("/operator").Outcome)
		})
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	c, err := New(testConfig("http://localhost:1"))
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))

	assert.NotPanics(t, func() {
		c.Teardown()
		c.Teardown()
	})
}
