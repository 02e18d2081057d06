package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wmefetch/internal"
	"wmefetch/utils"
)

// authServer fakes the login, token-refresh and token-revoke endpoints.
type authServer struct {
	*httptest.Server

	logins      atomic.Int32
	refreshes   atomic.Int32
	revokes     atomic.Int32
	rotate      atomic.Bool
	failRefresh atomic.Bool
	failRevoke  atomic.Bool

	mu     sync.Mutex
	bodies map[string]map[string]string
}

func newAuthServer(t *testing.T) *authServer {
	t.Helper()
	s := &authServer{bodies: make(map[string]map[string]string)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)

		s.mu.Lock()
		s.bodies[r.URL.Path] = body
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/login":
			n := s.logins.Add(1)
			json.NewEncoder(w).Encode(map[string]string{
				"access_token":  "login-access-" + string(rune('0'+n)),
				"refresh_token": "login-refresh-" + string(rune('0'+n)),
			})
		case "/v1/token-refresh":
			s.refreshes.Add(1)
			if s.failRefresh.Load() {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			resp := map[string]string{"access_token": "refreshed-access"}
			if s.rotate.Load() {
				resp["refresh_token"] = "rotated-refresh"
			}
			json.NewEncoder(w).Encode(resp)
		case "/v1/token-revoke":
			s.revokes.Add(1)
			if s.failRevoke.Load() {
				w.WriteHeader(http.StatusBadGateway)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *authServer) body(path string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[path]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestAuthClient(t *testing.T, server *authServer, clock *fakeClock) *AuthClient {
	t.Helper()
	endpoints, err := utils.NewEndpoints(server.URL, server.URL, server.URL+"/v1/")
	require.NoError(t, err)
	client := utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{
		Timeout:     2 * time.Second,
		RetryConfig: &utils.RetryConfig{MaxRetries: 0},
	})

	auth, err := NewAuthClient(client, endpoints,
		internal.Credentials{Username: "alice", Password: "s3cret"},
		WithClock(clock.Now),
		WithFilesystem(memfs.New()),
		WithTokenStorePath("/tokenstore.json"),
	)
	require.NoError(t, err)
	return auth
}

func TestNewAuthClient_RequiresCredentials(t *testing.T) {
	_, err := NewAuthClient(utils.NewHTTPClient(), nil, internal.Credentials{Username: "alice"})
	var validationErr *internal.ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestAuthClient_FirstCallLogsIn(t *testing.T) {
	server := newAuthServer(t)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	auth := newTestAuthClient(t, server, clock)

	token, err := auth.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-access-1", token)
	assert.Equal(t, map[string]string{"username": "alice", "password": "s3cret"}, server.body("/v1/login"))

	store, err := auth.Store().Load()
	require.NoError(t, err)
	assert.Equal(t, "login-refresh-1", store.RefreshToken)
	assert.True(t, store.AccessTokenGeneratedAt.Equal(clock.Now()))
	assert.True(t, store.RefreshTokenGeneratedAt.Equal(clock.Now()))
}

func TestAuthClient_CachedTokenHasNoNetworkIO(t *testing.T) {
	server := newAuthServer(t)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	auth := newTestAuthClient(t, server, clock)

	_, err := auth.GetAccessToken(context.Background())
	require.NoError(t, err)

	clock.Advance(23 * time.Hour)
	token, err := auth.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-access-1", token)
	assert.Equal(t, int32(1), server.logins.Load())
	assert.Zero(t, server.refreshes.Load())
}

func TestAuthClient_ExpiredAccessTokenRefreshes(t *testing.T) {
	tests := []struct {
		name            string
		rotate          bool
		wantRefresh     string
		wantRefreshAged bool
	}{
		{name: "refresh_token_kept", rotate: false, wantRefresh: "login-refresh-1", wantRefreshAged: true},
		{name: "refresh_token_rotated", rotate: true, wantRefresh: "rotated-refresh", wantRefreshAged: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newAuthServer(t)
			server.rotate.Store(tt.rotate)
			issued := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
			clock := &fakeClock{now: issued}
			auth := newTestAuthClient(t, server, clock)

			_, err := auth.GetAccessToken(context.Background())
			require.NoError(t, err)

			clock.Advance(25 * time.Hour)
			token, err := auth.GetAccessToken(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "refreshed-access", token)
			assert.Equal(t, int32(1), server.logins.Load())
			assert.Equal(t, int32(1), server.refreshes.Load())
			assert.Equal(t, map[string]string{"username": "alice", "refresh_token": "login-refresh-1"},
				server.body("/v1/token-refresh"))

			store, err := auth.Store().Load()
			require.NoError(t, err)
			assert.Equal(t, tt.wantRefresh, store.RefreshToken)
			assert.True(t, store.AccessTokenGeneratedAt.Equal(clock.Now()))
			if tt.wantRefreshAged {
				assert.True(t, store.RefreshTokenGeneratedAt.Equal(issued), "refresh token keeps its issuance time")
			} else {
				assert.True(t, store.RefreshTokenGeneratedAt.Equal(clock.Now()))
			}
		})
	}
}

func TestAuthClient_KeptRefreshTokenStillExpires(t *testing.T) {
	server := newAuthServer(t)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	auth := newTestAuthClient(t, server, clock)

	_, err := auth.GetAccessToken(context.Background())
	require.NoError(t, err)

	// Daily refreshes without rotation never extend the refresh token.
	for day := 0; day < 28; day++ {
		clock.Advance(25 * time.Hour)
		_, err := auth.GetAccessToken(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), server.logins.Load())

	clock.Advance(25 * time.Hour)
	token, err := auth.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-access-2", token)
	assert.Equal(t, int32(2), server.logins.Load())
}

func TestAuthClient_RefreshFailureIsReturned(t *testing.T) {
	server := newAuthServer(t)
	server.failRefresh.Store(true)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	auth := newTestAuthClient(t, server, clock)

	_, err := auth.GetAccessToken(context.Background())
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	_, err = auth.GetAccessToken(context.Background())
	require.Error(t, err)
	assert.True(t, internal.IsUnauthorized(err))
	assert.Equal(t, int32(1), server.logins.Load())
}

func TestAuthClient_ExpiredRefreshTokenLogsIn(t *testing.T) {
	server := newAuthServer(t)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	auth := newTestAuthClient(t, server, clock)

	_, err := auth.GetAccessToken(context.Background())
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)
	token, err := auth.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-access-2", token)
	assert.Zero(t, server.refreshes.Load())
}

func TestAuthClient_ClearState(t *testing.T) {
	t.Run("no_store_is_noop", func(t *testing.T) {
		server := newAuthServer(t)
		auth := newTestAuthClient(t, server, &fakeClock{now: time.Now()})

		require.NoError(t, auth.ClearState(context.Background()))
		assert.Zero(t, server.revokes.Load())
	})

	t.Run("revokes_then_deletes", func(t *testing.T) {
		server := newAuthServer(t)
		auth := newTestAuthClient(t, server, &fakeClock{now: time.Now()})
		_, err := auth.GetAccessToken(context.Background())
		require.NoError(t, err)

		require.NoError(t, auth.ClearState(context.Background()))
		assert.Equal(t, int32(1), server.revokes.Load())
		assert.Equal(t, map[string]string{"refresh_token": "login-refresh-1"}, server.body("/v1/token-revoke"))
		assert.False(t, auth.Store().Exists())
	})

	t.Run("revoke_failure_keeps_store", func(t *testing.T) {
		server := newAuthServer(t)
		server.failRevoke.Store(true)
		auth := newTestAuthClient(t, server, &fakeClock{now: time.Now()})
		_, err := auth.GetAccessToken(context.Background())
		require.NoError(t, err)

		err = auth.ClearState(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, internal.ErrStatus)
		assert.True(t, auth.Store().Exists())
	})
}

func TestAuthClient_ConcurrentCallsLoginOnce(t *testing.T) {
	server := newAuthServer(t)
	auth := newTestAuthClient(t, server, &fakeClock{now: time.Now()})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := auth.GetAccessToken(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "login-access-1", token)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), server.logins.Load())
}

func TestAuthClient_UnreadableStoreLogsIn(t *testing.T) {
	server := newAuthServer(t)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	auth := newTestAuthClient(t, server, clock)
	require.NoError(t, auth.store.fileOps.AtomicWriteFile(auth.store.Path(), []byte(`{"access_token": "abc"`)))

	token, err := auth.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-access-1", token)
	assert.Equal(t, int32(1), server.logins.Load())

	store, err := auth.Store().Load()
	require.NoError(t, err)
	assert.Equal(t, "login-refresh-1", store.RefreshToken)
}

func TestAuthClient_ClearStateRemovesUnreadableStore(t *testing.T) {
	server := newAuthServer(t)
	auth := newTestAuthClient(t, server, &fakeClock{now: time.Now()})
	require.NoError(t, auth.store.fileOps.AtomicWriteFile(auth.store.Path(), []byte(`{"access_token": "abc"`)))

	require.NoError(t, auth.ClearState(context.Background()))
	assert.False(t, auth.Store().Exists())
	assert.Zero(t, server.revokes.Load(), "nothing readable to revoke")
}

func TestAuthClient_ForceRefreshRenewsYoungToken(t *testing.T) {
	server := newAuthServer(t)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	auth := newTestAuthClient(t, server, clock)

	_, err := auth.GetAccessToken(context.Background())
	require.NoError(t, err)

	clock.Advance(internal.DefaultRefreshInterval)
	token, err := auth.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", token)
	assert.Equal(t, int32(1), server.refreshes.Load())

	store, err := auth.Store().Load()
	require.NoError(t, err)
	assert.True(t, store.AccessTokenGeneratedAt.Equal(clock.Now()))

	// Past the refresh token lifetime a forced renewal logs in again.
	clock.Advance(RefreshTokenLifetime)
	token, err = auth.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-access-2", token)
}
