package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/teachflow/teachflow-live/pkg/credstore"
)

type fakeAPI struct {
	t *testing.T

	validToken     atomic.Value
	refreshCalls   atomic.Int32
	unauthorized   atomic.Int32
	resourceCalls  atomic.Int32
	failRefresh    atomic.Bool
	alwaysReject   atomic.Bool
	gateRefreshFor int32
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	f := &fakeAPI{t: t}
	f.validToken.Store("fresh")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/refresh", f.handleRefresh)
	mux.HandleFunc("/api/auth/login", f.handleLogin)
	mux.HandleFunc("/api/things", f.handleThings)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	f.refreshCalls.Add(1)

	// Hold the refresh open until every concurrent request has been rejected.
	deadline := time.Now().Add(5 * time.Second)
	for f.unauthorized.Load() < f.gateRefreshFor && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var body refreshRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	if f.failRefresh.Load() || body.RefreshToken != "refresh-1" {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"success": false,
			"error":   map[string]string{"code": "UNAUTHORIZED", "message": "invalid refresh token"},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    map[string]string{"accessToken": f.validToken.Load().(string), "refreshToken": "refresh-2"},
	})
}

func (f *fakeAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"accessToken":  "stale",
			"refreshToken": "refresh-1",
			"user":         map[string]string{"id": "u1", "username": "ana", "role": "teacher"},
		},
	})
}

func (f *fakeAPI) handleThings(w http.ResponseWriter, r *http.Request) {
	f.resourceCalls.Add(1)
	if f.alwaysReject.Load() || r.Header.Get("Authorization") != "Bearer "+f.validToken.Load().(string) {
		f.unauthorized.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"success": false,
			"error":   map[string]string{"code": "UNAUTHORIZED", "message": "token expired"},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    map[string]string{"name": "widget"},
	})
}

func newTestClient(t *testing.T, srv *httptest.Server, store credstore.Store, onExpired func()) *Client {
	c, err := New(Options{
		BaseURL:          srv.URL + "/api",
		Store:            store,
		OnSessionExpired: onExpired,
	})
	require.NoError(t, err)
	return c
}

func seedTokens(t *testing.T, store credstore.Store, access, refresh string) {
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, credstore.KeyAccessToken, access))
	require.NoError(t, store.Set(ctx, credstore.KeyRefreshToken, refresh))
}

func TestDo_ConcurrentUnauthorizedSharesOneRefresh(t *testing.T) {
	const n = 8

	api, srv := newFakeAPI(t)
	api.gateRefreshFor = n
	store := credstore.NewMemoryStore()
	seedTokens(t, store, "stale", "refresh-1")
	client := newTestClient(t, srv, store, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	names := make([]string, n)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			var out struct {
				Name string `json:"name"`
			}
			if err := client.Get(ctx, "/things", &out); err != nil {
				return err
			}
			names[i] = out.Name
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), api.refreshCalls.Load())
	assert.Equal(t, int32(n), api.unauthorized.Load())
	assert.Equal(t, int32(2*n), api.resourceCalls.Load())
	for _, name := range names {
		assert.Equal(t, "widget", name)
	}

	access, refresh, err := credstore.Tokens(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, "fresh", access)
	assert.Equal(t, "refresh-2", refresh)
	assert.False(t, client.Refresher().Refreshing())
}

func TestDo_RetriesAtMostOnce(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.alwaysReject.Store(true)
	store := credstore.NewMemoryStore()
	seedTokens(t, store, "stale", "refresh-1")
	client := newTestClient(t, srv, store, nil)

	err := client.Get(context.Background(), "/things", nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "UNAUTHORIZED", apiErr.Code)
	assert.Equal(t, int32(2), api.resourceCalls.Load())
	assert.Equal(t, int32(1), api.refreshCalls.Load())
}

func TestDo_RefreshFailureExpiresSession(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.failRefresh.Store(true)
	store := credstore.NewMemoryStore()
	seedTokens(t, store, "stale", "refresh-1")
	require.NoError(t, store.Set(context.Background(), credstore.KeyTheme, "dark"))

	var expired atomic.Int32
	client := newTestClient(t, srv, store, func() { expired.Add(1) })

	err := client.Get(context.Background(), "/things", nil)
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.True(t, SessionExpired(err))
	assert.Equal(t, int32(1), expired.Load())
	assert.Equal(t, int32(1), api.resourceCalls.Load())

	_, err = store.Get(context.Background(), credstore.KeyAccessToken)
	assert.ErrorIs(t, err, credstore.ErrNotFound)
	_, err = store.Get(context.Background(), credstore.KeyRefreshToken)
	assert.ErrorIs(t, err, credstore.ErrNotFound)
	theme, err := store.Get(context.Background(), credstore.KeyTheme)
	require.NoError(t, err)
	assert.Equal(t, "dark", theme, "expiry clears credentials only")
	assert.False(t, client.Refresher().Refreshing())
}

func TestDo_NoRefreshTokenExpiresWithoutCall(t *testing.T) {
	api, srv := newFakeAPI(t)
	store := credstore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), credstore.KeyAccessToken, "stale"))

	var expired atomic.Int32
	client := newTestClient(t, srv, store, func() { expired.Add(1) })

	err := client.Get(context.Background(), "/things", nil)
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(0), api.refreshCalls.Load())
	assert.Equal(t, int32(1), expired.Load())
}

func TestDo_SuccessWithoutRefresh(t *testing.T) {
	api, srv := newFakeAPI(t)
	store := credstore.NewMemoryStore()
	seedTokens(t, store, "fresh", "refresh-1")
	client := newTestClient(t, srv, store, nil)

	var out map[string]string
	require.NoError(t, client.Get(context.Background(), "/things", &out))
	assert.Equal(t, "widget", out["name"])
	assert.Equal(t, int32(0), api.refreshCalls.Load())
}

func TestLogin_PersistsCredentials(t *testing.T) {
	_, srv := newFakeAPI(t)
	store := credstore.NewMemoryStore()
	client := newTestClient(t, srv, store, nil)

	res, err := client.Login(context.Background(), "ana@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "teacher", res.User.Role)

	user, err := credstore.LoadUser(context.Background(), store)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "u1", user.ID)

	access, refresh, err := credstore.Tokens(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "stale", access)
	assert.Equal(t, "refresh-1", refresh)

	require.NoError(t, client.Logout(context.Background()))
	user, err = credstore.LoadUser(context.Background(), store)
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestRefresher_ReusesRotatedToken(t *testing.T) {
	store := credstore.NewMemoryStore()
	seedTokens(t, store, "new", "refresh-1")

	var calls atomic.Int32
	r := NewRefresher(store, func(ctx context.Context, _ string) (string, string, error) {
		calls.Add(1)
		return "newer", "", nil
	}, time.Second, nil, zeroLogger())

	token, err := r.Token(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, "new", token)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRefresher_WaitersReceiveSameOutcome(t *testing.T) {
	store := credstore.NewMemoryStore()
	seedTokens(t, store, "stale", "refresh-1")

	release := make(chan struct{})
	var calls atomic.Int32
	r := NewRefresher(store, func(ctx context.Context, _ string) (string, string, error) {
		calls.Add(1)
		<-release
		return "", "", errors.New("refresh rejected")
	}, 5*time.Second, nil, zeroLogger())

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = r.Token(ctx, "stale")
	}()
	require.Eventually(t, r.Refreshing, time.Second, time.Millisecond)

	for i := 1; i < len(errs); i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = r.Token(ctx, "stale")
		}()
		require.Eventually(t, func() bool { return r.waiting() == i }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrSessionExpired)
	}
	assert.False(t, r.Refreshing())
	assert.Zero(t, r.waiting())
}

func TestRefresher_WaiterHonoursContext(t *testing.T) {
	store := credstore.NewMemoryStore()
	seedTokens(t, store, "stale", "refresh-1")

	release := make(chan struct{})
	r := NewRefresher(store, func(ctx context.Context, _ string) (string, string, error) {
		<-release
		return "fresh", "", nil
	}, 5*time.Second, nil, zeroLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Token(context.Background(), "stale")
	}()
	require.Eventually(t, r.Refreshing, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Token(ctx, "stale")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done

	token, err := credstore.Lookup(context.Background(), store, credstore.KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)
}

func TestRefresher_ReleasesWaitersInArrivalOrder(t *testing.T) {
	store := credstore.NewMemoryStore()
	seedTokens(t, store, "stale", "refresh-1")

	release := make(chan struct{})
	r := NewRefresher(store, func(ctx context.Context, _ string) (string, string, error) {
		<-release
		return "fresh", "", nil
	}, 5*time.Second, nil, zeroLogger())

	go func() { _, _ = r.Token(context.Background(), "stale") }()
	require.Eventually(t, r.Refreshing, time.Second, time.Millisecond)

	queued := make([]*waiter, 5)
	r.mu.Lock()
	for i := range queued {
		queued[i] = r.enqueueLocked()
	}
	r.mu.Unlock()

	// An abandoned waiter in the middle must not stall the ones behind it.
	close(queued[2].gone)
	close(release)

	var order []int
	for i, w := range queued {
		if i == 2 {
			continue
		}
		for j, later := range queued[i+1:] {
			select {
			case <-later.ch:
				t.Fatalf("waiter %d released before waiter %d", i+1+j, i)
			default:
			}
		}
		select {
		case res := <-w.ch:
			require.NoError(t, res.err)
			assert.Equal(t, "fresh", res.token)
			order = append(order, i)
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never released", i)
		}
	}
	assert.Equal(t, []int{0, 1, 3, 4}, order)
	require.Eventually(t, func() bool { return !r.Refreshing() }, time.Second, time.Millisecond)
}
