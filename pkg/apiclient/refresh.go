package apiclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teachflow/teachflow-live/pkg/credstore"
)

// RefreshFunc exchanges a refresh token for a new access token. A rotated
// refresh token is returned as well, or "" when the server keeps the old one.
type RefreshFunc func(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, err error)

type refreshResult struct {
	token string
	err   error
}

// waiter is one caller queued behind a refresh. gone is closed when the
// caller stops waiting so the release loop never blocks on it.
type waiter struct {
	ch   chan refreshResult
	gone chan struct{}
}

// Refresher coordinates access-token refreshes so that at most one refresh
// call is in flight per client. Callers that hit a 401 while a refresh is
// running queue behind it and are released in arrival order once it
// completes.
type Refresher struct {
	store     credstore.Store
	refresh   RefreshFunc
	timeout   time.Duration
	onExpired func()
	logger    zerolog.Logger

	mu         sync.Mutex
	refreshing bool
	waiters    []*waiter
}

// NewRefresher creates a Refresher over store. onExpired may be nil.
func NewRefresher(store credstore.Store, refresh RefreshFunc, timeout time.Duration, onExpired func(), logger zerolog.Logger) *Refresher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Refresher{
		store:     store,
		refresh:   refresh,
		timeout:   timeout,
		onExpired: onExpired,
		logger:    logger,
	}
}

// Token returns an access token to replay a request that was rejected while
// carrying stale. It joins an in-flight refresh when there is one, returns
// the stored token directly when it has already moved past stale, and
// otherwise performs the refresh itself.
func (r *Refresher) Token(ctx context.Context, stale string) (string, error) {
	r.mu.Lock()
	if r.refreshing {
		w := r.enqueueLocked()
		r.mu.Unlock()
		return w.await(ctx)
	}

	current, err := credstore.Lookup(ctx, r.store, credstore.KeyAccessToken)
	if err == nil && current != "" && current != stale {
		r.mu.Unlock()
		return current, nil
	}

	r.refreshing = true
	r.mu.Unlock()

	return r.run(ctx)
}

// Refreshing reports whether a refresh is in flight.
func (r *Refresher) Refreshing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshing
}

func (r *Refresher) run(ctx context.Context) (token string, err error) {
	defer func() {
		r.mu.Lock()
		waiters := r.waiters
		r.waiters = nil
		r.refreshing = false
		r.mu.Unlock()

		// Hand-off is unbuffered: waiter i+1 is served only after waiter i.
		res := refreshResult{token: token, err: err}
		for _, w := range waiters {
			select {
			case w.ch <- res:
			case <-w.gone:
			}
		}
	}()

	refreshToken, err := credstore.Lookup(ctx, r.store, credstore.KeyRefreshToken)
	if err != nil {
		return "", fmt.Errorf("read refresh token: %w", err)
	}
	if refreshToken == "" {
		r.expire(ctx, "no refresh token stored")
		return "", ErrSessionExpired
	}

	// Waiters depend on this call, so it must not die with the initiator's ctx.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	access, rotated, err := r.refresh(callCtx, refreshToken)
	if err != nil {
		r.logger.Warn().Err(err).Msg("token refresh failed")
		r.expire(ctx, "refresh rejected")
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	if err := r.store.Set(ctx, credstore.KeyAccessToken, access); err != nil {
		return "", fmt.Errorf("store access token: %w", err)
	}
	if rotated != "" {
		if err := r.store.Set(ctx, credstore.KeyRefreshToken, rotated); err != nil {
			return "", fmt.Errorf("store refresh token: %w", err)
		}
	}

	r.logger.Debug().Msg("access token refreshed")
	return access, nil
}

func (r *Refresher) expire(ctx context.Context, reason string) {
	if err := credstore.ClearCredentials(context.WithoutCancel(ctx), r.store); err != nil {
		r.logger.Error().Err(err).Msg("failed to clear credentials")
	}
	r.logger.Info().Str("reason", reason).Msg("session expired, credentials cleared")
	if r.onExpired != nil {
		r.onExpired()
	}
}

func (r *Refresher) enqueueLocked() *waiter {
	w := &waiter{ch: make(chan refreshResult), gone: make(chan struct{})}
	r.waiters = append(r.waiters, w)
	return w
}

func (w *waiter) await(ctx context.Context) (string, error) {
	select {
	case res := <-w.ch:
		return res.token, res.err
	case <-ctx.Done():
		close(w.gone)
		return "", ctx.Err()
	}
}

func (r *Refresher) waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
