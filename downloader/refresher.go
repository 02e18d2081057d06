package downloader

import (
	"context"
	"sync"
	"time"

	"wmefetch/internal"
)

// RefreshHelper keeps an access token fresh in the background. Every
// interval it renews the token through ForceRefresh when the authenticator
// implements internal.ForceRefresher, so a token is replaced shortly before
// it expires. Other authenticators get a GetAccessToken call, which only
// renews tokens they already consider expired.
type RefreshHelper struct {
	auth     internal.Authenticator
	interval time.Duration
	onToken  func(string)

	mutex    sync.Mutex
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	stopErr  error
}

// RefreshOption configures a RefreshHelper.
type RefreshOption func(*RefreshHelper)

// WithTokenListener calls fn with every token the helper obtains, including
// background refreshes.
func WithTokenListener(fn func(token string)) RefreshOption {
	return func(h *RefreshHelper) {
		h.onToken = fn
	}
}

// NewRefreshHelper starts the background refresh loop. interval <= 0 uses
// internal.DefaultRefreshInterval.
func NewRefreshHelper(auth internal.Authenticator, interval time.Duration, opts ...RefreshOption) *RefreshHelper {
	if interval <= 0 {
		interval = internal.DefaultRefreshInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &RefreshHelper{
		auth:     auth,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(h)
	}

	go h.run(ctx)
	return h
}

// GetAccessToken returns a valid token, serialized with background refreshes.
func (h *RefreshHelper) GetAccessToken(ctx context.Context) (string, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	token, err := h.auth.GetAccessToken(ctx)
	if err != nil {
		return "", err
	}
	if h.onToken != nil {
		h.onToken(token)
	}
	return token, nil
}

// renew forces a new token when the authenticator supports it.
func (h *RefreshHelper) renew(ctx context.Context) (string, error) {
	forcer, ok := h.auth.(internal.ForceRefresher)
	if !ok {
		return h.GetAccessToken(ctx)
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	token, err := forcer.ForceRefresh(ctx)
	if err != nil {
		return "", err
	}
	if h.onToken != nil {
		h.onToken(token)
	}
	return token, nil
}

func (h *RefreshHelper) run(ctx context.Context) {
	defer close(h.done)

	timer := time.NewTimer(h.interval)
	defer timer.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-timer.C:
		}

		if _, err := h.renew(ctx); err != nil {
			internal.LogError("Failed to refresh token: %v", err)
		} else {
			internal.LogInfo("Token refreshed successfully")
		}
		timer.Reset(h.interval)
	}
}

// Stop ends the background loop, waits for it to exit and then clears the
// authenticator state. Later calls return the first call's result.
func (h *RefreshHelper) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.cancel()

		select {
		case <-h.done:
		case <-ctx.Done():
			h.stopErr = ctx.Err()
			return
		}
		h.stopErr = h.auth.ClearState(ctx)
	})
	return h.stopErr
}

// Done is closed once the background loop has exited.
func (h *RefreshHelper) Done() <-chan struct{} {
	return h.done
}
