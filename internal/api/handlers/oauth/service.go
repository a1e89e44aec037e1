package oauth

import (
	"context"
	"log/slog"
	"net/url"
	"sync"

	oauthCore "Civitas/internal/core/oauth"
)

// AuthService is the part of the core auth service the handlers drive
type AuthService interface {
	Login(ctx context.Context, handle, password string) (*oauthCore.LoginResult, error)
	HandleCallback(ctx context.Context, u *url.URL) (bool, *oauthCore.Exchange, error)
	Logout(ctx context.Context) error
	ActivateDemo(ctx context.Context) (*oauthCore.Session, error)
	State() oauthCore.AuthState
}

// ExchangeTracker remembers the most recent background token exchange so
// the page rendered after the callback redirect can report on it.
type ExchangeTracker struct {
	current *oauthCore.Exchange
	lastErr error
	mu      sync.Mutex
}

// NewExchangeTracker creates an empty tracker
func NewExchangeTracker() *ExchangeTracker {
	return &ExchangeTracker{}
}

// Track records ex and waits for it in the background
func (t *ExchangeTracker) Track(ex *oauthCore.Exchange) {
	if ex == nil {
		return
	}
	t.mu.Lock()
	t.current = ex
	t.lastErr = nil
	t.mu.Unlock()

	go func() {
		_, err := ex.Wait(context.Background())
		if err != nil {
			slog.Warn("token exchange failed", "error", err)
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.current == ex {
			t.current = nil
			t.lastErr = err
		}
	}()
}

// Status reports whether an exchange is still running and returns the
// error of the last finished one, once.
func (t *ExchangeTracker) Status() (pending bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		return true, nil
	}
	err, t.lastErr = t.lastErr, nil
	return false, err
}
