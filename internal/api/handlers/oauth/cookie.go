package oauth

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/sessions"
)

// FlashStore carries one-shot messages across the redirect back to the home page
type FlashStore struct {
	store *sessions.CookieStore
}

// NewFlashStore creates a cookie-backed flash store. secure marks the cookie
// HTTPS-only.
func NewFlashStore(secret string, secure bool) (*FlashStore, error) {
	if len(secret) < MinCookieSecretLength {
		return nil, fmt.Errorf("COOKIE_SECRET must be at least %d bytes for security", MinCookieSecretLength)
	}
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   flashMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &FlashStore{store: store}, nil
}

// Add queues msg for the next page render
func (f *FlashStore) Add(w http.ResponseWriter, r *http.Request, msg string) {
	sess, err := f.store.Get(r, flashSessionName)
	if err != nil {
		// an undecodable cookie is replaced
		sess, err = f.store.New(r, flashSessionName)
		if err != nil && sess == nil {
			slog.Warn("failed to create flash session", "error", err)
			return
		}
	}
	sess.AddFlash(msg)
	if err := sess.Save(r, w); err != nil {
		slog.Warn("failed to save flash message", "error", err)
	}
}

// Pop returns and clears any queued messages
func (f *FlashStore) Pop(w http.ResponseWriter, r *http.Request) []string {
	sess, err := f.store.Get(r, flashSessionName)
	if err != nil {
		return nil
	}
	raw := sess.Flashes()
	if len(raw) == 0 {
		return nil
	}
	if err := sess.Save(r, w); err != nil {
		slog.Warn("failed to clear flash messages", "error", err)
	}

	msgs := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			msgs = append(msgs, s)
		}
	}
	return msgs
}
