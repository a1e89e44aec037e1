package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"Civitas/internal/atproto/oauth"
)

// Exchange is the pending result of a callback's token exchange
type Exchange struct {
	done    chan struct{}
	session *Session
	err     error
}

func newExchange() *Exchange {
	return &Exchange{done: make(chan struct{})}
}

func (e *Exchange) finish(sess *Session, err error) {
	e.session = sess
	e.err = err
	close(e.done)
}

// Done is closed when the exchange has finished
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the exchange finishes or ctx is done
func (e *Exchange) Wait(ctx context.Context) (*Session, error) {
	select {
	case <-e.done:
		return e.session.clone(), e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// callbackParams reads the query, falling back to the fragment for
// response_mode=fragment redirects.
func callbackParams(u *url.URL) url.Values {
	q := u.Query()
	if q.Get("code") != "" || q.Get("error") != "" {
		return q
	}
	if u.Fragment != "" {
		if f, err := url.ParseQuery(u.Fragment); err == nil {
			return f
		}
	}
	return q
}

// IsCallback reports whether u carries an authorization response. It has
// no side effects.
func IsCallback(u *url.URL) bool {
	p := callbackParams(u)
	return p.Get("code") != "" || p.Get("error") != ""
}

// HandleCallback processes a redirect back from the authorization server.
//
// recognized is false, with no side effects, when u is not a callback. An
// error response or a state problem clears all auth state and returns an
// error immediately. Otherwise the code exchange starts in the background
// and the returned Exchange resolves when it finishes; the caller is free
// to respond before then.
func (s *Service) HandleCallback(ctx context.Context, u *url.URL) (recognized bool, ex *Exchange, err error) {
	if !IsCallback(u) {
		return false, nil, nil
	}

	params := callbackParams(u)
	code := params.Get("code")
	errCode := params.Get("error")

	if errCode != "" {
		denied := &ErrAuthorizationDenied{Code: errCode, Description: params.Get("error_description")}
		s.fail(ctx, denied)
		return true, nil, denied
	}

	pending, err := s.takePending(ctx, params.Get("state"))
	if err != nil {
		s.fail(ctx, err)
		return true, nil, err
	}

	ex = newExchange()
	go s.runExchange(context.WithoutCancel(ctx), pending, code, ex)
	return true, ex, nil
}

func (s *Service) takePending(ctx context.Context, state string) (*PendingFlowState, error) {
	if state == "" {
		return nil, fmt.Errorf("%w: callback has no state", ErrStateMismatch)
	}

	raw, err := s.store.Take(ctx, PendingKey)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: no pending flow", ErrStateMismatch)
		}
		return nil, fmt.Errorf("%w: failed to load pending flow: %w", ErrStateMismatch, err)
	}

	var pending PendingFlowState
	if err := json.Unmarshal(raw, &pending); err != nil {
		return nil, fmt.Errorf("%w: corrupt pending flow: %w", ErrStateMismatch, err)
	}
	if err := pending.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStateMismatch, err)
	}
	if subtle.ConstantTimeCompare([]byte(pending.State), []byte(state)) != 1 {
		return nil, fmt.Errorf("%w: state does not match pending flow", ErrStateMismatch)
	}
	return &pending, nil
}

func (s *Service) runExchange(ctx context.Context, pending *PendingFlowState, code string, ex *Exchange) {
	sess, err := s.exchange(ctx, pending, code)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		s.fail(ctx, err)
		ex.finish(nil, err)
		return
	}
	ex.finish(sess, nil)
}

func (s *Service) exchange(ctx context.Context, pending *PendingFlowState, code string) (*Session, error) {
	if s.config.Client == nil {
		return nil, fmt.Errorf("oauth client is not configured")
	}

	// the token endpoint is looked up again rather than carried in storage
	meta, _, err := s.discoverer.Discover(ctx, pending.PDS, pending.UserPDS)
	if err != nil {
		return nil, err
	}

	tokens, err := s.tokens.ExchangeCode(ctx, meta.TokenEndpoint, oauth.TokenRequest{
		ClientID:     s.config.Client.ClientID,
		Code:         code,
		RedirectURI:  s.config.Client.RedirectURI,
		CodeVerifier: pending.Verifier,
	})
	if err != nil {
		return nil, err
	}
	if tokens.Subject != "" && tokens.Subject != pending.DID {
		return nil, fmt.Errorf("%w: token subject %s does not match %s", oauth.ErrExchangeFailed, tokens.Subject, pending.DID)
	}

	sess := &Session{
		Handle:       pending.Handle,
		DID:          pending.DID,
		PDSURL:       pending.UserPDS,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Active:       true,
		Method:       MethodOAuth,
		DPoPBound:    s.proofs != nil && s.proofs.Enabled(),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.persistSession(ctx, sess); err != nil {
		return nil, err
	}

	slog.Info("oauth session established", "did", sess.DID, "dpop", sess.DPoPBound)
	return sess.clone(), nil
}
