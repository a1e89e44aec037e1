package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"Civitas/internal/atproto/auth"
)

type subscriber struct {
	fn func(AuthState)
	id int
}

// OnStateChange registers fn to receive every AuthState change. Subscribers
// run synchronously in subscription order; a panic in one is logged and the
// rest still run. The returned func unsubscribes.
func (s *Service) OnStateChange(fn func(AuthState)) func() {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// State returns the current AuthState
func (s *Service) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// CurrentSession returns a copy of the active session
func (s *Service) CurrentSession() (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, false
	}
	return s.session.clone(), true
}

func (s *Service) stateLocked() AuthState {
	if s.session == nil {
		return AuthState{}
	}
	st := AuthState{
		IsAuthenticated: true,
		Session:         s.session.clone(),
	}
	if !s.session.IsDemo {
		st.Agent = auth.AudienceHost(s.session.AccessToken, s.config.DefaultServiceHost)
	}
	if s.session.Method == MethodOAuth && s.config.Client != nil {
		st.Client = s.config.Client.ClientID
	}
	return st
}

// setSession replaces the in-memory session and broadcasts the new state
func (s *Service) setSession(sess *Session) {
	s.mu.Lock()
	s.installLocked(sess)
	state := s.stateLocked()
	subs := append([]subscriber(nil), s.subs...)
	s.mu.Unlock()

	for _, sub := range subs {
		notify(sub, state)
	}
}

// setSessionIfUnchanged installs sess only when no login, logout or demo
// activation has replaced the session since epoch was read.
func (s *Service) setSessionIfUnchanged(sess *Session, epoch uint64) bool {
	s.mu.Lock()
	if s.epoch != epoch || s.session != nil {
		s.mu.Unlock()
		return false
	}
	s.installLocked(sess)
	state := s.stateLocked()
	subs := append([]subscriber(nil), s.subs...)
	s.mu.Unlock()

	for _, sub := range subs {
		notify(sub, state)
	}
	return true
}

func (s *Service) installLocked(sess *Session) {
	s.session = sess.clone()
	s.epoch++
}

func notify(sub subscriber, state AuthState) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("auth state subscriber panicked", "subscriber", sub.id, "panic", r)
		}
	}()
	// each subscriber gets its own copy
	if state.Session != nil {
		state.Session = state.Session.clone()
	}
	sub.fn(state)
}

// Restore loads a persisted session. It returns true without reading
// storage when a session is already active. A slow, failing or empty store
// yields false; a corrupt record is deleted first. A session set or cleared
// while the read is in flight wins over the stored record.
func (s *Service) Restore(ctx context.Context) bool {
	s.mu.Lock()
	active := s.session != nil
	epoch := s.epoch
	s.mu.Unlock()
	if active {
		return true
	}

	raw, err := s.loadSession(ctx)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			slog.Warn("session restore failed", "error", err)
		}
		return false
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err == nil {
		err = sess.Validate()
	}
	if err != nil {
		slog.Warn("discarding corrupt session", "error", err)
		if derr := s.store.Delete(ctx, SessionKey); derr != nil && !errors.Is(derr, ErrKeyNotFound) {
			slog.Error("failed to delete corrupt session", "error", derr)
		}
		return false
	}

	if !s.setSessionIfUnchanged(&sess, epoch) {
		slog.Info("stored session superseded during restore", "did", sess.DID)
		_, active := s.CurrentSession()
		return active
	}
	slog.Info("session restored", "did", sess.DID, "method", sess.Method)
	return true
}

// loadSession reads the session key within RestoreTimeout, even from a
// store that ignores its context.
func (s *Service) loadSession(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RestoreTimeout)
	defer cancel()

	type result struct {
		err error
		raw []byte
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := s.store.Get(ctx, SessionKey)
		ch <- result{raw: raw, err: err}
	}()

	select {
	case r := <-ch:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// Logout removes the session and any pending flow and broadcasts the
// logged-out state. Memory is reset even if storage fails.
func (s *Service) Logout(ctx context.Context) error {
	err := clearAll(ctx, s.store)
	s.setSession(nil)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	slog.Info("logged out")
	return nil
}
