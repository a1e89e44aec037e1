package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"Civitas/internal/atproto/auth"
	"Civitas/internal/atproto/identity"
	"Civitas/internal/atproto/oauth"
	"Civitas/internal/atproto/pds"
)

const (
	// DefaultGlobalHost is tried for authorization server metadata before the user's PDS
	DefaultGlobalHost     = "https://bsky.social"
	DefaultRestoreTimeout = 2 * time.Second

	cleanupTimeout = 5 * time.Second
)

// MetadataDiscoverer finds authorization server metadata across candidate hosts
type MetadataDiscoverer interface {
	Discover(ctx context.Context, hosts ...string) (*oauth.Metadata, string, error)
}

// TokenExchanger trades an authorization code for tokens
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, tokenEndpoint string, req oauth.TokenRequest) (*oauth.TokenSet, error)
}

// PasswordAuthenticator creates a session from an identifier and password
type PasswordAuthenticator interface {
	CreateSession(ctx context.Context, identifier, password string) (*pds.PasswordSession, error)
}

// Config holds the Service settings
type Config struct {
	Client *oauth.ClientConfig
	// GlobalHost is the first metadata candidate on login
	GlobalHost string
	// DefaultServiceHost receives calls whose token audience is not a host
	DefaultServiceHost string
	RestoreTimeout     time.Duration
}

// Service owns the single active session: login, callback, restore, logout
// and change notification. All methods are safe for concurrent use.
type Service struct {
	store      Store
	resolver   identity.Resolver
	discoverer MetadataDiscoverer
	tokens     TokenExchanger
	passwords  PasswordAuthenticator
	proofs     *oauth.ProofManager
	now        func() time.Time
	session    *Session
	subs       []subscriber
	config     Config
	nextSubID  int
	// epoch counts session replacements; Restore installs only if it is unchanged
	epoch uint64
	mu    sync.Mutex
}

// NewService creates an auth service
func NewService(
	config Config,
	store Store,
	resolver identity.Resolver,
	discoverer MetadataDiscoverer,
	tokens TokenExchanger,
	passwords PasswordAuthenticator,
	proofs *oauth.ProofManager,
) *Service {
	if config.GlobalHost == "" {
		config.GlobalHost = DefaultGlobalHost
	}
	if config.DefaultServiceHost == "" {
		config.DefaultServiceHost = auth.DefaultServiceHost
	}
	if config.RestoreTimeout <= 0 {
		config.RestoreTimeout = DefaultRestoreTimeout
	}
	return &Service{
		store:      store,
		resolver:   resolver,
		discoverer: discoverer,
		tokens:     tokens,
		passwords:  passwords,
		proofs:     proofs,
		config:     config,
		now:        time.Now,
	}
}

// LoginResult is either a redirect target (OAuth) or a finished session (password)
type LoginResult struct {
	Session          *Session
	AuthorizationURL string
}

// Login starts a sign-in. With a password it authenticates directly;
// otherwise it resolves the handle, discovers the authorization server,
// records the pending flow and returns the URL to send the user to.
// Nothing is persisted unless every step before the redirect succeeds, and
// any failure other than ErrMetadataUnavailable leaves the user logged out.
func (s *Service) Login(ctx context.Context, handle, password string) (_ *LoginResult, err error) {
	if password != "" {
		sess, err := s.LoginWithPassword(ctx, handle, password)
		if err != nil {
			return nil, err
		}
		return &LoginResult{Session: sess}, nil
	}

	defer func() {
		// metadata unavailability hands over to the password form
		if err != nil && !errors.Is(err, oauth.ErrMetadataUnavailable) {
			s.fail(ctx, err)
		}
	}()

	if s.config.Client == nil {
		return nil, fmt.Errorf("oauth client is not configured")
	}

	id, err := s.resolver.ResolveHandle(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve handle: %w", err)
	}

	meta, servedBy, err := s.discoverer.Discover(ctx, s.config.GlobalHost, id.PDSURL)
	if err != nil {
		slog.Info("oauth unavailable for account", "did", id.DID, "pds", id.PDSURL)
		return nil, err
	}

	pkce, err := oauth.GeneratePKCEChallenge()
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE challenge: %w", err)
	}
	state, err := oauth.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	authURL, err := oauth.AuthorizationURL(meta.AuthorizationEndpoint, oauth.AuthorizationParams{
		ClientID:            s.config.Client.ClientID,
		RedirectURI:         s.config.Client.RedirectURI,
		Scope:               s.config.Client.Scope,
		State:               state,
		CodeChallenge:       pkce.Challenge,
		CodeChallengeMethod: pkce.Method,
		LoginHint:           id.Handle,
	})
	if err != nil {
		return nil, err
	}

	pending := PendingFlowState{
		State:     state,
		Verifier:  pkce.Verifier,
		Handle:    id.Handle,
		DID:       id.DID,
		PDS:       servedBy,
		UserPDS:   id.PDSURL,
		CreatedAt: s.now().UTC(),
	}
	if err := putJSON(ctx, s.store, PendingKey, pending); err != nil {
		return nil, err
	}

	slog.Info("oauth flow started", "did", id.DID, "issuer", meta.Issuer)
	return &LoginResult{AuthorizationURL: authURL}, nil
}

// LoginWithPassword creates a session through the password endpoint and
// persists it exactly as the OAuth path does.
func (s *Service) LoginWithPassword(ctx context.Context, identifier, password string) (_ *Session, err error) {
	if s.passwords == nil {
		return nil, fmt.Errorf("password login is not configured")
	}
	defer func() {
		if err != nil {
			s.fail(ctx, err)
		}
	}()

	ps, err := s.passwords.CreateSession(ctx, identifier, password)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: password login: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("password login failed: %w", err)
	}

	sess := &Session{
		Handle:       ps.Handle,
		DID:          ps.DID,
		PDSURL:       ps.Host,
		AccessToken:  ps.AccessToken,
		RefreshToken: ps.RefreshToken,
		Active:       ps.Active,
		Method:       MethodPassword,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.persistSession(ctx, sess); err != nil {
		return nil, err
	}

	slog.Info("password session created", "did", sess.DID)
	return sess.clone(), nil
}

// ActivateDemo signs in as the fixed demo identity. Demo sessions never
// touch the network.
func (s *Service) ActivateDemo(ctx context.Context) (*Session, error) {
	sess := &Session{
		Handle:    DemoHandle,
		DID:       DemoDID,
		Active:    true,
		IsDemo:    true,
		Method:    MethodDemo,
		CreatedAt: s.now().UTC(),
	}
	if err := s.persistSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess.clone(), nil
}

func (s *Service) persistSession(ctx context.Context, sess *Session) error {
	if err := putJSON(ctx, s.store, SessionKey, sess); err != nil {
		return err
	}
	s.setSession(sess)
	return nil
}

// fail is the single fail-closed path: both keys are removed, memory is
// reset, and subscribers see the logged-out state.
func (s *Service) fail(ctx context.Context, reason error) {
	slog.Warn("clearing auth state", "reason", reason)

	// the request that failed may already be cancelled; cleanup must still run
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := clearAll(ctx, s.store); err != nil {
		slog.Error("failed to clear auth storage", "error", err)
	}
	s.setSession(nil)
}
