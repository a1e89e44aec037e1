package oauth

import (
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Method records how a session was obtained
type Method string

const (
	MethodOAuth    Method = "oauth"
	MethodPassword Method = "password"
	MethodDemo     Method = "demo"
)

// Demo identity used by ActivateDemo
const (
	DemoHandle = "demo.civitas.local"
	DemoDID    = "did:web:demo.civitas.local"
)

// Session is the authenticated user's record, persisted under SessionKey.
// Once created its DID never changes; a different account is a new session.
type Session struct {
	CreatedAt    time.Time `json:"createdAt"`
	Handle       string    `json:"handle"`
	DID          string    `json:"did"`
	PDSURL       string    `json:"pdsUrl"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Method       Method    `json:"method"`
	Active       bool      `json:"active"`
	IsDemo       bool      `json:"isDemo"`
	DPoPBound    bool      `json:"dpopBound"`
}

// Validate reports whether a decoded session is usable. Anything that fails
// here is treated as corrupt storage.
func (s *Session) Validate() error {
	if s.IsDemo {
		if s.DID == "" {
			return fmt.Errorf("demo session has no DID")
		}
		return nil
	}
	if _, err := syntax.ParseDID(s.DID); err != nil {
		return fmt.Errorf("invalid session DID: %w", err)
	}
	if s.AccessToken == "" {
		return fmt.Errorf("session has no access token")
	}
	switch s.Method {
	case MethodOAuth, MethodPassword:
	default:
		return fmt.Errorf("unknown session method %q", s.Method)
	}
	return nil
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// PendingFlowState is written right before the authorization redirect and
// consumed exactly once by the callback. PDS is the host that served the
// authorization server metadata; UserPDS is the user's own PDS.
type PendingFlowState struct {
	CreatedAt time.Time `json:"createdAt"`
	State     string    `json:"state"`
	Verifier  string    `json:"verifier"`
	Handle    string    `json:"handle"`
	DID       string    `json:"did"`
	PDS       string    `json:"pds"`
	UserPDS   string    `json:"userPds"`
}

func (p *PendingFlowState) validate() error {
	if p.State == "" || p.Verifier == "" {
		return fmt.Errorf("pending flow is missing state or verifier")
	}
	if p.PDS == "" && p.UserPDS == "" {
		return fmt.Errorf("pending flow has no metadata host")
	}
	return nil
}

// AuthState is broadcast to subscribers on every change. It is always
// replaced whole; Session is a copy.
type AuthState struct {
	Session         *Session `json:"session,omitempty"`
	Agent           string   `json:"agent,omitempty"`
	Client          string   `json:"client,omitempty"`
	IsAuthenticated bool     `json:"isAuthenticated"`
}
