// Package pds talks to a personal data server directly, outside the OAuth
// flow: password sessions via com.atproto.server.createSession, and the
// error mapping shared with authenticated XRPC calls.
package pds

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/atclient"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

const (
	// DefaultSessionEndpoint is the fixed session-creation endpoint used by
	// the password fallback.
	DefaultSessionEndpoint = "https://bsky.social/xrpc/com.atproto.server.createSession"

	createSessionNSID = syntax.NSID("com.atproto.server.createSession")

	defaultTimeout = 10 * time.Second
)

type createSessionRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type createSessionResponse struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	Did        string `json:"did"`
	Active     *bool  `json:"active,omitempty"`
	Status     string `json:"status,omitempty"`
}

// PasswordSession is the result of a successful createSession call
type PasswordSession struct {
	Handle       string
	DID          string
	AccessToken  string
	RefreshToken string
	Active       bool
	// Host is the origin of the endpoint that issued the session
	Host string
}

// PasswordClient exchanges an identifier and password for a session
type PasswordClient struct {
	apiClient *atclient.APIClient
	endpoint  string
	timeout   time.Duration
}

// NewPasswordClient creates a client for endpoint; empty uses DefaultSessionEndpoint.
// Only the endpoint's origin is used: atclient always posts to /xrpc/<nsid>.
func NewPasswordClient(client *http.Client, endpoint string) *PasswordClient {
	if endpoint == "" {
		endpoint = DefaultSessionEndpoint
	}
	return &PasswordClient{
		apiClient: &atclient.APIClient{
			Client: client,
			Host:   endpointOrigin(endpoint),
		},
		endpoint: endpoint,
		timeout:  defaultTimeout,
	}
}

// CreateSession posts the credentials and validates the returned identity
func (c *PasswordClient) CreateSession(ctx context.Context, identifier, password string) (*PasswordSession, error) {
	identifier = strings.TrimPrefix(strings.TrimSpace(identifier), "@")
	if identifier == "" {
		return nil, fmt.Errorf("identifier is required")
	}
	if password == "" {
		return nil, fmt.Errorf("password is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out createSessionResponse
	err := c.apiClient.Post(ctx, createSessionNSID, createSessionRequest{Identifier: identifier, Password: password}, &out)
	if err != nil {
		return nil, wrapAPIError(err, "createSession")
	}

	if out.AccessJwt == "" {
		return nil, fmt.Errorf("createSession response has no access token")
	}
	did, err := syntax.ParseDID(out.Did)
	if err != nil {
		return nil, fmt.Errorf("createSession returned invalid DID %q: %w", out.Did, err)
	}
	handle := out.Handle
	if h, err := syntax.ParseHandle(out.Handle); err == nil {
		handle = h.Normalize().String()
	}

	active := true
	if out.Active != nil {
		active = *out.Active
	}

	return &PasswordSession{
		Handle:       handle,
		DID:          did.String(),
		AccessToken:  out.AccessJwt,
		RefreshToken: out.RefreshJwt,
		Active:       active,
		Host:         c.apiClient.Host,
	}, nil
}

func endpointOrigin(endpoint string) string {
	scheme, rest, ok := strings.Cut(endpoint, "://")
	if !ok {
		return ""
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host
}
