package oauth

import (
	"fmt"
	"net/url"
	"strings"

	indigoOAuth "github.com/bluesky-social/indigo/atproto/auth/oauth"
)

const (
	DefaultScope    = "atproto transition:generic"
	callbackPath    = "/oauth/callback"
	clientMetaPath  = "/oauth/client-metadata.json"
	localhostClient = "http://localhost"
)

// ClientConfig identifies this application to authorization servers
type ClientConfig struct {
	ClientID    string
	RedirectURI string
	Scope       string
	ClientName  string
	PublicURL   string
}

// NewClientConfig derives the client identity from the public URL the app is
// served at. Loopback URLs use the atproto "http://localhost" development
// client, whose metadata the authorization server synthesizes from the
// client_id query string; anything else publishes a metadata document.
func NewClientConfig(publicURL, scope string) (*ClientConfig, error) {
	if scope == "" {
		scope = DefaultScope
	}
	if !hasScope(scope, "atproto") {
		return nil, fmt.Errorf("scope must include 'atproto'")
	}

	u, err := url.Parse(strings.TrimSuffix(publicURL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid public URL %q", publicURL)
	}

	if isLoopback(u.Hostname()) {
		// redirect URIs for the development client must use 127.0.0.1
		redirect := "http://127.0.0.1"
		if u.Port() != "" {
			redirect += ":" + u.Port()
		}
		redirect += callbackPath

		v := url.Values{}
		v.Set("redirect_uri", redirect)
		v.Set("scope", scope)
		return &ClientConfig{
			ClientID:    localhostClient + "?" + v.Encode(),
			RedirectURI: redirect,
			Scope:       scope,
			ClientName:  "Civitas",
			PublicURL:   u.String(),
		}, nil
	}

	if u.Scheme != "https" {
		return nil, fmt.Errorf("public URL must use https outside localhost")
	}

	return &ClientConfig{
		ClientID:    u.String() + clientMetaPath,
		RedirectURI: u.String() + callbackPath,
		Scope:       scope,
		ClientName:  "Civitas",
		PublicURL:   u.String(),
	}, nil
}

// IsLocalhost reports whether this is the development loopback client
func (c *ClientConfig) IsLocalhost() bool {
	return strings.HasPrefix(c.ClientID, localhostClient+"?") || c.ClientID == localhostClient
}

// ClientMetadata returns the OAuth client metadata document for a public,
// DPoP-bound web client.
func (c *ClientConfig) ClientMetadata() indigoOAuth.ClientMetadata {
	appType := "web"
	metadata := indigoOAuth.ClientMetadata{
		ClientID:                c.ClientID,
		ApplicationType:         &appType,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		Scope:                   c.Scope,
		ResponseTypes:           []string{"code"},
		RedirectURIs:            []string{c.RedirectURI},
		TokenEndpointAuthMethod: "none",
		DPoPBoundAccessTokens:   true,
		ClientName:              strPtr(c.ClientName),
	}
	if !c.IsLocalhost() {
		metadata.ClientURI = strPtr(c.PublicURL)
	}
	return metadata
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func strPtr(s string) *string {
	return &s
}
