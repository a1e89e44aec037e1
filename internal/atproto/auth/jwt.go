package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultServiceHost is used when an access token's audience cannot be mapped
// to a host.
const DefaultServiceHost = "https://bsky.social"

// ErrMalformedToken is returned for tokens that are not three base64url segments
var ErrMalformedToken = errors.New("malformed access token")

// Claims represents the access token claims we care about
type Claims struct {
	jwt.RegisteredClaims
	// Confirmation claim for DPoP token binding (RFC 9449)
	// Contains "jkt" (JWK thumbprint) when token is bound to a DPoP key
	Confirmation map[string]interface{} `json:"cnf,omitempty"`
	Scope        string                 `json:"scope,omitempty"`
}

// stripAuthPrefix removes a "Bearer " or "DPoP " scheme prefix
func stripAuthPrefix(tokenString string) string {
	tokenString = strings.TrimSpace(tokenString)
	for _, prefix := range []string{"Bearer ", "DPoP "} {
		tokenString = strings.TrimPrefix(tokenString, prefix)
	}
	return strings.TrimSpace(tokenString)
}

// ParseAccessToken decodes the claims of an access token without verifying
// its signature. The client never holds the issuer's key; it only reads the
// audience to route requests. Structure is checked before any claim is
// trusted, and anything malformed fails closed.
func ParseAccessToken(tokenString string) (*Claims, error) {
	tokenString = stripAuthPrefix(tokenString)

	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 parts, got %d", ErrMalformedToken, len(parts))
	}
	for i, part := range parts[:2] {
		if part == "" {
			return nil, fmt.Errorf("%w: segment %d is empty", ErrMalformedToken, i)
		}
		if _, err := base64.RawURLEncoding.DecodeString(part); err != nil {
			return nil, fmt.Errorf("%w: segment %d: %v", ErrMalformedToken, i, err)
		}
	}

	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	_, _, err := parser.ParseUnverified(tokenString, claims)
	// An unknown alg (ES256K without a registered method) still leaves the
	// claims decoded; only structural failures are fatal here.
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	return claims, nil
}

// AudienceHost returns the origin that requests authorized by tokenString
// should be sent to, derived from its "aud" claim. fallback is returned when
// the token cannot be decoded or its audience cannot be converted.
func AudienceHost(tokenString, fallback string) string {
	claims, err := ParseAccessToken(tokenString)
	if err != nil || len(claims.Audience) == 0 {
		return fallback
	}
	return HostFromAudience(claims.Audience[0], fallback)
}

// HostFromAudience maps an audience value to an origin:
//
//	https://pds.example.com        -> https://pds.example.com
//	did:web:pds.example.com        -> https://pds.example.com
//	did:web:localhost%3A2583       -> https://localhost:2583
//	did:plc:... (or anything else) -> fallback
func HostFromAudience(aud, fallback string) string {
	aud = strings.TrimSpace(aud)

	if strings.HasPrefix(aud, "https://") || strings.HasPrefix(aud, "http://") {
		u, err := url.Parse(aud)
		if err != nil || u.Host == "" {
			return fallback
		}
		return u.Scheme + "://" + u.Host
	}

	if rest, ok := strings.CutPrefix(aud, "did:web:"); ok {
		// strip a service fragment such as "#atproto_pds"
		rest, _, _ = strings.Cut(rest, "#")
		if rest == "" || strings.Contains(rest, ":") {
			return fallback
		}
		host, err := url.PathUnescape(rest)
		if err != nil || host == "" || strings.ContainsAny(host, "/?@ ") {
			return fallback
		}
		return "https://" + host
	}

	return fallback
}
