package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	WellKnownAuthorizationServer = "/.well-known/oauth-authorization-server"
	WellKnownProtectedResource   = "/.well-known/oauth-protected-resource"

	// DefaultDiscoveryTimeout bounds each host/path attempt
	DefaultDiscoveryTimeout = 5 * time.Second

	maxMetadataBody = 64 * 1024
)

// ErrMetadataUnavailable is returned when no candidate host served usable
// metadata. Callers fall back to password login.
var ErrMetadataUnavailable = errors.New("oauth metadata unavailable")

// Metadata holds the endpoints discovered for an authorization server.
// It is fetched per login/exchange and never cached.
type Metadata struct {
	Issuer                             string   `json:"issuer"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint"`
	TokenEndpoint                      string   `json:"token_endpoint"`
	PushedAuthorizationRequestEndpoint string   `json:"pushed_authorization_request_endpoint,omitempty"`
	AuthorizationServers               []string `json:"authorization_servers,omitempty"`
}

func (m *Metadata) complete() bool {
	return validEndpoint(m.AuthorizationEndpoint) && validEndpoint(m.TokenEndpoint)
}

// Discoverer fetches authorization server metadata from an ordered list of hosts
type Discoverer struct {
	client  *http.Client
	timeout time.Duration
}

// NewDiscoverer creates a discoverer; timeout <= 0 uses DefaultDiscoveryTimeout
func NewDiscoverer(client *http.Client, timeout time.Duration) *Discoverer {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	return &Discoverer{client: client, timeout: timeout}
}

// Discover tries each host in order, and for each host the authorization
// server path then the protected resource path. It returns the first complete
// document and the host that served it. Empty and repeated hosts are skipped.
func (d *Discoverer) Discover(ctx context.Context, hosts ...string) (*Metadata, string, error) {
	var errs []error
	seen := make(map[string]bool, len(hosts))

	for _, raw := range hosts {
		host := strings.TrimSuffix(strings.TrimSpace(raw), "/")
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true

		for _, path := range []string{WellKnownAuthorizationServer, WellKnownProtectedResource} {
			meta, servedBy, err := d.tryPath(ctx, host, path)
			if err == nil {
				return meta, servedBy, nil
			}
			slog.Debug("oauth metadata attempt failed", "host", host, "path", path, "error", err)
			errs = append(errs, fmt.Errorf("%s%s: %w", host, path, err))

			// a cancelled caller will not succeed on later candidates either
			if ctx.Err() != nil {
				return nil, "", fmt.Errorf("%w: %w", ErrMetadataUnavailable, ctx.Err())
			}
		}
	}

	if len(errs) == 0 {
		return nil, "", fmt.Errorf("%w: no candidate hosts", ErrMetadataUnavailable)
	}
	return nil, "", fmt.Errorf("%w: %w", ErrMetadataUnavailable, errors.Join(errs...))
}

func (d *Discoverer) tryPath(ctx context.Context, host, path string) (*Metadata, string, error) {
	meta, err := d.fetch(ctx, host+path)
	if err != nil {
		return nil, "", err
	}
	if meta.complete() {
		return meta, host, nil
	}

	// A protected resource document usually only names its authorization
	// server; follow it one hop.
	if path == WellKnownProtectedResource && len(meta.AuthorizationServers) > 0 {
		authServer := strings.TrimSuffix(meta.AuthorizationServers[0], "/")
		if !validEndpoint(authServer) {
			return nil, "", fmt.Errorf("invalid authorization server %q", authServer)
		}
		asMeta, err := d.fetch(ctx, authServer+WellKnownAuthorizationServer)
		if err != nil {
			return nil, "", fmt.Errorf("authorization server %s: %w", authServer, err)
		}
		if asMeta.complete() {
			return asMeta, authServer, nil
		}
	}

	return nil, "", errors.New("document missing authorization or token endpoint")
}

func (d *Discoverer) fetch(ctx context.Context, endpoint string) (*Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var meta Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBody)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

func validEndpoint(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
