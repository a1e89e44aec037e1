// Package xrpc sends authenticated XRPC calls on behalf of the active session.
package xrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"Civitas/internal/atproto/auth"
	"Civitas/internal/atproto/oauth"
	"Civitas/internal/atproto/pds"
	oauthCore "Civitas/internal/core/oauth"

	"github.com/bluesky-social/indigo/atproto/atclient"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

const (
	// MaxNonceRetries bounds how often a single call answers a DPoP nonce challenge
	MaxNonceRetries = 2

	DefaultTimeout  = 10 * time.Second
	maxResponseBody = 4 << 20
)

// ErrNonceRetriesExhausted is returned when the server keeps issuing nonce
// challenges past MaxNonceRetries.
var ErrNonceRetriesExhausted = errors.New("dpop nonce retries exhausted")

// DemoResponseBody is returned for every call made with a demo session
var DemoResponseBody = []byte(`{"success":true,"demo":true}`)

// SessionSource supplies the session calls are made with
type SessionSource interface {
	CurrentSession() (*oauthCore.Session, bool)
}

// Response is a completed XRPC call
type Response struct {
	Header http.Header
	Body   []byte
	Status int
}

// Decode unmarshals the response body into out
func (r *Response) Decode(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("failed to decode xrpc response: %w", err)
	}
	return nil
}

// Client makes XRPC calls to the host named by the session's access token
type Client struct {
	client      *http.Client
	sessions    SessionSource
	proofs      *oauth.ProofManager
	defaultHost string
	timeout     time.Duration
}

// NewClient creates a client. defaultHost receives calls whose token
// audience is not a host; empty uses auth.DefaultServiceHost.
func NewClient(client *http.Client, sessions SessionSource, proofs *oauth.ProofManager, defaultHost string) *Client {
	if defaultHost == "" {
		defaultHost = auth.DefaultServiceHost
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		client:      client,
		sessions:    sessions,
		proofs:      proofs,
		defaultHost: defaultHost,
		timeout:     DefaultTimeout,
	}
}

// Query performs an XRPC query (GET)
func (c *Client) Query(ctx context.Context, nsid string, params url.Values) (*Response, error) {
	return c.Do(ctx, http.MethodGet, nsid, params, nil, "")
}

// Procedure performs an XRPC procedure (POST) with a JSON body
func (c *Client) Procedure(ctx context.Context, nsid string, input any) (*Response, error) {
	var body []byte
	if input != nil {
		var err error
		if body, err = json.Marshal(input); err != nil {
			return nil, fmt.Errorf("failed to encode %s input: %w", nsid, err)
		}
	}
	return c.Do(ctx, http.MethodPost, nsid, nil, body, "application/json")
}

// Do sends an XRPC request. Demo sessions get a fixed success response with
// no network traffic. DPoP-bound sessions answer 401 nonce challenges up to
// MaxNonceRetries times.
func (c *Client) Do(ctx context.Context, method, nsid string, params url.Values, body []byte, contentType string) (*Response, error) {
	sess, ok := c.sessions.CurrentSession()
	if !ok {
		return nil, oauthCore.ErrNotAuthenticated
	}

	if sess.IsDemo {
		h := http.Header{}
		h.Set("Content-Type", "application/json")
		return &Response{Status: http.StatusOK, Header: h, Body: append([]byte(nil), DemoResponseBody...)}, nil
	}

	endpoint, err := syntax.ParseNSID(nsid)
	if err != nil {
		return nil, fmt.Errorf("invalid nsid %q: %w", nsid, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := atclient.NewAPIRequest(method, endpoint, reader)
	req.Headers.Set("Accept", "application/json")
	if contentType != "" {
		req.Headers.Set("Content-Type", contentType)
	}
	if len(params) > 0 {
		req.QueryParams = params
	}

	api := c.apiClient(sess)
	httpResp, err := api.Do(ctx, req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%s: %w: %w", nsid, oauthCore.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%s: %w", nsid, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%s: %w: %w", nsid, oauthCore.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%s: failed to read response: %w", nsid, err)
	}

	resp := &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: raw}
	if resp.Status < 200 || resp.Status > 299 {
		return resp, pds.StatusError(nsid, resp.Status, resp.Body)
	}
	return resp, nil
}

// apiClient builds an atclient for the host named by the session's access
// token, authenticating the way the session was issued.
func (c *Client) apiClient(sess *oauthCore.Session) *atclient.APIClient {
	// Timeout bounds each attempt, not the whole nonce retry loop
	httpClient := *c.client
	if httpClient.Timeout <= 0 || httpClient.Timeout > c.timeout {
		httpClient.Timeout = c.timeout
	}

	var authMethod atclient.AuthMethod = &bearerAuth{token: sess.AccessToken}
	if sess.DPoPBound && c.proofs != nil && c.proofs.Enabled() {
		authMethod = &dpopAuth{token: sess.AccessToken, proofs: c.proofs}
	}

	return &atclient.APIClient{
		Client: &httpClient,
		Host:   auth.AudienceHost(sess.AccessToken, c.defaultHost),
		Auth:   authMethod,
	}
}

// Endpoint returns the URL for nsid on the host named by accessToken's audience
func (c *Client) Endpoint(accessToken, nsid string) string {
	return auth.AudienceHost(accessToken, c.defaultHost) + "/xrpc/" + nsid
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
