package xrpc

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"Civitas/internal/atproto/oauth"

	"github.com/bluesky-social/indigo/atproto/atclient"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// bearerAuth implements atclient.AuthMethod for password sessions, whose
// tokens are not bound to a key.
type bearerAuth struct {
	token string
}

var _ atclient.AuthMethod = (*bearerAuth)(nil)

// DoWithAuth adds the Bearer token to the request and executes it.
func (b *bearerAuth) DoWithAuth(c *http.Client, req *http.Request, _ syntax.NSID) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+b.token)
	return c.Do(req)
}

// dpopAuth implements atclient.AuthMethod for DPoP-bound OAuth tokens. Each
// attempt carries a fresh proof; a 401 that hands out a new nonce is retried
// up to MaxNonceRetries times.
type dpopAuth struct {
	token  string
	proofs *oauth.ProofManager
}

var _ atclient.AuthMethod = (*dpopAuth)(nil)

func (d *dpopAuth) DoWithAuth(c *http.Client, req *http.Request, endpoint syntax.NSID) (*http.Response, error) {
	// the proof's htu never carries the query string
	htu := *req.URL
	htu.RawQuery = ""
	htu.Fragment = ""

	for retries := 0; ; retries++ {
		proof, err := d.proofs.CreateBoundProof(req.Method, htu.String(), d.proofs.Nonce(), d.token)
		if err != nil {
			return nil, fmt.Errorf("failed to create DPoP proof: %w", err)
		}
		req.Header.Set("Authorization", "DPoP "+d.token)
		req.Header.Set("DPoP", proof)

		resp, err := c.Do(req)
		if err != nil {
			return nil, err
		}

		nonce := resp.Header.Get("DPoP-Nonce")
		if nonce != "" {
			d.proofs.UpdateNonce(nonce)
		}
		if resp.StatusCode != http.StatusUnauthorized || nonce == "" {
			return resp, nil
		}

		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		if retries >= MaxNonceRetries {
			return nil, ErrNonceRetriesExhausted
		}

		if req, err = rewind(req); err != nil {
			return nil, err
		}
		slog.Debug("retrying xrpc call with new dpop nonce", "nsid", endpoint, "retry", retries+1)
	}
}

// rewind returns a copy of req with a fresh body for resending
func rewind(req *http.Request) (*http.Request, error) {
	next := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return next, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body cannot be replayed for nonce retry")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to replay request body: %w", err)
	}
	next.Body = body
	return next, nil
}
