package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
)

const (
	// DefaultExchangeTimeout bounds each token endpoint request
	DefaultExchangeTimeout = 10 * time.Second

	errCodeUseDPoPNonce = "use_dpop_nonce"
	headerDPoPNonce     = "DPoP-Nonce"

	maxTokenBody = 64 * 1024
)

// ErrExchangeFailed is returned when the token endpoint does not issue tokens
var ErrExchangeFailed = errors.New("token exchange failed")

// ExchangeError describes a failed token request
type ExchangeError struct {
	Status      int
	Code        string
	Description string
	Err         error
}

func (e *ExchangeError) Error() string {
	msg := "token exchange failed"
	if e.Status != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.Status)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExchangeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExchangeFailed}
	}
	return []error{ErrExchangeFailed, e.Err}
}

// TokenRequest is the form body for the authorization_code grant
type TokenRequest struct {
	GrantType    string `url:"grant_type"`
	ClientID     string `url:"client_id"`
	Code         string `url:"code"`
	RedirectURI  string `url:"redirect_uri"`
	CodeVerifier string `url:"code_verifier"`
}

// TokenSet is a successful token response
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	Subject      string `json:"sub"`
	ExpiresIn    int    `json:"expires_in"`
}

// exchangeState drives the nonce retry protocol
type exchangeState int

const (
	stateInitial exchangeState = iota
	stateNonceChallenged
	stateDone
)

// tokenResult is the decoded outcome of a single token endpoint request
type tokenResult interface {
	isTokenResult()
}

type tokenSuccess struct {
	tokens TokenSet
}

type tokenNonceChallenge struct {
	nonce string
}

type tokenFailure struct {
	err *ExchangeError
}

func (tokenSuccess) isTokenResult()        {}
func (tokenNonceChallenge) isTokenResult() {}
func (tokenFailure) isTokenResult()        {}

// TokenClient performs token endpoint requests with DPoP proofs
type TokenClient struct {
	client  *http.Client
	proofs  *ProofManager
	timeout time.Duration
}

// NewTokenClient creates a token client; timeout <= 0 uses DefaultExchangeTimeout
func NewTokenClient(client *http.Client, proofs *ProofManager, timeout time.Duration) *TokenClient {
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}
	return &TokenClient{client: client, proofs: proofs, timeout: timeout}
}

// ExchangeCode trades an authorization code for tokens. The first request
// carries a proof without a nonce; a use_dpop_nonce challenge is answered
// exactly once. Any other outcome, including a second challenge, is final.
func (c *TokenClient) ExchangeCode(ctx context.Context, tokenEndpoint string, req TokenRequest) (*TokenSet, error) {
	if req.GrantType == "" {
		req.GrantType = "authorization_code"
	}
	form, err := query.Values(req)
	if err != nil {
		return nil, &ExchangeError{Err: fmt.Errorf("encode token request: %w", err)}
	}
	body := form.Encode()

	var (
		tokens  *TokenSet
		failure error
	)

	state := stateInitial
	nonce := ""
	for state != stateDone {
		switch result := c.attempt(ctx, tokenEndpoint, body, nonce).(type) {
		case tokenSuccess:
			tokens = &result.tokens
			state = stateDone

		case tokenNonceChallenge:
			if state == stateNonceChallenged {
				failure = &ExchangeError{
					Status: http.StatusBadRequest,
					Code:   errCodeUseDPoPNonce,
					Err:    errors.New("nonce challenged after retry"),
				}
				state = stateDone
				continue
			}
			slog.Debug("token endpoint demanded DPoP nonce, retrying once", "endpoint", tokenEndpoint)
			state = stateNonceChallenged
			nonce = result.nonce

		case tokenFailure:
			failure = result.err
			state = stateDone
		}
	}

	if failure != nil {
		return nil, failure
	}
	return tokens, nil
}

// attempt performs one bounded POST and classifies the response
func (c *TokenClient) attempt(ctx context.Context, tokenEndpoint, body, nonce string) tokenResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	proof, err := c.proofs.CreateProof(http.MethodPost, tokenEndpoint, nonce)
	if err != nil {
		return tokenFailure{err: &ExchangeError{Err: fmt.Errorf("create DPoP proof: %w", err)}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(body))
	if err != nil {
		return tokenFailure{err: &ExchangeError{Err: err}}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if proof != "" {
		req.Header.Set("DPoP", proof)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return tokenFailure{err: &ExchangeError{Err: err}}
	}
	defer func() { _ = resp.Body.Close() }()

	serverNonce := resp.Header.Get(headerDPoPNonce)
	c.proofs.UpdateNonce(serverNonce)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return tokenFailure{err: &ExchangeError{Status: resp.StatusCode, Err: err}}
	}

	return decodeTokenResponse(resp.StatusCode, serverNonce, raw)
}

// decodeTokenResponse maps a raw token endpoint response onto a tokenResult
func decodeTokenResponse(status int, serverNonce string, raw []byte) tokenResult {
	if status >= 200 && status <= 299 {
		var tokens TokenSet
		if err := json.Unmarshal(raw, &tokens); err != nil {
			return tokenFailure{err: &ExchangeError{Status: status, Err: fmt.Errorf("decode token response: %w", err)}}
		}
		if tokens.AccessToken == "" {
			return tokenFailure{err: &ExchangeError{Status: status, Err: errors.New("response has no access_token")}}
		}
		return tokenSuccess{tokens: tokens}
	}

	var errBody struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(raw, &errBody)

	if status == http.StatusBadRequest && errBody.Error == errCodeUseDPoPNonce && serverNonce != "" {
		return tokenNonceChallenge{nonce: serverNonce}
	}

	slog.Warn("token request failed", "status", status, "error", errBody.Error, "description", errBody.ErrorDescription)
	return tokenFailure{err: &ExchangeError{
		Status:      status,
		Code:        errBody.Error,
		Description: errBody.ErrorDescription,
	}}
}
