package oauth

import (
	"fmt"
	"net/url"

	"github.com/google/go-querystring/query"
)

// AuthorizationParams are the query parameters of the authorization redirect
type AuthorizationParams struct {
	ResponseType        string `url:"response_type"`
	ClientID            string `url:"client_id"`
	RedirectURI         string `url:"redirect_uri"`
	Scope               string `url:"scope"`
	State               string `url:"state"`
	CodeChallenge       string `url:"code_challenge"`
	CodeChallengeMethod string `url:"code_challenge_method"`
	LoginHint           string `url:"login_hint,omitempty"`
}

// AuthorizationURL appends params to the authorization endpoint, keeping any
// query the endpoint already carries.
func AuthorizationURL(endpoint string, params AuthorizationParams) (string, error) {
	if params.ResponseType == "" {
		params.ResponseType = "code"
	}
	if params.CodeChallengeMethod == "" {
		params.CodeChallengeMethod = CodeChallengeMethodS256
	}
	if params.State == "" || params.CodeChallenge == "" {
		return "", fmt.Errorf("state and code challenge are required")
	}

	u, err := url.Parse(endpoint)
	if err != nil || !validEndpoint(endpoint) {
		return "", fmt.Errorf("invalid authorization endpoint %q", endpoint)
	}

	values, err := query.Values(params)
	if err != nil {
		return "", fmt.Errorf("encode authorization params: %w", err)
	}

	existing := u.Query()
	for k, vs := range values {
		existing[k] = vs
	}
	u.RawQuery = existing.Encode()
	u.Fragment = ""

	return u.String(), nil
}
