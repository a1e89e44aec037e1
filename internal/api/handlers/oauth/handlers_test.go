package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"Civitas/internal/atproto/identity"
	"Civitas/internal/atproto/oauth"
	oauthCore "Civitas/internal/core/oauth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeAuthService struct {
	loginResult *oauthCore.LoginResult
	loginErr    error
	recognized  bool
	callbackErr error
	state       oauthCore.AuthState
	loggedOut   bool
	gotLogin    struct{ handle, password string }
}

func (f *fakeAuthService) Login(ctx context.Context, handle, password string) (*oauthCore.LoginResult, error) {
	f.gotLogin.handle, f.gotLogin.password = handle, password
	return f.loginResult, f.loginErr
}

func (f *fakeAuthService) HandleCallback(ctx context.Context, u *url.URL) (bool, *oauthCore.Exchange, error) {
	return f.recognized, nil, f.callbackErr
}

func (f *fakeAuthService) Logout(ctx context.Context) error {
	f.loggedOut = true
	return nil
}

func (f *fakeAuthService) ActivateDemo(ctx context.Context) (*oauthCore.Session, error) {
	return &oauthCore.Session{IsDemo: true}, nil
}

func (f *fakeAuthService) State() oauthCore.AuthState {
	return f.state
}

func newFlashes(t *testing.T) *FlashStore {
	t.Helper()
	f, err := NewFlashStore(testSecret, false)
	require.NoError(t, err)
	return f
}

func postForm(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// flashesFrom replays the response's cookies and pops the queued messages
func flashesFrom(t *testing.T, flashes *FlashStore, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return flashes.Pop(httptest.NewRecorder(), req)
}

func TestNewFlashStore_RejectsShortSecret(t *testing.T) {
	_, err := NewFlashStore("short", false)
	assert.Error(t, err)
}

func TestHandleLogin_RedirectsToProvider(t *testing.T) {
	svc := &fakeAuthService{loginResult: &oauthCore.LoginResult{AuthorizationURL: "https://auth.example.com/oauth/authorize?state=x"}}
	h := NewLoginHandler(svc, newFlashes(t))

	rec := httptest.NewRecorder()
	h.HandleLogin(rec, postForm("/oauth/login", url.Values{"handle": {" alice.example.com "}}))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://auth.example.com/oauth/authorize?state=x", rec.Header().Get("Location"))
	assert.Equal(t, "alice.example.com", svc.gotLogin.handle)
	assert.Empty(t, svc.gotLogin.password)
}

func TestHandleLogin_PasswordSession(t *testing.T) {
	svc := &fakeAuthService{loginResult: &oauthCore.LoginResult{Session: &oauthCore.Session{DID: "did:plc:abc"}}}
	h := NewLoginHandler(svc, newFlashes(t))

	rec := httptest.NewRecorder()
	h.HandleLogin(rec, postForm("/oauth/login", url.Values{"handle": {"alice.example.com"}, "password": {"app-pass"}}))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	assert.Equal(t, "app-pass", svc.gotLogin.password)
}

func TestHandleLogin_MetadataUnavailableAsksForPassword(t *testing.T) {
	flashes := newFlashes(t)
	svc := &fakeAuthService{loginErr: oauth.ErrMetadataUnavailable}
	h := NewLoginHandler(svc, flashes)

	rec := httptest.NewRecorder()
	h.HandleLogin(rec, postForm("/oauth/login", url.Values{"handle": {"alice.example.com"}}))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/", loc.Path)
	assert.Equal(t, "1", loc.Query().Get("password"))
	assert.Equal(t, "alice.example.com", loc.Query().Get("handle"))

	msgs := flashesFrom(t, flashes, rec)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "app password")
}

func TestHandleLogin_ResolutionFailure(t *testing.T) {
	flashes := newFlashes(t)
	svc := &fakeAuthService{loginErr: &identity.ErrNotFound{Identifier: "nobody.example.com"}}
	h := NewLoginHandler(svc, flashes)

	rec := httptest.NewRecorder()
	h.HandleLogin(rec, postForm("/oauth/login", url.Values{"handle": {"nobody.example.com"}}))

	assert.Equal(t, "/", rec.Header().Get("Location"))
	msgs := flashesFrom(t, flashes, rec)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "couldn't find that account")
}

func TestHandleLogin_EmptyHandle(t *testing.T) {
	svc := &fakeAuthService{}
	h := NewLoginHandler(svc, newFlashes(t))

	rec := httptest.NewRecorder()
	h.HandleLogin(rec, postForm("/oauth/login", url.Values{"handle": {"   "}}))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Empty(t, svc.gotLogin.handle, "service must not be called")
}

func TestHandleCallback_AlwaysRedirectsHome(t *testing.T) {
	tests := []struct {
		name      string
		svc       *fakeAuthService
		wantFlash bool
	}{
		{"not a callback", &fakeAuthService{}, false},
		{"accepted", &fakeAuthService{recognized: true}, false},
		{"denied", &fakeAuthService{recognized: true, callbackErr: &oauthCore.ErrAuthorizationDenied{Code: "access_denied"}}, true},
		{"state mismatch", &fakeAuthService{recognized: true, callbackErr: oauthCore.ErrStateMismatch}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flashes := newFlashes(t)
			h := NewCallbackHandler(tt.svc, flashes, NewExchangeTracker())

			rec := httptest.NewRecorder()
			h.HandleCallback(rec, httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state=xyz", nil))

			assert.Equal(t, http.StatusSeeOther, rec.Code)
			assert.Equal(t, "/", rec.Header().Get("Location"))
			assert.Equal(t, tt.wantFlash, len(flashesFrom(t, flashes, rec)) > 0)
		})
	}
}

func TestHandleLogout(t *testing.T) {
	svc := &fakeAuthService{}
	rec := httptest.NewRecorder()
	NewLogoutHandler(svc).HandleLogout(rec, httptest.NewRequest(http.MethodPost, "/oauth/logout", nil))

	assert.True(t, svc.loggedOut)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestHandleState_RedactsTokens(t *testing.T) {
	svc := &fakeAuthService{state: oauthCore.AuthState{
		IsAuthenticated: true,
		Agent:           "https://pds.example.com",
		Session: &oauthCore.Session{
			DID:          "did:plc:abc",
			AccessToken:  "secret-access",
			RefreshToken: "secret-refresh",
		},
	}}

	rec := httptest.NewRecorder()
	NewStateHandler(svc, NewExchangeTracker()).HandleState(rec, httptest.NewRequest(http.MethodGet, "/oauth/state", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-")

	var got StateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.IsAuthenticated)
	assert.Equal(t, "https://pds.example.com", got.Agent)
	assert.Equal(t, "did:plc:abc", got.Session.DID)
	assert.False(t, got.ExchangePending)

	// the service's copy is untouched
	assert.Equal(t, "secret-access", svc.state.Session.AccessToken)
}

func TestHandleClientMetadata(t *testing.T) {
	client, err := oauth.NewClientConfig("https://civitas.example.com", "")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	HandleClientMetadata(client)(rec, httptest.NewRequest(http.MethodGet, "/oauth/client-metadata.json", nil))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "https://civitas.example.com/oauth/client-metadata.json", doc["client_id"])
	assert.Equal(t, true, doc["dpop_bound_access_tokens"])
}
