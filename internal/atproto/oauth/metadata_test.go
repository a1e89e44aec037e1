package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type metadataServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []string
}

func (s *metadataServer) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func newMetadataServer(t *testing.T, handler func(s *metadataServer, w http.ResponseWriter, r *http.Request)) *metadataServer {
	t.Helper()
	s := &metadataServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.URL.Path)
		s.mu.Unlock()
		handler(s, w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func authServerDoc(base string) map[string]any {
	return map[string]any{
		"issuer":                 base,
		"authorization_endpoint": base + "/oauth/authorize",
		"token_endpoint":         base + "/oauth/token",
	}
}

func TestDiscover_FirstHostWins(t *testing.T) {
	global := newMetadataServer(t, func(s *metadataServer, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == WellKnownAuthorizationServer {
			_ = json.NewEncoder(w).Encode(authServerDoc(s.URL))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	userPDS := newMetadataServer(t, func(s *metadataServer, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	d := NewDiscoverer(global.Client(), time.Second)
	meta, host, err := d.Discover(context.Background(), global.URL, userPDS.URL)
	require.NoError(t, err)

	assert.Equal(t, global.URL, host)
	assert.Equal(t, global.URL+"/oauth/token", meta.TokenEndpoint)
	assert.Empty(t, userPDS.paths(), "second candidate must not be tried after success")
}

func TestDiscover_FallsBackToProtectedResourceThenNextHost(t *testing.T) {
	global := newMetadataServer(t, func(s *metadataServer, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	userPDS := newMetadataServer(t, func(s *metadataServer, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == WellKnownProtectedResource {
			_ = json.NewEncoder(w).Encode(authServerDoc(s.URL))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	d := NewDiscoverer(global.Client(), time.Second)
	meta, host, err := d.Discover(context.Background(), global.URL, userPDS.URL)
	require.NoError(t, err)

	assert.Equal(t, userPDS.URL, host)
	assert.Equal(t, userPDS.URL+"/oauth/authorize", meta.AuthorizationEndpoint)
	assert.Equal(t, []string{WellKnownAuthorizationServer, WellKnownProtectedResource}, global.paths())
	assert.Equal(t, []string{WellKnownAuthorizationServer, WellKnownProtectedResource}, userPDS.paths())
}

func TestDiscover_FollowsAuthorizationServersOneHop(t *testing.T) {
	entryway := newMetadataServer(t, func(s *metadataServer, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == WellKnownAuthorizationServer {
			_ = json.NewEncoder(w).Encode(authServerDoc(s.URL))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	pds := newMetadataServer(t, func(s *metadataServer, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == WellKnownProtectedResource {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"resource":              s.URL,
				"authorization_servers": []string{entryway.URL},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	d := NewDiscoverer(pds.Client(), time.Second)
	meta, host, err := d.Discover(context.Background(), pds.URL)
	require.NoError(t, err)
	assert.Equal(t, entryway.URL, host)
	assert.Equal(t, entryway.URL+"/oauth/token", meta.TokenEndpoint)
}

func TestDiscover_AllCandidatesFail(t *testing.T) {
	broken := newMetadataServer(t, func(s *metadataServer, w http.ResponseWriter, r *http.Request) {
		// 200 with an incomplete document counts as a failure too
		_, _ = w.Write([]byte(`{"issuer":"x"}`))
	})

	d := NewDiscoverer(broken.Client(), time.Second)
	_, _, err := d.Discover(context.Background(), broken.URL, "", broken.URL+"/")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMetadataUnavailable))
	assert.Len(t, broken.paths(), 2, "duplicate and empty hosts are skipped")
}

func TestDiscover_TimeoutAdvances(t *testing.T) {
	slow := newMetadataServer(t, func(s *metadataServer, w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	fast := newMetadataServer(t, func(s *metadataServer, w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(authServerDoc(s.URL))
	})

	d := NewDiscoverer(fast.Client(), 50*time.Millisecond)
	_, host, err := d.Discover(context.Background(), slow.URL, fast.URL)
	require.NoError(t, err)
	assert.Equal(t, fast.URL, host)
}

func TestAuthorizationURL(t *testing.T) {
	got, err := AuthorizationURL("https://auth.example.com/oauth/authorize?tenant=1", AuthorizationParams{
		ClientID:      "https://app.example.com/oauth/client-metadata.json",
		RedirectURI:   "https://app.example.com/oauth/callback",
		Scope:         "atproto transition:generic",
		State:         "state-123",
		CodeChallenge: "challenge-abc",
		LoginHint:     "alice.example.com",
	})
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "auth.example.com", u.Host)
	assert.Equal(t, "1", q.Get("tenant"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "https://app.example.com/oauth/client-metadata.json", q.Get("client_id"))
	assert.Equal(t, "https://app.example.com/oauth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "atproto transition:generic", q.Get("scope"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "challenge-abc", q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "alice.example.com", q.Get("login_hint"))

	_, err = AuthorizationURL("not a url", AuthorizationParams{State: "s", CodeChallenge: "c"})
	assert.Error(t, err)
	_, err = AuthorizationURL("https://auth.example.com/authorize", AuthorizationParams{CodeChallenge: "c"})
	assert.Error(t, err)
}
