package oauth

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeSegment(t *testing.T, proof string, idx int) map[string]interface{} {
	t.Helper()
	parts := strings.Split(proof, ".")
	require.Len(t, parts, 3, "proof must be a compact JWS")

	raw, err := base64.RawURLEncoding.DecodeString(parts[idx])
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

// TestCreateDPoPProof tests DPoP proof generation and structure
func TestCreateDPoPProof(t *testing.T) {
	dpopKey, err := GenerateDPoPKey()
	require.NoError(t, err)

	proof, err := CreateDPoPProof(dpopKey, "POST", "https://example.com/token", "", "")
	require.NoError(t, err)

	header := decodeSegment(t, proof, 0)
	assert.Equal(t, "ES256", header["alg"])
	assert.Equal(t, "dpop+jwt", header["typ"])

	// JWK should be a map/object, not a string
	jwkMap, ok := header["jwk"].(map[string]interface{})
	require.True(t, ok, "jwk header must be a JSON object, got %T", header["jwk"])
	assert.Equal(t, "EC", jwkMap["kty"])
	assert.Equal(t, "P-256", jwkMap["crv"])
	assert.Contains(t, jwkMap, "x")
	assert.Contains(t, jwkMap, "y")
	assert.NotContains(t, jwkMap, "d", "public JWK must not carry the private component")

	payload := decodeSegment(t, proof, 1)
	assert.Equal(t, "POST", payload["htm"])
	assert.Equal(t, "https://example.com/token", payload["htu"])
	assert.Contains(t, payload, "iat")
	assert.Contains(t, payload, "jti")
	assert.NotContains(t, payload, "nonce")
	assert.NotContains(t, payload, "ath")
}

func TestDPoPProofWithNonceAndAccessToken(t *testing.T) {
	dpopKey, err := GenerateDPoPKey()
	require.NoError(t, err)

	proof, err := CreateDPoPProof(dpopKey, "GET", "https://example.com/resource", "test-nonce-12345", "test-access-token")
	require.NoError(t, err)

	payload := decodeSegment(t, proof, 1)
	assert.Equal(t, "test-nonce-12345", payload["nonce"])
	assert.Equal(t, S256Challenge("test-access-token"), payload["ath"])
}

func TestProofManager_RoundTrip(t *testing.T) {
	m := NewProofManager()
	require.True(t, m.Enabled())

	wantThumb, err := m.PublicJWK().Thumbprint(crypto.SHA256)
	require.NoError(t, err)

	inputs := []struct{ method, url string }{
		{"GET", "https://pds.example.com/xrpc/app.bsky.actor.getProfile?actor=alice.example.com"},
		{"POST", "https://bsky.social/oauth/token"},
		{"DELETE", "http://localhost:2583/xrpc/com.atproto.repo.deleteRecord"},
		{"PATCH", "https://example.com/a%20b?x=1&y=~"},
	}

	for _, in := range inputs {
		proof, err := m.CreateProof(in.method, in.url, "")
		require.NoError(t, err)

		// signature must verify against the exported public key
		payloadBytes, err := jws.Verify([]byte(proof), jws.WithKey(jwa.ES256, m.PublicJWK()))
		require.NoError(t, err, "%s %s", in.method, in.url)

		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(payloadBytes, &payload))
		assert.Equal(t, in.method, payload["htm"])
		assert.Equal(t, in.url, payload["htu"])

		msg, err := jws.Parse([]byte(proof))
		require.NoError(t, err)
		require.Len(t, msg.Signatures(), 1)
		embedded := msg.Signatures()[0].ProtectedHeaders().JWK()
		require.NotNil(t, embedded)

		gotThumb, err := embedded.Thumbprint(crypto.SHA256)
		require.NoError(t, err)
		assert.Equal(t, wantThumb, gotThumb, "embedded jwk must be the manager's key")
	}
}

func TestProofManager_UniqueJTI(t *testing.T) {
	m := NewProofManager()

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			proof, err := m.CreateProof("GET", "https://example.com/x", "")
			if !assert.NoError(t, err) {
				return
			}
			jti, _ := decodeSegment(t, proof, 1)["jti"].(string)
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[jti], "duplicate jti %s", jti)
			seen[jti] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestProofManager_Disabled(t *testing.T) {
	m := newProofManager(func() (jwk.Key, error) {
		return nil, errors.New("no P-256 support")
	})

	assert.False(t, m.Enabled())
	assert.Nil(t, m.PublicJWK())

	proof, err := m.CreateProof("POST", "https://example.com/token", "n1")
	assert.NoError(t, err)
	assert.Empty(t, proof)
}

func TestProofManager_Nonce(t *testing.T) {
	m := NewProofManager()
	assert.Empty(t, m.Nonce())

	m.UpdateNonce("first")
	assert.Equal(t, "first", m.Nonce())

	m.UpdateNonce("")
	assert.Equal(t, "first", m.Nonce(), "empty nonce must not overwrite a known one")

	m.UpdateNonce("second")
	assert.Equal(t, "second", m.Nonce())
}
