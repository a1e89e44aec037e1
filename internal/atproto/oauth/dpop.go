package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DPoP (Demonstrating Proof of Possession) - RFC 9449
// Binds access tokens to specific clients using cryptographic proofs

const dpopTokenType = "dpop+jwt"

// ProofManager owns the process-wide DPoP key and the last server nonce.
//
// The key is generated once at construction and never persisted. If key
// generation fails the manager is disabled and CreateProof returns an empty
// proof; callers send the request without a DPoP header in that case.
type ProofManager struct {
	key    jwk.Key
	public jwk.Key

	mu    sync.RWMutex
	nonce string
}

// NewProofManager generates a fresh ES256 key. It never fails; a key
// generation error leaves the manager disabled.
func NewProofManager() *ProofManager {
	return newProofManager(GenerateDPoPKey)
}

func newProofManager(generate func() (jwk.Key, error)) *ProofManager {
	key, err := generate()
	if err != nil {
		slog.Warn("DPoP key generation unavailable, proofs disabled", "error", err)
		return &ProofManager{}
	}

	pub, err := key.PublicKey()
	if err != nil {
		slog.Warn("DPoP public key export failed, proofs disabled", "error", err)
		return &ProofManager{}
	}

	return &ProofManager{key: key, public: pub}
}

// Enabled reports whether the manager holds a signing key
func (m *ProofManager) Enabled() bool {
	return m.key != nil
}

// PublicJWK returns the public half of the signing key, or nil when disabled
func (m *ProofManager) PublicJWK() jwk.Key {
	return m.public
}

// Nonce returns the last nonce a server supplied, or "" if none yet
func (m *ProofManager) Nonce() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nonce
}

// UpdateNonce records a server-supplied nonce. Empty values are ignored so a
// response without the header never erases a known nonce.
func (m *ProofManager) UpdateNonce(nonce string) {
	if nonce == "" {
		return
	}
	m.mu.Lock()
	m.nonce = nonce
	m.mu.Unlock()
}

// CreateProof signs a proof for method and url, including nonce when set.
// Returns "" and no error when the manager is disabled.
func (m *ProofManager) CreateProof(method, url, nonce string) (string, error) {
	return m.CreateBoundProof(method, url, nonce, "")
}

// CreateBoundProof is CreateProof with an "ath" claim binding accessToken
func (m *ProofManager) CreateBoundProof(method, url, nonce, accessToken string) (string, error) {
	if m.key == nil {
		return "", nil
	}
	return CreateDPoPProof(m.key, method, url, nonce, accessToken)
}

// GenerateDPoPKey generates a new ES256 (NIST P-256) keypair for DPoP
func GenerateDPoPKey() (jwk.Key, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	jwkKey, err := jwk.FromRaw(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWK from private key: %w", err)
	}

	if err := jwkKey.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, fmt.Errorf("failed to set algorithm: %w", err)
	}
	if err := jwkKey.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("failed to set key usage: %w", err)
	}

	return jwkKey, nil
}

// CreateDPoPProof creates a DPoP proof JWT for one HTTP request
// Parameters:
//   - privateKey: The DPoP private key (ES256) as JWK
//   - method: HTTP method (e.g., "POST", "GET")
//   - uri: Full HTTP URI of the request
//   - nonce: Optional server-provided nonce
//   - accessToken: Optional access token, hashed into "ath"
func CreateDPoPProof(privateKey jwk.Key, method, uri, nonce, accessToken string) (string, error) {
	pubKey, err := privateKey.PublicKey()
	if err != nil {
		return "", fmt.Errorf("failed to get public key: %w", err)
	}

	builder := jwt.NewBuilder().
		Claim("htm", method).
		Claim("htu", uri).
		Claim("iat", time.Now().Unix()).
		Claim("jti", uuid.NewString())

	if nonce != "" {
		builder = builder.Claim("nonce", nonce)
	}

	if accessToken != "" {
		builder = builder.Claim("ath", S256Challenge(accessToken))
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build JWT: %w", err)
	}

	payloadBytes, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token: %w", err)
	}

	// RFC 9449 requires the "jwk" header to contain the public key as a JSON object
	headers := jws.NewHeaders()
	if setErr := headers.Set(jws.AlgorithmKey, jwa.ES256); setErr != nil {
		return "", fmt.Errorf("failed to set algorithm: %w", setErr)
	}
	if setErr := headers.Set(jws.TypeKey, dpopTokenType); setErr != nil {
		return "", fmt.Errorf("failed to set type: %w", setErr)
	}
	if setErr := headers.Set(jws.JWKKey, pubKey); setErr != nil {
		return "", fmt.Errorf("failed to set JWK: %w", setErr)
	}

	// jwt.Sign() overrides headers, so sign the payload with jws directly
	signed, err := jws.Sign(payloadBytes, jws.WithKey(jwa.ES256, privateKey, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}

	return string(signed), nil
}
