package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCE (Proof Key for Code Exchange) - RFC 7636
// Prevents authorization code interception attacks

const (
	// VerifierLength is the maximum verifier length RFC 7636 allows
	VerifierLength = 128

	// unreserved characters from RFC 3986 section 2.3
	verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

	// largest multiple of len(verifierAlphabet) that fits in a byte; bytes at or
	// above it are rejected so every character is equally likely
	verifierRejectAbove = 256 - 256%len(verifierAlphabet)

	CodeChallengeMethodS256 = "S256"
)

// PKCEChallenge contains the code verifier and challenge for PKCE
type PKCEChallenge struct {
	Verifier  string // 128 unreserved characters
	Challenge string // Base64URL(SHA256(verifier))
	Method    string // Always "S256" for atProto
}

// GeneratePKCEChallenge generates a fresh verifier and its S256 challenge.
// Every login attempt must call this again; verifiers are never reused.
func GeneratePKCEChallenge() (*PKCEChallenge, error) {
	verifier, err := randomVerifier()
	if err != nil {
		return nil, err
	}

	return &PKCEChallenge{
		Verifier:  verifier,
		Challenge: S256Challenge(verifier),
		Method:    CodeChallengeMethodS256,
	}, nil
}

// S256Challenge returns base64url(SHA-256(verifier)) without padding
func S256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func randomVerifier() (string, error) {
	out := make([]byte, 0, VerifierLength)
	buf := make([]byte, VerifierLength)

	for len(out) < VerifierLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= verifierRejectAbove {
				continue
			}
			out = append(out, verifierAlphabet[int(b)%len(verifierAlphabet)])
			if len(out) == VerifierLength {
				break
			}
		}
	}

	return string(out), nil
}

// GenerateState generates a random state parameter for CSRF protection
func GenerateState() (string, error) {
	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate random state: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(stateBytes), nil
}
