package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	indigoIdentity "github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/identity/apidir"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// baseResolver resolves identities with two chained lookups through Indigo:
// the public directory's resolveHandle endpoint, then the DID document from
// plc.directory or the did:web host.
type baseResolver struct {
	handles   *apidir.APIDirectory
	documents *indigoIdentity.BaseDirectory
	timeout   time.Duration
}

func newBaseResolver(directoryURL, plcURL string, client *http.Client, timeout time.Duration) *baseResolver {
	return &baseResolver{
		handles: &apidir.APIDirectory{
			Client: client,
			Host:   strings.TrimSuffix(directoryURL, "/"),
		},
		documents: &indigoIdentity.BaseDirectory{
			PLCURL:     strings.TrimSuffix(plcURL, "/"),
			HTTPClient: *client,
		},
		timeout: timeout,
	}
}

// ResolveHandle resolves a handle to its DID and PDS URL
func (r *baseResolver) ResolveHandle(ctx context.Context, raw string) (*Identity, error) {
	handle, err := NormalizeHandle(raw)
	if err != nil {
		return nil, err
	}

	did, err := r.lookupHandle(ctx, handle)
	if err != nil {
		return nil, err
	}

	doc, err := r.ResolveDID(ctx, did)
	if err != nil {
		return nil, err
	}

	pdsURL := PDSEndpoint(doc)
	if pdsURL == "" {
		return nil, &ErrNotFound{
			Identifier: did,
			Reason:     "DID document has no PDS service entry",
		}
	}

	return &Identity{
		DID:        did,
		Handle:     handle,
		PDSURL:     pdsURL,
		ResolvedAt: time.Now().UTC(),
		Method:     MethodHTTPS,
	}, nil
}

// lookupHandle calls com.atproto.identity.resolveHandle on the directory
func (r *baseResolver) lookupHandle(ctx context.Context, handle string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	did, err := r.handles.ResolveHandle(ctx, syntax.Handle(handle))
	switch {
	case errors.Is(err, indigoIdentity.ErrHandleNotFound):
		return "", &ErrNotFound{Identifier: handle, Reason: "directory does not know this handle"}
	case err != nil:
		return "", &ErrResolutionFailed{Identifier: handle, Reason: "directory lookup failed", Err: err}
	}

	if _, err := syntax.ParseDID(did.String()); err != nil {
		return "", &ErrResolutionFailed{Identifier: handle, Reason: fmt.Sprintf("directory returned invalid DID %q", did)}
	}
	return did.String(), nil
}

// ResolveDID fetches the DID document from plc.directory or a did:web host
func (r *baseResolver) ResolveDID(ctx context.Context, didStr string) (*DIDDocument, error) {
	did, err := syntax.ParseDID(strings.TrimSpace(didStr))
	if err != nil {
		return nil, &ErrInvalidIdentifier{
			Identifier: didStr,
			Reason:     fmt.Sprintf("invalid DID format: %v", err),
		}
	}

	switch did.Method() {
	case "plc", "web":
	default:
		return nil, &ErrInvalidIdentifier{
			Identifier: did.String(),
			Reason:     fmt.Sprintf("unsupported DID method %q", did.Method()),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	doc, err := r.documents.ResolveDID(ctx, did)
	switch {
	case errors.Is(err, indigoIdentity.ErrDIDNotFound):
		return nil, &ErrNotFound{Identifier: didStr, Reason: "no DID document"}
	case err != nil:
		return nil, &ErrResolutionFailed{Identifier: didStr, Reason: "DID document fetch failed", Err: err}
	}

	if doc.DID.String() != did.String() {
		return nil, &ErrResolutionFailed{
			Identifier: didStr,
			Reason:     fmt.Sprintf("DID document id mismatch: %s", doc.DID),
		}
	}

	return doc, nil
}

// Purge is a no-op for base resolver (no caching)
func (r *baseResolver) Purge(ctx context.Context, identifier string) {}

// NormalizeHandle strips a leading "@" and surrounding whitespace, validates
// the handle syntax and lower-cases it.
func NormalizeHandle(raw string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "@")
	if trimmed == "" {
		return "", &ErrInvalidIdentifier{Identifier: raw, Reason: "handle cannot be empty"}
	}
	handle, err := syntax.ParseHandle(trimmed)
	if err != nil {
		return "", &ErrInvalidIdentifier{Identifier: raw, Reason: err.Error()}
	}
	return handle.Normalize().String(), nil
}

// identifierOf returns the handle or DID a resolution error refers to
func identifierOf(err error) string {
	var notFound *ErrNotFound
	var invalid *ErrInvalidIdentifier
	var failed *ErrResolutionFailed
	switch {
	case errors.As(err, &notFound):
		return notFound.Identifier
	case errors.As(err, &invalid):
		return invalid.Identifier
	case errors.As(err, &failed):
		return failed.Identifier
	}
	return ""
}
