package identity

import "context"

// Resolver provides methods for resolving atProto identities
type Resolver interface {
	// ResolveHandle maps a handle to its DID via the public directory, then
	// fetches the DID document and extracts the PDS endpoint.
	ResolveHandle(ctx context.Context, handle string) (*Identity, error)

	// ResolveDID retrieves a DID document
	ResolveDID(ctx context.Context, did string) (*DIDDocument, error)

	// Purge removes an identifier (handle or DID) from any cache
	Purge(ctx context.Context, identifier string)
}
