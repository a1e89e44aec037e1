package identity

import (
	"context"
	"log/slog"
	"strings"
	"time"

	indigoIdentity "github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// cachingResolver wraps a base resolver with an in-memory LRU whose entries
// expire after the configured TTL.
type cachingResolver struct {
	base  Resolver
	cache *expirable.LRU[string, Identity]
}

func newCachingResolver(base Resolver, size int, ttl time.Duration) *cachingResolver {
	return &cachingResolver{
		base:  base,
		cache: expirable.NewLRU[string, Identity](size, nil, ttl),
	}
}

// ResolveHandle checks the cache first, then falls back to the base resolver
func (r *cachingResolver) ResolveHandle(ctx context.Context, handle string) (*Identity, error) {
	key := normalizeIdentifier(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if cached, ok := r.cache.Get(key); ok {
		cached.Method = MethodCache
		return &cached, nil
	}

	ident, err := r.base.ResolveHandle(ctx, handle)
	if err != nil {
		slog.Debug("identity resolution failed", "identifier", identifierOf(err), "error", err)
		return nil, err
	}

	// Cache bidirectionally so DID lookups for this user also hit
	r.cache.Add(normalizeIdentifier(ident.Handle), *ident)
	r.cache.Add(ident.DID, *ident)

	return ident, nil
}

// ResolveDID returns a minimal document built from the cache when possible
func (r *cachingResolver) ResolveDID(ctx context.Context, did string) (*DIDDocument, error) {
	if cached, ok := r.cache.Get(strings.TrimSpace(did)); ok {
		return &DIDDocument{
			DID: syntax.DID(cached.DID),
			Service: []indigoIdentity.DocService{
				{
					ID:              pdsServiceIDFrag,
					Type:            pdsServiceType,
					ServiceEndpoint: cached.PDSURL,
				},
			},
		}, nil
	}

	return r.base.ResolveDID(ctx, did)
}

// Purge removes both the handle and DID entries linked to identifier
func (r *cachingResolver) Purge(ctx context.Context, identifier string) {
	key := normalizeIdentifier(identifier)
	if cached, ok := r.cache.Peek(key); ok {
		r.cache.Remove(normalizeIdentifier(cached.Handle))
		r.cache.Remove(cached.DID)
	}
	r.cache.Remove(key)
	r.base.Purge(ctx, identifier)
}

func normalizeIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)

	// DIDs are case-sensitive, handles are not
	if strings.HasPrefix(identifier, "did:") {
		return identifier
	}

	return strings.ToLower(identifier)
}
