package identity

import (
	"strings"
	"time"

	indigoIdentity "github.com/bluesky-social/indigo/atproto/identity"
)

// ResolutionMethod indicates how an identity was resolved
type ResolutionMethod string

const (
	MethodCache ResolutionMethod = "cache"
	MethodHTTPS ResolutionMethod = "https"
)

// Service identifiers that mark a DID document entry as the user's PDS
const (
	pdsServiceType   = "AtprotoPersonalDataServer"
	pdsServiceIDFrag = "#atproto_pds"
)

// Identity represents a fully resolved atProto identity
type Identity struct {
	DID        string           // Decentralized Identifier (e.g., "did:plc:abc123")
	Handle     string           // Handle the lookup started from, normalized
	PDSURL     string           // Personal Data Server URL
	ResolvedAt time.Time        // When this identity was resolved
	Method     ResolutionMethod // How it was resolved (cache or HTTPS)
}

// DIDDocument is the wire shape of a DID document as served by plc.directory
// and did:web hosts.
type DIDDocument = indigoIdentity.DIDDocument

// PDSEndpoint returns the personal data server URL declared by the document,
// or "" if there is none. Indigo's parser wants the canonical #atproto_pds
// entry; documents that only carry the service type still match.
func PDSEndpoint(doc *DIDDocument) string {
	if doc == nil {
		return ""
	}
	ident := indigoIdentity.ParseIdentity(doc)
	if endpoint := ident.PDSEndpoint(); endpoint != "" {
		return strings.TrimSuffix(endpoint, "/")
	}
	for _, svc := range doc.Service {
		if svc.Type == pdsServiceType || strings.HasSuffix(svc.ID, pdsServiceIDFrag) {
			if svc.ServiceEndpoint == "" {
				continue
			}
			return strings.TrimSuffix(svc.ServiceEndpoint, "/")
		}
	}
	return ""
}
