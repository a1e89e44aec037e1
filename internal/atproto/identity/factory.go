package identity

import (
	"net/http"
	"time"
)

// Config holds configuration for the identity resolver
type Config struct {
	HTTPClient *http.Client
	// DirectoryURL serves com.atproto.identity.resolveHandle
	DirectoryURL string
	PLCURL       string
	// Timeout bounds each individual lookup
	Timeout   time.Duration
	CacheTTL  time.Duration // zero disables caching
	CacheSize int
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		DirectoryURL: "https://public.api.bsky.app",
		PLCURL:       "https://plc.directory",
		Timeout:      10 * time.Second,
		CacheTTL:     10 * time.Minute,
		CacheSize:    1024,
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// NewResolver creates a new identity resolver, wrapped with an in-memory
// cache unless CacheTTL is zero.
func NewResolver(config Config) Resolver {
	defaults := DefaultConfig()
	if config.DirectoryURL == "" {
		config.DirectoryURL = defaults.DirectoryURL
	}
	if config.PLCURL == "" {
		config.PLCURL = defaults.PLCURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.HTTPClient == nil {
		config.HTTPClient = defaults.HTTPClient
	}

	base := newBaseResolver(config.DirectoryURL, config.PLCURL, config.HTTPClient, config.Timeout)
	if config.CacheTTL <= 0 {
		return base
	}

	if config.CacheSize <= 0 {
		config.CacheSize = defaults.CacheSize
	}
	return newCachingResolver(base, config.CacheSize, config.CacheTTL)
}
