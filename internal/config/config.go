// Package config reads server and CLI settings from the environment.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings
type Config struct {
	// DatabaseURL selects PostgreSQL storage; empty keeps state in memory
	DatabaseURL             string
	PublicURL               string
	ClientID                string
	Scope                   string
	GlobalHost              string
	HandleDirectoryURL      string
	PLCURL                  string
	DefaultServiceHost      string
	PasswordSessionEndpoint string
	CookieSecret            string
	Port                    string
	AllowedOrigins          []string
	AllowPrivateIPs         bool
}

// Load reads .env files (if present) and then the environment. Values
// already set in the environment win over .env.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cookieSecret, err := GetEnvBase64OrPlain("COOKIE_SECRET")
	if err != nil {
		return nil, err
	}

	allowPrivate, err := getEnvBool("ALLOW_PRIVATE_IPS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		PublicURL:               getEnv("PUBLIC_URL", "http://127.0.0.1:8080"),
		ClientID:                os.Getenv("OAUTH_CLIENT_ID"),
		Scope:                   getEnv("OAUTH_SCOPE", "atproto transition:generic"),
		GlobalHost:              getEnv("OAUTH_GLOBAL_HOST", "https://bsky.social"),
		HandleDirectoryURL:      getEnv("HANDLE_DIRECTORY_URL", "https://public.api.bsky.app"),
		PLCURL:                  getEnv("PLC_URL", "https://plc.directory"),
		DefaultServiceHost:      getEnv("DEFAULT_SERVICE_HOST", "https://bsky.social"),
		PasswordSessionEndpoint: getEnv("PASSWORD_SESSION_ENDPOINT", "https://bsky.social/xrpc/com.atproto.server.createSession"),
		CookieSecret:            cookieSecret,
		Port:                    getEnv("PORT", "8080"),
		AllowPrivateIPs:         allowPrivate,
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	} else {
		cfg.AllowedOrigins = []string{cfg.GlobalHost}
	}

	return cfg, nil
}

// IsDevelopment reports whether the public URL is a loopback address
func (c *Config) IsDevelopment() bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "http://[::1]"} {
		if strings.HasPrefix(c.PublicURL, prefix) {
			return true
		}
	}
	return false
}

// GetEnvBase64OrPlain retrieves an environment variable that may be base64 encoded.
// If the value starts with "base64:", it will be decoded.
// Otherwise, it returns the plain value.
//
// Example usage in .env:
//
//	COOKIE_SECRET=f1132c01b1a625a865c6c455a75ee793...  (plain)
//	COOKIE_SECRET=base64:ZjExMzJjMDFiMWE2MjVh...        (base64 encoded)
func GetEnvBase64OrPlain(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", nil
	}

	if encoded, ok := strings.CutPrefix(value, "base64:"); ok {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return "", fmt.Errorf("invalid base64 encoding for %s: %w", key, err)
		}
		return string(decoded), nil
	}

	return value, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %q", key, v)
	}
	return b, nil
}
