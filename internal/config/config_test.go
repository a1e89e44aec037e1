package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvBase64OrPlain(t *testing.T) {
	tests := []struct {
		name      string
		envValue  string
		want      string
		wantError bool
	}{
		{name: "plain value", envValue: "secret-with-dashes_and_underscores", want: "secret-with-dashes_and_underscores"},
		{name: "base64 encoded value", envValue: "base64:" + base64.StdEncoding.EncodeToString([]byte("f1132c01b1a625a865c6c455a75ee793")), want: "f1132c01b1a625a865c6c455a75ee793"},
		{name: "empty value", envValue: "", want: ""},
		{name: "invalid base64", envValue: "base64:not-valid-base64!!!", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_SECRET", tt.envValue)

			got, err := GetEnvBase64OrPlain("TEST_SECRET")
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "PUBLIC_URL", "OAUTH_GLOBAL_HOST", "PORT", "ALLOW_PRIVATE_IPS", "CORS_ALLOWED_ORIGINS", "COOKIE_SECRET"} {
		t.Setenv(key, "")
	}

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.PublicURL)
	assert.Equal(t, "https://bsky.social", cfg.GlobalHost)
	assert.Equal(t, "https://public.api.bsky.app", cfg.HandleDirectoryURL)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, []string{"https://bsky.social"}, cfg.AllowedOrigins)
	assert.False(t, cfg.AllowPrivateIPs)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("PLC_URL", "")
	os.Unsetenv("PLC_URL")

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("PORT=1111\nPLC_URL=https://plc.example.com\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PLC_URL") })

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "https://plc.example.com", cfg.PLCURL)
}

func TestLoad_InvalidBool(t *testing.T) {
	t.Setenv("ALLOW_PRIVATE_IPS", "sometimes")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
