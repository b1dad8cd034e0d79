package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), false)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, "/o/oauth2/authorize", cfg.AuthorizeURL)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 30*time.Second, cfg.StaleAfter)
	assert.Equal(t, 10*time.Second, cfg.GraceWindow)
	assert.Len(t, cfg.Scopes, 4)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), true)
	assert.Error(t, err)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, `
base_url: https://cms.example.com
client_id: id-from-file
redirect_url: http://127.0.0.1:8765/callback
scopes: [c_incident.everything]
editor_roles: [Dispatch, "Test Team 2"]
timeout: 5s
log:
  level: debug
  format: json
`)

	t.Setenv("INCIDENTAUTH_CLIENT_ID", "id-from-env")
	t.Setenv("INCIDENTAUTH_GRACE_WINDOW", "15s")
	t.Setenv("INCIDENTAUTH_SCOPES", "a b")

	cfg, err := Load(path, true)
	require.NoError(t, err)

	assert.Equal(t, "https://cms.example.com", cfg.BaseURL)
	assert.Equal(t, "id-from-env", cfg.ClientID)
	assert.Equal(t, []string{"a", "b"}, cfg.Scopes)
	assert.Equal(t, []string{"Dispatch", "Test Team 2"}, cfg.EditorRoles)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 15*time.Second, cfg.GraceWindow)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeFile(t, "base_url: [unterminated"), true)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.ClientID = "client"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing client id", mutate: func(c *Config) { c.ClientID = "" }, wantErr: true},
		{name: "relative base url", mutate: func(c *Config) { c.BaseURL = "/portal" }, wantErr: true},
		{name: "missing redirect", mutate: func(c *Config) { c.RedirectURL = "" }, wantErr: true},
		{name: "relative app root", mutate: func(c *Config) { c.AppRootURL = "/web" }, wantErr: true},
		{name: "no scopes", mutate: func(c *Config) { c.Scopes = nil }, wantErr: true},
		{name: "zero debounce", mutate: func(c *Config) { c.Debounce = 0 }, wantErr: true},
		{name: "one seal key", mutate: func(c *Config) { c.SealSigningKey = "abc" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEndpoint(t *testing.T) {
	cfg := Default()
	cfg.BaseURL = "https://cms.example.com"

	got, err := cfg.Endpoint("/o/oauth2/token")
	require.NoError(t, err)
	assert.Equal(t, "https://cms.example.com/o/oauth2/token", got)

	got, err = cfg.Endpoint("https://sso.example.com/token")
	require.NoError(t, err)
	assert.Equal(t, "https://sso.example.com/token", got)

	_, err = cfg.Endpoint("")
	assert.Error(t, err)
}

func TestCallbackPathAndListenAddr(t *testing.T) {
	cfg := Default()
	cfg.RedirectURL = "http://127.0.0.1:8765/web/incident-reporting-tool/callback"

	assert.Equal(t, "/web/incident-reporting-tool/callback", cfg.CallbackPath())
	addr, err := cfg.ListenAddr()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8765", addr)

	cfg.RedirectURL = "http://localhost/callback"
	addr, err = cfg.ListenAddr()
	require.NoError(t, err)
	assert.Equal(t, "localhost:80", addr)
}

func TestSealKeys(t *testing.T) {
	cfg := Default()
	signing, encryption, err := cfg.SealKeys()
	require.NoError(t, err)
	assert.Nil(t, signing)
	assert.Nil(t, encryption)

	key := make([]byte, 32)
	cfg.SealSigningKey = base64.StdEncoding.EncodeToString(key)
	cfg.SealEncryptionKey = base64.StdEncoding.EncodeToString(key)
	signing, encryption, err = cfg.SealKeys()
	require.NoError(t, err)
	assert.Len(t, signing, 32)
	assert.Len(t, encryption, 32)

	cfg.SealEncryptionKey = "not base64!"
	_, _, err = cfg.SealKeys()
	assert.Error(t, err)
}
