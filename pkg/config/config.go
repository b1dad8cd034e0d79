// Package config loads the client configuration. Values come from, in
// increasing priority, built-in defaults, a YAML file and INCIDENTAUTH_*
// environment variables. Command-line flags are applied by the caller.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds the client configuration
type Config struct {
	// CMS Configuration
	BaseURL       string   `yaml:"base_url" env:"INCIDENTAUTH_BASE_URL"`
	ClientID      string   `yaml:"client_id" env:"INCIDENTAUTH_CLIENT_ID"`
	RedirectURL   string   `yaml:"redirect_url" env:"INCIDENTAUTH_REDIRECT_URL"`
	AppRootURL    string   `yaml:"app_root_url" env:"INCIDENTAUTH_APP_ROOT_URL"`
	Scopes        []string `yaml:"scopes" env:"INCIDENTAUTH_SCOPES" envSeparator:" "`
	IssuerURL     string   `yaml:"issuer_url" env:"INCIDENTAUTH_ISSUER_URL"`
	AuthorizeURL  string   `yaml:"authorize_url" env:"INCIDENTAUTH_AUTHORIZE_URL"`
	TokenURL      string   `yaml:"token_url" env:"INCIDENTAUTH_TOKEN_URL"`
	IdentityURL   string   `yaml:"identity_url" env:"INCIDENTAUTH_IDENTITY_URL"`
	IncidentsPath string   `yaml:"incidents_path" env:"INCIDENTAUTH_INCIDENTS_PATH"`
	EditorRoles   []string `yaml:"editor_roles" env:"INCIDENTAUTH_EDITOR_ROLES" envSeparator:","`

	// Storage Configuration
	StorePath string `yaml:"store_path" env:"INCIDENTAUTH_STORE_PATH"`
	SessionID string `yaml:"session_id" env:"INCIDENTAUTH_SESSION_ID"`
	// Base64 keys, both or neither. Never read from the YAML file.
	SealSigningKey    string `yaml:"-" env:"INCIDENTAUTH_SEAL_SIGNING_KEY"`
	SealEncryptionKey string `yaml:"-" env:"INCIDENTAUTH_SEAL_ENCRYPTION_KEY"`

	// Timing Configuration
	Timeout     time.Duration `yaml:"timeout" env:"INCIDENTAUTH_TIMEOUT"`
	Debounce    time.Duration `yaml:"debounce" env:"INCIDENTAUTH_DEBOUNCE"`
	StaleAfter  time.Duration `yaml:"stale_after" env:"INCIDENTAUTH_STALE_AFTER"`
	GraceWindow time.Duration `yaml:"grace_window" env:"INCIDENTAUTH_GRACE_WINDOW"`

	// Incident API limits
	RateLimit float64 `yaml:"rate_limit" env:"INCIDENTAUTH_RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"INCIDENTAUTH_RATE_BURST"`

	Log LogConfig `yaml:"log"`
}

// LogConfig selects the logger
type LogConfig struct {
	Level  string `yaml:"level" env:"INCIDENTAUTH_LOG_LEVEL"`
	Format string `yaml:"format" env:"INCIDENTAUTH_LOG_FORMAT"`
}

// Default returns the configuration for a local Liferay instance
func Default() *Config {
	return &Config{
		BaseURL:     "http://localhost:8080",
		RedirectURL: "http://localhost:8000/callback",
		Scopes: []string{
			"Liferay.Headless.Admin.User.everything",
			"Liferay.Headless.Admin.User.everything.write",
			"Liferay.Headless.Admin.User.everything.read",
			"c_incident.everything",
		},
		AuthorizeURL:  "/o/oauth2/authorize",
		TokenURL:      "/o/oauth2/token",
		IdentityURL:   "/o/headless-admin-user/v1.0/my-user-account",
		IncidentsPath: "/o/c/incidents",
		EditorRoles:   []string{"test team 2"},
		Timeout:       10 * time.Second,
		Debounce:      200 * time.Millisecond,
		StaleAfter:    30 * time.Second,
		GraceWindow:   10 * time.Second,
		RateLimit:     5,
		RateBurst:     5,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultPath returns the config file location under the user config dir
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "incidentauth", "config.yaml")
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is only an error when explicit is true.
func Load(path string, explicit bool) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration can drive a sign-in
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if err := requireAbsolute("base_url", c.BaseURL); err != nil {
		return err
	}
	if err := requireAbsolute("redirect_url", c.RedirectURL); err != nil {
		return err
	}
	if c.AppRootURL != "" {
		if err := requireAbsolute("app_root_url", c.AppRootURL); err != nil {
			return err
		}
	}
	if len(c.Scopes) == 0 {
		return errors.New("at least one scope is required")
	}
	if c.Timeout <= 0 || c.Debounce <= 0 || c.StaleAfter <= 0 || c.GraceWindow <= 0 {
		return errors.New("timeout, debounce, stale_after and grace_window must be positive")
	}
	if (c.SealSigningKey == "") != (c.SealEncryptionKey == "") {
		return errors.New("both seal keys must be set, or neither")
	}
	return nil
}

// Endpoint resolves a configured endpoint against BaseURL. Absolute values
// are returned unchanged.
func (c *Config) Endpoint(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty endpoint")
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}
	if ref.IsAbs() {
		return raw, nil
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base_url: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// CallbackPath is the path component of RedirectURL
func (c *Config) CallbackPath() string {
	u, err := url.Parse(c.RedirectURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// ListenAddr is the loopback address the callback server binds to
func (c *Config) ListenAddr() (string, error) {
	u, err := url.Parse(c.RedirectURL)
	if err != nil {
		return "", fmt.Errorf("invalid redirect_url: %w", err)
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port), nil
}

// SealKeys decodes the at-rest sealing keys. It returns nil keys when
// sealing is not configured.
func (c *Config) SealKeys() (signing, encryption []byte, err error) {
	if c.SealSigningKey == "" && c.SealEncryptionKey == "" {
		return nil, nil, nil
	}
	signing, err = decodeKey(c.SealSigningKey)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid seal signing key: %w", err)
	}
	encryption, err = decodeKey(c.SealEncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid seal encryption key: %w", err)
	}
	return signing, encryption, nil
}

func decodeKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("key is empty")
	}
	return base64.StdEncoding.DecodeString(value)
}

func requireAbsolute(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", name)
	}
	return nil
}
