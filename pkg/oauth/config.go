package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds every request to the authorization server
const DefaultTimeout = 10 * time.Second

// Config holds the OAuth2 client configuration. The client is public: no
// secret is ever sent, the PKCE verifier proves possession instead.
type Config struct {
	ClientID     string
	RedirectURL  string
	Scopes       []string
	AuthorizeURL string
	TokenURL     string
	IdentityURL  string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Provider wraps the OAuth2 config and the identity endpoint
type Provider struct {
	OAuth2Config *oauth2.Config
	identityURL  string
	timeout      time.Duration
	client       *http.Client
	logger       *zap.Logger
	lookups      singleflight.Group
	now          func() time.Time
}

// NewProvider creates a new provider from configuration
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("redirect url is required")
	}
	if cfg.AuthorizeURL == "" || cfg.TokenURL == "" || cfg.IdentityURL == "" {
		return nil, errors.New("authorize, token and identity endpoints are required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Provider{
		OAuth2Config: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		identityURL: cfg.IdentityURL,
		timeout:     timeout,
		client:      client,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Endpoints are the server URLs found through OIDC discovery
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
	UserInfoURL  string
}

// Discover fetches the issuer's discovery document
func Discover(ctx context.Context, issuerURL string) (*Endpoints, error) {
	provider, err := oidc.NewProvider(ctx, strings.TrimSuffix(issuerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider at %s: %w", issuerURL, err)
	}

	var claims struct {
		UserInfoURL string `json:"userinfo_endpoint"`
	}
	if err := provider.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	endpoint := provider.Endpoint()
	return &Endpoints{
		AuthorizeURL: endpoint.AuthURL,
		TokenURL:     endpoint.TokenURL,
		UserInfoURL:  claims.UserInfoURL,
	}, nil
}
