package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"incidentauth/pkg/metrics"
	"incidentauth/pkg/token"
)

// ErrExchangeRejected means the code could not be traded for a token. The
// code is consumed either way, so the exchange is never retried.
var ErrExchangeRejected = errors.New("token exchange rejected")

// AuthCodeURL builds the authorize URL for one PKCE flow
func (p *Provider) AuthCodeURL(state, challenge string) string {
	return p.OAuth2Config.AuthCodeURL(
		state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange trades an authorization code and its verifier for an access token
func (p *Provider) Exchange(ctx context.Context, code, verifier string) (*token.Record, error) {
	if code == "" || verifier == "" {
		return nil, fmt.Errorf("%w: missing code or verifier", ErrExchangeRejected)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	start := time.Now()
	tok, err := p.OAuth2Config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		metrics.RecordProviderRequest("exchange", "failure", time.Since(start))
		p.logger.Warn("token exchange failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrExchangeRejected, err)
	}
	if tok.AccessToken == "" {
		metrics.RecordProviderRequest("exchange", "failure", time.Since(start))
		return nil, fmt.Errorf("%w: response missing access_token", ErrExchangeRejected)
	}
	metrics.RecordProviderRequest("exchange", "success", time.Since(start))

	return &token.Record{
		AccessToken: tok.AccessToken,
		ObtainedAt:  p.now(),
	}, nil
}
