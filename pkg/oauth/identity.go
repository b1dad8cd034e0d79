package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"incidentauth/pkg/metrics"
	"incidentauth/pkg/validation"
)

// ErrIdentityLookupFailed means the token could not be resolved to an
// identity. Callers treat it as "token invalid", not as a transient error.
var ErrIdentityLookupFailed = errors.New("identity lookup failed")

// Role is a normalised role: Key and Name are lower-cased and trimmed
type Role struct {
	ID   int64  `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Identity is the account a token belongs to
type Identity struct {
	UserID string `json:"userId"`
	Roles  []Role `json:"roles"`
}

// HasRole reports whether any role matches name by name or key
func (i *Identity) HasRole(name string) bool {
	if i == nil {
		return false
	}
	name = validation.NormalizeLabel(name)
	if name == "" {
		return false
	}
	for _, r := range i.Roles {
		if r.Name == name || r.Key == name {
			return true
		}
	}
	return false
}

// LookupError carries the HTTP status of a failed identity lookup.
// StatusCode is 0 for transport and decode failures.
type LookupError struct {
	StatusCode int
	Err        error
}

func (e *LookupError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d", ErrIdentityLookupFailed, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", ErrIdentityLookupFailed, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// Is makes every LookupError match ErrIdentityLookupFailed
func (e *LookupError) Is(target error) bool { return target == ErrIdentityLookupFailed }

// IsUnauthorized reports whether err is a lookup rejected with 401 or 403
func IsUnauthorized(err error) bool {
	var le *LookupError
	if !errors.As(err, &le) {
		return false
	}
	return le.StatusCode == http.StatusUnauthorized || le.StatusCode == http.StatusForbidden
}

// ResolveIdentity calls the identity endpoint with accessToken. Concurrent
// lookups for the same token share one request.
func (p *Provider) ResolveIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	v, err, shared := p.lookups.Do(accessToken, func() (any, error) {
		return p.resolveIdentity(ctx, accessToken)
	})
	if shared {
		p.logger.Debug("identity lookup coalesced")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Identity), nil
}

func (p *Provider) resolveIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.identityURL, nil)
	if err != nil {
		return nil, &LookupError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		metrics.RecordProviderRequest("identity", "failure", time.Since(start))
		return nil, &LookupError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RecordProviderRequest("identity", "failure", time.Since(start))
		p.logger.Debug("identity endpoint rejected token", zap.Int("status", resp.StatusCode))
		return nil, &LookupError{StatusCode: resp.StatusCode}
	}

	var doc map[string]any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		metrics.RecordProviderRequest("identity", "failure", time.Since(start))
		return nil, &LookupError{Err: fmt.Errorf("failed to decode identity: %w", err)}
	}

	identity, err := parseIdentity(doc)
	if err != nil {
		metrics.RecordProviderRequest("identity", "failure", time.Since(start))
		return nil, &LookupError{Err: err}
	}
	metrics.RecordProviderRequest("identity", "success", time.Since(start))
	return identity, nil
}

// parseIdentity normalises the several account shapes the server may return
func parseIdentity(doc map[string]any) (*Identity, error) {
	userID := firstString(doc, "id", "userId", "sub")
	if userID == "" {
		return nil, errors.New("identity response has no id")
	}

	var raw []any
	for _, field := range []string{"roleBriefs", "roles", "accountBriefs", "groups"} {
		if list, ok := doc[field].([]any); ok {
			raw = list
			break
		}
	}

	identity := &Identity{UserID: userID, Roles: []Role{}}
	seen := make(map[Role]bool)
	for _, item := range raw {
		role, ok := parseRole(item)
		if !ok || seen[role] {
			continue
		}
		seen[role] = true
		identity.Roles = append(identity.Roles, role)
	}
	return identity, nil
}

func parseRole(item any) (Role, bool) {
	switch v := item.(type) {
	case string:
		name := validation.NormalizeLabel(v)
		return Role{Key: name, Name: name}, name != ""
	case map[string]any:
		role := Role{
			Name: validation.NormalizeLabel(firstString(v, "name", "roleName", "label")),
			Key:  validation.NormalizeLabel(firstString(v, "roleKey", "key", "name")),
		}
		if id, err := strconv.ParseInt(firstString(v, "id", "roleId"), 10, 64); err == nil {
			role.ID = id
		}
		return role, role.Name != "" || role.Key != ""
	default:
		return Role{}, false
	}
}

// firstString returns the first non-empty string or number under keys
func firstString(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := doc[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}
