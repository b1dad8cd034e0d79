package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"incidentauth/pkg/storage"
	"incidentauth/pkg/validation"
)

// Durable storage keys owned by Store
const (
	KeyAccessToken    = "access_token"
	KeyOwner          = "oauth_owner"
	KeyPkceVerifier   = "pkce_verifier"
	KeyPkceState      = "pkce_state"
	ownerScopedPrefix = KeyAccessToken + "_"
)

// Record is an access token together with the identity it belongs to.
// OwnerID is empty when the identity could not be resolved.
type Record struct {
	AccessToken string
	OwnerID     string
	ObtainedAt  time.Time
}

// PkceMaterial is the verifier and state of one pending authorize redirect
type PkceMaterial struct {
	Verifier string
	State    string
}

// cached is the JSON shape written under a token key
type cached struct {
	AccessToken string    `json:"access_token"`
	ObtainedAt  time.Time `json:"obtained_at"`
}

// Store owns every durable auth key. At most one token record is
// resolvable through LoadToken at any time.
type Store struct {
	kv  storage.KV
	now func() time.Time
}

// NewStore creates a credential store over kv
func NewStore(kv storage.KV) *Store {
	return &Store{kv: kv, now: time.Now}
}

// OwnerKey returns the owner-scoped token key for ownerID
func OwnerKey(ownerID string) string {
	return ownerScopedPrefix + ownerID
}

// SaveToken persists rec as the only resolvable token. With an owner it
// removes every other owner-scoped record and the generic record; without
// one it removes all owner-scoped records and the owner marker.
func (s *Store) SaveToken(ctx context.Context, rec Record) error {
	if err := validation.ValidateAccessToken(rec.AccessToken); err != nil {
		return fmt.Errorf("cannot save token: %w", err)
	}
	if rec.OwnerID != "" {
		if err := validation.ValidateOwnerID(rec.OwnerID); err != nil {
			return fmt.Errorf("cannot save token: %w", err)
		}
	}

	obtained := rec.ObtainedAt
	if obtained.IsZero() {
		obtained = s.now()
	}
	data, err := json.Marshal(cached{AccessToken: rec.AccessToken, ObtainedAt: obtained.UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if rec.OwnerID == "" {
		if err := s.kv.Set(ctx, KeyAccessToken, string(data)); err != nil {
			return fmt.Errorf("failed to write token: %w", err)
		}
		if err := s.deleteOwnerScoped(ctx, ""); err != nil {
			return err
		}
		return s.ClearOwner(ctx)
	}

	if err := s.kv.Set(ctx, OwnerKey(rec.OwnerID), string(data)); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	if err := s.kv.Set(ctx, KeyOwner, rec.OwnerID); err != nil {
		return fmt.Errorf("failed to write owner: %w", err)
	}
	if err := s.deleteOwnerScoped(ctx, rec.OwnerID); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, KeyAccessToken); err != nil {
		return fmt.Errorf("failed to delete generic token: %w", err)
	}
	return nil
}

// LoadToken returns the resolvable token, or nil if there is none or the
// stored value fails shape validation.
func (s *Store) LoadToken(ctx context.Context) (*Record, error) {
	owner, err := s.Owner(ctx)
	if err != nil {
		return nil, err
	}

	if owner != "" {
		rec, err := s.read(ctx, OwnerKey(owner))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			rec.OwnerID = owner
			return rec, nil
		}
	}

	return s.read(ctx, KeyAccessToken)
}

// ClearToken removes every token record and the owner marker
func (s *Store) ClearToken(ctx context.Context) error {
	if err := s.kv.Delete(ctx, KeyAccessToken); err != nil {
		return fmt.Errorf("failed to delete generic token: %w", err)
	}
	if err := s.deleteOwnerScoped(ctx, ""); err != nil {
		return err
	}
	return s.ClearOwner(ctx)
}

// Owner returns the stored owner id, or "" if none
func (s *Store) Owner(ctx context.Context) (string, error) {
	owner, ok, err := s.kv.Get(ctx, KeyOwner)
	if err != nil {
		return "", fmt.Errorf("failed to read owner: %w", err)
	}
	owner = strings.TrimSpace(owner)
	if !ok || validation.ValidateOwnerID(owner) != nil {
		return "", nil
	}
	return owner, nil
}

// ClearOwner removes the owner marker
func (s *Store) ClearOwner(ctx context.Context) error {
	if err := s.kv.Delete(ctx, KeyOwner); err != nil {
		return fmt.Errorf("failed to delete owner: %w", err)
	}
	return nil
}

// RetainOwner handles an identity change: every token record except the one
// scoped to ownerID is removed together with the owner marker. If a valid
// record for ownerID survives, the marker is pointed at it so that it becomes
// resolvable, and true is returned.
func (s *Store) RetainOwner(ctx context.Context, ownerID string) (bool, error) {
	if err := s.deleteOwnerScoped(ctx, ownerID); err != nil {
		return false, err
	}
	if err := s.kv.Delete(ctx, KeyAccessToken); err != nil {
		return false, fmt.Errorf("failed to delete generic token: %w", err)
	}
	if err := s.ClearOwner(ctx); err != nil {
		return false, err
	}

	if ownerID == "" || validation.ValidateOwnerID(ownerID) != nil {
		return false, nil
	}

	rec, err := s.read(ctx, OwnerKey(ownerID))
	if err != nil || rec == nil {
		return false, err
	}
	if err := s.kv.Set(ctx, KeyOwner, ownerID); err != nil {
		return false, fmt.Errorf("failed to write owner: %w", err)
	}
	return true, nil
}

// OwnerScopedIDs lists the owners that currently have a token record
func (s *Store) OwnerScopedIDs(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, ownerScopedPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, ownerScopedPrefix))
	}
	return ids, nil
}

// SavePkceMaterial persists the verifier and state of a new flow
func (s *Store) SavePkceMaterial(ctx context.Context, m PkceMaterial) error {
	if m.Verifier == "" || m.State == "" {
		return errors.New("cannot save incomplete PKCE material")
	}
	if err := s.kv.Set(ctx, KeyPkceVerifier, m.Verifier); err != nil {
		return fmt.Errorf("failed to write PKCE verifier: %w", err)
	}
	if err := s.kv.Set(ctx, KeyPkceState, m.State); err != nil {
		return fmt.Errorf("failed to write PKCE state: %w", err)
	}
	return nil
}

// LoadPkceMaterial returns the pending material, or nil if either half is missing
func (s *Store) LoadPkceMaterial(ctx context.Context) (*PkceMaterial, error) {
	verifier, ok, err := s.kv.Get(ctx, KeyPkceVerifier)
	if err != nil {
		return nil, fmt.Errorf("failed to read PKCE verifier: %w", err)
	}
	if !ok || verifier == "" {
		return nil, nil
	}

	state, ok, err := s.kv.Get(ctx, KeyPkceState)
	if err != nil {
		return nil, fmt.Errorf("failed to read PKCE state: %w", err)
	}
	if !ok || state == "" {
		return nil, nil
	}

	return &PkceMaterial{Verifier: verifier, State: state}, nil
}

// ClearPkceMaterial removes the pending material
func (s *Store) ClearPkceMaterial(ctx context.Context) error {
	if err := s.kv.Delete(ctx, KeyPkceVerifier); err != nil {
		return fmt.Errorf("failed to delete PKCE verifier: %w", err)
	}
	if err := s.kv.Delete(ctx, KeyPkceState); err != nil {
		return fmt.Errorf("failed to delete PKCE state: %w", err)
	}
	return nil
}

// read loads and shape-checks the record stored under key
func (s *Store) read(ctx context.Context, key string) (*Record, error) {
	value, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	if !ok {
		return nil, nil
	}

	rec := &Record{AccessToken: value}
	if strings.HasPrefix(strings.TrimSpace(value), "{") {
		var c cached
		if err := json.Unmarshal([]byte(value), &c); err != nil {
			return nil, nil
		}
		rec.AccessToken = c.AccessToken
		rec.ObtainedAt = c.ObtainedAt
	}

	if validation.ValidateAccessToken(rec.AccessToken) != nil {
		return nil, nil
	}
	rec.AccessToken = strings.TrimSpace(rec.AccessToken)
	return rec, nil
}

// deleteOwnerScoped removes every owner-scoped record except keep's
func (s *Store) deleteOwnerScoped(ctx context.Context, keep string) error {
	keys, err := s.kv.Keys(ctx, ownerScopedPrefix)
	if err != nil {
		return fmt.Errorf("failed to list tokens: %w", err)
	}
	for _, k := range keys {
		if keep != "" && k == OwnerKey(keep) {
			continue
		}
		if err := s.kv.Delete(ctx, k); err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return nil
}
