// Package pkce produces RFC 7636 verifier, challenge and state values.
package pkce

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// VerifierBytes is the amount of entropy drawn for each verifier
const VerifierBytes = 32

// MethodS256 is the only supported challenge method
const MethodS256 = "S256"

// ErrCryptoUnavailable means no secure random source could be read.
// It is fatal for the auth subsystem; there is no "plain" fallback.
var ErrCryptoUnavailable = errors.New("secure random source unavailable")

// Material is one set of values for a single authorize redirect
type Material struct {
	Verifier  string
	Challenge string
	State     string
}

// Generator draws PKCE values from a random source
type Generator struct {
	random io.Reader
}

// NewGenerator creates a generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{random: rand.Reader}
}

// NewGeneratorWithReader creates a generator backed by the given reader
func NewGeneratorWithReader(r io.Reader) *Generator {
	return &Generator{random: r}
}

// GenerateVerifier returns a base64url (unpadded) encoding of 32 random bytes
func (g *Generator) GenerateVerifier() (string, error) {
	if g.random == nil {
		return "", ErrCryptoUnavailable
	}

	b := make([]byte, VerifierBytes)
	if _, err := io.ReadFull(g.random, b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateState returns a random one-time identifier used to bind the callback
func (g *Generator) GenerateState() (string, error) {
	if g.random == nil {
		return "", ErrCryptoUnavailable
	}

	id, err := uuid.NewRandomFromReader(g.random)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return id.String(), nil
}

// NewMaterial generates a fresh verifier, its challenge and a state
func (g *Generator) NewMaterial() (*Material, error) {
	verifier, err := g.GenerateVerifier()
	if err != nil {
		return nil, err
	}

	challenge, err := DeriveChallenge(verifier)
	if err != nil {
		return nil, err
	}

	state, err := g.GenerateState()
	if err != nil {
		return nil, err
	}

	return &Material{
		Verifier:  verifier,
		Challenge: challenge,
		State:     state,
	}, nil
}

// DeriveChallenge computes the S256 challenge: base64url(SHA-256(verifier)) without padding
func DeriveChallenge(verifier string) (string, error) {
	if verifier == "" {
		return "", errors.New("verifier is empty")
	}
	return oauth2.S256ChallengeFromVerifier(verifier), nil
}
