// Package auth provides constant-time token validation for the revtun
// control plane's Login RPC.
package auth

import (
	"crypto/subtle"
	"errors"
)

var (
	// ErrMissingToken is returned when no authentication token is provided.
	ErrMissingToken = errors.New("missing authentication token")

	// ErrInvalidToken is returned when the provided token matches no configured user.
	ErrInvalidToken = errors.New("invalid authentication token")

	// ErrNoTokensConfigured is returned when the authenticator has no tokens to check against.
	ErrNoTokensConfigured = errors.New("no tokens configured")
)

// Authenticator validates a presented token against a fixed map of
// username -> token (spec.md §3 "tokens"). Every candidate is compared in
// constant time; the match is by equal-cost scan over the whole map so a
// miss on entry N doesn't leak timing relative to a miss on entry 1.
type Authenticator struct {
	tokens map[string]string
}

// NewAuthenticator builds an Authenticator from a username->token map.
func NewAuthenticator(tokens map[string]string) (*Authenticator, error) {
	if len(tokens) == 0 {
		return nil, ErrNoTokensConfigured
	}
	cp := make(map[string]string, len(tokens))
	for u, t := range tokens {
		cp[u] = t
	}
	return &Authenticator{tokens: cp}, nil
}

// Validate checks provided against every configured token and returns the
// matching username. It always scans the full map before returning, so the
// number of comparisons does not depend on where (or whether) a match
// occurs.
func (a *Authenticator) Validate(provided string) (string, error) {
	if provided == "" {
		return "", ErrMissingToken
	}

	matchedUser := ""
	found := 0
	for user, tok := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(provided)) == 1 {
			matchedUser = user
			found = 1
		}
	}
	if found == 0 {
		return "", ErrInvalidToken
	}
	return matchedUser, nil
}
