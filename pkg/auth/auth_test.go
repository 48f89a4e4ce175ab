package auth

import "testing"

func TestNewAuthenticator(t *testing.T) {
	tests := []struct {
		name    string
		tokens  map[string]string
		wantErr error
	}{
		{"single token", map[string]string{"alice": "tok-alice"}, nil},
		{"multiple tokens", map[string]string{"alice": "tok-alice", "bob": "tok-bob"}, nil},
		{"no tokens", map[string]string{}, ErrNoTokensConfigured},
		{"nil map", nil, ErrNoTokensConfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAuthenticator(tt.tokens)
			if err != tt.wantErr {
				t.Errorf("NewAuthenticator() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthenticatorValidate(t *testing.T) {
	a, err := NewAuthenticator(map[string]string{
		"alice": "tok-alice",
		"bob":   "tok-bob",
	})
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	tests := []struct {
		name     string
		token    string
		wantUser string
		wantErr  error
	}{
		{"alice token", "tok-alice", "alice", nil},
		{"bob token", "tok-bob", "bob", nil},
		{"wrong token", "tok-carol", "", ErrInvalidToken},
		{"empty token", "", "", ErrMissingToken},
		{"similar but different", "tok-alice!", "", ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := a.Validate(tt.token)
			if err != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if user != tt.wantUser {
				t.Errorf("Validate() user = %q, want %q", user, tt.wantUser)
			}
		})
	}
}

// TestConstantTimeComparison is a sanity check that Validate never panics
// across a spread of token shapes; it does not itself assert timing.
func TestConstantTimeComparison(t *testing.T) {
	a, _ := NewAuthenticator(map[string]string{"alice": "correct-token-here"})

	tokens := []string{
		"correct-token-here",
		"wrong-token-here!!!",
		"x",
		"this-is-a-very-long-token-that-is-definitely-wrong",
	}
	for _, token := range tokens {
		_, _ = a.Validate(token)
	}
}
