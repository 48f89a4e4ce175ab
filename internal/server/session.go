package server

import (
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/revtun/revtun/pkg/protocol"
)

var (
	// ErrSessionNotFound is returned when a session id has no registered session.
	ErrSessionNotFound = errors.New("session not found")
)

const randomIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomID returns a random string of n characters drawn from
// randomIDAlphabet, used for both session ids and generated subdomains.
func randomID(n int) (string, error) {
	b := make([]byte, n)
	alphabetLen := big.NewInt(int64(len(randomIDAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		b[i] = randomIDAlphabet[idx.Int64()]
	}
	return string(b), nil
}

// LoggedInSession is one authenticated client, recorded at Login. It stays
// registered until Logout removes it; the server never calls Logout, so a
// session id stays valid for the life of the process. It is the Session
// Registry's record of "who is this session id" (spec.md §4.A) — separate
// from the entrypoints it later publishes via Listen.
type LoggedInSession struct {
	SessionID string
	Username  string
	LoginAt   time.Time
}

// SessionRegistry maps minted session ids to the authenticated user that
// holds them. A valid session id is the sole authorization check the
// Tunnel RPCs perform (spec.md §4.F); it carries no other authorization
// scope by design.
type SessionRegistry struct {
	sessions sync.Map // map[string]*LoggedInSession
}

// NewSessionRegistry creates an empty Session Registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{}
}

// Login mints a new session id for username and records it.
func (r *SessionRegistry) Login(username string) (*LoggedInSession, error) {
	id, err := randomID(protocol.SessionIDLength)
	if err != nil {
		return nil, err
	}
	sess := &LoggedInSession{
		SessionID: id,
		Username:  username,
		LoginAt:   time.Now(),
	}
	r.sessions.Store(id, sess)
	return sess, nil
}

// Validate reports whether sessionID refers to a currently logged-in
// session, returning it if so.
func (r *SessionRegistry) Validate(sessionID string) (*LoggedInSession, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	v, ok := r.sessions.Load(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return v.(*LoggedInSession), nil
}

// Logout removes a session id from the registry.
func (r *SessionRegistry) Logout(sessionID string) {
	r.sessions.Delete(sessionID)
}

// Count returns the number of currently logged-in sessions.
func (r *SessionRegistry) Count() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
