package guildhall

import (
	"context"
	"sync"

	"github.com/vovakirdan/guildhall-client/internal/rest"
)

// Credentials identify a user account on the chat server.
type Credentials struct {
	User string
	Pass string
}

// session tracks login credentials and the cookie the server minted for
// them. Credentials outlive the cookie: a rejected handshake invalidates the
// cookie while keeping the credentials, so the run loop can log in again on
// the next attempt. Logout clears both.
type session struct {
	mu        sync.Mutex
	creds     Credentials
	haveCreds bool
	cookie    string
}

// begin reserves the session for creds. It fails when a session is already
// in progress.
func (s *session) begin(creds Credentials) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveCreds {
		return false
	}
	s.creds = creds
	s.haveCreds = true
	s.cookie = ""
	return true
}

// authenticate exchanges the stored credentials for a fresh session cookie.
func (s *session) authenticate(ctx context.Context, api *rest.Client) error {
	s.mu.Lock()
	creds := s.creds
	ok := s.haveCreds
	s.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	cookie, err := api.Login(ctx, creds.User, creds.Pass)
	if err != nil {
		return err
	}
	if cookie == "" {
		return ErrNoSessionCookie
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveCreds {
		// Logged out while the login call was in flight. A cleared session
		// stays cleared.
		return ErrNoSession
	}
	s.cookie = cookie
	return nil
}

// value returns the raw cookie to present on requests, or "" when none is
// held. A session without credentials never yields a cookie.
func (s *session) value() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveCreds {
		return ""
	}
	return s.cookie
}

// invalidate drops the cookie but keeps the credentials, forcing a fresh
// authenticate before the next connection attempt.
func (s *session) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookie = ""
}

// live reports whether a session is in progress. Event observers only fire
// while the session is live.
func (s *session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haveCreds
}

// clear wipes credentials and cookie together. Only Logout does this.
func (s *session) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
	s.haveCreds = false
	s.cookie = ""
}
