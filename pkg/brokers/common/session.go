package common

import (
	"context"
	"sync"
)

// Session tracks the authentication state of one adapter instance.
type Session struct {
	venue string

	loginMu       sync.Mutex // serializes login attempts
	mu            sync.Mutex
	authenticated bool
	revoked       bool
	reason        string
}

// NewSession returns an unauthenticated session for venue.
func NewSession(venue string) *Session {
	return &Session{venue: venue}
}

// Authenticated reports whether a login succeeded and was not since revoked.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated && !s.revoked
}

// Login runs login once. Subsequent calls return true without invoking it
// until the session is revoked.
func (s *Session) Login(ctx context.Context, login func(ctx context.Context) error) (bool, error) {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	if s.Authenticated() {
		return true, nil
	}

	// login may hit the transport, which calls Revoke on a 401; s.mu stays free.
	err := login(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.authenticated = false
		return false, err
	}
	s.authenticated = true
	s.revoked = false
	s.reason = ""
	return true, nil
}

// Revoke marks the session unauthenticated after a 401-class response.
func (s *Session) Revoke(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = false
	s.revoked = true
	s.reason = reason
}

// Reset forgets a login without marking the session revoked, so the next
// Ensure logs in again. Used when a persistent connection drops.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = false
}

// Guard fails with AuthenticationError when the session was revoked.
func (s *Session) Guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked {
		reason := s.reason
		if reason == "" {
			reason = "session revoked by venue"
		}
		return &AuthenticationError{Venue: s.venue, Reason: reason}
	}
	return nil
}

// Ensure guards against a revoked session and logs in lazily.
func (s *Session) Ensure(ctx context.Context, login func(ctx context.Context) error) error {
	if err := s.Guard(); err != nil {
		return err
	}
	_, err := s.Login(ctx, login)
	return err
}
