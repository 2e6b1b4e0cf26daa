package service

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// sessionStore issues and validates peer session tokens. Expiry is how
// invalid_session_id happens in practice: a peer that sits idle past the
// TTL gets refused and transparently re-establishes.
type sessionStore struct {
	ttl time.Duration
	// onExpire cancels any claims the expired session still owns.
	onExpire func(owner string)

	mu       sync.Mutex
	sessions map[string]time.Time
}

func newSessionStore(ttl time.Duration, onExpire func(string)) *sessionStore {
	return &sessionStore{
		ttl:      ttl,
		onExpire: onExpire,
		sessions: map[string]time.Time{},
	}
}

func (s *sessionStore) New() string {
	id := ksuid.New().String()
	s.mu.Lock()
	s.sessions[id] = time.Now().Add(s.ttl)
	s.mu.Unlock()
	return id
}

// Validate checks a token and, if valid, extends its life.
func (s *sessionStore) Validate(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.sessions[id]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(s.sessions, id)
		return false
	}
	s.sessions[id] = time.Now().Add(s.ttl)
	return true
}

// Expire force-expires one session; tests use this to provoke the
// federation recovery path.
func (s *sessionStore) Expire(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	if s.onExpire != nil {
		s.onExpire(id)
	}
}

func (s *sessionStore) sweep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		var expired []string
		s.mu.Lock()
		for id, deadline := range s.sessions {
			if now.After(deadline) {
				delete(s.sessions, id)
				expired = append(expired, id)
			}
		}
		s.mu.Unlock()
		for _, id := range expired {
			if s.onExpire != nil {
				s.onExpire(id)
			}
		}
	}
}
