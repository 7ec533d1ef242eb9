package auth

import (
	"sync"
	"time"
)

// TokenRevocationStore rejects single tokens by jti after logout. Account-wide
// endings (deletion, password reset) live in the account store and are
// enforced by the ActorResolver.
type TokenRevocationStore struct {
	mu   sync.RWMutex
	jtis map[string]time.Time // jti -> token expiry
	done chan struct{}
	once sync.Once
}

// NewTokenRevocationStore starts a cleanup goroutine that runs every interval.
func NewTokenRevocationStore(interval time.Duration) *TokenRevocationStore {
	s := &TokenRevocationStore{
		jtis: make(map[string]time.Time),
		done: make(chan struct{}),
	}
	go s.cleanupLoop(interval)
	return s
}

// Revoke rejects the token with this jti until it expires on its own.
func (s *TokenRevocationStore) Revoke(jti string, expiresAt time.Time) {
	s.mu.Lock()
	s.jtis[jti] = expiresAt
	s.mu.Unlock()
}

func (s *TokenRevocationStore) IsRevoked(jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jtis[jti]
	return ok
}

func (s *TokenRevocationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jtis)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (s *TokenRevocationStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *TokenRevocationStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.cleanup(now)
		}
	}
}

func (s *TokenRevocationStore) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for jti, exp := range s.jtis {
		if now.After(exp) {
			delete(s.jtis, jti)
		}
	}
}
