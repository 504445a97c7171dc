// Package auth carries the session token and refreshes it across concurrent
// 401s with exactly one in-flight refresh, shared by all waiters.
package auth

import "sync"

// TokenStore holds the current session token. One writer per refresh cycle;
// readers see the latest written token.
type TokenStore struct {
	mu    sync.RWMutex
	token string
}

// NewTokenStore creates a store seeded with the given token.
func NewTokenStore(token string) *TokenStore {
	return &TokenStore{token: token}
}

// Get returns the current token.
func (s *TokenStore) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Set replaces the current token.
func (s *TokenStore) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}
