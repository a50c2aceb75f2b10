package tokenstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tokens in a process-local map. App access tokens
// are cheap to re-fetch after a restart, so this is the production
// store, not just a test double. Expired entries are dropped the
// moment a Get touches them.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]Token
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

// Set stores a token under key. The entry expires ttl from now.
func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = Token{
		Key:       key,
		Value:     value,
		ExpiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Get returns a copy of the cached token. A hit on an expired entry
// removes it and reports ErrTokenExpired.
func (m *MemoryStore) Get(_ context.Context, key string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[key]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if tok.IsExpired() {
		delete(m.tokens, key)
		return nil, ErrTokenExpired
	}

	out := tok
	return &out, nil
}

// Delete removes the token under key, if any.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, key)
	return nil
}

// Cleanup sweeps every expired entry and reports how many went.
func (m *MemoryStore) Cleanup(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, tok := range m.tokens {
		if tok.IsExpired() {
			delete(m.tokens, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports how many entries are held, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}
