package auth

import "sync"

// MemoryStore простое in-memory хранилище токенов, потокобезопасное.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]Token),
	}
}

func (s *MemoryStore) Save(token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.AppID] = token
	return nil
}

func (s *MemoryStore) Get(appID string) (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[appID]
	return token, ok
}

func (s *MemoryStore) Delete(appID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, appID)
}
