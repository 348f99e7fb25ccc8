package embedded

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recordmesh/recordmesh/pkg/recordservice"
)

// ErrTokenNotFound is returned for unknown, cancelled or expired tokens.
var ErrTokenNotFound = errors.New("delegation token not found")

type TokenStore interface {
	Issue(ctx context.Context, owner, renewer string, expiresAt time.Time) (recordservice.DelegationToken, error)
	Renew(ctx context.Context, token recordservice.DelegationToken, expiresAt time.Time) error
	Cancel(ctx context.Context, token recordservice.DelegationToken) error
}

// NewToken returns a fresh random token.
func NewToken() recordservice.DelegationToken {
	return recordservice.DelegationToken(uuid.NewString())
}

type tokenEntry struct {
	owner     string
	renewer   string
	expiresAt time.Time
}

type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]tokenEntry
	now    func() time.Time
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: map[string]tokenEntry{}, now: time.Now}
}

func (s *MemoryTokenStore) Issue(_ context.Context, owner, renewer string, expiresAt time.Time) (recordservice.DelegationToken, error) {
	token := NewToken()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[string(token)] = tokenEntry{owner: owner, renewer: renewer, expiresAt: expiresAt}
	return token, nil
}

func (s *MemoryTokenStore) Renew(_ context.Context, token recordservice.DelegationToken, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tokens[string(token)]
	if !ok || !entry.expiresAt.After(s.now()) {
		delete(s.tokens, string(token))
		return ErrTokenNotFound
	}
	entry.expiresAt = expiresAt
	s.tokens[string(token)] = entry
	return nil
}

func (s *MemoryTokenStore) Cancel(_ context.Context, token recordservice.DelegationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[string(token)]; !ok {
		return ErrTokenNotFound
	}
	delete(s.tokens, string(token))
	return nil
}
