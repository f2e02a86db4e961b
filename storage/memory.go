package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"authcore/permission"
	"authcore/provider"
)

// MemoryStore keeps all state in process. The default for tests and
// single-node deployments that accept losing attempts on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts map[string]Attempt
	users    map[uuid.UUID]APIUser
	byExt    map[string]uuid.UUID
	keys     map[uuid.UUID]APIKeyRecord
	clients  map[string]OAuthClient
}

// NewMemoryStore constructs the store with the configured relying clients.
func NewMemoryStore(clients []OAuthClient) *MemoryStore {
	s := &MemoryStore{
		attempts: make(map[string]Attempt),
		users:    make(map[uuid.UUID]APIUser),
		byExt:    make(map[string]uuid.UUID),
		keys:     make(map[uuid.UUID]APIKeyRecord),
		clients:  make(map[string]OAuthClient, len(clients)),
	}
	for _, c := range clients {
		s.clients[c.ID] = c
	}
	return s
}

func (s *MemoryStore) SaveAttempt(_ context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.ID] = a
	return nil
}

func (s *MemoryStore) GetAttempt(_ context.Context, id string) (Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) TransitionAttempt(_ context.Context, id string, from AttemptState, mutate func(*Attempt)) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	if a.State != from {
		return Attempt{}, fmt.Errorf("%w: attempt %s is %s, not %s", ErrStateConflict, id, a.State, from)
	}
	mutate(&a)
	s.attempts[id] = a
	return a, nil
}

func (s *MemoryStore) UpsertAPIUser(_ context.Context, ext provider.ExternalUserID, name string, emails []string) (APIUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if id, ok := s.byExt[ext.String()]; ok {
		u := s.users[id]
		u.Name = name
		u.Emails = emails
		u.UpdatedAt = now
		s.users[id] = u
		return u, nil
	}
	u := APIUser{
		ID:          uuid.New(),
		ExternalID:  ext,
		Name:        name,
		Emails:      emails,
		Permissions: permission.NewSet(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.users[u.ID] = u
	s.byExt[ext.String()] = u.ID
	return u, nil
}

func (s *MemoryStore) GetAPIUser(_ context.Context, id uuid.UUID) (APIUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return APIUser{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) SetAPIUserPermissions(_ context.Context, id uuid.UUID, perms permission.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Permissions = perms
	u.UpdatedAt = time.Now().UTC()
	s.users[id] = u
	return nil
}

func (s *MemoryStore) SaveAPIKey(_ context.Context, rec APIKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetAPIKey(_ context.Context, id uuid.UUID) (APIKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[id]
	if !ok {
		return APIKeyRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) DeleteAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

func (s *MemoryStore) GetOAuthClient(_ context.Context, id string) (OAuthClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return OAuthClient{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Close() error { return nil }
