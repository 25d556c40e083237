package federation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"clientportal/internal/models"
)

// PendingAuthorization is what the callback needs to finish a flow started
// by a login redirect.
type PendingAuthorization struct {
	Provider  models.ProviderKind `json:"provider"`
	Verifier  string              `json:"verifier"`
	CreatedAt time.Time           `json:"created_at"`
}

// StateStore keeps pending authorizations keyed by the OAuth state value.
// Take is single use: a second Take of the same state returns
// ErrStateNotFound.
type StateStore interface {
	Put(ctx context.Context, state string, p PendingAuthorization, ttl time.Duration) error
	Take(ctx context.Context, state string) (PendingAuthorization, error)
}

// NewAuthorization returns a fresh state value and PKCE verifier.
func NewAuthorization() (state, verifier string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), oauth2.GenerateVerifier(), nil
}

type pendingEntry struct {
	p         PendingAuthorization
	expiresAt time.Time
}

type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
	lastGC  time.Time
	now     func() time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: map[string]pendingEntry{}, lastGC: time.Now().UTC(), now: time.Now}
}

func (s *MemoryStateStore) Put(ctx context.Context, state string, p PendingAuthorization, ttl time.Duration) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if now.Sub(s.lastGC) > time.Minute {
		for k, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, k)
			}
		}
		s.lastGC = now
	}
	s.entries[state] = pendingEntry{p: p, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStateStore) Take(ctx context.Context, state string) (PendingAuthorization, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[state]
	if !ok {
		return PendingAuthorization{}, ErrStateNotFound
	}
	delete(s.entries, state)
	if !s.now().UTC().Before(e.expiresAt) {
		return PendingAuthorization{}, ErrStateNotFound
	}
	return e.p, nil
}

func (s *MemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
