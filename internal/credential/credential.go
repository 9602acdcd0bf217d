// Package credential owns the bearer/refresh token pair for the current
// session. It is a pure state holder: no network calls, no retry logic.
// Token values must never reach the logs.
package credential

import (
	"sync"
	"time"
)

// Credential 当前会话的凭证
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	Expiry       time.Time `json:"expiry"`
}

// Expired reports whether the access token is past its expiry. A zero
// expiry means the backend did not communicate one; treat it as live.
func (c *Credential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && now.After(c.Expiry)
}

// Store is the credential holder shared by transport and stream.
// Get returns nil when no credential is held.
type Store interface {
	Get() *Credential
	Set(Credential) error
	Clear() error
}

// MemoryStore holds the credential in process memory only. Used by tests
// and by callers that opt out of session persistence.
type MemoryStore struct {
	mu   sync.RWMutex
	cred *Credential
}

// NewMemoryStore 创建内存凭证存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get() *Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return nil
	}
	cp := *s.cred
	return &cp
}

func (s *MemoryStore) Set(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &c
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}
