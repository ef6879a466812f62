// Package session keeps the passwords a visitor has entered, per protected
// folder, behind a signed cookie.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNoSession = errors.New("session: not found")
	ErrBadCookie = errors.New("session: invalid cookie")
)

// Session maps a protected route (authPath) to the password the visitor
// entered for it.
type Session struct {
	PassKeys map[string]string `json:"passKeys"`
}

// PassKey returns the stored password for authPath, or "".
func (s *Session) PassKey(authPath string) string {
	if s == nil || s.PassKeys == nil {
		return ""
	}
	return s.PassKeys[authPath]
}

// SetPassKey adds or overwrites the password for authPath.
func (s *Session) SetPassKey(authPath, password string) {
	if s.PassKeys == nil {
		s.PassKeys = map[string]string{}
	}
	s.PassKeys[authPath] = password
}

func (s *Session) clone() *Session {
	cp := &Session{PassKeys: make(map[string]string, len(s.PassKeys))}
	for k, v := range s.PassKeys {
		cp.PassKeys[k] = v
	}
	return cp
}

// Store persists sessions by id. Implementations are safe for concurrent
// use; Get returns ErrNoSession for unknown or expired ids.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, id string, s *Session, ttl time.Duration) error
}

type memEntry struct {
	sess    *Session
	expires time.Time
}

// MemoryStore is an in-process Store, for single-instance deployments and
// tests.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string]memEntry
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]memEntry{}, now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, ErrNoSession
	}
	if !m.now().Before(e.expires) {
		delete(m.byID, id)
		return nil, ErrNoSession
	}
	return e.sess.clone(), nil
}

// Save stores a copy of s and drops expired entries.
func (m *MemoryStore) Save(_ context.Context, id string, s *Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.byID {
		if !now.Before(e.expires) {
			delete(m.byID, k)
		}
	}
	m.byID[id] = memEntry{sess: s.clone(), expires: now.Add(ttl)}
	return nil
}

// Len reports the number of live entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
