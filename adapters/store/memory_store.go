package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	"github.com/oklog/ulid/v2"
)

type nonceKey struct {
	value      string
	deviceHash string
}

type memoryNonce struct {
	nonce     core.Nonce
	expiresAt time.Time
}

type sessionKey struct {
	userID     string
	sessionID  string
	deviceHash string
}

// MemoryStore keeps nonces, sessions and users in process memory.
// It is intended for tests and single-instance development.
type MemoryStore struct {
	mu        sync.RWMutex
	nonces    map[nonceKey]memoryNonce
	sessions  map[sessionKey]core.Session
	users     map[string]core.User
	byAddress map[string]string
	now       func() time.Time
}

var (
	_ ports.NonceStore    = (*MemoryStore)(nil)
	_ ports.SessionStore  = (*MemoryStore)(nil)
	_ ports.UserDirectory = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nonces:    make(map[nonceKey]memoryNonce),
		sessions:  make(map[sessionKey]core.Session),
		users:     make(map[string]core.User),
		byAddress: make(map[string]string),
		now:       time.Now,
	}
}

// SetClock replaces the clock used for nonce expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SaveNonce stores n until ttl elapses.
func (s *MemoryStore) SaveNonce(ctx context.Context, n core.Nonce, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nonces[nonceKey{n.Value, n.DeviceHash}] = memoryNonce{nonce: n, expiresAt: s.now().Add(ttl)}
	return nil
}

// ConsumeNonce removes and returns the matching nonce. Expired nonces are
// removed but reported as absent.
func (s *MemoryStore) ConsumeNonce(ctx context.Context, value, deviceHash string) (*core.Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nonceKey{value, deviceHash}
	rec, ok := s.nonces[key]
	if !ok {
		return nil, nil
	}
	delete(s.nonces, key)
	if !s.now().Before(rec.expiresAt) {
		return nil, nil
	}
	n := rec.nonce
	return &n, nil
}

// SweepNonces deletes nonces created before olderThan or already past their TTL.
func (s *MemoryStore) SweepNonces(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for k, rec := range s.nonces {
		if rec.nonce.CreatedAt.Before(olderThan) || !now.Before(rec.expiresAt) {
			delete(s.nonces, k)
			n++
		}
	}
	return n, nil
}

// Upsert inserts or replaces the session.
func (s *MemoryStore) Upsert(ctx context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sessionKey{sess.UserID, sess.SessionID, sess.DeviceHash}] = copySession(*sess)
	return nil
}

// FindExact returns the session or nil when absent.
func (s *MemoryStore) FindExact(ctx context.Context, userID, sessionID, deviceHash string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionKey{userID, sessionID, deviceHash}]
	if !ok {
		return nil, nil
	}
	out := copySession(sess)
	return &out, nil
}

// DeleteExact removes the session if it exists.
func (s *MemoryStore) DeleteExact(ctx context.Context, userID, sessionID, deviceHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionKey{userID, sessionID, deviceHash})
	return nil
}

// DeleteAllForDevice removes every session of userID on deviceHash.
func (s *MemoryStore) DeleteAllForDevice(ctx context.Context, userID, deviceHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.sessions {
		if k.userID == userID && k.deviceHash == deviceHash {
			delete(s.sessions, k)
		}
	}
	return nil
}

// ReplaceDeviceSession deletes the device's sessions and inserts sess under one lock.
func (s *MemoryStore) ReplaceDeviceSession(ctx context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.sessions {
		if k.userID == sess.UserID && k.deviceHash == sess.DeviceHash {
			delete(s.sessions, k)
		}
	}
	s.sessions[sessionKey{sess.UserID, sess.SessionID, sess.DeviceHash}] = copySession(*sess)
	return nil
}

// ListForUser returns the user's sessions ordered by creation time.
func (s *MemoryStore) ListForUser(ctx context.Context, userID string) ([]*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Session
	for k, sess := range s.sessions {
		if k.userID != userID {
			continue
		}
		c := copySession(sess)
		out = append(out, &c)
	}
	sortSessions(out)
	return out, nil
}

// TouchAccessRotated records an access token rotation. Missing sessions are ignored.
func (s *MemoryStore) TouchAccessRotated(ctx context.Context, userID, sessionID, deviceHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{userID, sessionID, deviceHash}
	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	sess.AccessRotatedAt = &at
	s.sessions[key] = sess
	return nil
}

// SweepExpired deletes sessions created before olderThan.
func (s *MemoryStore) SweepExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, sess := range s.sessions {
		if sess.CreatedAt.Before(olderThan) {
			delete(s.sessions, k)
			n++
		}
	}
	return n, nil
}

// FindOrCreate returns the user owning address, creating it with role on first sight.
func (s *MemoryStore) FindOrCreate(ctx context.Context, address, role string) (*core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(address)
	if id, ok := s.byAddress[key]; ok {
		u := s.users[id]
		return &u, nil
	}

	u := core.User{
		ID:        ulid.Make().String(),
		Address:   address,
		Role:      role,
		CreatedAt: s.now().UTC(),
	}
	s.users[u.ID] = u
	s.byAddress[key] = u.ID
	return &u, nil
}

// GetByID returns the user or nil when absent.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// Update applies upd to the user and returns the result, or nil when absent.
func (s *MemoryStore) Update(ctx context.Context, id string, upd core.ProfileUpdate) (*core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	upd.Apply(&u)
	s.users[id] = u
	return &u, nil
}

// Clear removes all data from the store.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nonces = make(map[nonceKey]memoryNonce)
	s.sessions = make(map[sessionKey]core.Session)
	s.users = make(map[string]core.User)
	s.byAddress = make(map[string]string)
}
