package ports

import (
	"context"
	"time"

	"github.com/layer-3/warden/core"
)

// NonceStore persists anti-replay nonces.
type NonceStore interface {
	// SaveNonce stores n; the record must expire after ttl.
	SaveNonce(ctx context.Context, n core.Nonce, ttl time.Duration) error

	// ConsumeNonce atomically finds and deletes the nonce matching value and
	// deviceHash. It returns nil, nil when no such nonce exists.
	ConsumeNonce(ctx context.Context, value, deviceHash string) (*core.Nonce, error)

	// SweepNonces deletes nonces created before olderThan.
	SweepNonces(ctx context.Context, olderThan time.Time) (int64, error)
}

// SessionStore persists session records keyed by (user, session, device).
type SessionStore interface {
	Upsert(ctx context.Context, s *core.Session) error

	// FindExact returns nil, nil when the session does not exist.
	FindExact(ctx context.Context, userID, sessionID, deviceHash string) (*core.Session, error)

	// DeleteExact is idempotent.
	DeleteExact(ctx context.Context, userID, sessionID, deviceHash string) error

	DeleteAllForDevice(ctx context.Context, userID, deviceHash string) error
	ListForUser(ctx context.Context, userID string) ([]*core.Session, error)
	TouchAccessRotated(ctx context.Context, userID, sessionID, deviceHash string, at time.Time) error

	// SweepExpired deletes sessions created before olderThan.
	SweepExpired(ctx context.Context, olderThan time.Time) (int64, error)
}

// DeviceSessionReplacer is implemented by session stores that can delete every
// session for a device and insert the new one atomically.
type DeviceSessionReplacer interface {
	ReplaceDeviceSession(ctx context.Context, s *core.Session) error
}

// UserDirectory maps account addresses to user identities.
type UserDirectory interface {
	// FindOrCreate returns the user for address, creating it with role when missing.
	FindOrCreate(ctx context.Context, address, role string) (*core.User, error)

	// GetByID returns nil, nil when the user does not exist.
	GetByID(ctx context.Context, id string) (*core.User, error)

	// Update applies the profile change and returns the stored user, or nil, nil when missing.
	Update(ctx context.Context, id string, upd core.ProfileUpdate) (*core.User, error)
}
