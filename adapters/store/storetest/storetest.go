// Package storetest holds behavioural tests shared by every store backend.
package storetest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Backend bundles the store interfaces a backend implements.
type Backend interface {
	ports.NonceStore
	ports.SessionStore
	ports.UserDirectory
}

// Run executes the full suite against b. Every case uses fresh identifiers so
// backends with shared state (Redis, Postgres) can be reused across runs.
func Run(t *testing.T, b Backend) {
	t.Run("nonces", func(t *testing.T) { RunNonceStore(t, b) })
	t.Run("sessions", func(t *testing.T) { RunSessionStore(t, b) })
	t.Run("users", func(t *testing.T) { RunUserDirectory(t, b) })
}

func id(prefix string) string {
	return prefix + "-" + strings.ToLower(ulid.Make().String())
}

// RunNonceStore checks single-use semantics of a NonceStore.
func RunNonceStore(t *testing.T, s ports.NonceStore) {
	ctx := context.Background()

	t.Run("consume once", func(t *testing.T) {
		n := core.Nonce{Value: id("nonce"), DeviceHash: id("dev"), CreatedAt: time.Now().UTC()}
		require.NoError(t, s.SaveNonce(ctx, n, time.Minute))

		got, err := s.ConsumeNonce(ctx, n.Value, n.DeviceHash)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, n.Value, got.Value)
		assert.Equal(t, n.DeviceHash, got.DeviceHash)
		assert.WithinDuration(t, n.CreatedAt, got.CreatedAt, time.Millisecond)

		again, err := s.ConsumeNonce(ctx, n.Value, n.DeviceHash)
		require.NoError(t, err)
		assert.Nil(t, again)
	})

	t.Run("bound to device", func(t *testing.T) {
		n := core.Nonce{Value: id("nonce"), DeviceHash: id("dev"), CreatedAt: time.Now().UTC()}
		require.NoError(t, s.SaveNonce(ctx, n, time.Minute))

		got, err := s.ConsumeNonce(ctx, n.Value, id("other-dev"))
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = s.ConsumeNonce(ctx, n.Value, n.DeviceHash)
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("unknown", func(t *testing.T) {
		got, err := s.ConsumeNonce(ctx, id("nonce"), id("dev"))
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("concurrent consumers", func(t *testing.T) {
		n := core.Nonce{Value: id("nonce"), DeviceHash: id("dev"), CreatedAt: time.Now().UTC()}
		require.NoError(t, s.SaveNonce(ctx, n, time.Minute))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := s.ConsumeNonce(ctx, n.Value, n.DeviceHash)
				if err == nil && got != nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func newSession(userID, deviceHash string, createdAt time.Time) *core.Session {
	return &core.Session{
		UserID:           userID,
		SessionID:        id("sid"),
		DeviceHash:       deviceHash,
		RefreshTokenHash: id("rth"),
		UserAgent:        "Mozilla/5.0",
		ChainID:          "1",
		IPAddress:        "203.0.113.7",
		CreatedAt:        createdAt.UTC().Truncate(time.Microsecond),
	}
}

// RunSessionStore checks keyed lookups, deletion and listing of a SessionStore.
func RunSessionStore(t *testing.T, s ports.SessionStore) {
	ctx := context.Background()
	now := time.Now()

	t.Run("find exact", func(t *testing.T) {
		sess := newSession(id("user"), id("dev"), now)
		require.NoError(t, s.Upsert(ctx, sess))

		got, err := s.FindExact(ctx, sess.UserID, sess.SessionID, sess.DeviceHash)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, sess.RefreshTokenHash, got.RefreshTokenHash)
		assert.Equal(t, sess.UserAgent, got.UserAgent)
		assert.Equal(t, sess.ChainID, got.ChainID)
		assert.Equal(t, sess.IPAddress, got.IPAddress)
		assert.True(t, sess.CreatedAt.Equal(got.CreatedAt))
		assert.Nil(t, got.AccessRotatedAt)

		miss, err := s.FindExact(ctx, sess.UserID, sess.SessionID, id("dev"))
		require.NoError(t, err)
		assert.Nil(t, miss, "device hash is part of the key")

		miss, err = s.FindExact(ctx, sess.UserID, id("sid"), sess.DeviceHash)
		require.NoError(t, err)
		assert.Nil(t, miss, "session id is part of the key")
	})

	t.Run("upsert overwrites", func(t *testing.T) {
		sess := newSession(id("user"), id("dev"), now)
		require.NoError(t, s.Upsert(ctx, sess))
		sess.RefreshTokenHash = "rotated"
		require.NoError(t, s.Upsert(ctx, sess))

		got, err := s.FindExact(ctx, sess.UserID, sess.SessionID, sess.DeviceHash)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "rotated", got.RefreshTokenHash)

		list, err := s.ListForUser(ctx, sess.UserID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("delete exact is idempotent", func(t *testing.T) {
		sess := newSession(id("user"), id("dev"), now)
		require.NoError(t, s.Upsert(ctx, sess))

		require.NoError(t, s.DeleteExact(ctx, sess.UserID, sess.SessionID, sess.DeviceHash))
		require.NoError(t, s.DeleteExact(ctx, sess.UserID, sess.SessionID, sess.DeviceHash))

		got, err := s.FindExact(ctx, sess.UserID, sess.SessionID, sess.DeviceHash)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("delete all for device", func(t *testing.T) {
		user := id("user")
		devA, devB := id("dev"), id("dev")
		a1 := newSession(user, devA, now)
		a2 := newSession(user, devA, now.Add(time.Second))
		b := newSession(user, devB, now)
		for _, sess := range []*core.Session{a1, a2, b} {
			require.NoError(t, s.Upsert(ctx, sess))
		}

		require.NoError(t, s.DeleteAllForDevice(ctx, user, devA))

		list, err := s.ListForUser(ctx, user)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, b.SessionID, list[0].SessionID)
	})

	t.Run("list per user", func(t *testing.T) {
		user := id("user")
		first := newSession(user, id("dev"), now.Add(-time.Minute))
		second := newSession(user, id("dev"), now)
		require.NoError(t, s.Upsert(ctx, second))
		require.NoError(t, s.Upsert(ctx, first))
		require.NoError(t, s.Upsert(ctx, newSession(id("user"), id("dev"), now)))

		list, err := s.ListForUser(ctx, user)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, first.SessionID, list[0].SessionID)
		assert.Equal(t, second.SessionID, list[1].SessionID)

		empty, err := s.ListForUser(ctx, id("user"))
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("touch access rotated", func(t *testing.T) {
		sess := newSession(id("user"), id("dev"), now)
		require.NoError(t, s.Upsert(ctx, sess))

		at := now.Add(10 * time.Minute).UTC().Truncate(time.Microsecond)
		require.NoError(t, s.TouchAccessRotated(ctx, sess.UserID, sess.SessionID, sess.DeviceHash, at))

		got, err := s.FindExact(ctx, sess.UserID, sess.SessionID, sess.DeviceHash)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.NotNil(t, got.AccessRotatedAt)
		assert.True(t, at.Equal(*got.AccessRotatedAt))
		assert.Equal(t, sess.RefreshTokenHash, got.RefreshTokenHash)

		require.NoError(t, s.TouchAccessRotated(ctx, id("user"), id("sid"), id("dev"), at))
	})

	t.Run("sweep expired", func(t *testing.T) {
		user := id("user")
		old := newSession(user, id("dev"), now.Add(-48*time.Hour))
		fresh := newSession(user, id("dev"), now)
		require.NoError(t, s.Upsert(ctx, old))
		require.NoError(t, s.Upsert(ctx, fresh))

		n, err := s.SweepExpired(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		got, err := s.FindExact(ctx, old.UserID, old.SessionID, old.DeviceHash)
		require.NoError(t, err)
		assert.Nil(t, got)
		got, err = s.FindExact(ctx, fresh.UserID, fresh.SessionID, fresh.DeviceHash)
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	if r, ok := s.(ports.DeviceSessionReplacer); ok {
		t.Run("replace device session", func(t *testing.T) {
			user := id("user")
			dev := id("dev")
			other := newSession(user, id("dev"), now)
			require.NoError(t, s.Upsert(ctx, other))
			require.NoError(t, s.Upsert(ctx, newSession(user, dev, now)))
			require.NoError(t, s.Upsert(ctx, newSession(user, dev, now)))

			next := newSession(user, dev, now.Add(time.Second))
			require.NoError(t, r.ReplaceDeviceSession(ctx, next))

			list, err := s.ListForUser(ctx, user)
			require.NoError(t, err)
			require.Len(t, list, 2)
			ids := []string{list[0].SessionID, list[1].SessionID}
			assert.ElementsMatch(t, []string{other.SessionID, next.SessionID}, ids)
		})
	}
}

// RunUserDirectory checks identity resolution of a UserDirectory.
func RunUserDirectory(t *testing.T, d ports.UserDirectory) {
	ctx := context.Background()

	t.Run("find or create is stable", func(t *testing.T) {
		addr := "0x" + strings.ToUpper(id("a")[2:])
		u, err := d.FindOrCreate(ctx, addr, core.DefaultRole)
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.NotEmpty(t, u.ID)
		assert.Equal(t, addr, u.Address)
		assert.Equal(t, core.DefaultRole, u.Role)

		again, err := d.FindOrCreate(ctx, strings.ToLower(addr), "admin")
		require.NoError(t, err)
		assert.Equal(t, u.ID, again.ID, "addresses match case-insensitively")
		assert.Equal(t, core.DefaultRole, again.Role, "role is only set on creation")

		byID, err := d.GetByID(ctx, u.ID)
		require.NoError(t, err)
		require.NotNil(t, byID)
		assert.Equal(t, addr, byID.Address)
	})

	t.Run("update profile", func(t *testing.T) {
		u, err := d.FindOrCreate(ctx, id("0xaddr"), core.DefaultRole)
		require.NoError(t, err)

		name, email := "Alice", "alice@example.com"
		updated, err := d.Update(ctx, u.ID, core.ProfileUpdate{Name: &name, Email: &email})
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.Equal(t, name, updated.Name)
		assert.Equal(t, email, updated.Email)
		assert.Empty(t, updated.Picture)

		pic := "https://example.com/a.png"
		updated, err = d.Update(ctx, u.ID, core.ProfileUpdate{Picture: &pic})
		require.NoError(t, err)
		assert.Equal(t, name, updated.Name)
		assert.Equal(t, pic, updated.Picture)
	})

	t.Run("missing user", func(t *testing.T) {
		u, err := d.GetByID(ctx, id("missing"))
		require.NoError(t, err)
		assert.Nil(t, u)

		name := "nobody"
		u, err = d.Update(ctx, id("missing"), core.ProfileUpdate{Name: &name})
		require.NoError(t, err)
		assert.Nil(t, u)
	})
}
