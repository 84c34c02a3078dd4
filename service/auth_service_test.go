package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogin_IssuesTokensAndSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.login(t, "dev-A")
	assert.Equal(t, testAddress, res.Address)
	assert.Equal(t, "1", res.ChainID)
	assert.Equal(t, core.DefaultRole, res.User.Role)
	assert.Equal(t, h.clock.Now().Add(600*time.Second).Unix(), res.Tokens.Access.ExpiresAt.Unix())
	assert.Equal(t, h.clock.Now().Add(86400*time.Second).Unix(), res.Tokens.Refresh.ExpiresAt.Unix())

	sess, err := h.store.FindExact(ctx, res.User.UserID, res.SessionID, h.codec.Hash(core.PurposeSessionDevice, "dev-A"))
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.NotEqual(t, res.Tokens.Refresh.Value, sess.RefreshTokenHash, "only the hash is stored")
	assert.True(t, h.codec.HashEqual(core.PurposeRefreshToken, res.Tokens.Refresh.Value, sess.RefreshTokenHash))
	assert.Equal(t, "agent-dev-A", sess.UserAgent)
	assert.Equal(t, "203.0.113.7", sess.IPAddress)

	id, err := h.guard.Access(ctx, res.Tokens.Access.Value)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, id.SessionID)
	assert.Equal(t, "dev-A", id.DeviceFingerprint)
	assert.Equal(t, res.User.UserID, id.UserID)

	assert.Equal(t, []core.SessionEventType{core.EventLogin}, h.events.types())
}

func TestLogin_NonceIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	msg, sig := h.signedMessage(t, testAddress, "dev-A")
	in := LoginInput{Message: msg, Signature: sig, DeviceFingerprint: "dev-A"}

	_, err := h.svc.Login(ctx, in)
	require.NoError(t, err)

	_, err = h.svc.Login(ctx, in)
	assert.ErrorIs(t, err, core.ErrNonceReplay)
}

func TestLogin_NonceBoundToDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	msg, sig := h.signedMessage(t, testAddress, "dev-A")
	_, err := h.svc.Login(ctx, LoginInput{Message: msg, Signature: sig, DeviceFingerprint: "dev-B"})
	assert.ErrorIs(t, err, core.ErrNonceReplay)

	_, err = h.svc.Login(ctx, LoginInput{Message: msg, Signature: sig, DeviceFingerprint: "dev-A"})
	assert.NoError(t, err, "a mismatched attempt must not burn the nonce")
}

func TestLogin_NonceExpires(t *testing.T) {
	h := newHarness(t)
	msg, sig := h.signedMessage(t, testAddress, "dev-A")

	h.clock.Advance(301 * time.Second)
	_, err := h.svc.Login(context.Background(), LoginInput{Message: msg, Signature: sig, DeviceFingerprint: "dev-A"})
	assert.ErrorIs(t, err, core.ErrNonceReplay)
}

func TestLogin_InvalidSignatureKeepsNonce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg, sig := h.signedMessage(t, testAddress, "dev-A")

	_, err := h.svc.Login(ctx, LoginInput{Message: msg, Signature: "forged", DeviceFingerprint: "dev-A"})
	assert.ErrorIs(t, err, core.ErrInvalidSignature)
	assert.True(t, core.IsAuthFailure(err))

	_, err = h.svc.Login(ctx, LoginInput{Message: msg, Signature: sig, DeviceFingerprint: "dev-A"})
	assert.NoError(t, err)
}

func TestLogin_RequiresFingerprint(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Login(context.Background(), LoginInput{Message: "m", Signature: "sig:m"})

	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Details, "deviceFingerprint")
}

func TestLogin_OneSessionPerDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.login(t, "dev-A")
	second := h.login(t, "dev-A")
	require.Equal(t, first.User.UserID, second.User.UserID)
	require.NotEqual(t, first.SessionID, second.SessionID)

	list, err := h.store.ListForUser(ctx, first.User.UserID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.SessionID, list[0].SessionID)

	_, err = h.guard.Access(ctx, first.Tokens.Access.Value)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
	_, err = h.guard.Access(ctx, second.Tokens.Access.Value)
	assert.NoError(t, err)
}

// sessionsOnly hides the store's DeviceSessionReplacer so the
// delete-then-upsert path is exercised.
type sessionsOnly struct{ ports.SessionStore }

func TestLogin_OneSessionPerDeviceWithoutReplacer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := NewAuthService(stubVerifier{}, h.nonces, h.store, sessionsOnly{h.store}, h.codec, WithClock(h.clock.Now))

	login := func() *LoginResult {
		msg, sig := h.signedMessage(t, testAddress, "dev-A")
		res, err := svc.Login(ctx, LoginInput{Message: msg, Signature: sig, DeviceFingerprint: "dev-A"})
		require.NoError(t, err)
		return res
	}
	login()
	second := login()

	list, err := h.store.ListForUser(ctx, second.User.UserID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.SessionID, list[0].SessionID)
}

func TestListSessions_TwoDevices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.login(t, "dev-A")
	h.clock.Advance(time.Second)
	b := h.login(t, "dev-B")
	require.Equal(t, a.User.UserID, b.User.UserID)

	id, err := h.guard.Access(ctx, a.Tokens.Access.Value)
	require.NoError(t, err)

	views, err := h.svc.ListSessions(ctx, id.UserID, id.SessionID, id.DeviceFingerprint)
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, "agent-dev-A", views[0].UserAgent)
	assert.True(t, views[0].IsCurrent)
	assert.Equal(t, "agent-dev-B", views[1].UserAgent)
	assert.False(t, views[1].IsCurrent)
	require.NotNil(t, views[0].IPAddress)
	assert.Equal(t, "203.0.113.7", *views[0].IPAddress)
	assert.Equal(t, "2023-11-14T22:13:20Z", views[0].CreatedAt)

	// Same session id on another device is not current.
	views, err = h.svc.ListSessions(ctx, id.UserID, id.SessionID, "dev-B")
	require.NoError(t, err)
	for _, v := range views {
		assert.False(t, v.IsCurrent)
	}
}

func TestRefresh_AfterAccessExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.login(t, "dev-A")

	h.clock.Advance(601 * time.Second)

	_, err := h.guard.Access(ctx, res.Tokens.Access.Value)
	assert.ErrorIs(t, err, core.ErrInvalidTokenPayload, "access token expired")

	id, err := h.guard.Refresh(ctx, res.Tokens.Refresh.Value)
	require.NoError(t, err)

	out, err := h.svc.Refresh(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, out.Refresh, "refresh rotation is off by default")
	assert.True(t, out.Access.ExpiresAt.After(res.Tokens.Access.ExpiresAt))

	rotated, err := h.guard.Access(ctx, out.Access.Value)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, rotated.SessionID)

	sess, err := h.store.FindExact(ctx, res.User.UserID, res.SessionID, h.codec.Hash(core.PurposeSessionDevice, "dev-A"))
	require.NoError(t, err)
	require.NotNil(t, sess.AccessRotatedAt)
	assert.True(t, h.clock.Now().Equal(*sess.AccessRotatedAt))

	// The original refresh token keeps working without rotation.
	_, err = h.guard.Refresh(ctx, res.Tokens.Refresh.Value)
	assert.NoError(t, err)

	assert.Equal(t, []core.SessionEventType{core.EventLogin, core.EventAccessRotated}, h.events.types())
}

func TestRefresh_WithRotation(t *testing.T) {
	h := newHarness(t, WithRefreshRotation(true))
	ctx := context.Background()
	res := h.login(t, "dev-A")

	id, err := h.guard.Refresh(ctx, res.Tokens.Refresh.Value)
	require.NoError(t, err)
	out, err := h.svc.Refresh(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, out.Refresh)

	_, err = h.guard.Refresh(ctx, res.Tokens.Refresh.Value)
	assert.ErrorIs(t, err, core.ErrTokenMismatch, "rotated-out refresh token is rejected")

	_, err = h.guard.Refresh(ctx, out.Refresh.Value)
	assert.NoError(t, err)
	assert.Contains(t, h.events.types(), core.EventRefreshRotated)
}

func TestRotateAccessToken_UserGone(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.RotateAccessToken(context.Background(), &core.Identity{
		Subject:           core.Subject{UserID: "ghost", Address: testAddress, ChainID: "1", Role: core.DefaultRole},
		SessionID:         "sid",
		DeviceFingerprint: "dev-A",
	})
	assert.ErrorIs(t, err, core.ErrUserNotFound)
}

func TestRotateRefreshToken_SessionGone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.login(t, "dev-A")
	id, err := h.guard.Refresh(ctx, res.Tokens.Refresh.Value)
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(ctx, id.UserID, id.SessionID, id.DeviceFingerprint))
	_, err = h.svc.RotateRefreshToken(ctx, id)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestLogout_RevokesBothTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.login(t, "dev-A")
	other := h.login(t, "dev-B")

	id, err := h.guard.Refresh(ctx, res.Tokens.Refresh.Value)
	require.NoError(t, err)
	require.NoError(t, h.svc.Logout(ctx, id.UserID, id.SessionID, id.DeviceFingerprint))

	_, err = h.guard.Access(ctx, res.Tokens.Access.Value)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
	_, err = h.guard.Refresh(ctx, res.Tokens.Refresh.Value)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	_, err = h.guard.Access(ctx, other.Tokens.Access.Value)
	assert.NoError(t, err, "other devices stay logged in")

	assert.NoError(t, h.svc.Logout(ctx, id.UserID, id.SessionID, id.DeviceFingerprint), "logout is idempotent")
}

// blockingSessions parks DeleteExact until released so concurrent logouts overlap.
type blockingSessions struct {
	ports.SessionStore
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSessions) DeleteExact(ctx context.Context, userID, sessionID, deviceHash string) error {
	if b.calls.Add(1) == 1 {
		close(b.entered)
	}
	<-b.release
	return b.SessionStore.DeleteExact(ctx, userID, sessionID, deviceHash)
}

func TestLogout_ConcurrentCallsCollapse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.login(t, "dev-A")

	sessions := &blockingSessions{
		SessionStore: h.store,
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	svc := NewAuthService(stubVerifier{}, h.nonces, h.store, sessions, h.codec)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	logout := func() {
		defer wg.Done()
		errs <- svc.Logout(ctx, res.User.UserID, res.SessionID, "dev-A")
	}

	wg.Add(1)
	go logout()
	<-sessions.entered
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go logout()
	}
	time.Sleep(50 * time.Millisecond)
	close(sessions.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), sessions.calls.Load())
}

func TestEventPublishFailureDoesNotFailLogin(t *testing.T) {
	h := newHarness(t)
	h.events.err = errors.New("broker down")

	res := h.login(t, "dev-A")
	assert.NotEmpty(t, res.Tokens.Access.Value)
}

func TestMeAndUpdateProfile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.login(t, "dev-A")

	u, err := h.svc.Me(ctx, res.User.UserID)
	require.NoError(t, err)
	assert.Equal(t, testAddress, u.Address)

	name := "Alice"
	u, err = h.svc.UpdateProfile(ctx, res.User.UserID, core.ProfileUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.Name)

	_, err = h.svc.Me(ctx, "ghost")
	assert.ErrorIs(t, err, core.ErrUserNotFound)
	_, err = h.svc.UpdateProfile(ctx, "ghost", core.ProfileUpdate{Name: &name})
	assert.ErrorIs(t, err, core.ErrUserNotFound)
}
