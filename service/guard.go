package service

import (
	"context"
	"fmt"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/metrics"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

// Guard admits requests carrying a valid token whose session is still alive.
type Guard struct {
	codec    ports.TokenCodec
	sessions ports.SessionStore
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewGuard creates a Guard. logger and m may be nil.
func NewGuard(codec ports.TokenCodec, sessions ports.SessionStore, logger *zap.Logger, m *metrics.Metrics) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{codec: codec, sessions: sessions, logger: logger, metrics: m}
}

// Access admits an access token.
func (g *Guard) Access(ctx context.Context, token string) (id *core.Identity, err error) {
	defer func() { g.observe(metrics.OpGuardAccess, err) }()

	id, _, err = g.admit(ctx, token, core.TokenTypeAccess)
	return id, err
}

// Refresh admits a refresh token. Besides the session existing, the token must
// be the one whose hash the session holds.
func (g *Guard) Refresh(ctx context.Context, token string) (id *core.Identity, err error) {
	defer func() { g.observe(metrics.OpGuardRefresh, err) }()

	id, sess, err := g.admit(ctx, token, core.TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	if !g.codec.HashEqual(core.PurposeRefreshToken, token, sess.RefreshTokenHash) {
		return nil, core.ErrTokenMismatch
	}
	return id, nil
}

func (g *Guard) admit(ctx context.Context, token string, typ core.TokenType) (*core.Identity, *core.Session, error) {
	if token == "" {
		return nil, nil, fmt.Errorf("%w: missing token", core.ErrInvalidTokenPayload)
	}

	claims, inner, err := g.codec.VerifyAndOpen(token, typ)
	if err != nil {
		return nil, nil, err
	}

	deviceHash := g.codec.Hash(core.PurposeSessionDevice, inner.DeviceFingerprint)
	sess, err := g.sessions.FindExact(ctx, claims.UserID, inner.SessionID, deviceHash)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return nil, nil, core.ErrSessionNotFound
	}

	return &core.Identity{
		Subject:           claims.Subject,
		SessionID:         inner.SessionID,
		DeviceFingerprint: inner.DeviceFingerprint,
		TokenType:         typ,
		Token:             token,
		ExpiresAt:         claims.ExpiresAt,
	}, sess, nil
}

func (g *Guard) observe(op string, err error) {
	g.metrics.Observe(op, err)
	if err != nil {
		g.logger.Debug("token rejected", zap.String("op", op), zap.String("kind", core.ErrorKind(err)))
	}
}
