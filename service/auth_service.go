package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/metrics"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LoginInput is a signed SIWE message plus the client context it was signed on.
type LoginInput struct {
	Message           string
	Signature         string
	DeviceFingerprint string
	UserAgent         string
	IPAddress         string
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Tokens    core.TokenPair
	SessionID string
	ChainID   string
	Address   string
	User      core.UserView
}

// RefreshResult carries the re-minted tokens. Refresh is nil unless refresh
// token rotation is enabled.
type RefreshResult struct {
	Access  core.Token
	Refresh *core.Token
}

// AuthService handles authentication business logic
type AuthService struct {
	verifier ports.SignatureVerifier
	nonces   *NonceIssuer
	users    ports.UserDirectory
	sessions ports.SessionStore
	codec    ports.TokenCodec
	eventPub ports.EventPublisher

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	defaultRole   string
	rotateRefresh bool

	logouts singleflight.Group
}

// Option customizes an AuthService.
type Option func(*AuthService)

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(s *AuthService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *AuthService) { s.metrics = m }
}

// WithEventPublisher sets where session events go.
func WithEventPublisher(p ports.EventPublisher) Option {
	return func(s *AuthService) {
		if p != nil {
			s.eventPub = p
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *AuthService) { s.now = now }
}

// WithDefaultRole sets the role given to users created on first login.
func WithDefaultRole(role string) Option {
	return func(s *AuthService) {
		if role != "" {
			s.defaultRole = role
		}
	}
}

// WithRefreshRotation makes Refresh also replace the refresh token.
func WithRefreshRotation(enabled bool) Option {
	return func(s *AuthService) { s.rotateRefresh = enabled }
}

// NewAuthService creates a new authentication service
func NewAuthService(
	verifier ports.SignatureVerifier,
	nonces *NonceIssuer,
	users ports.UserDirectory,
	sessions ports.SessionStore,
	codec ports.TokenCodec,
	opts ...Option,
) *AuthService {
	s := &AuthService{
		verifier:    verifier,
		nonces:      nonces,
		users:       users,
		sessions:    sessions,
		codec:       codec,
		eventPub:    noopPublisher{},
		logger:      zap.NewNop(),
		now:         time.Now,
		defaultRole: core.DefaultRole,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueNonce issues a nonce for deviceFingerprint.
func (s *AuthService) IssueNonce(ctx context.Context, deviceFingerprint string) (nonce string, err error) {
	defer func() { s.metrics.Observe(metrics.OpNonce, err) }()
	return s.nonces.Issue(ctx, deviceFingerprint)
}

// Login verifies a signed SIWE message, consumes its nonce and opens a new
// session for the device, replacing any session the device already had.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (res *LoginResult, err error) {
	defer func() { s.metrics.Observe(metrics.OpLogin, err) }()

	if in.DeviceFingerprint == "" {
		return nil, core.NewValidationError("invalid request", map[string]string{
			"deviceFingerprint": "is required",
		})
	}

	signed, err := s.verifier.Verify(ctx, in.Message, in.Signature)
	if err != nil {
		if !errors.Is(err, core.ErrInvalidSignature) {
			err = fmt.Errorf("%w: %v", core.ErrInvalidSignature, err)
		}
		return nil, err
	}

	ok, err := s.nonces.Consume(ctx, signed.Nonce, in.DeviceFingerprint)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.ErrNonceReplay
	}

	user, err := s.users.FindOrCreate(ctx, signed.Address, s.defaultRole)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}
	if user == nil {
		return nil, core.ErrUserNotFound
	}

	sessionID := uuid.NewString()
	sub := core.Subject{
		UserID:  user.ID,
		Address: signed.Address,
		ChainID: signed.ChainID,
		Role:    user.Role,
	}
	pair, err := s.codec.MintTokenPair(sub, core.Inner{SessionID: sessionID, DeviceFingerprint: in.DeviceFingerprint})
	if err != nil {
		return nil, fmt.Errorf("failed to mint tokens: %w", err)
	}

	sess := &core.Session{
		UserID:           user.ID,
		SessionID:        sessionID,
		DeviceHash:       s.codec.Hash(core.PurposeSessionDevice, in.DeviceFingerprint),
		RefreshTokenHash: s.codec.Hash(core.PurposeRefreshToken, pair.Refresh.Value),
		UserAgent:        in.UserAgent,
		ChainID:          signed.ChainID,
		CreatedAt:        s.now().UTC(),
		IPAddress:        in.IPAddress,
	}
	if err := s.replaceDeviceSession(ctx, sess); err != nil {
		return nil, err
	}

	s.metrics.SessionCreated()
	s.publish(ctx, core.EventLogin, sess.UserID, sess.SessionID, sess.DeviceHash)
	s.logger.Info("session opened",
		zap.String("user_id", user.ID),
		zap.String("session_id", sessionID),
		zap.String("device_hash", sess.DeviceHash),
		zap.String("chain_id", signed.ChainID),
	)

	return &LoginResult{
		Tokens:    pair,
		SessionID: sessionID,
		ChainID:   signed.ChainID,
		Address:   signed.Address,
		User:      user.View(),
	}, nil
}

// replaceDeviceSession enforces one session per (user, device). Stores that
// implement ports.DeviceSessionReplacer do it atomically; otherwise the old
// sessions are deleted first so a failed insert leaves the device logged out.
func (s *AuthService) replaceDeviceSession(ctx context.Context, sess *core.Session) error {
	if r, ok := s.sessions.(ports.DeviceSessionReplacer); ok {
		if err := r.ReplaceDeviceSession(ctx, sess); err != nil {
			return fmt.Errorf("failed to store session: %w", err)
		}
		return nil
	}
	if err := s.sessions.DeleteAllForDevice(ctx, sess.UserID, sess.DeviceHash); err != nil {
		return fmt.Errorf("failed to clear device sessions: %w", err)
	}
	if err := s.sessions.Upsert(ctx, sess); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Refresh re-mints the access token for a refresh-guarded identity and, when
// rotation is enabled, the refresh token too.
func (s *AuthService) Refresh(ctx context.Context, id *core.Identity) (res *RefreshResult, err error) {
	defer func() { s.metrics.Observe(metrics.OpRotate, err) }()

	access, err := s.RotateAccessToken(ctx, id)
	if err != nil {
		return nil, err
	}
	res = &RefreshResult{Access: access}
	if !s.rotateRefresh {
		return res, nil
	}

	refresh, err := s.RotateRefreshToken(ctx, id)
	if err != nil {
		return nil, err
	}
	res.Refresh = &refresh
	return res, nil
}

// RotateAccessToken issues a new access token for the same session. The user
// must still exist; its current role is carried into the new token.
func (s *AuthService) RotateAccessToken(ctx context.Context, id *core.Identity) (core.Token, error) {
	user, err := s.users.GetByID(ctx, id.UserID)
	if err != nil {
		return core.Token{}, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return core.Token{}, core.ErrUserNotFound
	}

	tok, err := s.codec.MintAccessToken(s.subjectFor(id, user), core.Inner{
		SessionID:         id.SessionID,
		DeviceFingerprint: id.DeviceFingerprint,
	})
	if err != nil {
		return core.Token{}, fmt.Errorf("failed to mint access token: %w", err)
	}

	deviceHash := s.codec.Hash(core.PurposeSessionDevice, id.DeviceFingerprint)
	if err := s.sessions.TouchAccessRotated(ctx, id.UserID, id.SessionID, deviceHash, s.now().UTC()); err != nil {
		return core.Token{}, fmt.Errorf("failed to record rotation: %w", err)
	}

	s.publish(ctx, core.EventAccessRotated, id.UserID, id.SessionID, deviceHash)
	s.logger.Debug("access token rotated",
		zap.String("user_id", id.UserID),
		zap.String("session_id", id.SessionID),
	)
	return tok, nil
}

// RotateRefreshToken replaces the session's refresh token. The previously
// issued refresh token stops matching the stored hash.
func (s *AuthService) RotateRefreshToken(ctx context.Context, id *core.Identity) (core.Token, error) {
	user, err := s.users.GetByID(ctx, id.UserID)
	if err != nil {
		return core.Token{}, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return core.Token{}, core.ErrUserNotFound
	}

	deviceHash := s.codec.Hash(core.PurposeSessionDevice, id.DeviceFingerprint)
	sess, err := s.sessions.FindExact(ctx, id.UserID, id.SessionID, deviceHash)
	if err != nil {
		return core.Token{}, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return core.Token{}, core.ErrSessionNotFound
	}

	tok, err := s.codec.MintRefreshToken(s.subjectFor(id, user), core.Inner{
		SessionID:         id.SessionID,
		DeviceFingerprint: id.DeviceFingerprint,
	})
	if err != nil {
		return core.Token{}, fmt.Errorf("failed to mint refresh token: %w", err)
	}

	sess.RefreshTokenHash = s.codec.Hash(core.PurposeRefreshToken, tok.Value)
	if err := s.sessions.Upsert(ctx, sess); err != nil {
		return core.Token{}, fmt.Errorf("failed to store session: %w", err)
	}

	s.publish(ctx, core.EventRefreshRotated, id.UserID, id.SessionID, deviceHash)
	return tok, nil
}

func (s *AuthService) subjectFor(id *core.Identity, user *core.User) core.Subject {
	return core.Subject{
		UserID:  user.ID,
		Address: id.Address,
		ChainID: id.ChainID,
		Role:    user.Role,
	}
}

// Logout revokes exactly one session. Repeated or concurrent logouts of the
// same session succeed and reach the store once per in-flight batch.
func (s *AuthService) Logout(ctx context.Context, userID, sessionID, deviceFingerprint string) (err error) {
	defer func() { s.metrics.Observe(metrics.OpLogout, err) }()

	deviceHash := s.codec.Hash(core.PurposeSessionDevice, deviceFingerprint)
	key := userID + "/" + sessionID + "/" + deviceHash
	_, err, _ = s.logouts.Do(key, func() (interface{}, error) {
		if err := s.sessions.DeleteExact(ctx, userID, sessionID, deviceHash); err != nil {
			return nil, fmt.Errorf("failed to delete session: %w", err)
		}
		s.publish(ctx, core.EventLogout, userID, sessionID, deviceHash)
		s.logger.Info("session closed",
			zap.String("user_id", userID),
			zap.String("session_id", sessionID),
		)
		return nil, nil
	})
	return err
}

// ListSessions returns the user's sessions. A session is current when both its
// id and its device match the caller's.
func (s *AuthService) ListSessions(ctx context.Context, userID, currentSessionID, currentFingerprint string) ([]core.SessionView, error) {
	list, err := s.sessions.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	currentHash := s.codec.Hash(core.PurposeSessionDevice, currentFingerprint)
	views := make([]core.SessionView, 0, len(list))
	for _, sess := range list {
		current := sess.SessionID == currentSessionID && sess.DeviceHash == currentHash
		views = append(views, sess.View(current))
	}
	return views, nil
}

// Me returns the caller's user record.
func (s *AuthService) Me(ctx context.Context, userID string) (*core.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return nil, core.ErrUserNotFound
	}
	return user, nil
}

// UpdateProfile applies upd to the caller's user record.
func (s *AuthService) UpdateProfile(ctx context.Context, userID string, upd core.ProfileUpdate) (*core.User, error) {
	user, err := s.users.Update(ctx, userID, upd)
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	if user == nil {
		return nil, core.ErrUserNotFound
	}
	return user, nil
}

// publish emits a session event. Failures are logged and never fail the
// operation; the store is the source of truth.
func (s *AuthService) publish(ctx context.Context, typ core.SessionEventType, userID, sessionID, deviceHash string) {
	event := core.SessionEvent{
		Type:       typ,
		UserID:     userID,
		SessionID:  sessionID,
		DeviceHash: deviceHash,
		At:         s.now().UTC(),
	}
	if err := s.eventPub.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish session event",
			zap.String("type", string(typ)),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, core.SessionEvent) error { return nil }
