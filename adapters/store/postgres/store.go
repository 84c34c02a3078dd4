// Package postgres implements the nonce, session and user stores on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	"github.com/oklog/ulid/v2"
)

// Store implements ports.NonceStore, ports.SessionStore and ports.UserDirectory.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var (
	_ ports.NonceStore            = (*Store)(nil)
	_ ports.SessionStore          = (*Store)(nil)
	_ ports.DeviceSessionReplacer = (*Store)(nil)
	_ ports.UserDirectory         = (*Store)(nil)
)

// NewPool builds a pgxpool and checks connectivity within timeout.
func NewPool(ctx context.Context, dsn string, timeout time.Duration) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// NewStore creates a Postgres-backed store. Migrations must already be applied.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", core.ErrStoreOperationFailed, op, err)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SaveNonce inserts the nonce with its expiry.
func (s *Store) SaveNonce(ctx context.Context, n core.Nonce, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nonces (nonce, device_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (nonce, device_hash) DO UPDATE
		SET created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
	`, n.Value, n.DeviceHash, n.CreatedAt, s.now().Add(ttl))
	if err != nil {
		return storeErr("save nonce", err)
	}
	return nil
}

// ConsumeNonce deletes and returns the live nonce in a single statement.
func (s *Store) ConsumeNonce(ctx context.Context, value, deviceHash string) (*core.Nonce, error) {
	n := core.Nonce{Value: value, DeviceHash: deviceHash}
	err := s.pool.QueryRow(ctx, `
		DELETE FROM nonces
		WHERE nonce = $1 AND device_hash = $2 AND expires_at > $3
		RETURNING created_at
	`, value, deviceHash, s.now()).Scan(&n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("consume nonce", err)
	}
	n.CreatedAt = n.CreatedAt.UTC()
	return &n, nil
}

// SweepNonces deletes nonces created before olderThan or already expired.
func (s *Store) SweepNonces(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM nonces WHERE created_at < $1 OR expires_at <= $2
	`, olderThan, s.now())
	if err != nil {
		return 0, storeErr("sweep nonces", err)
	}
	return tag.RowsAffected(), nil
}

const upsertSessionSQL = `
	INSERT INTO sessions (
		user_id, session_id, device_hash, refresh_token_hash,
		user_agent, chain_id, ip_address, created_at, access_rotated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (user_id, session_id, device_hash) DO UPDATE SET
		refresh_token_hash = EXCLUDED.refresh_token_hash,
		user_agent = EXCLUDED.user_agent,
		chain_id = EXCLUDED.chain_id,
		ip_address = EXCLUDED.ip_address,
		created_at = EXCLUDED.created_at,
		access_rotated_at = EXCLUDED.access_rotated_at
`

func upsertArgs(sess *core.Session) []any {
	return []any{
		sess.UserID, sess.SessionID, sess.DeviceHash, sess.RefreshTokenHash,
		sess.UserAgent, sess.ChainID, nullIfEmpty(sess.IPAddress), sess.CreatedAt, sess.AccessRotatedAt,
	}
}

// Upsert inserts or replaces the session row.
func (s *Store) Upsert(ctx context.Context, sess *core.Session) error {
	if _, err := s.pool.Exec(ctx, upsertSessionSQL, upsertArgs(sess)...); err != nil {
		return storeErr("upsert session", err)
	}
	return nil
}

// ReplaceDeviceSession deletes the device's sessions and inserts sess in one transaction.
func (s *Store) ReplaceDeviceSession(ctx context.Context, sess *core.Session) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("replace session", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		DELETE FROM sessions WHERE user_id = $1 AND device_hash = $2
	`, sess.UserID, sess.DeviceHash); err != nil {
		return storeErr("replace session", err)
	}
	if _, err := tx.Exec(ctx, upsertSessionSQL, upsertArgs(sess)...); err != nil {
		return storeErr("replace session", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr("replace session", err)
	}
	return nil
}

const selectSessionSQL = `
	SELECT user_id, session_id, device_hash, refresh_token_hash,
		user_agent, chain_id, ip_address, created_at, access_rotated_at
	FROM sessions
`

func scanSession(row pgx.Row) (*core.Session, error) {
	var (
		sess core.Session
		ip   *string
	)
	err := row.Scan(
		&sess.UserID,
		&sess.SessionID,
		&sess.DeviceHash,
		&sess.RefreshTokenHash,
		&sess.UserAgent,
		&sess.ChainID,
		&ip,
		&sess.CreatedAt,
		&sess.AccessRotatedAt,
	)
	if err != nil {
		return nil, err
	}
	if ip != nil {
		sess.IPAddress = *ip
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	if sess.AccessRotatedAt != nil {
		at := sess.AccessRotatedAt.UTC()
		sess.AccessRotatedAt = &at
	}
	return &sess, nil
}

// FindExact returns the session or nil when absent.
func (s *Store) FindExact(ctx context.Context, userID, sessionID, deviceHash string) (*core.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, selectSessionSQL+`
		WHERE user_id = $1 AND session_id = $2 AND device_hash = $3
	`, userID, sessionID, deviceHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find session", err)
	}
	return sess, nil
}

// DeleteExact removes the session row if it exists.
func (s *Store) DeleteExact(ctx context.Context, userID, sessionID, deviceHash string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM sessions WHERE user_id = $1 AND session_id = $2 AND device_hash = $3
	`, userID, sessionID, deviceHash)
	if err != nil {
		return storeErr("delete session", err)
	}
	return nil
}

// DeleteAllForDevice removes every session of userID on deviceHash.
func (s *Store) DeleteAllForDevice(ctx context.Context, userID, deviceHash string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM sessions WHERE user_id = $1 AND device_hash = $2
	`, userID, deviceHash)
	if err != nil {
		return storeErr("delete device sessions", err)
	}
	return nil
}

// ListForUser returns the user's sessions ordered by creation time.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*core.Session, error) {
	rows, err := s.pool.Query(ctx, selectSessionSQL+`
		WHERE user_id = $1
		ORDER BY created_at, session_id
	`, userID)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	defer rows.Close()

	var out []*core.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("list sessions", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list sessions", err)
	}
	return out, nil
}

// TouchAccessRotated records an access token rotation. Missing sessions are ignored.
func (s *Store) TouchAccessRotated(ctx context.Context, userID, sessionID, deviceHash string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET access_rotated_at = $4
		WHERE user_id = $1 AND session_id = $2 AND device_hash = $3
	`, userID, sessionID, deviceHash, at)
	if err != nil {
		return storeErr("touch session", err)
	}
	return nil
}

// SweepExpired deletes sessions created before olderThan.
func (s *Store) SweepExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, storeErr("sweep sessions", err)
	}
	return tag.RowsAffected(), nil
}

const selectUserSQL = `
	SELECT id, address, role, name, email, picture, created_at FROM users
`

func scanUser(row pgx.Row) (*core.User, error) {
	var u core.User
	if err := row.Scan(&u.ID, &u.Address, &u.Role, &u.Name, &u.Email, &u.Picture, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// FindOrCreate returns the user owning address, creating it with role on first sight.
func (s *Store) FindOrCreate(ctx context.Context, address, role string) (*core.User, error) {
	lower := strings.ToLower(address)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, address, address_lower, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address_lower) DO NOTHING
	`, ulid.Make().String(), address, lower, role, s.now().UTC())
	if err != nil {
		return nil, storeErr("create user", err)
	}

	u, err := scanUser(s.pool.QueryRow(ctx, selectUserSQL+`WHERE address_lower = $1`, lower))
	if err != nil {
		return nil, storeErr("find user", err)
	}
	return u, nil
}

// GetByID returns the user or nil when absent.
func (s *Store) GetByID(ctx context.Context, id string) (*core.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, selectUserSQL+`WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get user", err)
	}
	return u, nil
}

// Update applies upd to the user and returns the result, or nil when absent.
func (s *Store) Update(ctx context.Context, id string, upd core.ProfileUpdate) (*core.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `
		UPDATE users SET
			name = COALESCE($2, name),
			email = COALESCE($3, email),
			picture = COALESCE($4, picture)
		WHERE id = $1
		RETURNING id, address, role, name, email, picture, created_at
	`, id, upd.Name, upd.Email, upd.Picture))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("update user", err)
	}
	return u, nil
}
