package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "warden:"

// RedisStore is a Redis implementation of the nonce, session and user stores.
//
// Key layout:
//
//	{prefix}nonce:{nonce}:{deviceHash}          created-at (unix nanos), TTL = nonce TTL
//	{prefix}session:{user}:{sid}:{deviceHash}   session JSON, TTL = session TTL
//	{prefix}sessions:{user}                     set of "{sid}:{deviceHash}"
//	{prefix}user:{id}                           user JSON
//	{prefix}user-address:{lower(address)}       user id
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	sessionTTL time.Duration
	now        func() time.Time
}

var (
	_ ports.NonceStore    = (*RedisStore)(nil)
	_ ports.SessionStore  = (*RedisStore)(nil)
	_ ports.UserDirectory = (*RedisStore)(nil)
)

// RedisOption customizes a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix overrides DefaultRedisPrefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRedisClock replaces time.Now for user creation timestamps.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore creates a new Redis store. Sessions expire after sessionTTL
// unless swept earlier.
func NewRedisStore(client redis.UniversalClient, sessionTTL time.Duration, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		prefix:     DefaultRedisPrefix,
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type redisSession struct {
	UserID           string     `json:"userId"`
	SessionID        string     `json:"sessionId"`
	DeviceHash       string     `json:"deviceHash"`
	RefreshTokenHash string     `json:"refreshTokenHash"`
	UserAgent        string     `json:"userAgent"`
	ChainID          string     `json:"chainId"`
	IPAddress        string     `json:"ipAddress,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	AccessRotatedAt  *time.Time `json:"accessRotatedAt,omitempty"`
}

func toRedisSession(s *core.Session) redisSession {
	return redisSession{
		UserID:           s.UserID,
		SessionID:        s.SessionID,
		DeviceHash:       s.DeviceHash,
		RefreshTokenHash: s.RefreshTokenHash,
		UserAgent:        s.UserAgent,
		ChainID:          s.ChainID,
		IPAddress:        s.IPAddress,
		CreatedAt:        s.CreatedAt,
		AccessRotatedAt:  s.AccessRotatedAt,
	}
}

func (r redisSession) toCore() *core.Session {
	return &core.Session{
		UserID:           r.UserID,
		SessionID:        r.SessionID,
		DeviceHash:       r.DeviceHash,
		RefreshTokenHash: r.RefreshTokenHash,
		UserAgent:        r.UserAgent,
		ChainID:          r.ChainID,
		IPAddress:        r.IPAddress,
		CreatedAt:        r.CreatedAt,
		AccessRotatedAt:  r.AccessRotatedAt,
	}
}

type redisUser struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Role      string    `json:"role"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	Picture   string    `json:"picture,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *RedisStore) nonceKey(value, deviceHash string) string {
	return s.prefix + "nonce:" + value + ":" + deviceHash
}

func (s *RedisStore) sessionKey(userID, sessionID, deviceHash string) string {
	return s.prefix + "session:" + userID + ":" + sessionID + ":" + deviceHash
}

func (s *RedisStore) indexKey(userID string) string {
	return s.prefix + "sessions:" + userID
}

func (s *RedisStore) userKey(id string) string {
	return s.prefix + "user:" + id
}

func (s *RedisStore) addressKey(address string) string {
	return s.prefix + "user-address:" + strings.ToLower(address)
}

func indexMember(sessionID, deviceHash string) string {
	return sessionID + ":" + deviceHash
}

func splitIndexMember(m string) (sessionID, deviceHash string, ok bool) {
	i := strings.LastIndexByte(m, ':')
	if i <= 0 || i == len(m)-1 {
		return "", "", false
	}
	return m[:i], m[i+1:], true
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", core.ErrStoreOperationFailed, op, err)
}

// SaveNonce stores n with the given TTL.
func (s *RedisStore) SaveNonce(ctx context.Context, n core.Nonce, ttl time.Duration) error {
	val := strconv.FormatInt(n.CreatedAt.UnixNano(), 10)
	if err := s.client.Set(ctx, s.nonceKey(n.Value, n.DeviceHash), val, ttl).Err(); err != nil {
		return storeErr("save nonce", err)
	}
	return nil
}

// ConsumeNonce atomically reads and deletes the nonce with GETDEL, so only
// one caller can ever observe it.
func (s *RedisStore) ConsumeNonce(ctx context.Context, value, deviceHash string) (*core.Nonce, error) {
	val, err := s.client.GetDel(ctx, s.nonceKey(value, deviceHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("consume nonce", err)
	}
	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return nil, storeErr("consume nonce", fmt.Errorf("corrupt nonce record: %w", err))
	}
	return &core.Nonce{
		Value:      value,
		DeviceHash: deviceHash,
		CreatedAt:  time.Unix(0, nanos).UTC(),
	}, nil
}

// SweepNonces is a no-op: Redis expires nonce keys on its own.
func (s *RedisStore) SweepNonces(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

// Upsert writes the session and indexes it under its user.
func (s *RedisStore) Upsert(ctx context.Context, sess *core.Session) error {
	data, err := json.Marshal(toRedisSession(sess))
	if err != nil {
		return storeErr("upsert session", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		s.queueUpsert(ctx, p, sess, data)
		return nil
	})
	if err != nil {
		return storeErr("upsert session", err)
	}
	return nil
}

func (s *RedisStore) queueUpsert(ctx context.Context, p redis.Pipeliner, sess *core.Session, data []byte) {
	idx := s.indexKey(sess.UserID)
	p.Set(ctx, s.sessionKey(sess.UserID, sess.SessionID, sess.DeviceHash), data, s.sessionTTL)
	p.SAdd(ctx, idx, indexMember(sess.SessionID, sess.DeviceHash))
	if s.sessionTTL > 0 {
		p.Expire(ctx, idx, s.sessionTTL)
	}
}

// FindExact returns the session or nil when absent.
func (s *RedisStore) FindExact(ctx context.Context, userID, sessionID, deviceHash string) (*core.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(userID, sessionID, deviceHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find session", err)
	}
	var rs redisSession
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, storeErr("find session", err)
	}
	return rs.toCore(), nil
}

// DeleteExact removes the session and its index entry.
func (s *RedisStore) DeleteExact(ctx context.Context, userID, sessionID, deviceHash string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.sessionKey(userID, sessionID, deviceHash))
		p.SRem(ctx, s.indexKey(userID), indexMember(sessionID, deviceHash))
		return nil
	})
	if err != nil {
		return storeErr("delete session", err)
	}
	return nil
}

// DeleteAllForDevice removes every session of userID on deviceHash.
func (s *RedisStore) DeleteAllForDevice(ctx context.Context, userID, deviceHash string) error {
	if err := s.replaceDevice(ctx, userID, deviceHash, nil, nil); err != nil {
		return storeErr("delete device sessions", err)
	}
	return nil
}

// ReplaceDeviceSession deletes the device's sessions and writes sess in one
// MULTI/EXEC transaction.
func (s *RedisStore) ReplaceDeviceSession(ctx context.Context, sess *core.Session) error {
	data, err := json.Marshal(toRedisSession(sess))
	if err != nil {
		return storeErr("replace session", err)
	}
	if err := s.replaceDevice(ctx, sess.UserID, sess.DeviceHash, sess, data); err != nil {
		return storeErr("replace session", err)
	}
	return nil
}

// maxWatchRetries bounds optimistic retries when the user's index changes
// between WATCH and EXEC.
const maxWatchRetries = 16

// replaceDevice deletes the device's sessions and, when sess is non-nil,
// writes it. The user's index is WATCHed so the membership read and the
// transaction see the same state; a concurrent writer forces a retry.
func (s *RedisStore) replaceDevice(ctx context.Context, userID, deviceHash string, sess *core.Session, data []byte) error {
	idx := s.indexKey(userID)
	txf := func(tx *redis.Tx) error {
		members, err := deviceMembers(ctx, tx, idx, deviceHash)
		if err != nil {
			return err
		}
		if len(members) == 0 && sess == nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			s.queueDeviceDelete(ctx, p, userID, deviceHash, members)
			if sess != nil {
				s.queueUpsert(ctx, p, sess, data)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, idx)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("index %s kept changing: %w", idx, redis.TxFailedErr)
}

type membersReader interface {
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

func deviceMembers(ctx context.Context, r membersReader, idx, deviceHash string) ([]string, error) {
	all, err := r.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range all {
		if _, dh, ok := splitIndexMember(m); ok && dh == deviceHash {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *RedisStore) queueDeviceDelete(ctx context.Context, p redis.Pipeliner, userID, deviceHash string, members []string) {
	if len(members) == 0 {
		return
	}
	keys := make([]string, 0, len(members))
	rem := make([]interface{}, 0, len(members))
	for _, m := range members {
		sid, _, _ := splitIndexMember(m)
		keys = append(keys, s.sessionKey(userID, sid, deviceHash))
		rem = append(rem, m)
	}
	p.Del(ctx, keys...)
	p.SRem(ctx, s.indexKey(userID), rem...)
}

// ListForUser returns the user's live sessions ordered by creation time.
// Index entries whose session key has expired are pruned on the way.
func (s *RedisStore) ListForUser(ctx context.Context, userID string) ([]*core.Session, error) {
	members, err := s.client.SMembers(ctx, s.indexKey(userID)).Result()
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(members))
	valid := make([]string, 0, len(members))
	var stale []interface{}
	for _, m := range members {
		sid, dh, ok := splitIndexMember(m)
		if !ok {
			stale = append(stale, m)
			continue
		}
		keys = append(keys, s.sessionKey(userID, sid, dh))
		valid = append(valid, m)
	}

	var out []*core.Session
	if len(keys) > 0 {
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, storeErr("list sessions", err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				stale = append(stale, valid[i])
				continue
			}
			var rs redisSession
			if err := json.Unmarshal([]byte(str), &rs); err != nil {
				return nil, storeErr("list sessions", err)
			}
			out = append(out, rs.toCore())
		}
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.indexKey(userID), stale...).Err(); err != nil {
			return nil, storeErr("list sessions", err)
		}
	}
	sortSessions(out)
	return out, nil
}

// TouchAccessRotated records an access token rotation, keeping the key's TTL.
// Missing sessions are ignored.
func (s *RedisStore) TouchAccessRotated(ctx context.Context, userID, sessionID, deviceHash string, at time.Time) error {
	key := s.sessionKey(userID, sessionID, deviceHash)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return storeErr("touch session", err)
	}
	var rs redisSession
	if err := json.Unmarshal(data, &rs); err != nil {
		return storeErr("touch session", err)
	}
	at = at.UTC()
	rs.AccessRotatedAt = &at
	if data, err = json.Marshal(rs); err != nil {
		return storeErr("touch session", err)
	}
	if err := s.client.SetXX(ctx, key, data, redis.KeepTTL).Err(); err != nil {
		return storeErr("touch session", err)
	}
	return nil
}

// SweepExpired deletes sessions created before olderThan and prunes index
// entries whose session key already expired.
func (s *RedisStore) SweepExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	var removed int64
	iter := s.client.Scan(ctx, 0, s.prefix+"sessions:*", 100).Iterator()
	for iter.Next(ctx) {
		idx := iter.Val()
		userID := strings.TrimPrefix(idx, s.prefix+"sessions:")
		list, err := s.ListForUser(ctx, userID)
		if err != nil {
			return removed, err
		}
		for _, sess := range list {
			if !sess.CreatedAt.Before(olderThan) {
				continue
			}
			if err := s.DeleteExact(ctx, sess.UserID, sess.SessionID, sess.DeviceHash); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, storeErr("sweep sessions", err)
	}
	return removed, nil
}

// FindOrCreate returns the user owning address, creating it with role on first sight.
func (s *RedisStore) FindOrCreate(ctx context.Context, address, role string) (*core.User, error) {
	u, err := s.userByAddress(ctx, address)
	if err != nil || u != nil {
		return u, err
	}

	created := &core.User{
		ID:        ulid.Make().String(),
		Address:   address,
		Role:      role,
		CreatedAt: s.now().UTC(),
	}
	if err := s.putUser(ctx, created); err != nil {
		return nil, err
	}
	ok, err := s.client.SetNX(ctx, s.addressKey(address), created.ID, 0).Result()
	if err != nil {
		return nil, storeErr("create user", err)
	}
	if ok {
		return created, nil
	}

	// Lost the race for this address; drop our record and use the winner's.
	if err := s.client.Del(ctx, s.userKey(created.ID)).Err(); err != nil {
		return nil, storeErr("create user", err)
	}
	u, err = s.userByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, storeErr("create user", errors.New("address index points at missing user"))
	}
	return u, nil
}

func (s *RedisStore) userByAddress(ctx context.Context, address string) (*core.User, error) {
	id, err := s.client.Get(ctx, s.addressKey(address)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find user", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID returns the user or nil when absent.
func (s *RedisStore) GetByID(ctx context.Context, id string) (*core.User, error) {
	data, err := s.client.Get(ctx, s.userKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get user", err)
	}
	var ru redisUser
	if err := json.Unmarshal(data, &ru); err != nil {
		return nil, storeErr("get user", err)
	}
	return &core.User{
		ID:        ru.ID,
		Address:   ru.Address,
		Role:      ru.Role,
		Name:      ru.Name,
		Email:     ru.Email,
		Picture:   ru.Picture,
		CreatedAt: ru.CreatedAt,
	}, nil
}

// Update applies upd to the user and returns the result, or nil when absent.
func (s *RedisStore) Update(ctx context.Context, id string, upd core.ProfileUpdate) (*core.User, error) {
	u, err := s.GetByID(ctx, id)
	if err != nil || u == nil {
		return nil, err
	}
	upd.Apply(u)
	if err := s.putUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *RedisStore) putUser(ctx context.Context, u *core.User) error {
	data, err := json.Marshal(redisUser{
		ID:        u.ID,
		Address:   u.Address,
		Role:      u.Role,
		Name:      u.Name,
		Email:     u.Email,
		Picture:   u.Picture,
		CreatedAt: u.CreatedAt,
	})
	if err != nil {
		return storeErr("save user", err)
	}
	if err := s.client.Set(ctx, s.userKey(u.ID), data, 0).Err(); err != nil {
		return storeErr("save user", err)
	}
	return nil
}
