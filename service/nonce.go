package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

// DefaultNonceTTL bounds how long an issued nonce may be consumed.
const DefaultNonceTTL = 300 * time.Second

const nonceBytes = 32

// NonceIssuer issues single-use nonces bound to a device fingerprint.
type NonceIssuer struct {
	store ports.NonceStore
	codec ports.TokenCodec
	ttl   time.Duration
	now   func() time.Time
}

// NewNonceIssuer creates a NonceIssuer. A non-positive ttl selects DefaultNonceTTL.
func NewNonceIssuer(store ports.NonceStore, codec ports.TokenCodec, ttl time.Duration, now func() time.Time) *NonceIssuer {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	if now == nil {
		now = time.Now
	}
	return &NonceIssuer{store: store, codec: codec, ttl: ttl, now: now}
}

// TTL returns the nonce lifetime.
func (n *NonceIssuer) TTL() time.Duration { return n.ttl }

// Issue stores a fresh nonce for deviceFingerprint and returns it. Only the
// fingerprint's digest is persisted.
func (n *NonceIssuer) Issue(ctx context.Context, deviceFingerprint string) (string, error) {
	if deviceFingerprint == "" {
		return "", core.NewValidationError("invalid request", map[string]string{
			"deviceFingerprint": "is required",
		})
	}

	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	value := hex.EncodeToString(buf)

	rec := core.Nonce{
		Value:      value,
		DeviceHash: n.codec.Hash(core.PurposeNonceDevice, deviceFingerprint),
		CreatedAt:  n.now().UTC(),
	}
	if err := n.store.SaveNonce(ctx, rec, n.ttl); err != nil {
		return "", fmt.Errorf("failed to save nonce: %w", err)
	}
	return value, nil
}

// Consume atomically removes the nonce issued for deviceFingerprint. It
// reports false when the nonce is unknown, bound to another device, already
// used or at least TTL old.
func (n *NonceIssuer) Consume(ctx context.Context, nonce, deviceFingerprint string) (bool, error) {
	if nonce == "" || deviceFingerprint == "" {
		return false, nil
	}

	rec, err := n.store.ConsumeNonce(ctx, nonce, n.codec.Hash(core.PurposeNonceDevice, deviceFingerprint))
	if err != nil {
		return false, fmt.Errorf("failed to consume nonce: %w", err)
	}
	if rec == nil {
		return false, nil
	}
	if n.now().Sub(rec.CreatedAt) >= n.ttl {
		return false, nil
	}
	return true, nil
}
