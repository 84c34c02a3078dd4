package tokenizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

const (
	// MinSecretLength is the minimum length of the HS256 signing secrets.
	MinSecretLength = 32

	// EncryptionKeyLength is the A256GCM content-encryption key size.
	EncryptionKeyLength = 32

	DefaultAccessTTL  = 600 * time.Second
	DefaultRefreshTTL = 86400 * time.Second
)

var hashPurposes = []core.HashPurpose{
	core.PurposeNonceDevice,
	core.PurposeSessionDevice,
	core.PurposeRefreshToken,
}

// Config holds the key material and token policy for a Codec.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	EncryptionKey []byte
	HashSecret    []byte
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Codec implements ports.TokenCodec with HS256 JWTs whose enc claim is a
// compact JWE (dir, A256GCM).
type Codec struct {
	accessKey  []byte
	refreshKey []byte
	encKey     []byte
	encrypter  jose.Encrypter
	digesters  map[core.HashPurpose]*Digester

	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration

	now func() time.Time
}

var _ ports.TokenCodec = (*Codec)(nil)

// Option customizes a Codec.
type Option func(*Codec)

// WithClock replaces time.Now, used for minting and for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec validates cfg and builds a Codec.
func NewCodec(cfg Config, opts ...Option) (*Codec, error) {
	if len(cfg.AccessSecret) < MinSecretLength || len(cfg.RefreshSecret) < MinSecretLength {
		return nil, fmt.Errorf("signing secrets must be at least %d bytes", MinSecretLength)
	}
	if bytes.Equal(cfg.AccessSecret, cfg.RefreshSecret) {
		return nil, errors.New("access and refresh signing secrets must differ")
	}
	if len(cfg.EncryptionKey) != EncryptionKeyLength {
		return nil, fmt.Errorf("encryption key must be %d bytes", EncryptionKeyLength)
	}
	if bytes.Equal(cfg.EncryptionKey, cfg.AccessSecret) || bytes.Equal(cfg.EncryptionKey, cfg.RefreshSecret) {
		return nil, errors.New("encryption key must differ from the signing secrets")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("issuer and audience are required")
	}

	encrypter, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: cfg.EncryptionKey}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypter: %w", err)
	}

	digesters := make(map[core.HashPurpose]*Digester, len(hashPurposes))
	for _, p := range hashPurposes {
		d, err := NewDigester(cfg.HashSecret, p)
		if err != nil {
			return nil, err
		}
		digesters[p] = d
	}

	c := &Codec{
		accessKey:  cfg.AccessSecret,
		refreshKey: cfg.RefreshSecret,
		encKey:     cfg.EncryptionKey,
		encrypter:  encrypter,
		digesters:  digesters,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
	if c.accessTTL <= 0 {
		c.accessTTL = DefaultAccessTTL
	}
	if c.refreshTTL <= 0 {
		c.refreshTTL = DefaultRefreshTTL
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SealInner encrypts the inner payload into a compact JWE.
func (c *Codec) SealInner(inner core.Inner) (string, error) {
	payload, err := json.Marshal(inner)
	if err != nil {
		return "", fmt.Errorf("failed to marshal inner payload: %w", err)
	}
	obj, err := c.encrypter.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt inner payload: %w", err)
	}
	return obj.CompactSerialize()
}

// OpenInner decrypts a payload produced by SealInner.
func (c *Codec) OpenInner(enc string) (core.Inner, error) {
	obj, err := jose.ParseEncrypted(enc, []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return core.Inner{}, fmt.Errorf("%w: malformed enc: %v", core.ErrInvalidTokenPayload, err)
	}
	payload, err := obj.Decrypt(c.encKey)
	if err != nil {
		return core.Inner{}, fmt.Errorf("%w: failed to decrypt enc: %v", core.ErrInvalidTokenPayload, err)
	}
	var inner core.Inner
	if err := json.Unmarshal(payload, &inner); err != nil {
		return core.Inner{}, fmt.Errorf("%w: malformed inner payload: %v", core.ErrInvalidTokenPayload, err)
	}
	return inner, nil
}

// MintAccessToken issues an access token for sub carrying the sealed inner payload.
func (c *Codec) MintAccessToken(sub core.Subject, inner core.Inner) (core.Token, error) {
	enc, err := c.SealInner(inner)
	if err != nil {
		return core.Token{}, err
	}
	return c.sign(core.TokenTypeAccess, sub, enc)
}

// MintRefreshToken issues a refresh token for sub carrying the sealed inner payload.
func (c *Codec) MintRefreshToken(sub core.Subject, inner core.Inner) (core.Token, error) {
	enc, err := c.SealInner(inner)
	if err != nil {
		return core.Token{}, err
	}
	return c.sign(core.TokenTypeRefresh, sub, enc)
}

// MintTokenPair issues an access and a refresh token over the same sealed payload.
func (c *Codec) MintTokenPair(sub core.Subject, inner core.Inner) (core.TokenPair, error) {
	enc, err := c.SealInner(inner)
	if err != nil {
		return core.TokenPair{}, err
	}
	access, err := c.sign(core.TokenTypeAccess, sub, enc)
	if err != nil {
		return core.TokenPair{}, err
	}
	refresh, err := c.sign(core.TokenTypeRefresh, sub, enc)
	if err != nil {
		return core.TokenPair{}, err
	}
	return core.TokenPair{Access: access, Refresh: refresh}, nil
}

func (c *Codec) sign(typ core.TokenType, sub core.Subject, enc string) (core.Token, error) {
	key, ttl, err := c.policyFor(typ)
	if err != nil {
		return core.Token{}, err
	}

	now := c.now().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   sub.UserID,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Address:   sub.Address,
		ChainID:   sub.ChainID,
		Role:      sub.Role,
		TokenType: string(typ),
		Enc:       enc,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return core.Token{}, fmt.Errorf("failed to sign %s token: %w", typ, err)
	}
	return core.Token{Value: signed, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify checks the signature with the key for typ, then expiry, issuer,
// audience and the tokenType claim.
func (c *Codec) Verify(token string, typ core.TokenType) (*core.Claims, error) {
	key, _, err := c.policyFor(typ)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidTokenPayload, err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)

	var claims SessionClaims
	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidTokenPayload, err)
	}
	if !parsed.Valid {
		return nil, core.ErrInvalidTokenPayload
	}
	if claims.TokenType != string(typ) {
		return nil, fmt.Errorf("%w: expected %s token, got %q", core.ErrInvalidTokenPayload, typ, claims.TokenType)
	}

	out := &core.Claims{
		Subject: core.Subject{
			UserID:  claims.Subject,
			Address: claims.Address,
			ChainID: claims.ChainID,
			Role:    claims.Role,
		},
		TokenType: typ,
		ID:        claims.ID,
		Issuer:    claims.Issuer,
		Audience:  []string(claims.Audience),
		ExpiresAt: claims.ExpiresAt.Time,
		Enc:       claims.Enc,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

// VerifyAndOpen verifies token and decrypts its enc claim. It fails closed when
// any claim needed to identify the session is missing.
func (c *Codec) VerifyAndOpen(token string, typ core.TokenType) (*core.Claims, core.Inner, error) {
	claims, err := c.Verify(token, typ)
	if err != nil {
		return nil, core.Inner{}, err
	}
	inner, err := c.OpenInner(claims.Enc)
	if err != nil {
		return nil, core.Inner{}, err
	}

	switch {
	case claims.UserID == "",
		claims.Address == "",
		claims.Role == "",
		claims.ChainID == "",
		inner.SessionID == "",
		inner.DeviceFingerprint == "":
		return nil, core.Inner{}, fmt.Errorf("%w: incomplete claims", core.ErrInvalidTokenPayload)
	}
	return claims, inner, nil
}

// Hash returns the keyed digest of value for purpose, or "" for an unknown purpose.
func (c *Codec) Hash(purpose core.HashPurpose, value string) string {
	d, ok := c.digesters[purpose]
	if !ok {
		return ""
	}
	return d.Sum(value)
}

// HashEqual reports whether digest matches value under purpose.
func (c *Codec) HashEqual(purpose core.HashPurpose, value, digest string) bool {
	d, ok := c.digesters[purpose]
	if !ok || digest == "" {
		return false
	}
	return d.Equal(value, digest)
}

func (c *Codec) policyFor(typ core.TokenType) ([]byte, time.Duration, error) {
	switch typ {
	case core.TokenTypeAccess:
		return c.accessKey, c.accessTTL, nil
	case core.TokenTypeRefresh:
		return c.refreshKey, c.refreshTTL, nil
	default:
		return nil, 0, fmt.Errorf("unknown token type %q", typ)
	}
}
