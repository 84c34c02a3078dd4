package tokenizer

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/warden/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testAccessSecret  = []byte("access-secret-0123456789abcdefghijklmnop")
	testRefreshSecret = []byte("refresh-secret-0123456789abcdefghijklmno")
	testEncKey        = []byte("0123456789abcdef0123456789abcdef")
	testHashSecret    = []byte("hash-secret")

	testSubject = core.Subject{
		UserID:  "user-1",
		Address: "0x71C7656EC7ab88b098defB751B7401B5f6d8976F",
		ChainID: "1",
		Role:    core.DefaultRole,
	}
	testInner = core.Inner{SessionID: "session-1", DeviceFingerprint: "dev-A"}
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func testConfig() Config {
	return Config{
		AccessSecret:  testAccessSecret,
		RefreshSecret: testRefreshSecret,
		EncryptionKey: testEncKey,
		HashSecret:    testHashSecret,
		Issuer:        "warden-test",
		Audience:      "warden-api",
	}
}

func newTestCodec(t *testing.T, clock *fakeClock) *Codec {
	t.Helper()
	var opts []Option
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	c, err := NewCodec(testConfig(), opts...)
	require.NoError(t, err)
	return c
}

func TestNewCodec_RejectsWeakConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short access secret", func(c *Config) { c.AccessSecret = []byte("short") }},
		{"short refresh secret", func(c *Config) { c.RefreshSecret = []byte("short") }},
		{"shared signing secret", func(c *Config) { c.RefreshSecret = c.AccessSecret }},
		{"bad encryption key size", func(c *Config) { c.EncryptionKey = []byte("too-short") }},
		{"missing hash secret", func(c *Config) { c.HashSecret = nil }},
		{"missing issuer", func(c *Config) { c.Issuer = "" }},
		{"missing audience", func(c *Config) { c.Audience = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			_, err := NewCodec(cfg)
			assert.Error(t, err)
		})
	}
}

func TestCodec_AccessTokenRoundTrip(t *testing.T) {
	c := newTestCodec(t, nil)

	tok, err := c.MintAccessToken(testSubject, testInner)
	require.NoError(t, err)
	require.NotEmpty(t, tok.Value)

	claims, inner, err := c.VerifyAndOpen(tok.Value, core.TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, testInner, inner)
	assert.Equal(t, testSubject, claims.Subject)
	assert.Equal(t, core.TokenTypeAccess, claims.TokenType)
	assert.Equal(t, "warden-test", claims.Issuer)
	assert.Equal(t, []string{"warden-api"}, claims.Audience)
	assert.True(t, claims.ExpiresAt.Equal(tok.ExpiresAt))
}

func TestCodec_TokenDoesNotLeakInnerPayload(t *testing.T) {
	c := newTestCodec(t, nil)
	pair, err := c.MintTokenPair(testSubject, testInner)
	require.NoError(t, err)

	for _, raw := range []string{pair.Access.Value, pair.Refresh.Value} {
		parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
		require.NoError(t, err)
		claims := parsed.Claims.(jwt.MapClaims)
		assert.NotContains(t, claims, "sessionId")
		assert.NotContains(t, claims, "deviceFingerprint")
		enc, _ := claims["enc"].(string)
		assert.Len(t, strings.Split(enc, "."), 5, "enc must be a compact JWE")
		assert.NotContains(t, raw, "dev-A")
	}
}

func TestCodec_TokenPairDefaults(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestCodec(t, clock)

	pair, err := c.MintTokenPair(testSubject, testInner)
	require.NoError(t, err)
	assert.Equal(t, clock.t.Add(600*time.Second).Unix(), pair.Access.ExpiresAt.Unix())
	assert.Equal(t, clock.t.Add(86400*time.Second).Unix(), pair.Refresh.ExpiresAt.Unix())

	_, accessInner, err := c.VerifyAndOpen(pair.Access.Value, core.TokenTypeAccess)
	require.NoError(t, err)
	_, refreshInner, err := c.VerifyAndOpen(pair.Refresh.Value, core.TokenTypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, accessInner, refreshInner)
}

func TestCodec_ExpiredTokenRejected(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestCodec(t, clock)

	// Minted 601s ago, so it expired one second ago.
	clock.t = clock.t.Add(-601 * time.Second)
	tok, err := c.MintAccessToken(testSubject, testInner)
	require.NoError(t, err)
	clock.t = clock.t.Add(601 * time.Second)
	require.True(t, tok.ExpiresAt.Before(clock.t))

	_, err = c.Verify(tok.Value, core.TokenTypeAccess)
	assert.ErrorIs(t, err, core.ErrInvalidTokenPayload)
	_, _, err = c.VerifyAndOpen(tok.Value, core.TokenTypeAccess)
	assert.ErrorIs(t, err, core.ErrInvalidTokenPayload)
}

func TestCodec_RefreshIsolation(t *testing.T) {
	c := newTestCodec(t, nil)
	pair, err := c.MintTokenPair(testSubject, testInner)
	require.NoError(t, err)

	_, err = c.Verify(pair.Refresh.Value, core.TokenTypeAccess)
	assert.ErrorIs(t, err, core.ErrInvalidTokenPayload)
	_, err = c.Verify(pair.Access.Value, core.TokenTypeRefresh)
	assert.ErrorIs(t, err, core.ErrInvalidTokenPayload)

	// The signatures themselves are bound to distinct keys, independent of the tokenType claim.
	_, err = jwt.Parse(pair.Refresh.Value, func(*jwt.Token) (interface{}, error) { return testAccessSecret, nil })
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
	_, err = jwt.Parse(pair.Access.Value, func(*jwt.Token) (interface{}, error) { return testRefreshSecret, nil })
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestCodec_RejectsForeignTokens(t *testing.T) {
	c := newTestCodec(t, nil)
	enc, err := c.SealInner(testInner)
	require.NoError(t, err)

	now := time.Now()
	base := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   testSubject.UserID,
			Issuer:    "warden-test",
			Audience:  jwt.ClaimStrings{"warden-api"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		Address:   testSubject.Address,
		ChainID:   testSubject.ChainID,
		Role:      testSubject.Role,
		TokenType: string(core.TokenTypeAccess),
		Enc:       enc,
	}

	sign := func(t *testing.T, method jwt.SigningMethod, claims SessionClaims, key interface{}) string {
		t.Helper()
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"garbage", func(*testing.T) string { return "not-a-token" }},
		{"other algorithm", func(t *testing.T) string { return sign(t, jwt.SigningMethodHS512, base, testAccessSecret) }},
		{"unsigned", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodNone, base, jwt.UnsafeAllowNoneSignatureType)
		}},
		{"wrong issuer", func(t *testing.T) string {
			cl := base
			cl.Issuer = "someone-else"
			return sign(t, jwt.SigningMethodHS256, cl, testAccessSecret)
		}},
		{"wrong audience", func(t *testing.T) string {
			cl := base
			cl.Audience = jwt.ClaimStrings{"other-api"}
			return sign(t, jwt.SigningMethodHS256, cl, testAccessSecret)
		}},
		{"missing expiry", func(t *testing.T) string {
			cl := base
			cl.ExpiresAt = nil
			return sign(t, jwt.SigningMethodHS256, cl, testAccessSecret)
		}},
		{"tampered enc", func(t *testing.T) string {
			cl := base
			cl.Enc = enc[:len(enc)-4] + "AAAA"
			return sign(t, jwt.SigningMethodHS256, cl, testAccessSecret)
		}},
		{"missing role", func(t *testing.T) string {
			cl := base
			cl.Role = ""
			return sign(t, jwt.SigningMethodHS256, cl, testAccessSecret)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := c.VerifyAndOpen(tc.token(t), core.TokenTypeAccess)
			assert.ErrorIs(t, err, core.ErrInvalidTokenPayload)
		})
	}

	t.Run("well formed control", func(t *testing.T) {
		_, inner, err := c.VerifyAndOpen(sign(t, jwt.SigningMethodHS256, base, testAccessSecret), core.TokenTypeAccess)
		require.NoError(t, err)
		assert.Equal(t, testInner, inner)
	})
}

func TestCodec_OpenInnerWithOtherKeyFails(t *testing.T) {
	c := newTestCodec(t, nil)
	enc, err := c.SealInner(testInner)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.EncryptionKey = []byte("fedcba9876543210fedcba9876543210")
	other, err := NewCodec(cfg)
	require.NoError(t, err)

	_, err = other.OpenInner(enc)
	assert.ErrorIs(t, err, core.ErrInvalidTokenPayload)
}

func TestCodec_Hash(t *testing.T) {
	c := newTestCodec(t, nil)

	a := c.Hash(core.PurposeSessionDevice, "dev-A")
	assert.Len(t, a, 64)
	assert.Equal(t, a, c.Hash(core.PurposeSessionDevice, "dev-A"))
	assert.NotEqual(t, a, c.Hash(core.PurposeSessionDevice, "dev-B"))
	assert.NotEqual(t, a, c.Hash(core.PurposeNonceDevice, "dev-A"), "purposes use independent keys")
	assert.NotContains(t, a, "dev-A")

	assert.True(t, c.HashEqual(core.PurposeSessionDevice, "dev-A", a))
	assert.False(t, c.HashEqual(core.PurposeSessionDevice, "dev-B", a))
	assert.False(t, c.HashEqual(core.PurposeSessionDevice, "dev-A", ""))
	assert.Empty(t, c.Hash(core.HashPurpose("unknown"), "dev-A"))
}
