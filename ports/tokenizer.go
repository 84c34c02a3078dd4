package ports

import "github.com/layer-3/warden/core"

// TokenCodec signs, verifies and seals session tokens.
type TokenCodec interface {
	SealInner(inner core.Inner) (string, error)
	OpenInner(enc string) (core.Inner, error)

	MintAccessToken(sub core.Subject, inner core.Inner) (core.Token, error)
	MintRefreshToken(sub core.Subject, inner core.Inner) (core.Token, error)
	MintTokenPair(sub core.Subject, inner core.Inner) (core.TokenPair, error)

	// Verify checks signature, expiry, issuer, audience and token type.
	Verify(token string, typ core.TokenType) (*core.Claims, error)

	// VerifyAndOpen verifies the token and decrypts its inner payload.
	VerifyAndOpen(token string, typ core.TokenType) (*core.Claims, core.Inner, error)

	// Hash returns a keyed one-way digest of value for the given purpose.
	Hash(purpose core.HashPurpose, value string) string

	// HashEqual compares hash(value) with digest in constant time.
	HashEqual(purpose core.HashPurpose, value, digest string) bool
}
