package core

import "time"

// TokenType distinguishes access from refresh tokens. It is carried as a claim
// and selects the signing key.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// HashPurpose selects the derived key used for a keyed digest.
type HashPurpose string

const (
	PurposeNonceDevice   HashPurpose = "nonce-device"
	PurposeSessionDevice HashPurpose = "session-device"
	PurposeRefreshToken  HashPurpose = "refresh-token"
)

// Subject holds the public identity fields placed in token claims.
type Subject struct {
	UserID  string
	Address string
	ChainID string
	Role    string
}

// Inner is sealed inside the enc claim and never appears in plaintext.
type Inner struct {
	SessionID         string `json:"sessionId"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

// Claims are the verified public claims of a token.
type Claims struct {
	Subject
	TokenType TokenType
	ID        string
	Issuer    string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Enc       string
}

// Token is a signed token together with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenPair is issued on login.
type TokenPair struct {
	Access  Token
	Refresh Token
}

// Identity is attached to a request once a guard has accepted its token.
type Identity struct {
	Subject
	SessionID         string
	DeviceFingerprint string
	TokenType         TokenType
	Token             string // the presented token
	ExpiresAt         time.Time
}
