package tokenizer

import "github.com/golang-jwt/jwt/v5"

// SessionClaims are the public claims of access and refresh tokens.
// Session and device linkage live only inside Enc.
type SessionClaims struct {
	jwt.RegisteredClaims
	Address   string `json:"address"`
	ChainID   string `json:"chainId"`
	Role      string `json:"role"`
	TokenType string `json:"tokenType"`
	Enc       string `json:"enc"`
}
