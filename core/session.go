package core

import "time"

// Nonce is a single-use anti-replay value bound to a hashed device fingerprint.
type Nonce struct {
	Value      string    // Raw nonce embedded in the SIWE message
	DeviceHash string    // Keyed digest of the device fingerprint
	CreatedAt  time.Time // When the nonce was issued
}

// Session is the server-side record that keeps a token pair alive.
// At most one record exists per (UserID, SessionID, DeviceHash).
type Session struct {
	UserID           string
	SessionID        string
	DeviceHash       string
	RefreshTokenHash string
	UserAgent        string
	ChainID          string
	CreatedAt        time.Time
	AccessRotatedAt  *time.Time // nil until the first access rotation
	IPAddress        string     // empty when unknown
}

// SessionView is the client-facing shape of a session.
type SessionView struct {
	UserAgent string  `json:"userAgent"`
	ChainID   string  `json:"chainId"`
	CreatedAt string  `json:"createdAt"`
	IPAddress *string `json:"ipAddress"`
	IsCurrent bool    `json:"isCurrent"`
}

// View maps the record to its response shape.
func (s *Session) View(current bool) SessionView {
	v := SessionView{
		UserAgent: s.UserAgent,
		ChainID:   s.ChainID,
		CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
		IsCurrent: current,
	}
	if s.IPAddress != "" {
		ip := s.IPAddress
		v.IPAddress = &ip
	}
	return v
}

// SignedMessage is what a signature verifier extracts from a valid SIWE message.
type SignedMessage struct {
	Address string // EIP-55 checksummed account address
	ChainID string
	Nonce   string
	Domain  string
}
