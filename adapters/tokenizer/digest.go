package tokenizer

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/layer-3/warden/core"
	"golang.org/x/crypto/hkdf"
)

// Digester computes HMAC-SHA256 digests under a key derived for one purpose.
type Digester struct {
	key []byte
}

// NewDigester derives a purpose-specific key from secret with HKDF-SHA256.
// Digests made for different purposes never collide for the same input.
func NewDigester(secret []byte, purpose core.HashPurpose) (*Digester, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("hash secret must not be empty")
	}
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, secret, nil, []byte("warden/"+string(purpose)))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}
	return &Digester{key: key}, nil
}

// Sum returns the hex-encoded digest of value.
func (d *Digester) Sum(value string) string {
	mac := hmac.New(sha256.New, d.key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal reports whether digest is the digest of value, in constant time.
func (d *Digester) Equal(value, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(d.Sum(value)), []byte(digest)) == 1
}
