// Package siwe verifies Sign-In-With-Ethereum (EIP-4361) messages.
package siwe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	siwego "github.com/spruceid/siwe-go"
)

// Verifier checks EIP-191 signatures over SIWE messages.
type Verifier struct {
	domain string
	now    func() time.Time
}

var _ ports.SignatureVerifier = (*Verifier)(nil)

// Option customizes a Verifier.
type Option func(*Verifier)

// WithClock replaces time.Now for the notBefore/expirationTime checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a Verifier. When domain is non-empty, messages issued
// for any other domain are rejected.
func NewVerifier(domain string, opts ...Option) *Verifier {
	v := &Verifier{domain: domain, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify parses message, checks its domain and validity window, and recovers
// the signer. The recovered key must belong to the address in the message.
func (v *Verifier) Verify(ctx context.Context, message, signature string) (*core.SignedMessage, error) {
	if strings.TrimSpace(message) == "" || strings.TrimSpace(signature) == "" {
		return nil, fmt.Errorf("%w: empty message or signature", core.ErrInvalidSignature)
	}

	// siwe-go indexes the recovery byte without checking the length.
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not hex: %v", core.ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: signature must be %d bytes, got %d", core.ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}

	msg, err := siwego.ParseMessage(message)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed message: %v", core.ErrInvalidSignature, err)
	}

	var domain *string
	if v.domain != "" {
		domain = &v.domain
	}
	now := v.now()
	pub, err := msg.Verify(signature, domain, nil, &now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidSignature, err)
	}

	address := msg.GetAddress()
	if crypto.PubkeyToAddress(*pub) != address {
		return nil, fmt.Errorf("%w: signer does not match message address", core.ErrInvalidSignature)
	}

	return &core.SignedMessage{
		Address: address.Hex(),
		ChainID: strconv.Itoa(msg.GetChainID()),
		Nonce:   msg.GetNonce(),
		Domain:  msg.GetDomain(),
	}, nil
}
