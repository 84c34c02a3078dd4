package ports

import (
	"context"

	"github.com/layer-3/warden/core"
)

// SignatureVerifier validates a SIWE message and its signature.
type SignatureVerifier interface {
	// Verify returns the signed fields of message, or an error wrapping
	// core.ErrInvalidSignature when the message or signature is not acceptable.
	Verify(ctx context.Context, message, signature string) (*core.SignedMessage, error)
}
