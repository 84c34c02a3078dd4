package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/warden/adapters/store"
	"github.com/layer-3/warden/adapters/tokenizer"
	"github.com/layer-3/warden/core"
	"github.com/stretchr/testify/require"
)

const testAddress = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubVerifier accepts messages of the form "address;chainId;nonce" when the
// signature is "sig:" + message.
type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, message, signature string) (*core.SignedMessage, error) {
	if signature != "sig:"+message {
		return nil, fmt.Errorf("%w: bad signature", core.ErrInvalidSignature)
	}
	parts := strings.Split(message, ";")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed message", core.ErrInvalidSignature)
	}
	return &core.SignedMessage{Address: parts[0], ChainID: parts[1], Nonce: parts[2], Domain: "test"}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []core.SessionEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e core.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []core.SessionEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.SessionEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	clock  *fakeClock
	store  *store.MemoryStore
	codec  *tokenizer.Codec
	nonces *NonceIssuer
	svc    *AuthService
	guard  *Guard
	events *recordingPublisher
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0).UTC()}

	codec, err := tokenizer.NewCodec(tokenizer.Config{
		AccessSecret:  []byte("access-secret-0123456789abcdefghijklmnop"),
		RefreshSecret: []byte("refresh-secret-0123456789abcdefghijklmno"),
		EncryptionKey: []byte("0123456789abcdef0123456789abcdef"),
		HashSecret:    []byte("hash-secret"),
		Issuer:        "warden-test",
		Audience:      "warden-api",
	}, tokenizer.WithClock(clock.Now))
	require.NoError(t, err)

	st := store.NewMemoryStore()
	st.SetClock(clock.Now)

	events := &recordingPublisher{}
	nonces := NewNonceIssuer(st, codec, 0, clock.Now)
	all := append([]Option{WithClock(clock.Now), WithEventPublisher(events)}, opts...)

	return &harness{
		clock:  clock,
		store:  st,
		codec:  codec,
		nonces: nonces,
		svc:    NewAuthService(stubVerifier{}, nonces, st, st, codec, all...),
		guard:  NewGuard(codec, st, nil, nil),
		events: events,
	}
}

// signedMessage issues a nonce for fingerprint and returns a message and
// signature the stub verifier accepts.
func (h *harness) signedMessage(t *testing.T, address, fingerprint string) (string, string) {
	t.Helper()
	nonce, err := h.svc.IssueNonce(context.Background(), fingerprint)
	require.NoError(t, err)
	msg := address + ";1;" + nonce
	return msg, "sig:" + msg
}

func (h *harness) login(t *testing.T, fingerprint string) *LoginResult {
	t.Helper()
	return h.loginAs(t, testAddress, fingerprint)
}

func (h *harness) loginAs(t *testing.T, address, fingerprint string) *LoginResult {
	t.Helper()
	msg, sig := h.signedMessage(t, address, fingerprint)
	res, err := h.svc.Login(context.Background(), LoginInput{
		Message:           msg,
		Signature:         sig,
		DeviceFingerprint: fingerprint,
		UserAgent:         "agent-" + fingerprint,
		IPAddress:         "203.0.113.7",
	})
	require.NoError(t, err)
	return res
}
