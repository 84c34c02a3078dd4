package service

import (
	"context"
	"time"

	"github.com/layer-3/warden/metrics"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

// Sweeper purges expired nonces and sessions. Stores with native expiry
// (Redis) mostly report zero; the sweep keeps the SQL and in-memory stores bounded.
type Sweeper struct {
	nonces     ports.NonceStore
	sessions   ports.SessionStore
	nonceTTL   time.Duration
	sessionTTL time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewSweeper creates a Sweeper. Records older than their TTL are removed.
func NewSweeper(nonces ports.NonceStore, sessions ports.SessionStore, nonceTTL, sessionTTL time.Duration, logger *zap.Logger, m *metrics.Metrics) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		nonces:     nonces,
		sessions:   sessions,
		nonceTTL:   nonceTTL,
		sessionTTL: sessionTTL,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// SweepOnce runs one pass and returns how many nonces and sessions it removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (nonces, sessions int64, err error) {
	defer func() { s.metrics.Observe(metrics.OpSweep, err) }()

	now := s.now()
	nonces, err = s.nonces.SweepNonces(ctx, now.Add(-s.nonceTTL))
	if err != nil {
		return 0, 0, err
	}
	s.metrics.Swept("nonce", nonces)

	sessions, err = s.sessions.SweepExpired(ctx, now.Add(-s.sessionTTL))
	if err != nil {
		return nonces, 0, err
	}
	s.metrics.Swept("session", sessions)
	return nonces, sessions, nil
}

// Run sweeps once immediately and then every interval until ctx is done.
// Passes never overlap. A non-positive interval disables the periodic passes
// but not the startup one.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	s.sweep(ctx)
	if interval <= 0 {
		s.logger.Info("periodic sweeping disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	nonces, sessions, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
		return
	}
	if nonces > 0 || sessions > 0 {
		s.logger.Info("swept expired records",
			zap.Int64("nonces", nonces),
			zap.Int64("sessions", sessions),
		)
	}
}
