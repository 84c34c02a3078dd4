package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/layer-3/warden/adapters/events"
	"github.com/layer-3/warden/adapters/siwe"
	"github.com/layer-3/warden/adapters/store"
	"github.com/layer-3/warden/adapters/store/postgres"
	"github.com/layer-3/warden/adapters/tokenizer"
	"github.com/layer-3/warden/config"
	"github.com/layer-3/warden/logging"
	"github.com/layer-3/warden/metrics"
	"github.com/layer-3/warden/ports"
	"github.com/layer-3/warden/service"
	"github.com/layer-3/warden/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type backend struct {
	nonces   ports.NonceStore
	sessions ports.SessionStore
	users    ports.UserDirectory
	close    func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("warden stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.RedisURL != "" && (cfg.StoreBackend == config.BackendRedis || cfg.EventsEnabled) {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	be, err := newBackend(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	defer be.close()

	encKey, err := cfg.EncryptionKey()
	if err != nil {
		return err
	}
	codec, err := tokenizer.NewCodec(tokenizer.Config{
		AccessSecret:  []byte(cfg.AccessTokenSecret),
		RefreshSecret: []byte(cfg.RefreshTokenSecret),
		EncryptionKey: encKey,
		HashSecret:    []byte(cfg.HashSecret),
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
	})
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithMetrics(m),
		service.WithDefaultRole(cfg.DefaultRole),
		service.WithRefreshRotation(cfg.RotateRefreshTokens),
	}
	if cfg.EventsEnabled {
		publisher, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{Client: redisClient},
			watermill.NewStdLogger(false, false),
		)
		if err != nil {
			return fmt.Errorf("redis stream publisher: %w", err)
		}
		defer publisher.Close()
		opts = append(opts, service.WithEventPublisher(events.NewWatermillPublisher(publisher, cfg.EventsTopic)))
	}

	nonces := service.NewNonceIssuer(be.nonces, codec, cfg.NonceTTL, nil)
	authService := service.NewAuthService(siwe.NewVerifier(cfg.SIWEDomain), nonces, be.users, be.sessions, codec, opts...)
	guard := service.NewGuard(codec, be.sessions, logger, m)

	sweeper := service.NewSweeper(be.nonces, be.sessions, cfg.NonceTTL, cfg.SessionTTL, logger, m)
	go sweeper.Run(ctx, cfg.SweepInterval)

	router := http.SetupRouter(http.RouterConfig{
		AuthService: authService,
		Guard:       guard,
		Logger:      logger,
		Params: http.MessageParams{
			Domain:    cfg.SIWEDomain,
			URI:       cfg.SIWEURI,
			Statement: cfg.SIWEStatement,
		},
		Gatherer:                 reg,
		RequireFingerprintHeader: cfg.RequireFingerprintHeader,
	})

	srv := &nethttp.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.StoreBackend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}

func newBackend(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		st := store.NewRedisStore(redisClient, cfg.SessionTTL)
		return &backend{nonces: st, sessions: st, users: st, close: func() {}}, nil
	case config.BackendPostgres:
		if err := postgres.Migrate(cfg.DatabaseURL, "up"); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		st := postgres.NewStore(pool)
		return &backend{nonces: st, sessions: st, users: st, close: pool.Close}, nil
	default:
		st := store.NewMemoryStore()
		return &backend{nonces: st, sessions: st, users: st, close: func() {}}, nil
	}
}
