// Package app wires configuration into the running service: logger,
// metrics, caches, gateway and the HTTP server lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pricegate/pricegate/internal/api"
	"github.com/pricegate/pricegate/internal/breaker"
	"github.com/pricegate/pricegate/internal/cache"
	"github.com/pricegate/pricegate/internal/config"
	"github.com/pricegate/pricegate/internal/gateway"
	"github.com/pricegate/pricegate/internal/metrics"
	"github.com/pricegate/pricegate/internal/pacer"
	"github.com/pricegate/pricegate/internal/price"
	"github.com/pricegate/pricegate/internal/upstream"
)

const upstreamName = "coingecko"

type Server struct {
	cfg    config.Config
	logger *zap.Logger
	server *http.Server
	gw     *gateway.Gateway
	redis  *redis.Client
}

func New(cfg config.Config) (*Server, error) {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	p, err := pacer.New(cfg.RateLimitCalls, cfg.RateLimitPeriod)
	if err != nil {
		return nil, fmt.Errorf("create pacer: %w", err)
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		Ignore:           upstream.IsRateLimit,
		Sink:             m,
		Logger:           logger,
	})

	client := upstream.NewClient(upstream.Config{
		BaseURL: cfg.UpstreamBaseURL,
		APIKey:  cfg.UpstreamAPIKey,
		Timeout: cfg.UpstreamTimeout,
	})

	gw, err := gateway.New(gateway.Config{
		Pacer:   p,
		Breaker: breakers.Get(upstreamName),
		Invoker: client,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	local := cache.NewMemory(cache.MemoryConfig{
		Capacity:   cfg.L1Capacity,
		TTL:        cfg.L1TTL,
		StaleRatio: cfg.StaleRatio,
		Logger:     logger,
	})

	var (
		shared      price.SharedTier
		redisClient *redis.Client
		redisReady  api.ReadyFunc
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		shared = cache.NewRedis(redisClient, cache.RedisConfig{
			TTL:    cfg.L2TTL,
			Logger: logger,
		})
		redisReady = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}

		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable at startup, shared tier degraded",
				zap.String("addr", cfg.RedisAddr),
				zap.Error(err),
			)
		}
		cancel()
	}

	svc, err := price.NewService(local, shared, gw, price.Config{
		SharedTTL: cfg.L2TTL,
		FreshFor:  cfg.FreshFor,
		LockLease: cfg.LockLease,
		LockWait:  cfg.LockWait,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create price service: %w", err)
	}

	handler, err := api.NewHandler(api.Config{
		Service:      svc,
		BreakerStats: breakers.Stats,
		RedisReady:   redisReady,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create api handler: %w", err)
	}

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		cfg:    cfg,
		logger: logger,
		server: srv,
		gw:     gw,
		redis:  redisClient,
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("pricegate listening",
			zap.String("addr", s.server.Addr),
			zap.Bool("shared_tier", s.redis != nil),
		)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(stopCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.gw.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	_ = s.logger.Sync()
	return errors.Join(errs...)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
