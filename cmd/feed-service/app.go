package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"kapestr/internal/broker"
	"kapestr/internal/config"
	"kapestr/internal/constants"
	"kapestr/internal/deduplication"
	"kapestr/internal/enrichment"
	"kapestr/internal/filtering"
	"kapestr/internal/logger"
	"kapestr/internal/metadata"
	"kapestr/internal/relay"
	"kapestr/internal/status"
	"kapestr/pkg/bootstrap"
	"kapestr/pkg/circuitbreaker"
	"kapestr/pkg/health"
	"kapestr/pkg/logging"
	"kapestr/pkg/metrics"
	"kapestr/pkg/middleware"
	"kapestr/pkg/ratelimit"
	"kapestr/pkg/tracing"
)

const dedupMetricsInterval = 15 * time.Second

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	redis          *redis.Client
	pool           *relay.Pool
	cache          *metadata.Cache
	dedup          *deduplication.Service
	pipeline       *enrichment.Pipeline
	consumer       *broker.Consumer
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterFeedMetrics()

	if err := a.initRedis(ctx); err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}

	if err := a.InitSink(); err != nil {
		return err
	}

	if err := a.initPipeline(); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	a.initHTTPServer(ctx)
	return nil
}

func (a *App) initRedis(ctx context.Context) error {
	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redis = rdb
	return nil
}

func (a *App) initPipeline() error {
	cfg := a.Config

	a.pool = relay.NewPool(relay.PoolConfig{
		StreamBuffer:        cfg.Relay.StreamBuffer,
		VerifySignatures:    cfg.Relay.VerifySignatures,
		DialTimeout:         cfg.Relay.DialTimeout,
		WriteTimeout:        cfg.Relay.WriteTimeout,
		ReconnectInitial:    cfg.Relay.Reconnect.InitialInterval,
		ReconnectMax:        cfg.Relay.Reconnect.MaxInterval,
		ReconnectMultiplier: cfg.Relay.Reconnect.Multiplier,
	}, a.Logger)

	a.cache = metadata.NewCache()

	var resolverOpts []metadata.ResolverOption
	if cfg.CircuitBreaker.Enabled {
		cb := circuitbreaker.NewWrapper(metadata.BreakerConfig(circuitbreaker.FromConfig("metadata-resolver", cfg.CircuitBreaker)))
		resolverOpts = append(resolverOpts, metadata.WithCircuitBreaker(cb))
	}
	resolver := metadata.NewResolver(a.pool, a.cache, metadata.ResolverConfig{
		Timeout:            cfg.Resolver.Timeout,
		UnsubscribeTimeout: cfg.Resolver.UnsubscribeTimeout,
		RateLimit:          rate.Limit(cfg.Resolver.RateLimitRPS),
		Burst:              cfg.Resolver.RateLimitBurst,
	}, a.Logger, resolverOpts...)

	var opts []enrichment.Option

	if cfg.Deduplication.Enabled {
		var redisRepo deduplication.Repository
		if a.redis != nil {
			redisRepo = deduplication.NewRedisRepository(a.redis)
		}
		dedup, err := deduplication.NewFromConfig(cfg, redisRepo, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to create dedup service: %w", err)
		}
		a.dedup = dedup
		opts = append(opts, enrichment.WithDeduplicator(dedup))
	}

	if len(cfg.Filtering.Expressions) > 0 {
		filter, err := filtering.NewService(cfg.Filtering, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to compile filters: %w", err)
		}
		opts = append(opts, enrichment.WithFilter(filter))
	}

	a.pipeline = enrichment.New(a.pool, a.cache, resolver, enrichment.ConfigFrom(cfg), a.Logger, opts...)
	a.consumer = broker.NewConsumer(a.Sink, a.Logger)
	return nil
}

func (a *App) initHTTPServer(ctx context.Context) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(otelgin.Middleware(constants.ServiceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(a.Logger))

	if a.Config.Status.RateLimit.Enabled {
		rateLimitConfig := ratelimit.FromConfig(a.Config.Status.RateLimit)
		router.Use(ratelimit.RateLimitMiddleware(ctx, rateLimitConfig))
		a.Logger.InfowCtx(ctx, "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewRelayChecker(a.pool))
	if a.redis != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redis))
	}

	status.NewHandler(a.pipeline, a.cache, healthRegistry, a.Logger).RegisterRoutes(router)

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds * time.Second,
	}
}

// Run blocks until the pipeline stops, either because ctx ended or because
// the relays went away, and then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(logging.WithServiceName(ctx, constants.ServiceName))
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		err := a.pipeline.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// The consumer outlives cancellation so posts already queued still reach
	// the sink; it returns once the pipeline closes the queue.
	g.Go(func() error {
		return a.consumer.Run(context.WithoutCancel(runCtx), a.pipeline.Output())
	})

	g.Go(func() error {
		a.Logger.InfowCtx(gctx, "Status server listening", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.dedup != nil {
		g.Go(func() error {
			return a.dedup.RunMetrics(gctx, dedupMetricsInterval)
		})
	}

	runErr := g.Wait()

	if err := a.Shutdown(ctx, a.shutdownComponents); err != nil {
		a.Logger.ErrorwCtx(ctx, "Shutdown failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func (a *App) shutdownComponents(ctx context.Context) []error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.pool != nil {
		if err := a.pool.Disconnect(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("relay disconnect error: %w", err))
		}
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	errs = append(errs, a.dbConnector.ShutdownDatabases(shutdownCtx, a.redis)...)
	return errs
}
