package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"kapestr/internal/logger"
	"kapestr/internal/relay"
	"kapestr/pkg/circuitbreaker"
	"kapestr/pkg/logging"
	"kapestr/pkg/metrics"
	"kapestr/pkg/tracing"
)

var ErrResolveTimeout = errors.New("metadata: resolve deadline exceeded")

type Outcome string

const (
	// OutcomeFound means a usable profile was written to the cache.
	OutcomeFound Outcome = "found"
	// OutcomeExhausted means the relays ran out of events without a profile.
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeUnusable means a profile arrived but carried no usable name.
	OutcomeUnusable Outcome = "unusable"
)

type Result struct {
	Name    string
	Found   bool
	Outcome Outcome
}

type ResolverConfig struct {
	// Timeout bounds a single resolution; zero waits until the stream ends.
	Timeout            time.Duration
	UnsubscribeTimeout time.Duration
	// RateLimit caps how many narrow subscriptions are opened per second;
	// zero disables the limit.
	RateLimit rate.Limit
	Burst     int
}

// relayCounter is implemented by links that know how many relays are live,
// letting the resolver stop once each of them has sent EOSE.
type relayCounter interface {
	ConnectedRelays() int
}

// Resolver fetches the newest profile of an author through a dedicated,
// short-lived subscription and stores the display name in the cache.
type Resolver struct {
	link    relay.Link
	cache   *Cache
	cfg     ResolverConfig
	logger  logger.Logger
	breaker *circuitbreaker.Wrapper
	limiter *rate.Limiter
	group   singleflight.Group
}

type ResolverOption func(*Resolver)

func WithCircuitBreaker(cb *circuitbreaker.Wrapper) ResolverOption {
	return func(r *Resolver) {
		r.breaker = cb
	}
}

func NewResolver(link relay.Link, cache *Cache, cfg ResolverConfig, log logger.Logger, opts ...ResolverOption) *Resolver {
	if cfg.UnsubscribeTimeout <= 0 {
		cfg.UnsubscribeTimeout = 2 * time.Second
	}

	r := &Resolver{
		link:   link,
		cache:  cache,
		cfg:    cfg,
		logger: log.With("component", "resolver"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BreakerConfig is the circuit breaker setting used for resolutions: timeouts
// and subscribe failures count, cancellation does not.
func BreakerConfig(cfg circuitbreaker.Config) circuitbreaker.Config {
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, context.Canceled)
	}
	return cfg
}

// Resolve returns the display name for author. Concurrent calls for the same
// author share one subscription.
func (r *Resolver) Resolve(ctx context.Context, author string) (Result, error) {
	v, err, shared := r.group.Do(author, func() (interface{}, error) {
		return r.resolve(ctx, author)
	})
	if shared {
		r.logger.DebugwCtx(ctx, "Joined in-flight resolution", "author", author)
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (r *Resolver) resolve(ctx context.Context, author string) (Result, error) {
	if name, ok := r.cache.Get(author); ok {
		return Result{Name: name, Found: true, Outcome: OutcomeFound}, nil
	}

	ctx, span := tracing.StartSpan(ctx, "metadata.resolve", attribute.String("nostr.author", author))
	defer span.End()

	metrics.ResolverInFlight.Inc()
	defer metrics.ResolverInFlight.Dec()

	start := time.Now()
	var (
		res Result
		err error
	)
	if r.breaker != nil {
		var v interface{}
		v, err = r.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
			return r.fetch(ctx, author)
		})
		if v != nil {
			res = v.(Result)
		}
	} else {
		res, err = r.fetch(ctx, author)
	}
	metrics.ObserveResolverDuration(time.Since(start))

	switch {
	case err == nil:
		metrics.IncResolverRequest(string(res.Outcome))
		span.SetAttributes(attribute.String("resolver.outcome", string(res.Outcome)))
	case errors.Is(err, ErrResolveTimeout):
		metrics.IncResolverRequest("timeout")
		span.SetStatus(codes.Error, err.Error())
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.IncResolverRequest("circuit_open")
		span.SetStatus(codes.Error, err.Error())
	default:
		metrics.IncResolverRequest("error")
		span.SetStatus(codes.Error, err.Error())
	}

	return res, err
}

func (r *Resolver) fetch(ctx context.Context, author string) (Result, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("resolver rate limit: %w", err)
		}
	}

	waitCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	// The stream must exist before the subscription so the answer cannot
	// slip past.
	stream := r.link.Notifications()
	defer stream.Close()

	filters := nostr.Filters{{
		Authors: []string{author},
		Kinds:   []int{nostr.KindProfileMetadata},
		Limit:   1,
	}}
	// Relays that connect later never saw the request and send no EOSE.
	expected := 0
	if rc, ok := r.link.(relayCounter); ok {
		expected = rc.ConnectedRelays()
	}

	subID, err := r.link.Subscribe(waitCtx, filters)
	if err != nil {
		return Result{}, fmt.Errorf("subscribe to profile of %s: %w", author, err)
	}
	defer r.unsubscribe(ctx, subID)

	ctx = logging.WithSubscriptionID(ctx, string(subID))
	r.logger.DebugwCtx(ctx, "Resolving display name", "author", author)

	eose := make(map[string]struct{})
	for {
		n, err := stream.Recv(waitCtx)
		if err != nil {
			var lag *relay.LagError
			switch {
			case errors.As(err, &lag):
				r.logger.DebugwCtx(ctx, "Resolver stream lagged", "missed", lag.Missed)
				continue
			case errors.Is(err, relay.ErrStreamClosed):
				return Result{Outcome: OutcomeExhausted}, nil
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				r.logger.DebugwCtx(ctx, "Resolution timed out", "author", author, "timeout", r.cfg.Timeout)
				return Result{}, ErrResolveTimeout
			default:
				return Result{}, err
			}
		}

		switch n.Type {
		case relay.NotificationShutdown:
			return Result{Outcome: OutcomeExhausted}, nil
		case relay.NotificationEvent:
			ev := n.Event
			if ev == nil || ev.Kind != nostr.KindProfileMetadata || ev.PubKey != author {
				continue
			}
			name, ok := ParseDisplayName(ev.Content)
			if !ok {
				r.logger.DebugwCtx(ctx, "Profile has no usable display name", "author", author, "event_id", ev.ID)
				return Result{Outcome: OutcomeUnusable}, nil
			}
			r.cache.Set(author, name)
			r.logger.DebugwCtx(ctx, "Display name resolved", "author", author, "display_name", name)
			return Result{Name: name, Found: true, Outcome: OutcomeFound}, nil
		case relay.NotificationOther:
			if n.Label != "EOSE" || n.SubscriptionID != subID {
				continue
			}
			eose[n.RelayURL] = struct{}{}
			if expected > 0 && len(eose) >= expected {
				return Result{Outcome: OutcomeExhausted}, nil
			}
		}
	}
}

// unsubscribe runs even when ctx is already cancelled so the narrow
// subscription never outlives its resolution.
func (r *Resolver) unsubscribe(ctx context.Context, id relay.SubscriptionID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.UnsubscribeTimeout)
	defer cancel()

	if err := r.link.Unsubscribe(ctx, id); err != nil {
		r.logger.WarnwCtx(ctx, "Failed to close resolver subscription", "subscription_id", id, "error", err)
	}
}
