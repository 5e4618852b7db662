// Package enrichment turns the relay event stream into a feed of text notes
// labelled with their author's display name.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"kapestr/internal/config"
	"kapestr/internal/constants"
	"kapestr/internal/logger"
	"kapestr/internal/metadata"
	"kapestr/internal/relay"
	apperrors "kapestr/pkg/errors"
	"kapestr/pkg/logging"
	"kapestr/pkg/metrics"
	"kapestr/pkg/retry"
	"kapestr/pkg/tracing"
)

type Config struct {
	RelayURLs        []string
	InitialLimit     int
	OutboundCapacity int

	// MaxReceiveErrors is the number of consecutive receive failures that
	// stops the pipeline; zero retries forever.
	MaxReceiveErrors  int
	ReceiveInitial    time.Duration
	ReceiveMax        time.Duration
	ReceiveMultiplier float64

	Workers    int
	MaxPending int
	// Fallback is constants.FallbackRawIdentifier or constants.FallbackDrop.
	Fallback string

	UnsubscribeTimeout time.Duration
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		RelayURLs:          cfg.Relay.URLs,
		InitialLimit:       cfg.Pipeline.InitialLimit,
		OutboundCapacity:   cfg.Pipeline.OutboundCapacity,
		MaxReceiveErrors:   cfg.Pipeline.MaxReceiveErrors,
		ReceiveInitial:     cfg.Pipeline.ReceiveBackoff.InitialInterval,
		ReceiveMax:         cfg.Pipeline.ReceiveBackoff.MaxInterval,
		ReceiveMultiplier:  cfg.Pipeline.ReceiveBackoff.Multiplier,
		Workers:            cfg.Resolver.Workers,
		MaxPending:         cfg.Resolver.MaxPending,
		Fallback:           strings.ToLower(cfg.Resolver.Fallback),
		UnsubscribeTimeout: cfg.Resolver.UnsubscribeTimeout,
	}
}

func (c *Config) applyDefaults() {
	if c.OutboundCapacity < 1 {
		c.OutboundCapacity = constants.DefaultOutboundCapacity
	}
	if c.ReceiveInitial <= 0 {
		c.ReceiveInitial = 10 * time.Millisecond
	}
	if c.ReceiveMax <= 0 {
		c.ReceiveMax = time.Second
	}
	if c.ReceiveMultiplier < 1 {
		c.ReceiveMultiplier = 2
	}
	if c.Workers < 1 {
		c.Workers = constants.DefaultResolverWorkers
	}
	if c.MaxPending < 1 {
		c.MaxPending = constants.DefaultMaxPending
	}
	if c.Fallback == "" {
		c.Fallback = constants.FallbackRawIdentifier
	}
	if c.UnsubscribeTimeout <= 0 {
		c.UnsubscribeTimeout = constants.DefaultUnsubscribeTimeout
	}
}

type NameResolver interface {
	Resolve(ctx context.Context, author string) (metadata.Result, error)
}

type Deduplicator interface {
	Process(ctx context.Context, ev *nostr.Event) (bool, error)
}

type PostFilter interface {
	Allow(ctx context.Context, ev *nostr.Event, displayName string) bool
}

type Option func(*Pipeline)

func WithDeduplicator(d Deduplicator) Option {
	return func(p *Pipeline) {
		p.dedup = d
	}
}

func WithFilter(f PostFilter) Option {
	return func(p *Pipeline) {
		p.filter = f
	}
}

type resolution struct {
	author string
	result metadata.Result
	err    error
}

// Pipeline owns the main subscription. Everything below Start runs on the
// goroutine that called Start, except display name resolutions, which run
// on their own goroutines and report back through p.resolved.
type Pipeline struct {
	link     relay.Link
	cache    *metadata.Cache
	resolver NameResolver
	dedup    Deduplicator
	filter   PostFilter
	cfg      Config
	logger   logger.Logger
	out      *Outbound

	started atomic.Bool
	state   atomic.Int32
	counters

	// Loop-owned.
	mainSub       relay.SubscriptionID
	pending       map[string][]*nostr.Event
	pendingCount  int
	inflight      map[string]struct{}
	waiting       []string
	waitingSet    map[string]struct{}
	resolved      chan resolution
	resolverWG    sync.WaitGroup
	cancelResolve context.CancelFunc
}

type counters struct {
	events         atomic.Uint64
	duplicates     atomic.Uint64
	profileUpdates atomic.Uint64
	ignored        atomic.Uint64
	posts          atomic.Uint64
	emitted        atomic.Uint64
	fallbacks      atomic.Uint64
	dropped        atomic.Uint64
	filtered       atomic.Uint64
	sendFailures   atomic.Uint64
	receiveErrors  atomic.Uint64
	pendingGauge   atomic.Int64
	resolvingGauge atomic.Int64
}

func New(link relay.Link, cache *metadata.Cache, resolver NameResolver, cfg Config, log logger.Logger, opts ...Option) *Pipeline {
	cfg.applyDefaults()

	p := &Pipeline{
		link:       link,
		cache:      cache,
		resolver:   resolver,
		cfg:        cfg,
		logger:     log,
		out:        NewOutbound(cfg.OutboundCapacity),
		pending:    make(map[string][]*nostr.Event),
		inflight:   make(map[string]struct{}),
		waitingSet: make(map[string]struct{}),
		resolved:   make(chan resolution, cfg.Workers),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.setState(StateCreated)
	return p
}

// Output is the consumer side of the outbound queue. It is closed when the
// pipeline stops.
func (p *Pipeline) Output() *Outbound {
	return p.out
}

func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		State:          p.State().String(),
		Events:         p.events.Load(),
		Duplicates:     p.duplicates.Load(),
		ProfileUpdates: p.profileUpdates.Load(),
		Ignored:        p.ignored.Load(),
		Posts:          p.posts.Load(),
		Emitted:        p.emitted.Load(),
		Fallbacks:      p.fallbacks.Load(),
		Dropped:        p.dropped.Load(),
		Filtered:       p.filtered.Load(),
		SendFailures:   p.sendFailures.Load(),
		ReceiveErrors:  p.receiveErrors.Load(),
		Pending:        p.pendingGauge.Load(),
		Resolving:      p.resolvingGauge.Load(),
		CachedAuthors:  p.cache.Len(),
		OutboundQueued: p.out.Len(),
	}
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
	metrics.PipelineState.Set(float64(s))
}

func (p *Pipeline) mainFilters() nostr.Filters {
	return nostr.Filters{{
		Kinds: []int{nostr.KindProfileMetadata, nostr.KindTextNote},
		Limit: p.cfg.InitialLimit,
	}}
}

// Start connects, subscribes and processes notifications until the link
// shuts down (returns nil), ctx ends (returns ctx.Err()) or receiving fails
// past the error budget. It may be called once. The outbound queue is closed
// on return.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer p.out.Close()

	p.setState(StateConnecting)
	p.logger.InfowCtx(ctx, "Connecting to relays", "relays", p.cfg.RelayURLs)
	if err := p.link.Connect(ctx, p.cfg.RelayURLs); err != nil {
		p.setState(StateStopped)
		return &StartError{Stage: "connect", Err: err}
	}

	stream := p.link.Notifications()
	defer stream.Close()

	sub, err := p.link.Subscribe(ctx, p.mainFilters())
	if err != nil {
		p.setState(StateStopped)
		return &StartError{Stage: "subscribe", Err: err}
	}
	p.mainSub = sub
	p.setState(StateSubscribed)
	p.logger.InfowCtx(ctx, "Subscribed to feed",
		"subscription_id", sub,
		"initial_limit", p.cfg.InitialLimit,
	)

	resolveCtx, cancelResolve := context.WithCancel(ctx)
	p.cancelResolve = cancelResolve
	defer cancelResolve()

	pumpCtx, cancelPump := context.WithCancel(ctx)
	notes := make(chan relay.Notification)
	fatal := make(chan error, 1)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		p.pump(pumpCtx, stream, notes, fatal)
	}()
	defer func() {
		cancelPump()
		<-pumpDone
	}()

	p.setState(StateRunning)
	return p.loop(ctx, resolveCtx, notes, fatal)
}

func (p *Pipeline) loop(ctx, resolveCtx context.Context, notes <-chan relay.Notification, fatal <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			p.logger.InfowCtx(ctx, "Pipeline cancelled", "pending", p.pendingCount)
			p.stop(ctx, false)
			return ctx.Err()

		case err := <-fatal:
			p.logger.ErrorwCtx(ctx, "Pipeline stopping on receive errors", "error", err)
			p.stop(ctx, false)
			return err

		case n := <-notes:
			if n.Type == relay.NotificationShutdown {
				p.logger.InfowCtx(ctx, "Relay link shut down, draining", "pending", p.pendingCount)
				p.stop(ctx, true)
				return nil
			}
			p.handle(ctx, resolveCtx, n)

		case r := <-p.resolved:
			p.onResolved(ctx, resolveCtx, r)
		}
	}
}

// pump forwards notifications to the loop. Receive failures are retried
// with backoff; past the error budget the pipeline is told to stop.
func (p *Pipeline) pump(ctx context.Context, stream *relay.Stream, notes chan<- relay.Notification, fatal chan<- error) {
	budget := retry.NewErrorBudget(p.cfg.MaxReceiveErrors, p.cfg.ReceiveInitial, p.cfg.ReceiveMax, p.cfg.ReceiveMultiplier)

	for {
		n, err := stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, relay.ErrStreamClosed) {
				n = relay.Notification{Type: relay.NotificationShutdown}
			} else {
				p.receiveErrors.Add(1)
				metrics.FeedReceiveErrorsTotal.Inc()
				p.logger.WarnwCtx(ctx, "Notification receive failed",
					"error", err,
					"consecutive", budget.Consecutive()+1,
				)
				if berr := budget.Failure(ctx, err); berr != nil {
					if retry.IsFatal(berr) {
						fatal <- fmt.Errorf("%w: %v", ErrReceiveBudget, berr)
					}
					return
				}
				continue
			}
		}
		budget.Success()

		select {
		case notes <- n:
		case <-ctx.Done():
			return
		}
		if n.Type == relay.NotificationShutdown {
			return
		}
	}
}

func (p *Pipeline) handle(ctx, resolveCtx context.Context, n relay.Notification) {
	switch n.Type {
	case relay.NotificationEvent:
		err := apperrors.Safe(func() error {
			p.processEvent(ctx, resolveCtx, n)
			return nil
		})
		if err != nil {
			p.logger.ErrorwCtx(ctx, "Recovered from panic while processing event", "relay_url", n.RelayURL, "error", err)
		}
	case relay.NotificationMessage:
		p.logger.InfowCtx(ctx, "Relay message", "relay_url", n.RelayURL, "message", n.Message)
	default:
		p.logger.DebugwCtx(ctx, "Relay notification", "relay_url", n.RelayURL, "label", n.Label, "subscription_id", n.SubscriptionID)
	}
}

func (p *Pipeline) processEvent(ctx, resolveCtx context.Context, n relay.Notification) {
	ev := n.Event
	if ev == nil {
		return
	}
	start := time.Now()
	p.events.Add(1)

	ctx, span := tracing.StartEventSpan(ctx, "feed.process_event", ev)
	defer span.End()
	ctx = logging.WithRelayURL(ctx, n.RelayURL)

	if p.dedup != nil {
		unique, err := p.dedup.Process(ctx, ev)
		if err != nil {
			p.logger.WarnwCtx(ctx, "Dedup check failed, dropping event", "error", err)
			return
		}
		if !unique {
			p.duplicates.Add(1)
			metrics.FeedDuplicatesTotal.Inc()
			return
		}
	}

	c := Classify(ev)
	metrics.IncFeedEvent(c.Kind.String())
	defer func() { metrics.ObserveFeedProcessing(c.Kind.String(), time.Since(start)) }()

	switch c.Kind {
	case ProfileUpdate:
		p.profileUpdates.Add(1)
		name, ok := metadata.ParseDisplayName(c.RawContent)
		if !ok {
			p.logger.DebugwCtx(ctx, "Discarding profile without usable name", "author", c.Author)
			return
		}
		p.cache.Set(c.Author, name)
		p.logger.DebugwCtx(ctx, "Display name cached", "author", c.Author, "display_name", name)
		p.releaseWaiting(ctx, c.Author)
	case Post:
		p.posts.Add(1)
		p.enrichPost(ctx, resolveCtx, c.Event)
	default:
		p.ignored.Add(1)
	}
}

func (p *Pipeline) enrichPost(ctx, resolveCtx context.Context, ev *nostr.Event) {
	// Earlier posts of the same author still waiting keep their place.
	if len(p.pending[ev.PubKey]) == 0 {
		if name, ok := p.cache.Get(ev.PubKey); ok {
			p.emit(ctx, ev, name, false)
			return
		}
	}

	if p.pendingCount >= p.cfg.MaxPending {
		p.logger.WarnwCtx(ctx, "Too many posts awaiting resolution", "max_pending", p.cfg.MaxPending)
		p.applyFallback(ctx, ev, "pending_overflow")
		return
	}

	p.pending[ev.PubKey] = append(p.pending[ev.PubKey], ev)
	p.pendingCount++
	p.syncGauges()
	p.schedule(resolveCtx, ev.PubKey)
}

// schedule starts a resolution for author unless one is running or queued.
func (p *Pipeline) schedule(resolveCtx context.Context, author string) {
	if _, ok := p.inflight[author]; ok {
		return
	}
	if _, ok := p.waitingSet[author]; ok {
		return
	}
	if len(p.inflight) >= p.cfg.Workers {
		p.waiting = append(p.waiting, author)
		p.waitingSet[author] = struct{}{}
		return
	}
	p.startResolution(resolveCtx, author)
}

func (p *Pipeline) startResolution(resolveCtx context.Context, author string) {
	p.inflight[author] = struct{}{}
	p.syncGauges()

	p.resolverWG.Add(1)
	go func() {
		defer p.resolverWG.Done()
		res, err := p.resolver.Resolve(resolveCtx, author)
		p.resolved <- resolution{author: author, result: res, err: err}
	}()
}

func (p *Pipeline) onResolved(ctx, resolveCtx context.Context, r resolution) {
	delete(p.inflight, r.author)

	switch {
	case r.err == nil:
		p.logger.DebugwCtx(ctx, "Resolution finished", "author", r.author, "outcome", r.result.Outcome)
	case errors.Is(r.err, context.Canceled):
	default:
		p.logger.WarnwCtx(ctx, "Resolution failed", "author", r.author, "error", r.err)
	}

	p.flush(ctx, r.author, "unresolved")
	p.startWaiting(ctx, resolveCtx)
}

// flush emits every pending post of author with the cached name, or through
// the fallback policy when there is none.
func (p *Pipeline) flush(ctx context.Context, author, reason string) {
	posts := p.pending[author]
	delete(p.pending, author)
	p.pendingCount -= len(posts)
	p.syncGauges()

	name, ok := p.cache.Get(author)
	for _, ev := range posts {
		if ok {
			p.emit(ctx, ev, name, false)
		} else {
			p.applyFallback(ctx, ev, reason)
		}
	}
}

func (p *Pipeline) startWaiting(ctx, resolveCtx context.Context) {
	for len(p.inflight) < p.cfg.Workers && len(p.waiting) > 0 {
		author := p.waiting[0]
		p.waiting = p.waiting[1:]
		delete(p.waitingSet, author)

		if len(p.pending[author]) == 0 {
			continue
		}
		if _, ok := p.cache.Get(author); ok {
			p.flush(ctx, author, "unresolved")
			continue
		}
		p.startResolution(resolveCtx, author)
	}
}

// releaseWaiting flushes an author that is queued for a worker but now has a
// cached name. An in-flight lookup sees the same profile and finishes itself.
func (p *Pipeline) releaseWaiting(ctx context.Context, author string) {
	if _, ok := p.waitingSet[author]; !ok {
		return
	}
	delete(p.waitingSet, author)
	for i, a := range p.waiting {
		if a == author {
			p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
			break
		}
	}
	p.flush(ctx, author, "unresolved")
}

func (p *Pipeline) applyFallback(ctx context.Context, ev *nostr.Event, reason string) {
	if p.cfg.Fallback == constants.FallbackDrop {
		p.dropped.Add(1)
		metrics.IncFeedPost("dropped")
		metrics.IncFallbackUsage("enrichment", constants.FallbackDrop, reason)
		p.logger.DebugwCtx(ctx, "Dropping post without display name", "event_id", ev.ID, "author", ev.PubKey, "reason", reason)
		return
	}

	metrics.IncFallbackUsage("enrichment", constants.FallbackRawIdentifier, reason)
	p.emit(ctx, ev, ev.PubKey, true)
}

func (p *Pipeline) emit(ctx context.Context, ev *nostr.Event, name string, fallback bool) {
	if p.filter != nil && !p.filter.Allow(ctx, ev, name) {
		p.filtered.Add(1)
		metrics.IncFeedPost("filtered")
		return
	}

	start := time.Now()
	err := p.out.Send(ctx, OutboundMessage{Event: ev, DisplayName: name, Fallback: fallback})
	metrics.ObserveOutboundSend(time.Since(start))
	metrics.OutboundQueueSize.Set(float64(p.out.Len()))

	if err != nil {
		p.sendFailures.Add(1)
		metrics.IncFeedPost("send_failed")
		if errors.Is(err, ErrReceiverClosed) {
			p.logger.WarnwCtx(ctx, "Feed consumer is gone, post discarded", "event_id", ev.ID)
		}
		return
	}

	p.emitted.Add(1)
	if fallback {
		p.fallbacks.Add(1)
		metrics.IncFeedPost("emitted_fallback")
	} else {
		metrics.IncFeedPost("emitted")
	}
}

// stop moves through Draining to Stopped. With drain set, posts still
// waiting for a name are emitted from the cache or the fallback policy;
// otherwise they are abandoned.
func (p *Pipeline) stop(ctx context.Context, drain bool) {
	p.setState(StateDraining)

	p.cancelResolve()
	p.resolverWG.Wait()
	for {
		select {
		case r := <-p.resolved:
			delete(p.inflight, r.author)
			continue
		default:
		}
		break
	}

	if drain {
		for author := range p.pending {
			p.flush(ctx, author, "shutdown")
		}
	} else if p.pendingCount > 0 {
		p.logger.WarnwCtx(ctx, "Abandoning posts awaiting resolution", "count", p.pendingCount)
	}
	p.pending = make(map[string][]*nostr.Event)
	p.pendingCount = 0
	p.waiting = nil
	p.waitingSet = make(map[string]struct{})
	p.syncGauges()

	p.unsubscribeMain(ctx)
	p.setState(StateStopped)

	p.logger.InfowCtx(ctx, "Pipeline stopped",
		"emitted", p.emitted.Load(),
		"fallbacks", p.fallbacks.Load(),
		"dropped", p.dropped.Load(),
	)
}

func (p *Pipeline) unsubscribeMain(ctx context.Context) {
	if p.mainSub == "" {
		return
	}
	id := p.mainSub
	p.mainSub = ""

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.UnsubscribeTimeout)
	defer cancel()
	if err := p.link.Unsubscribe(uctx, id); err != nil {
		p.logger.WarnwCtx(ctx, "Failed to close main subscription", "subscription_id", id, "error", err)
	}
}

func (p *Pipeline) syncGauges() {
	p.pendingGauge.Store(int64(p.pendingCount))
	p.resolvingGauge.Store(int64(len(p.inflight)))
	metrics.PendingPosts.Set(float64(p.pendingCount))
}
