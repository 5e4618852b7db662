package enrichment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kapestr/internal/config"
	"kapestr/internal/constants"
	"kapestr/internal/deduplication"
	"kapestr/internal/logger"
	"kapestr/internal/metadata"
	"kapestr/internal/relay"
	"kapestr/internal/relay/relaytest"
)

const waitFor = 2 * time.Second

type harness struct {
	t      *testing.T
	link   *relaytest.Link
	cache  *metadata.Cache
	p      *Pipeline
	cancel context.CancelFunc
	done   chan error
}

type harnessOption func(*harnessSettings)

type harnessSettings struct {
	cfg           Config
	opts          []Option
	resolveWithin time.Duration
	link          *relaytest.Link
}

func withConfig(fn func(*Config)) harnessOption {
	return func(s *harnessSettings) { fn(&s.cfg) }
}

func withOptions(opts ...Option) harnessOption {
	return func(s *harnessSettings) { s.opts = append(s.opts, opts...) }
}

func withLink(link *relaytest.Link) harnessOption {
	return func(s *harnessSettings) { s.link = link }
}

func newHarness(t *testing.T, hopts ...harnessOption) *harness {
	t.Helper()

	s := harnessSettings{
		cfg: Config{
			RelayURLs:      []string{relaytest.RelayURL},
			InitialLimit:   20,
			ReceiveInitial: time.Millisecond,
			ReceiveMax:     5 * time.Millisecond,
		},
		resolveWithin: 5 * time.Second,
	}
	for _, o := range hopts {
		o(&s)
	}
	if s.link == nil {
		s.link = relaytest.New()
	}

	cache := metadata.NewCache()
	resolver := metadata.NewResolver(s.link, cache, metadata.ResolverConfig{
		Timeout:            s.resolveWithin,
		UnsubscribeTimeout: time.Second,
	}, logger.NopLogger())

	return &harness{
		t:     t,
		link:  s.link,
		cache: cache,
		p:     New(s.link, cache, resolver, s.cfg, logger.NopLogger(), s.opts...),
		done:  make(chan error, 1),
	}
}

// start runs the pipeline and waits until it reads the main subscription.
func (h *harness) start() {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.t.Cleanup(cancel)

	go func() { h.done <- h.p.Start(ctx) }()

	require.Eventually(h.t, func() bool {
		return h.p.State() == StateRunning
	}, waitFor, time.Millisecond)
}

func (h *harness) mainSub() relay.SubscriptionID {
	h.t.Helper()
	subs := h.link.Subscriptions()
	require.NotEmpty(h.t, subs)
	return subs[0].ID
}

// resolverSubs returns the profile subscriptions opened for authors.
func (h *harness) resolverSubs() []relaytest.Subscription {
	var out []relaytest.Subscription
	for _, s := range h.link.Subscriptions() {
		if len(s.Filters) > 0 && len(s.Filters[0].Authors) > 0 {
			out = append(out, s)
		}
	}
	return out
}

func (h *harness) recv() OutboundMessage {
	h.t.Helper()
	select {
	case m, ok := <-h.p.Output().Receive():
		require.True(h.t, ok, "outbound queue closed")
		return m
	case <-time.After(waitFor):
		h.t.Fatal("no outbound message")
		return OutboundMessage{}
	}
}

func (h *harness) assertNoMessage(within time.Duration) {
	h.t.Helper()
	select {
	case m, ok := <-h.p.Output().Receive():
		if ok {
			h.t.Fatalf("unexpected outbound message for event %s", m.Event.ID)
		}
	case <-time.After(within):
	}
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitFor):
		h.t.Fatal("pipeline did not stop")
		return nil
	}
}

// answerProfiles replies to every profile subscription with the content
// registered for the requested author, then EOSE.
func answerProfiles(link *relaytest.Link, profiles map[string]string) {
	link.OnSubscribe = func(id relay.SubscriptionID, filters nostr.Filters) {
		if len(filters) == 0 || len(filters[0].Authors) == 0 {
			return
		}
		for _, a := range filters[0].Authors {
			if content, ok := profiles[a]; ok {
				link.Event(id, relaytest.Profile(a, content))
			}
		}
		link.EOSE(id, relaytest.RelayURL)
	}
}

func TestPipeline_MainSubscriptionFilter(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.InitialLimit = 7 }))
	h.start()

	assert.Equal(t, []string{relaytest.RelayURL}, h.link.Connected())

	subs := h.link.Subscriptions()
	require.Len(t, subs, 1)
	f := subs[0].Filters[0]
	assert.Equal(t, []int{nostr.KindProfileMetadata, nostr.KindTextNote}, f.Kinds)
	assert.Equal(t, 7, f.Limit)
	assert.Empty(t, f.Authors)
}

func TestPipeline_ProfileThenPost(t *testing.T) {
	h := newHarness(t)
	h.start()
	sub := h.mainSub()

	h.link.Event(sub, relaytest.Profile("pk1", `{"display_name":"Alice"}`))
	h.link.Event(sub, relaytest.Note("n1", "pk1", "hello"))

	m := h.recv()
	assert.Equal(t, "n1", m.Event.ID)
	assert.Equal(t, "hello", m.Event.Content)
	assert.Equal(t, "Alice", m.DisplayName)
	assert.False(t, m.Fallback)
	assert.Empty(t, h.resolverSubs(), "cached author must not trigger a lookup")
}

func TestPipeline_NameFieldFallback(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.link.Event(h.mainSub(), relaytest.Profile("pk2", `{"name":"Bob"}`))

	assert.Eventually(t, func() bool {
		name, ok := h.cache.Get("pk2")
		return ok && name == "Bob"
	}, waitFor, time.Millisecond)
}

func TestPipeline_MalformedProfileIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.start()
	sub := h.mainSub()

	h.link.Event(sub, relaytest.Profile("pk3", `not json`))
	h.link.Event(sub, relaytest.Profile("pk4", `{"name":"Dora"}`))
	h.link.Event(sub, relaytest.Note("n4", "pk4", "still running"))

	m := h.recv()
	assert.Equal(t, "n4", m.Event.ID)
	assert.Equal(t, "Dora", m.DisplayName)

	_, ok := h.cache.Get("pk3")
	assert.False(t, ok)
	assert.Equal(t, 1, h.cache.Len())
	assert.Equal(t, uint64(2), h.p.Stats().ProfileUpdates)
	assert.Equal(t, StateRunning, h.p.State())
}

func TestPipeline_UnknownAuthorFallsBackToPubKey(t *testing.T) {
	link := relaytest.New()
	answerProfiles(link, nil)
	h := newHarness(t, withLink(link))
	h.start()

	h.link.Event(h.mainSub(), relaytest.Note("n5", "pk5", "who am i"))

	m := h.recv()
	assert.Equal(t, "n5", m.Event.ID)
	assert.Equal(t, "pk5", m.DisplayName)
	assert.True(t, m.Fallback)

	subs := h.resolverSubs()
	require.Len(t, subs, 1)
	assert.Equal(t, []string{"pk5"}, subs[0].Filters[0].Authors)
	assert.Equal(t, 1, h.link.UnsubscribeCount(subs[0].ID), "lookup must be released before the post is emitted")

	stats := h.p.Stats()
	assert.Equal(t, uint64(1), stats.Fallbacks)
	assert.Equal(t, uint64(1), stats.Emitted)
}

func TestPipeline_UnknownAuthorDroppedUnderDropPolicy(t *testing.T) {
	link := relaytest.New()
	answerProfiles(link, nil)
	h := newHarness(t, withLink(link), withConfig(func(c *Config) { c.Fallback = constants.FallbackDrop }))
	h.start()
	sub := h.mainSub()

	h.link.Event(sub, relaytest.Note("n6", "pk6", "dropped"))
	require.Eventually(t, func() bool { return h.p.Stats().Dropped == 1 }, waitFor, time.Millisecond)

	h.link.Event(sub, relaytest.Profile("pk7", `{"name":"Eve"}`))
	h.link.Event(sub, relaytest.Note("n7", "pk7", "kept"))

	m := h.recv()
	assert.Equal(t, "n7", m.Event.ID, "dropped post must never be emitted")
	assert.Equal(t, uint64(0), h.p.Stats().Fallbacks)
}

func TestPipeline_ResolvedNameIsUsedAndCached(t *testing.T) {
	link := relaytest.New()
	answerProfiles(link, map[string]string{"pk8": `{"display_name":"Frank"}`})
	h := newHarness(t, withLink(link))
	h.start()
	sub := h.mainSub()

	h.link.Event(sub, relaytest.Note("n8a", "pk8", "first"))
	h.link.Event(sub, relaytest.Note("n8b", "pk8", "second"))

	first := h.recv()
	second := h.recv()
	assert.Equal(t, "n8a", first.Event.ID)
	assert.Equal(t, "n8b", second.Event.ID)
	assert.Equal(t, "Frank", first.DisplayName)
	assert.Equal(t, "Frank", second.DisplayName)

	assert.Len(t, h.resolverSubs(), 1, "one lookup per author")
	name, ok := h.cache.Get("pk8")
	assert.True(t, ok)
	assert.Equal(t, "Frank", name)
}

func TestPipeline_LastProfileWins(t *testing.T) {
	h := newHarness(t)
	h.start()
	sub := h.mainSub()

	newer := relaytest.Profile("pk9", `{"name":"Newer"}`)
	newer.CreatedAt = nostr.Timestamp(2000)
	older := relaytest.Profile("pk9", `{"name":"Older"}`)
	older.CreatedAt = nostr.Timestamp(1000)

	h.link.Event(sub, newer)
	h.link.Event(sub, older)
	h.link.Event(sub, relaytest.Note("n9", "pk9", "which name"))

	assert.Equal(t, "Older", h.recv().DisplayName)
}

func TestPipeline_RepeatedProfileIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start()
	sub := h.mainSub()

	ev := relaytest.Profile("pk10", `{"name":"Gina"}`)
	h.link.Event(sub, ev)
	h.link.Event(sub, ev)
	h.link.Event(sub, relaytest.Note("n10", "pk10", "x"))

	assert.Equal(t, "Gina", h.recv().DisplayName)
	assert.Equal(t, 1, h.cache.Len())
}

func TestPipeline_DuplicatesAcrossRelaysEmittedOnce(t *testing.T) {
	mem, err := deduplication.NewMemoryRepository(100)
	require.NoError(t, err)
	dedup := deduplication.NewService(mem, config.DeduplicationConfig{
		Enabled:      true,
		OnStoreError: constants.FallbackAllow,
	}, logger.NopLogger())

	h := newHarness(t, withOptions(WithDeduplicator(dedup)))
	h.start()
	sub := h.mainSub()

	h.link.Event(sub, relaytest.Profile("pk11", `{"name":"Hal"}`))
	note := relaytest.Note("n11", "pk11", "once")
	for _, url := range []string{"wss://one", "wss://two"} {
		h.link.Publish(relay.Notification{
			Type:           relay.NotificationEvent,
			RelayURL:       url,
			SubscriptionID: sub,
			Event:          note,
			Label:          "EVENT",
		})
	}
	h.link.Event(sub, relaytest.Note("n11b", "pk11", "marker"))

	assert.Equal(t, "n11", h.recv().Event.ID)
	assert.Equal(t, "n11b", h.recv().Event.ID)
	assert.Equal(t, uint64(1), h.p.Stats().Duplicates)
}

func TestPipeline_IgnoredKindsAreNeverEmitted(t *testing.T) {
	h := newHarness(t)
	h.start()
	sub := h.mainSub()

	h.link.Event(sub, &nostr.Event{ID: "r1", PubKey: "pk12", Kind: nostr.KindReaction, Content: "+"})
	h.link.Event(sub, relaytest.Profile("pk12", `{"name":"Ivy"}`))
	h.link.Event(sub, relaytest.Note("n12", "pk12", "note"))

	assert.Equal(t, "n12", h.recv().Event.ID)
	assert.Equal(t, uint64(1), h.p.Stats().Ignored)
}

type rejectContent string

func (r rejectContent) Allow(_ context.Context, ev *nostr.Event, _ string) bool {
	return ev.Content != string(r)
}

func TestPipeline_FilterRejectsPosts(t *testing.T) {
	h := newHarness(t, withOptions(WithFilter(rejectContent("spam"))))
	h.start()
	sub := h.mainSub()

	h.link.Event(sub, relaytest.Profile("pk13", `{"name":"Jo"}`))
	h.link.Event(sub, relaytest.Note("n13a", "pk13", "spam"))
	h.link.Event(sub, relaytest.Note("n13b", "pk13", "ham"))

	assert.Equal(t, "n13b", h.recv().Event.ID)
	assert.Equal(t, uint64(1), h.p.Stats().Filtered)
}

func TestPipeline_ShutdownUnsubscribesOnce(t *testing.T) {
	h := newHarness(t)
	h.start()
	sub := h.mainSub()

	h.link.Shutdown()

	require.NoError(t, h.wait())
	assert.Equal(t, StateStopped, h.p.State())
	assert.Equal(t, 1, h.link.UnsubscribeCount(sub))

	_, ok := <-h.p.Output().Receive()
	assert.False(t, ok, "outbound queue is closed on stop")
}

func TestPipeline_ShutdownFlushesPendingPosts(t *testing.T) {
	// Lookups never answer, so the post is still pending at shutdown.
	h := newHarness(t)
	h.start()

	h.link.Event(h.mainSub(), relaytest.Note("n14", "pk14", "pending"))
	require.Eventually(t, func() bool { return h.p.Stats().Pending == 1 }, waitFor, time.Millisecond)

	h.link.Shutdown()

	m := h.recv()
	assert.Equal(t, "n14", m.Event.ID)
	assert.True(t, m.Fallback)
	require.NoError(t, h.wait())
	assert.Empty(t, h.link.Active(), "every subscription is released")
}

func TestPipeline_CancelStopsAndUnsubscribes(t *testing.T) {
	h := newHarness(t)
	h.start()
	sub := h.mainSub()

	h.link.Event(sub, relaytest.Note("n15", "pk15", "abandoned"))
	require.Eventually(t, func() bool { return h.p.Stats().Resolving == 1 }, waitFor, time.Millisecond)

	h.cancel()

	assert.ErrorIs(t, h.wait(), context.Canceled)
	assert.Equal(t, StateStopped, h.p.State())
	assert.Equal(t, 1, h.link.UnsubscribeCount(sub))
	assert.Empty(t, h.link.Active())
}

func TestPipeline_ReceiverClosedDoesNotStopLoop(t *testing.T) {
	h := newHarness(t)
	h.start()
	sub := h.mainSub()

	h.p.Output().CloseReceiver()
	h.link.Event(sub, relaytest.Profile("pk16", `{"name":"Kim"}`))
	h.link.Event(sub, relaytest.Note("n16a", "pk16", "lost"))
	h.link.Event(sub, relaytest.Note("n16b", "pk16", "lost too"))

	require.Eventually(t, func() bool { return h.p.Stats().SendFailures == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, StateRunning, h.p.State())
	assert.Equal(t, uint64(3), h.p.Stats().Events)
}

func TestPipeline_PendingOverflowUsesFallback(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.MaxPending = 1 }))
	h.start()
	sub := h.mainSub()

	h.link.Event(sub, relaytest.Note("n17a", "pk17a", "waits"))
	h.link.Event(sub, relaytest.Note("n17b", "pk17b", "overflows"))

	m := h.recv()
	assert.Equal(t, "n17b", m.Event.ID)
	assert.True(t, m.Fallback)
	assert.Equal(t, int64(1), h.p.Stats().Pending)
}

func TestPipeline_WorkerLimitQueuesAuthors(t *testing.T) {
	link := relaytest.New()
	answerProfiles(link, map[string]string{
		"pk18a": `{"name":"Lee"}`,
		"pk18b": `{"name":"Max"}`,
	})
	h := newHarness(t, withLink(link), withConfig(func(c *Config) { c.Workers = 1 }))
	h.start()
	sub := h.mainSub()

	h.link.Event(sub, relaytest.Note("n18a", "pk18a", "a"))
	h.link.Event(sub, relaytest.Note("n18b", "pk18b", "b"))

	names := map[string]string{}
	for i := 0; i < 2; i++ {
		m := h.recv()
		names[m.Event.ID] = m.DisplayName
	}
	assert.Equal(t, map[string]string{"n18a": "Lee", "n18b": "Max"}, names)
	assert.Len(t, h.resolverSubs(), 2)
}

func TestPipeline_CachedProfileReleasesQueuedAuthor(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.Workers = 1 }))
	h.start()
	sub := h.mainSub()

	// pk19a takes the only worker and never gets an answer.
	h.link.Event(sub, relaytest.Note("n19a", "pk19a", "stuck"))
	require.Eventually(t, func() bool { return len(h.resolverSubs()) == 1 }, waitFor, time.Millisecond)

	h.link.Event(sub, relaytest.Note("n19b1", "pk19b", "first"))
	h.link.Event(sub, relaytest.Profile("pk19b", `{"name":"Bea"}`))
	h.link.Event(sub, relaytest.Note("n19b2", "pk19b", "second"))

	m := h.recv()
	assert.Equal(t, "n19b1", m.Event.ID)
	assert.Equal(t, "Bea", m.DisplayName)
	assert.False(t, m.Fallback)

	m = h.recv()
	assert.Equal(t, "n19b2", m.Event.ID)
	assert.Equal(t, "Bea", m.DisplayName)

	assert.Len(t, h.resolverSubs(), 1, "queued author must not start its own lookup")
	stats := h.p.Stats()
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Resolving)
}

func TestPipeline_ReceiveErrorBudget(t *testing.T) {
	link := relaytest.NewWithBuffer(1)
	h := newHarness(t, withLink(link), withConfig(func(c *Config) { c.MaxReceiveErrors = 1 }))
	h.start()
	sub := h.mainSub()

	// Ignored events overflow the one-slot stream without starting lookups.
	for i := 0; i < 5000; i++ {
		h.link.Event(sub, &nostr.Event{ID: fmt.Sprintf("r%d", i), Kind: nostr.KindReaction})
	}

	err := h.wait()
	assert.ErrorIs(t, err, ErrReceiveBudget)
	assert.Equal(t, StateStopped, h.p.State())
	assert.Equal(t, 1, h.link.UnsubscribeCount(sub))
}

func TestPipeline_ConnectFailure(t *testing.T) {
	link := relaytest.New()
	link.ConnectErr = errors.New("no route to relay")
	h := newHarness(t, withLink(link))

	err := h.p.Start(context.Background())

	var startErr *StartError
	require.True(t, errors.As(err, &startErr))
	assert.Equal(t, "connect", startErr.Stage)
	assert.ErrorIs(t, err, link.ConnectErr)
	assert.Equal(t, StateStopped, h.p.State())

	_, ok := <-h.p.Output().Receive()
	assert.False(t, ok)
}

func TestPipeline_SubscribeFailure(t *testing.T) {
	link := relaytest.New()
	link.SubscribeErr = func(nostr.Filters) error { return relay.ErrNotConnected }
	h := newHarness(t, withLink(link))

	err := h.p.Start(context.Background())

	var startErr *StartError
	require.True(t, errors.As(err, &startErr))
	assert.Equal(t, "subscribe", startErr.Stage)
	assert.ErrorIs(t, err, relay.ErrNotConnected)
}

func TestPipeline_StartTwice(t *testing.T) {
	h := newHarness(t)
	h.start()

	assert.ErrorIs(t, h.p.Start(context.Background()), ErrAlreadyStarted)
}

func TestConfigFrom(t *testing.T) {
	cfg := &config.Config{}
	cfg.Relay.URLs = []string{"wss://a"}
	cfg.Pipeline.InitialLimit = 5
	cfg.Pipeline.OutboundCapacity = 10
	cfg.Pipeline.MaxReceiveErrors = 3
	cfg.Resolver.Workers = 2
	cfg.Resolver.MaxPending = 50
	cfg.Resolver.Fallback = "DROP"

	c := ConfigFrom(cfg)
	assert.Equal(t, []string{"wss://a"}, c.RelayURLs)
	assert.Equal(t, 5, c.InitialLimit)
	assert.Equal(t, 10, c.OutboundCapacity)
	assert.Equal(t, 3, c.MaxReceiveErrors)
	assert.Equal(t, 2, c.Workers)
	assert.Equal(t, 50, c.MaxPending)
	assert.Equal(t, constants.FallbackDrop, c.Fallback)
}
