// Package relaytest provides an in-memory relay.Link for tests.
package relaytest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"

	"kapestr/internal/relay"
)

// RelayURL is the relay every notification published by Event and Notice
// claims to come from.
const RelayURL = "wss://test.relay"

// Link records every call and lets the test publish notifications. It is
// safe for concurrent use.
type Link struct {
	hub    *relay.Hub
	buffer int

	mu           sync.Mutex
	next         int
	connected    []string
	active       map[relay.SubscriptionID]nostr.Filters
	subscribed   []Subscription
	unsubscribed []relay.SubscriptionID

	// ConnectErr and SubscribeErr are returned by the matching calls when set.
	ConnectErr   error
	SubscribeErr func(filters nostr.Filters) error
	// OnSubscribe runs synchronously after a subscription was recorded.
	OnSubscribe func(id relay.SubscriptionID, filters nostr.Filters)
}

type Subscription struct {
	ID      relay.SubscriptionID
	Filters nostr.Filters
}

func New() *Link {
	return NewWithBuffer(4096)
}

func NewWithBuffer(buffer int) *Link {
	return &Link{
		hub:    relay.NewHub(),
		buffer: buffer,
		active: make(map[relay.SubscriptionID]nostr.Filters),
	}
}

func (l *Link) Connect(ctx context.Context, urls []string) error {
	if l.ConnectErr != nil {
		return l.ConnectErr
	}
	l.mu.Lock()
	l.connected = append(l.connected, urls...)
	l.mu.Unlock()
	return nil
}

func (l *Link) Subscribe(ctx context.Context, filters nostr.Filters) (relay.SubscriptionID, error) {
	if l.SubscribeErr != nil {
		if err := l.SubscribeErr(filters); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	l.next++
	id := relay.SubscriptionID(fmt.Sprintf("sub-%d", l.next))
	l.active[id] = filters
	l.subscribed = append(l.subscribed, Subscription{ID: id, Filters: filters})
	hook := l.OnSubscribe
	l.mu.Unlock()

	if hook != nil {
		hook(id, filters)
	}
	return id, nil
}

func (l *Link) Notifications() *relay.Stream {
	return l.hub.NewStream(l.buffer)
}

func (l *Link) Unsubscribe(ctx context.Context, id relay.SubscriptionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, id)
	l.unsubscribed = append(l.unsubscribed, id)
	return nil
}

func (l *Link) Disconnect(ctx context.Context) error {
	l.hub.Close()
	return nil
}

// Event publishes ev as if a relay had delivered it for subscription id.
func (l *Link) Event(id relay.SubscriptionID, ev *nostr.Event) {
	l.hub.Publish(relay.Notification{
		Type:           relay.NotificationEvent,
		RelayURL:       RelayURL,
		SubscriptionID: id,
		Event:          ev,
		Label:          "EVENT",
	})
}

func (l *Link) Notice(msg string) {
	l.hub.Publish(relay.Notification{
		Type:     relay.NotificationMessage,
		RelayURL: RelayURL,
		Message:  msg,
		Label:    "NOTICE",
	})
}

func (l *Link) Publish(n relay.Notification) {
	l.hub.Publish(n)
}

// Shutdown ends every open stream with a Shutdown notification.
func (l *Link) Shutdown() {
	l.hub.Close()
}

// ConnectedRelays reports how many urls were passed to Connect.
func (l *Link) ConnectedRelays() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.connected)
}

// EOSE publishes end-of-stored-events for subscription id from relayURL.
func (l *Link) EOSE(id relay.SubscriptionID, relayURL string) {
	l.hub.Publish(relay.Notification{
		Type:           relay.NotificationOther,
		RelayURL:       relayURL,
		SubscriptionID: id,
		Label:          "EOSE",
	})
}

func (l *Link) Connected() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.connected...)
}

func (l *Link) Subscriptions() []Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Subscription(nil), l.subscribed...)
}

func (l *Link) Unsubscribed() []relay.SubscriptionID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]relay.SubscriptionID(nil), l.unsubscribed...)
}

// Active returns the ids subscribed and not yet unsubscribed.
func (l *Link) Active() []relay.SubscriptionID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]relay.SubscriptionID, 0, len(l.active))
	for id := range l.active {
		out = append(out, id)
	}
	return out
}

// UnsubscribeCount reports how often id was unsubscribed.
func (l *Link) UnsubscribeCount(id relay.SubscriptionID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, u := range l.unsubscribed {
		if u == id {
			n++
		}
	}
	return n
}

var profileSeq atomic.Uint64

// Profile builds a kind 0 event for author with the given JSON content.
func Profile(author, content string) *nostr.Event {
	return &nostr.Event{
		ID:        fmt.Sprintf("profile-%s-%d", author, profileSeq.Add(1)),
		PubKey:    author,
		Kind:      nostr.KindProfileMetadata,
		CreatedAt: nostr.Now(),
		Content:   content,
	}
}

// Note builds a kind 1 event.
func Note(id, author, content string) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    author,
		Kind:      nostr.KindTextNote,
		CreatedAt: nostr.Now(),
		Content:   content,
	}
}
