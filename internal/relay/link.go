// Package relay connects to Nostr relays and fans their notifications out to
// independent readers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrNotConnected = errors.New("relay: no relay connected")
	ErrStreamClosed = errors.New("relay: notification stream closed")
	ErrLinkClosed   = errors.New("relay: link closed")
)

type SubscriptionID string

// Link is a multi-relay connection. Every call to Notifications returns a new
// reader that sees all notifications published after it was opened.
type Link interface {
	Connect(ctx context.Context, urls []string) error
	Subscribe(ctx context.Context, filters nostr.Filters) (SubscriptionID, error)
	Notifications() *Stream
	Unsubscribe(ctx context.Context, id SubscriptionID) error
	Disconnect(ctx context.Context) error
}

type NotificationType int

const (
	NotificationEvent NotificationType = iota
	NotificationMessage
	NotificationShutdown
	NotificationOther
)

func (t NotificationType) String() string {
	switch t {
	case NotificationEvent:
		return "event"
	case NotificationMessage:
		return "message"
	case NotificationShutdown:
		return "shutdown"
	default:
		return "other"
	}
}

type Notification struct {
	Type           NotificationType
	RelayURL       string
	SubscriptionID SubscriptionID
	Event          *nostr.Event
	Message        string
	// Label is the NIP-01 frame label (EVENT, NOTICE, EOSE, ...).
	Label string
}

// LagError is returned by Stream.Recv when the reader fell behind and
// notifications were discarded.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("relay: stream lagged, %d notifications missed", e.Missed)
}

// ConnectError lists the relays that could not be reached.
type ConnectError struct {
	Failures map[string]error
}

func (e *ConnectError) Error() string {
	urls := make([]string, 0, len(e.Failures))
	for u := range e.Failures {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	parts := make([]string, 0, len(urls))
	for _, u := range urls {
		parts = append(parts, fmt.Sprintf("%s: %v", u, e.Failures[u]))
	}
	return "relay: could not connect to any relay: " + strings.Join(parts, "; ")
}
