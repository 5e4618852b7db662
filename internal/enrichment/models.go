package enrichment

import (
	"github.com/nbd-wtf/go-nostr"
)

// OutboundMessage is one accepted text note with the name shown for its
// author. Fallback is set when DisplayName is the author's public key
// because no profile could be resolved.
type OutboundMessage struct {
	Event       *nostr.Event
	DisplayName string
	Fallback    bool
}

type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateSubscribed
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	State          string `json:"state"`
	Events         uint64 `json:"events"`
	Duplicates     uint64 `json:"duplicates"`
	ProfileUpdates uint64 `json:"profile_updates"`
	Ignored        uint64 `json:"ignored"`
	Posts          uint64 `json:"posts"`
	Emitted        uint64 `json:"emitted"`
	Fallbacks      uint64 `json:"fallbacks"`
	Dropped        uint64 `json:"dropped"`
	Filtered       uint64 `json:"filtered"`
	SendFailures   uint64 `json:"send_failures"`
	ReceiveErrors  uint64 `json:"receive_errors"`
	Pending        int64  `json:"pending"`
	Resolving      int64  `json:"resolving"`
	CachedAuthors  int    `json:"cached_authors"`
	OutboundQueued int    `json:"outbound_queued"`
}
