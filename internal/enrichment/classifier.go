package enrichment

import (
	"github.com/nbd-wtf/go-nostr"
)

type ClassKind int

const (
	Ignored ClassKind = iota
	ProfileUpdate
	Post
)

func (k ClassKind) String() string {
	switch k {
	case ProfileUpdate:
		return "profile_update"
	case Post:
		return "post"
	default:
		return "ignored"
	}
}

type Classification struct {
	Kind ClassKind
	// Author and RawContent are set for ProfileUpdate.
	Author     string
	RawContent string
	// Event is set for Post.
	Event *nostr.Event
}

// Classify has no side effects.
func Classify(ev *nostr.Event) Classification {
	switch ev.Kind {
	case nostr.KindProfileMetadata:
		return Classification{Kind: ProfileUpdate, Author: ev.PubKey, RawContent: ev.Content}
	case nostr.KindTextNote:
		return Classification{Kind: Post, Event: ev}
	default:
		return Classification{Kind: Ignored}
	}
}
