package models

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

type FeedPostBuilder struct {
	post *FeedPost
}

func NewFeedPostBuilder() *FeedPostBuilder {
	return &FeedPostBuilder{post: &FeedPost{}}
}

// FromEvent copies id, author, content, tags and creation time from ev.
func (b *FeedPostBuilder) FromEvent(ev *nostr.Event) *FeedPostBuilder {
	b.post.ID = ev.ID
	b.post.Author = ev.PubKey
	b.post.Content = ev.Content
	b.post.CreatedAt = ev.CreatedAt.Time().UTC()
	if len(ev.Tags) > 0 {
		tags := make([][]string, 0, len(ev.Tags))
		for _, t := range ev.Tags {
			tags = append(tags, append([]string(nil), t...))
		}
		b.post.Tags = tags
	}
	return b
}

func (b *FeedPostBuilder) WithDisplayName(name string, fallback bool) *FeedPostBuilder {
	b.post.DisplayName = name
	b.post.Metadata.Fallback = fallback
	return b
}

func (b *FeedPostBuilder) WithTraceID(traceID string) *FeedPostBuilder {
	b.post.Metadata.TraceID = traceID
	return b
}

func (b *FeedPostBuilder) Build() FeedPost {
	if b.post.Metadata.EmittedAt.IsZero() {
		b.post.Metadata.EmittedAt = time.Now().UTC()
	}
	return *b.post
}
