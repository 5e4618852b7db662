package models

import "time"

// FeedPost is the wire form of one enriched text note as handed to a sink.
type FeedPost struct {
	ID          string     `json:"id"`
	Author      string     `json:"author"`
	DisplayName string     `json:"display_name"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
	Tags        [][]string `json:"tags,omitempty"`
	Metadata    Metadata   `json:"metadata"`
}

type Metadata struct {
	TraceID   string    `json:"trace_id,omitempty"`
	// Fallback is set when DisplayName is the author's public key.
	Fallback  bool      `json:"fallback"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Preview returns the content cut to at most n runes, with an ellipsis when
// it was cut.
func (p FeedPost) Preview(n int) string {
	r := []rune(p.Content)
	if n <= 0 || len(r) <= n {
		return p.Content
	}
	return string(r[:n]) + "..."
}
