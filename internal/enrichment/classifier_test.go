package enrichment

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	profile := &nostr.Event{ID: "p", PubKey: "pk1", Kind: nostr.KindProfileMetadata, Content: `{"name":"bob"}`}
	note := &nostr.Event{ID: "n", PubKey: "pk1", Kind: nostr.KindTextNote, Content: "hello"}
	reaction := &nostr.Event{ID: "r", PubKey: "pk1", Kind: nostr.KindReaction, Content: "+"}

	c := Classify(profile)
	assert.Equal(t, ProfileUpdate, c.Kind)
	assert.Equal(t, "pk1", c.Author)
	assert.Equal(t, `{"name":"bob"}`, c.RawContent)
	assert.Nil(t, c.Event)

	c = Classify(note)
	assert.Equal(t, Post, c.Kind)
	assert.Same(t, note, c.Event)

	c = Classify(reaction)
	assert.Equal(t, Ignored, c.Kind)
	assert.Nil(t, c.Event)
}

func TestClassKindString(t *testing.T) {
	assert.Equal(t, "ignored", Ignored.String())
	assert.Equal(t, "profile_update", ProfileUpdate.String())
	assert.Equal(t, "post", Post.String())
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateCreated:    "created",
		StateConnecting: "connecting",
		StateSubscribed: "subscribed",
		StateRunning:    "running",
		StateDraining:   "draining",
		StateStopped:    "stopped",
		State(42):       "unknown",
	}
	for s, want := range states {
		assert.Equal(t, want, s.String())
	}
}
