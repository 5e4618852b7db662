package filtering

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kapestr/internal/config"
	"kapestr/internal/constants"
	"kapestr/internal/logger"
)

func createTestPost(content string) *nostr.Event {
	return &nostr.Event{
		ID:        "post-1",
		PubKey:    "author-1",
		Kind:      nostr.KindTextNote,
		CreatedAt: nostr.Timestamp(1700000000),
		Content:   content,
		Tags:      nostr.Tags{{"t", "nostr"}},
	}
}

func TestFilteringService_NoExpressions(t *testing.T) {
	svc, err := NewService(config.FilteringConfig{}, logger.NopLogger())
	require.NoError(t, err)

	assert.Equal(t, 0, svc.Len())
	assert.True(t, svc.Allow(context.Background(), createTestPost("anything"), "alice"))
}

func TestFilteringService_AllExpressionsMustPass(t *testing.T) {
	svc, err := NewService(config.FilteringConfig{
		Expressions: []string{
			`content.contains("gm")`,
			`display_name != author`,
		},
	}, logger.NopLogger())
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, svc.Allow(ctx, createTestPost("gm friends"), "alice"))
	assert.False(t, svc.Allow(ctx, createTestPost("good night"), "alice"))
	assert.False(t, svc.Allow(ctx, createTestPost("gm"), "author-1"), "fallback names are rejected")
}

func TestFilteringService_InvalidExpression(t *testing.T) {
	_, err := NewService(config.FilteringConfig{
		Expressions: []string{`kind == 1`, `this is not cel`},
	}, logger.NopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filtering.expressions[1]")
}

func TestFilteringService_EvaluationErrorFallback(t *testing.T) {
	expr := `tags[3][0] == "t"`

	tests := []struct {
		name    string
		onError string
		want    bool
	}{
		{name: "default allows", onError: "", want: true},
		{name: "allow", onError: constants.FallbackAllow, want: true},
		{name: "deny", onError: "DENY", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewService(config.FilteringConfig{
				Expressions: []string{expr},
				Fallback:    config.FallbackConfig{OnError: tt.onError},
			}, logger.NopLogger())
			require.NoError(t, err)

			assert.Equal(t, tt.want, svc.Allow(context.Background(), createTestPost("x"), "alice"))
		})
	}
}
