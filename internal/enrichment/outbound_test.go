package enrichment

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id string) OutboundMessage {
	return OutboundMessage{Event: &nostr.Event{ID: id}, DisplayName: "name"}
}

func TestOutbound_FIFO(t *testing.T) {
	out := NewOutbound(3)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, out.Send(ctx, msg(id)))
	}
	assert.Equal(t, 3, out.Len())
	assert.Equal(t, 3, out.Cap())

	for _, want := range []string{"a", "b", "c"} {
		got := <-out.Receive()
		assert.Equal(t, want, got.Event.ID)
	}
}

func TestOutbound_SendBlocksWhenFull(t *testing.T) {
	out := NewOutbound(1)
	require.NoError(t, out.Send(context.Background(), msg("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := out.Send(ctx, msg("b"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- out.Send(context.Background(), msg("c")) }()

	<-out.Receive()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send did not resume after the consumer made room")
	}
}

func TestOutbound_ReceiverClosed(t *testing.T) {
	out := NewOutbound(1)
	require.NoError(t, out.Send(context.Background(), msg("a")))

	blocked := make(chan error, 1)
	go func() { blocked <- out.Send(context.Background(), msg("b")) }()

	out.CloseReceiver()
	out.CloseReceiver()

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrReceiverClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked send was not released")
	}
	assert.ErrorIs(t, out.Send(context.Background(), msg("c")), ErrReceiverClosed)
}

func TestOutbound_CloseEndsReceive(t *testing.T) {
	out := NewOutbound(2)
	require.NoError(t, out.Send(context.Background(), msg("a")))
	out.Close()
	out.Close()

	got, ok := <-out.Receive()
	require.True(t, ok)
	assert.Equal(t, "a", got.Event.ID)

	_, ok = <-out.Receive()
	assert.False(t, ok)
}

func TestNewOutbound_MinimumCapacity(t *testing.T) {
	assert.Equal(t, 1, NewOutbound(0).Cap())
}
