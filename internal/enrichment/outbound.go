package enrichment

import (
	"context"
	"sync"
)

// Outbound is the bounded queue between the pipeline and its consumer. The
// pipeline is the only sender and closes it when it stops; the consumer may
// signal it is gone with CloseReceiver.
type Outbound struct {
	ch       chan OutboundMessage
	gone     chan struct{}
	goneOnce sync.Once
	closed   sync.Once
}

func NewOutbound(capacity int) *Outbound {
	if capacity < 1 {
		capacity = 1
	}
	return &Outbound{
		ch:   make(chan OutboundMessage, capacity),
		gone: make(chan struct{}),
	}
}

// Send blocks while the queue is full. It fails with ErrReceiverClosed once
// the consumer is gone, or with ctx.Err().
func (o *Outbound) Send(ctx context.Context, msg OutboundMessage) error {
	select {
	case <-o.gone:
		return ErrReceiverClosed
	default:
	}

	select {
	case o.ch <- msg:
		return nil
	case <-o.gone:
		return ErrReceiverClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Outbound) Receive() <-chan OutboundMessage {
	return o.ch
}

// CloseReceiver tells the pipeline nobody reads any more. Messages already
// queued are abandoned.
func (o *Outbound) CloseReceiver() {
	o.goneOnce.Do(func() { close(o.gone) })
}

// Close ends the receive channel. Only the sender may call it.
func (o *Outbound) Close() {
	o.closed.Do(func() { close(o.ch) })
}

func (o *Outbound) Len() int {
	return len(o.ch)
}

func (o *Outbound) Cap() int {
	return cap(o.ch)
}
