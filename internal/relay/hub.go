package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"kapestr/pkg/metrics"
)

// Hub broadcasts notifications to every open Stream. Publishing never blocks:
// a stream whose buffer is full loses the notification and reports the loss
// on its next Recv.
type Hub struct {
	mu      sync.RWMutex
	streams map[*Stream]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{streams: make(map[*Stream]struct{})}
}

func (h *Hub) NewStream(buffer int) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	s := &Stream{hub: h, ch: make(chan Notification, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		return s
	}
	h.streams[s] = struct{}{}
	return s
}

func (h *Hub) Publish(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	for s := range h.streams {
		select {
		case s.ch <- n:
		default:
			s.missed.Add(1)
			metrics.StreamLaggedTotal.Inc()
		}
	}
}

// Close ends every stream. Readers drain what is buffered, then observe a
// Shutdown notification.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.streams {
		close(s.ch)
		delete(h.streams, s)
	}
}

func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

func (h *Hub) detach(s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[s]; ok {
		delete(h.streams, s)
		close(s.ch)
	}
}

// Stream is a single reader of a Hub. It is not safe for concurrent Recv.
type Stream struct {
	hub          *Hub
	ch           chan Notification
	missed       atomic.Uint64
	detached     atomic.Bool
	shutdownSent bool
}

// Recv blocks for the next notification. It returns *LagError once after
// notifications were dropped, a Shutdown notification when the hub closes and
// ErrStreamClosed on every call after that.
func (s *Stream) Recv(ctx context.Context) (Notification, error) {
	if missed := s.missed.Swap(0); missed > 0 {
		return Notification{}, &LagError{Missed: missed}
	}

	select {
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	case n, ok := <-s.ch:
		if ok {
			return n, nil
		}
		if s.detached.Load() || s.shutdownSent {
			return Notification{}, ErrStreamClosed
		}
		s.shutdownSent = true
		return Notification{Type: NotificationShutdown}, nil
	}
}

// Close detaches the stream from its hub.
func (s *Stream) Close() {
	s.detached.Store(true)
	s.hub.detach(s)
}
