package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"kapestr/internal/logger"
	"kapestr/pkg/metrics"
	"kapestr/pkg/retry"
)

type PoolConfig struct {
	StreamBuffer     int
	VerifySignatures bool
	DialTimeout      time.Duration
	WriteTimeout     time.Duration

	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMultiplier float64
}

// Pool is a Link over one websocket per relay. Subscriptions are sent to
// every connected relay and replayed after a reconnect.
type Pool struct {
	cfg    PoolConfig
	logger logger.Logger
	hub    *Hub
	dialer *websocket.Dialer

	mu     sync.Mutex
	relays map[string]*relayConn
	subs   map[SubscriptionID]nostr.Filters
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type relayConn struct {
	url       string
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
}

func NewPool(cfg PoolConfig, log logger.Logger) *Pool {
	if cfg.StreamBuffer < 1 {
		cfg.StreamBuffer = 1024
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	if cfg.ReconnectMultiplier < 1 {
		cfg.ReconnectMultiplier = 2
	}

	return &Pool{
		cfg:    cfg,
		logger: log.With("component", "relay_pool"),
		hub:    NewHub(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		relays: make(map[string]*relayConn),
		subs:   make(map[SubscriptionID]nostr.Filters),
	}
}

// Connect dials every relay concurrently. It succeeds when at least one relay
// answers; the others keep retrying in the background.
func (p *Pool) Connect(ctx context.Context, urls []string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrLinkClosed
	}
	if p.ctx == nil {
		p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	fresh := make([]*relayConn, 0, len(urls))
	for _, u := range urls {
		u = nostr.NormalizeURL(u)
		if _, ok := p.relays[u]; ok || u == "" {
			continue
		}
		rc := &relayConn{url: u}
		p.relays[u] = rc
		fresh = append(fresh, rc)
	}
	p.mu.Unlock()

	var (
		g        errgroup.Group
		failMu   sync.Mutex
		failures = make(map[string]error)
	)
	for _, rc := range fresh {
		g.Go(func() error {
			if err := p.dial(ctx, rc); err != nil {
				failMu.Lock()
				failures[rc.url] = err
				failMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if p.ConnectedRelays() == 0 {
		p.mu.Lock()
		closed := p.closed
		for _, rc := range fresh {
			delete(p.relays, rc.url)
		}
		p.mu.Unlock()
		if closed {
			return ErrLinkClosed
		}
		return &ConnectError{Failures: failures}
	}

	for _, rc := range fresh {
		if _, failed := failures[rc.url]; failed {
			p.logger.Warnw("Relay unreachable, retrying in background", "relay_url", rc.url, "error", failures[rc.url])
			p.goReconnect(rc)
		}
	}

	return nil
}

func (p *Pool) dial(ctx context.Context, rc *relayConn) error {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	conn, _, err := p.dialer.DialContext(dialCtx, rc.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", rc.url, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return ErrLinkClosed
	}
	rc.writeMu.Lock()
	rc.conn = conn
	rc.writeMu.Unlock()
	rc.connected.Store(true)
	// Added under mu so Disconnect, once closed is set, waits for every loop.
	p.wg.Add(1)
	p.mu.Unlock()
	metrics.RelayConnections.Inc()

	p.logger.Infow("Relay connected", "relay_url", rc.url)

	go p.readLoop(rc, conn)

	return nil
}

func (p *Pool) readLoop(rc *relayConn, conn *websocket.Conn) {
	defer p.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.markDisconnected(rc, conn)
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Warnw("Relay connection lost", "relay_url", rc.url, "error", err)
			p.goReconnect(rc)
			return
		}

		n, ok := decodeFrame(rc.url, data)
		if !ok {
			metrics.IncRelayRejectedFrame(rc.url, "undecodable")
			p.logger.Debugw("Dropping undecodable relay frame", "relay_url", rc.url, "size", len(data))
			continue
		}
		metrics.IncRelayFrame(rc.url, n.Label)

		if n.Type == NotificationEvent && p.cfg.VerifySignatures {
			if reason := verify(n.Event); reason != "" {
				metrics.IncRelayRejectedFrame(rc.url, reason)
				p.logger.Debugw("Dropping unverifiable event", "relay_url", rc.url, "event_id", n.Event.ID, "reason", reason)
				continue
			}
		}

		p.hub.Publish(n)
	}
}

func verify(ev *nostr.Event) string {
	if ev.GetID() != ev.ID {
		return "id_mismatch"
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return "bad_signature"
	}
	return ""
}

func (p *Pool) markDisconnected(rc *relayConn, conn *websocket.Conn) {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	if rc.conn != conn {
		return
	}
	_ = conn.Close()
	rc.conn = nil
	if rc.connected.Swap(false) {
		metrics.RelayConnections.Dec()
	}
}

func (p *Pool) goReconnect(rc *relayConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reconnect(rc)
	}()
}

func (p *Pool) reconnect(rc *relayConn) {
	b := backoff.WithContext(
		retry.ExponentialBackoff(p.cfg.ReconnectInitial, p.cfg.ReconnectMax, p.cfg.ReconnectMultiplier),
		p.ctx,
	)

	for {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := p.dial(p.ctx, rc); err != nil {
			metrics.IncRelayReconnect(rc.url, "failure")
			p.logger.Debugw("Relay reconnect failed", "relay_url", rc.url, "error", err, "next_delay", delay)
			continue
		}
		metrics.IncRelayReconnect(rc.url, "success")

		for id, filters := range p.activeSubscriptions() {
			if err := p.sendReq(rc, id, filters); err != nil {
				p.logger.Warnw("Failed to replay subscription", "relay_url", rc.url, "subscription_id", id, "error", err)
			}
		}
		return
	}
}

func (p *Pool) activeSubscriptions() map[SubscriptionID]nostr.Filters {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[SubscriptionID]nostr.Filters, len(p.subs))
	for id, f := range p.subs {
		out[id] = f
	}
	return out
}

func (p *Pool) connectedRelays() []*relayConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*relayConn, 0, len(p.relays))
	for _, rc := range p.relays {
		if rc.connected.Load() {
			out = append(out, rc)
		}
	}
	return out
}

func (p *Pool) write(rc *relayConn, data []byte) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	if rc.conn == nil {
		return ErrNotConnected
	}
	if err := rc.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
		return err
	}
	return rc.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *Pool) sendReq(rc *relayConn, id SubscriptionID, filters nostr.Filters) error {
	data, err := encodeReq(id, filters)
	if err != nil {
		return err
	}
	return p.write(rc, data)
}

// Subscribe sends the filters to every connected relay under a fresh id.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters) (SubscriptionID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := SubscriptionID(uuid.NewString())
	data, err := encodeReq(id, filters)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrLinkClosed
	}
	p.subs[id] = filters
	p.mu.Unlock()

	sent := 0
	var errs []error
	for _, rc := range p.connectedRelays() {
		if err := p.write(rc, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rc.url, err))
			continue
		}
		sent++
	}

	if sent == 0 {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
		if len(errs) == 0 {
			return "", ErrNotConnected
		}
		return "", fmt.Errorf("subscribe: %w", errors.Join(errs...))
	}

	if len(errs) > 0 {
		p.logger.Warnw("Subscription not sent to every relay", "subscription_id", id, "errors", errors.Join(errs...))
	}

	return id, nil
}

// Unsubscribe is idempotent. Relays that cannot be reached are skipped.
func (p *Pool) Unsubscribe(ctx context.Context, id SubscriptionID) error {
	p.mu.Lock()
	_, ok := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	data, err := encodeClose(id)
	if err != nil {
		return err
	}

	var errs []error
	for _, rc := range p.connectedRelays() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := p.write(rc, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rc.url, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) Notifications() *Stream {
	return p.hub.NewStream(p.cfg.StreamBuffer)
}

// Disconnect closes every connection and ends all notification streams.
func (p *Pool) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	relays := make([]*relayConn, 0, len(p.relays))
	for _, rc := range p.relays {
		relays = append(relays, rc)
	}
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}

	for _, rc := range relays {
		rc.writeMu.Lock()
		if rc.conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = rc.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = rc.conn.Close()
		}
		rc.writeMu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.hub.Close()
	p.logger.Infow("Relay pool disconnected", "relays", len(relays))
	return err
}

func (p *Pool) ConnectedRelays() int {
	return len(p.connectedRelays())
}

func (p *Pool) KnownRelays() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.relays)
}
