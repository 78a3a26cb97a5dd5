package transient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/plenumhq/plenum/pkg/event"
	"github.com/plenumhq/plenum/pkg/telemetry"
)

// ErrSubscriptionClosed is returned by Subscribe once the bus has shut
// down.
var ErrSubscriptionClosed = errors.New("transient bus: closed")

// Bus broadcasts envelopes to live subscribers over a per-session Redis
// pub/sub topic. Delivery is at-most-once per subscriber: a subscriber
// whose backlog fills loses messages (counted), but never sees them out
// of order.
type Bus struct {
	client  redis.UniversalClient
	backlog int
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*Subscription]struct{}
}

// Subscription is one live topic subscription. Envelopes arrive on C in
// publish order; C closes when the subscription ends.
type Subscription struct {
	C <-chan event.Envelope

	bus    *Bus
	pubsub *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Close tears the subscription down. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
		s.bus.forget(s)
	})
	<-s.done
}

// NewBus creates a pub/sub bus with the given per-subscriber backlog.
func NewBus(client redis.UniversalClient, backlog int, metrics *telemetry.Metrics, logger *slog.Logger) *Bus {
	if metrics == nil {
		metrics = telemetry.NewNop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		client:  client,
		backlog: backlog,
		metrics: metrics,
		logger:  logger.With("component", "bus"),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Publish broadcasts the envelope on the session's topic. Sessions with
// no subscribers are a successful no-op.
func (b *Bus) Publish(ctx context.Context, env event.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: encode envelope %s: %w", env.EventID(), err)
	}
	if err := b.client.Publish(ctx, event.TopicChannel(env.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", env.EventID(), err)
	}
	return nil
}

// Subscribe opens a live subscription on a session's topic. The
// returned subscription ends when ctx is cancelled, Close is called, or
// the bus shuts down. The subscribe round-trip completes before
// Subscribe returns, so a replay started afterwards cannot race a
// publish past the subscription.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrSubscriptionClosed
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, event.TopicChannel(sessionID))
	// Force the SUBSCRIBE command through before we return.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("bus: subscribe %s: %w", sessionID, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan event.Envelope, b.backlog)
	sub := &Subscription{
		C:      out,
		bus:    b,
		pubsub: pubsub,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		_ = pubsub.Close()
		close(sub.done)
		return nil, ErrSubscriptionClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.receiveLoop(subCtx, sessionID, pubsub, out, sub.done)
	return sub, nil
}

// receiveLoop decodes topic messages into the subscriber channel. A full
// channel drops the message rather than blocking the loop: a slow
// subscriber must not stall redelivery, and catchup recovers the gap.
func (b *Bus) receiveLoop(ctx context.Context, sessionID string, pubsub *redis.PubSub, out chan<- event.Envelope, done chan<- struct{}) {
	defer close(done)
	defer close(out)
	// Also closed by Subscription.Close; harmless twice. Covers callers
	// that cancel ctx without closing the subscription.
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel(redis.WithChannelSize(b.backlog))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env event.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.metrics.RecordMalformedRecord(ctx, "bus")
				b.logger.Warn("Dropping malformed bus message",
					"session_id", sessionID, "error", err)
				continue
			}
			select {
			case out <- env:
			default:
				b.metrics.RecordBusDrop(ctx, 1)
				b.logger.Warn("Dropping event for slow subscriber",
					"session_id", sessionID, "sequence", env.Sequence)
			}
		}
	}
}

// Close ends every open subscription. New subscribes fail afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	open := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		open = append(open, sub)
	}
	b.mu.Unlock()

	for _, sub := range open {
		sub.Close()
	}
}

func (b *Bus) forget(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}
