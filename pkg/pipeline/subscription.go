package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/plenumhq/plenum/pkg/event"
	"github.com/plenumhq/plenum/pkg/transient"
)

// Subscription is one consumer's live view of a session. Envelopes
// arrive on Events in strictly ascending sequence order: the replay
// segment is delivered first, then live messages, with duplicates
// across the seam filtered on the subscription's cursor.
//
// A subscription moves through Opening → Replaying → Live → Closed. A
// transient store failure while live sends it back to Replaying at the
// last delivered sequence after a backoff.
type Subscription struct {
	sessionID string
	events    chan event.Envelope
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// Events returns the envelope stream. The channel closes when the
// caller cancels, the pipeline shuts down, a terminal event is
// delivered, or recovery gives up; check Err afterwards.
func (s *Subscription) Events() <-chan event.Envelope {
	return s.events
}

// Err returns the terminal stream error, or nil for a clean close.
// Valid after Events is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. Idempotent; never affects persistence.
func (s *Subscription) Close() {
	s.closeOnce.Do(s.cancel)
	<-s.done
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Subscribe opens a live subscription on a session, replaying
// everything after sinceSequence first. Pass 0 for the full history.
//
// The bus subscription is opened before the replay read, so events
// published during the replay arrive on both paths; the cursor drops
// the duplicates.
func (p *Pipeline) Subscribe(ctx context.Context, sessionID string, sinceSequence int64) (*Subscription, error) {
	if !p.running.Load() {
		return nil, ErrShuttingDown
	}

	subCtx, cancel := context.WithCancel(ctx)
	busSub, err := p.bus.Subscribe(subCtx, sessionID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("pipeline: subscribe %s: %w", sessionID, err)
	}

	s := &Subscription{
		sessionID: sessionID,
		events:    make(chan event.Envelope, p.cfg.SubscriberBacklog),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	p.subCount.Add(1)
	p.metrics.SubscriptionOpened(ctx)

	go p.runSubscription(subCtx, s, busSub, sinceSequence)
	return s, nil
}

func (p *Pipeline) runSubscription(ctx context.Context, s *Subscription, busSub *transient.Subscription, sinceSequence int64) {
	defer func() {
		busSub.Close()
		close(s.events)
		close(s.done)
		p.subCount.Add(-1)
		p.metrics.SubscriptionClosed(context.WithoutCancel(ctx))
	}()

	logger := p.logger.With("session_id", s.sessionID)
	cursor := sinceSequence
	bo := newRecoveryBackOff()
	tries := 0

	for {
		// Replaying: deliver history after the cursor.
		envs, err := p.readAfter(ctx, s.sessionID, cursor)
		if err != nil {
			tries++
			if tries >= p.cfg.ReplayMaxTries {
				logger.Error("Replay failed, closing subscription",
					"cursor", cursor, "tries", tries, "error", err)
				s.setErr(fmt.Errorf("replay after sequence %d: %w", cursor, err))
				return
			}
			logger.Warn("Replay read failed, backing off",
				"cursor", cursor, "tries", tries, "error", err)
			if !p.sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}
		tries = 0
		bo.Reset()

		for _, env := range envs {
			if env.Sequence <= cursor {
				continue
			}
			if !s.deliver(ctx, p.stopCh, env) {
				return
			}
			cursor = env.Sequence
			if env.IsTerminal() {
				return
			}
		}

		// Live: forward bus messages until the stream breaks.
		reconnect, ok := p.forwardLive(ctx, s, busSub, &cursor)
		if !ok {
			return
		}
		busSub = reconnect
	}
}

// forwardLive drains the bus subscription into the consumer. It returns
// a fresh bus subscription when the live stream broke and recovery
// should replay from the cursor, or ok=false when the subscription is
// finished.
func (p *Pipeline) forwardLive(ctx context.Context, s *Subscription, busSub *transient.Subscription, cursor *int64) (*transient.Subscription, bool) {
	logger := p.logger.With("session_id", s.sessionID)

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case env, ok := <-busSub.C:
			if !ok {
				if ctx.Err() != nil || !p.running.Load() {
					return nil, false
				}
				// The live stream broke underneath us. Resubscribe and
				// let the caller replay the gap from the cursor.
				logger.Warn("Live stream interrupted, recovering", "cursor", *cursor)
				if !p.sleep(ctx, newRecoveryBackOff().NextBackOff()) {
					return nil, false
				}
				fresh, err := p.bus.Subscribe(ctx, s.sessionID)
				if err != nil {
					logger.Error("Resubscribe failed, closing subscription", "error", err)
					s.setErr(fmt.Errorf("resubscribe: %w", err))
					return nil, false
				}
				return fresh, true
			}
			if env.Sequence <= *cursor {
				continue
			}
			if !s.deliver(ctx, p.stopCh, env) {
				return nil, false
			}
			*cursor = env.Sequence
			if env.IsTerminal() {
				return nil, false
			}
		}
	}
}

func (s *Subscription) deliver(ctx context.Context, stop <-chan struct{}, env event.Envelope) bool {
	select {
	case s.events <- env:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}

// Missed returns the envelopes published after lastEventID, for
// stateless catchup (SSE Last-Event-ID style). A malformed or foreign
// lastEventID yields the full history.
func (p *Pipeline) Missed(ctx context.Context, sessionID, lastEventID string) ([]event.Envelope, error) {
	var since int64
	if lastEventID != "" {
		sid, seq, err := event.ParseEventID(lastEventID)
		if err != nil || sid != sessionID {
			p.logger.Warn("Unusable last event id, replaying full history",
				"session_id", sessionID, "last_event_id", lastEventID)
		} else {
			since = seq
		}
	}
	return p.readAfter(ctx, sessionID, since)
}

// readAfter is the transient-log-then-permanent-store cascade: the log
// serves the common case, the store answers when the log is empty,
// expired, or unreachable.
func (p *Pipeline) readAfter(ctx context.Context, sessionID string, sinceSequence int64) ([]event.Envelope, error) {
	logCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	envs, err := p.tlog.Range(logCtx, sessionID, sinceSequence)
	cancel()
	if err == nil && len(envs) > 0 {
		return envs, nil
	}
	if err != nil {
		p.logger.Warn("Transient log read failed, falling back to permanent store",
			"session_id", sessionID, "error", err)
	}

	p.metrics.RecordStoreFallback(ctx)
	storeCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	stored, err := p.store.GetEvents(storeCtx, sessionID, sinceSequence)
	if err != nil {
		return nil, fmt.Errorf("read events for %s after %d: %w", sessionID, sinceSequence, err)
	}
	return stored, nil
}

// sleep waits d on the pipeline clock, returning false if ctx ended or
// the pipeline stopped first.
func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := p.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		return false
	}
}

// newRecoveryBackOff tunes the replay/reconnect backoff. Capped low:
// a subscriber stuck in recovery is a user staring at a stalled stream.
func newRecoveryBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return bo
}
