package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/telemetry"
)

const deliveryBatch = 256

// Subscriber is a derived index fed by the registry change log.
//
// Apply must be idempotent: delivery is at-least-once and a bootstrap replay
// may repeat events the subscriber has already seen.
type Subscriber interface {
	Name() string
	Apply(ctx context.Context, ev Event) error
	// Reset drops all state and clears the degraded flag before a rebuild.
	Reset()
	// MarkDegraded is called when an event could not be applied after retries.
	MarkDegraded(err error)
}

type subscription struct {
	sub  Subscriber
	wake chan struct{}

	// applyMu is held while events are being applied, so Rebuild never
	// interleaves with delivery.
	applyMu sync.Mutex

	// guarded by Bus.mu
	offset   int64
	degraded error
}

// Bus delivers registry events to subscribers in log order, tracking one
// offset per subscriber.
type Bus struct {
	reg     *Registry
	logger  *slog.Logger
	metrics *telemetry.Metrics
	retry   tcerrors.RetryConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	subs     []*subscription
	progress chan struct{} // closed and replaced whenever an offset moves
	closed   bool
}

func newBus(reg *Registry, retry tcerrors.RetryConfig, logger *slog.Logger, metrics *telemetry.Metrics) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	if retry.RetryIf == nil {
		retry.RetryIf = retryableApply
	}
	return &Bus{
		reg:      reg,
		logger:   logger,
		metrics:  metrics,
		retry:    retry,
		ctx:      ctx,
		cancel:   cancel,
		progress: make(chan struct{}),
	}
}

// retryableApply skips retries for errors that can never succeed.
func retryableApply(err error) bool {
	return !tcerrors.IsValidation(err) && !tcerrors.IsDimension(err) && !tcerrors.IsNotFound(err)
}

// Subscribe registers sub, replays every live capture into it synchronously,
// then starts delivering new events in the background.
func (b *Bus) Subscribe(ctx context.Context, sub Subscriber) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return tcerrors.InternalError("event bus is closed", nil)
	}
	for _, s := range b.subs {
		if s.sub.Name() == sub.Name() {
			b.mu.Unlock()
			return tcerrors.InternalError(fmt.Sprintf("subscriber %s already registered", sub.Name()), nil)
		}
	}
	b.mu.Unlock()

	s := &subscription{sub: sub, wake: make(chan struct{}, 1)}
	head, err := b.bootstrap(ctx, s)
	if err != nil {
		return err
	}

	b.mu.Lock()
	s.offset = head
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	b.metrics.SetDegraded(sub.Name(), false)

	b.wg.Add(1)
	go b.run(s)
	s.notify()

	b.logger.Debug("subscriber registered", slog.String("subscriber", sub.Name()), slog.Int64("offset", head))
	return nil
}

// bootstrap replays the current live records into s and returns the log
// position they are consistent with.
func (b *Bus) bootstrap(ctx context.Context, s *subscription) (int64, error) {
	events, head, err := b.reg.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		if err := tcerrors.Retry(ctx, b.retry, func() error { return s.sub.Apply(ctx, ev) }); err != nil {
			if ctx.Err() != nil {
				return 0, tcerrors.CancelledError("subscriber bootstrap cancelled", ctx.Err())
			}
			b.degrade(s, ev, err)
			continue
		}
		b.metrics.EventApplied(s.sub.Name())
	}
	return head, nil
}

func (s *subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// notify wakes every subscriber after a commit.
func (b *Bus) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.notify()
	}
}

func (b *Bus) run(s *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-s.wake:
		}
		if err := b.drain(s); err != nil && b.ctx.Err() == nil {
			b.logger.Warn("event delivery stalled",
				slog.String("subscriber", s.sub.Name()), slog.String("error", err.Error()))
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(b.retry.MaxDelay):
				s.notify()
			}
		}
	}
}

// drain applies events until the subscriber is caught up with the log.
func (b *Bus) drain(s *subscription) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	for {
		events, err := b.reg.eventsAfter(b.ctx, b.offsetOf(s), deliveryBatch)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for _, ev := range events {
			err := tcerrors.Retry(b.ctx, b.retry, func() error { return s.sub.Apply(b.ctx, ev) })
			if b.ctx.Err() != nil {
				return nil
			}
			if err != nil {
				b.degrade(s, ev, err)
			} else {
				b.metrics.EventApplied(s.sub.Name())
			}
			b.advance(s, ev.Seq)
		}
	}
}

func (b *Bus) degrade(s *subscription, ev Event, err error) {
	wrapped := tcerrors.New(tcerrors.ErrCodeIndexApply,
		fmt.Sprintf("%s failed to apply event %d", s.sub.Name(), ev.Seq), err).
		WithDetail("capture_id", ev.ID)

	b.mu.Lock()
	if s.degraded == nil {
		s.degraded = wrapped
	}
	b.mu.Unlock()

	s.sub.MarkDegraded(wrapped)
	b.metrics.ApplyFailed(s.sub.Name())
	b.metrics.SetDegraded(s.sub.Name(), true)
	attrs := append([]any{slog.String("subscriber", s.sub.Name()), slog.Int64("seq", ev.Seq)},
		attrsAny(tcerrors.LogAttrs(wrapped))...)
	b.logger.Error("subscriber degraded", attrs...)
}

func attrsAny(attrs []slog.Attr) []any {
	out := make([]any, len(attrs))
	for i, a := range attrs {
		out[i] = a
	}
	return out
}

func (b *Bus) offsetOf(s *subscription) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return s.offset
}

func (b *Bus) advance(s *subscription, seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq > s.offset {
		s.offset = seq
	}
	close(b.progress)
	b.progress = make(chan struct{})
}

// Rebuild resets the named subscriber and replays the current records into it.
// It clears the degraded state.
func (b *Bus) Rebuild(ctx context.Context, name string) error {
	s := b.find(name)
	if s == nil {
		return tcerrors.NotFoundError("subscriber", name)
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.sub.Reset()
	b.mu.Lock()
	s.degraded = nil
	b.mu.Unlock()
	b.metrics.SetDegraded(name, false)

	head, err := b.bootstrap(ctx, s)
	if err != nil {
		return err
	}
	b.mu.Lock()
	s.offset = head
	close(b.progress)
	b.progress = make(chan struct{})
	b.mu.Unlock()
	s.notify()

	b.logger.Info("subscriber rebuilt", slog.String("subscriber", name), slog.Int64("offset", head))
	return nil
}

func (b *Bus) find(name string) *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.sub.Name() == name {
			return s
		}
	}
	return nil
}

// SubscriberStatus describes one subscriber's delivery progress.
type SubscriberStatus struct {
	Name     string
	Offset   int64
	Degraded error
}

// Status returns the progress of every subscriber in registration order.
func (b *Bus) Status() []SubscriberStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SubscriberStatus, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, SubscriberStatus{Name: s.sub.Name(), Offset: s.offset, Degraded: s.degraded})
	}
	return out
}

// Prune deletes log entries every subscriber has applied, keeping the newest
// keep of them. Fresh subscribers bootstrap from records, not from the log.
func (b *Bus) Prune(ctx context.Context, keep int64) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	low, err := b.reg.headSeq(ctx)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	for _, s := range b.subs {
		if s.offset < low {
			low = s.offset
		}
	}
	b.mu.Unlock()

	upTo := low - keep
	if upTo <= 0 {
		return 0, nil
	}
	n, err := b.reg.pruneEvents(ctx, upTo)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.logger.Debug("event log pruned", slog.Int64("up_to", upTo), slog.Int64("removed", n))
	}
	return n, nil
}

// wait blocks until every subscriber has applied seq.
func (b *Bus) wait(ctx context.Context, seq int64) error {
	for {
		b.mu.Lock()
		caughtUp := true
		var degraded error
		for _, s := range b.subs {
			if s.degraded != nil && degraded == nil {
				degraded = tcerrors.ConsistencyError(s.sub.Name()+" index is degraded", s.degraded)
			}
			if s.offset < seq {
				caughtUp = false
			}
		}
		ch := b.progress
		closed := b.closed
		b.mu.Unlock()

		if caughtUp {
			return degraded
		}
		if closed {
			return tcerrors.ConsistencyError("event bus closed before delivery", nil)
		}
		select {
		case <-ctx.Done():
			return tcerrors.CancelledError("waiting for index acknowledgement", ctx.Err())
		case <-ch:
		}
	}
}

// Close stops delivery and waits for the workers to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.progress)
	b.progress = make(chan struct{})
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

// Ack tracks delivery of one registry mutation to every subscriber.
type Ack struct {
	bus *Bus
	Seq int64
}

// Wait blocks until every subscriber has applied the mutation. It returns a
// ConsistencyError when a subscriber is degraded. A nil Ack waits for nothing.
func (a *Ack) Wait(ctx context.Context) error {
	if a == nil || a.bus == nil {
		return nil
	}
	return a.bus.wait(ctx, a.Seq)
}
