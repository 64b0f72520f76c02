// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	defaultDeliveryConcurrency = 8
	defaultSendTimeout         = 30 * time.Second
	defaultDeliveredCapacity   = 4096
)

var tracer = otel.Tracer("github.com/aiku/matrix-telegram-relay/pkg/relay")

// ErrRetrierClosed is returned by Shutdown when called twice.
var ErrRetrierClosed = errors.New("retrier closed")

// Sender delivers an outbound message to one side.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) (DeliveryReceipt, error)
}

// DeliveryAttempt tracks a message that has not been delivered yet.
type DeliveryAttempt struct {
	Message      OutboundMessage
	AttemptCount int
	LastError    error
	NextRetryAt  time.Time
}

// DeadLetter describes a message that will not be delivered automatically.
type DeadLetter struct {
	Message  OutboundMessage
	Attempts int
	Err      error
	At       time.Time
}

// RetrierConfig holds the Retrier tunables.
type RetrierConfig struct {
	Policy            BackoffPolicy
	Concurrency       int
	SendTimeout       time.Duration
	DeliveredCapacity int
	// OnDeadLetter is called from the lane goroutine after a message is
	// dead-lettered. It must not block for long.
	OnDeadLetter func(DeadLetter)
}

// RetrierStats is a point-in-time view of delivery counters.
type RetrierStats struct {
	Delivered      int64 `json:"delivered"`
	FailedAttempts int64 `json:"failed_attempts"`
	DeadLetters    int64 `json:"dead_letters"`
	Pending        int   `json:"pending"`
}

type laneKey struct {
	side   Side
	chatID string
}

// lane is the FIFO of one target chat. One goroutine drains it, so messages
// to the same chat are attempted strictly in submission order.
type lane struct {
	queue   []*DeliveryAttempt
	running bool
}

// Retrier delivers outbound messages with bounded retries.
type Retrier struct {
	senders      map[Side]Sender
	guard        *LoopGuard
	policy       BackoffPolicy
	sendTimeout  time.Duration
	sem          *semaphore.Weighted
	onDeadLetter func(DeadLetter)
	log          zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	lanes     map[laneKey]*lane
	pending   map[string]struct{}
	delivered *recencyRing
	closed    bool
	wg        sync.WaitGroup

	deliveredCount atomic.Int64
	failedAttempts atomic.Int64
	deadLetters    atomic.Int64
}

// NewRetrier creates a retrier delivering through senders.
func NewRetrier(senders map[Side]Sender, guard *LoopGuard, cfg RetrierConfig, log zerolog.Logger) *Retrier {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultDeliveryConcurrency
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.DeliveredCapacity <= 0 {
		cfg.DeliveredCapacity = defaultDeliveredCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Retrier{
		senders:      senders,
		guard:        guard,
		policy:       cfg.Policy.normalized(),
		sendTimeout:  cfg.SendTimeout,
		sem:          semaphore.NewWeighted(int64(cfg.Concurrency)),
		onDeadLetter: cfg.OnDeadLetter,
		log:          log.With().Str("component", "retrier").Logger(),
		ctx:          ctx,
		cancel:       cancel,
		lanes:        make(map[laneKey]*lane),
		pending:      make(map[string]struct{}),
		delivered:    newRecencyRing(cfg.DeliveredCapacity),
	}
}

// Submit queues msg for delivery. It returns false if the retrier is shut
// down or a message with the same correlation id is already pending or was
// delivered.
func (r *Retrier) Submit(msg OutboundMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.log.Warn().Str("correlation_id", msg.CorrelationID).Msg("Retrier is shut down, dropping message")
		return false
	}
	if _, ok := r.delivered.lookup(msg.CorrelationID); ok {
		r.log.Debug().Str("correlation_id", msg.CorrelationID).Msg("Message already delivered, ignoring resubmission")
		return false
	}
	if _, ok := r.pending[msg.CorrelationID]; ok {
		r.log.Debug().Str("correlation_id", msg.CorrelationID).Msg("Message already pending, ignoring resubmission")
		return false
	}
	r.pending[msg.CorrelationID] = struct{}{}

	key := laneKey{side: msg.Target, chatID: msg.ChatID}
	l, ok := r.lanes[key]
	if !ok {
		l = &lane{}
		r.lanes[key] = l
	}
	l.queue = append(l.queue, &DeliveryAttempt{Message: msg})
	if !l.running {
		l.running = true
		r.wg.Add(1)
		go r.runLane(key, l)
	}
	return true
}

func (r *Retrier) runLane(key laneKey, l *lane) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			r.mu.Unlock()
			return
		}
		attempt := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		r.mu.Unlock()

		r.deliver(attempt)
	}
}

func (r *Retrier) deliver(a *DeliveryAttempt) {
	log := r.log.With().
		Str("correlation_id", a.Message.CorrelationID).
		Stringer("target", a.Message.Target).
		Logger()

	for {
		if r.ctx.Err() != nil {
			log.Warn().Int("attempts", a.AttemptCount).Msg("Shutting down, abandoning undelivered message")
			r.finish(a, false)
			return
		}

		a.AttemptCount++
		receipt, err := r.attempt(a)
		if err == nil {
			if r.guard != nil {
				r.guard.RegisterInjected(a.Message.Target, receipt.MessageID, a.Message.Body)
			}
			r.deliveredCount.Add(1)
			log.Debug().
				Int("attempt", a.AttemptCount).
				Str("message_id", receipt.MessageID).
				Msg("Message delivered")
			r.finish(a, true)
			return
		}
		if r.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			log.Warn().Int("attempts", a.AttemptCount).Msg("Shutting down, abandoning undelivered message")
			r.finish(a, false)
			return
		}

		a.LastError = err
		r.failedAttempts.Add(1)
		kind := Classify(err)
		if kind != KindTransient || r.policy.Exhausted(a.AttemptCount) {
			r.deadLetter(a, kind)
			return
		}

		delay := r.policy.Delay(a.AttemptCount)
		if retryAfter := RetryAfter(err); retryAfter > delay {
			delay = retryAfter
		}
		a.NextRetryAt = time.Now().Add(delay)
		log.Warn().Err(err).
			Int("attempt", a.AttemptCount).
			Dur("retry_in", delay).
			Msg("Delivery attempt failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
			log.Warn().Int("attempts", a.AttemptCount).Msg("Shutting down during backoff, abandoning undelivered message")
			r.finish(a, false)
			return
		}
	}
}

// attempt performs one send. The send context is detached from shutdown so
// an in-flight request can finish; it is bounded by the send timeout.
func (r *Retrier) attempt(a *DeliveryAttempt) (DeliveryReceipt, error) {
	sender, ok := r.senders[a.Message.Target]
	if !ok {
		return DeliveryReceipt{}, Permanent(fmt.Errorf("no adapter for side %s", a.Message.Target))
	}
	if err := r.sem.Acquire(r.ctx, 1); err != nil {
		return DeliveryReceipt{}, err
	}
	defer r.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.sendTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "relay.deliver", trace.WithAttributes(
		attribute.String("relay.correlation_id", a.Message.CorrelationID),
		attribute.String("relay.target", a.Message.Target.String()),
		attribute.Int("relay.attempt", a.AttemptCount),
	))
	defer span.End()

	receipt, err := sender.Send(ctx, a.Message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Classify(err).String())
	}
	return receipt, err
}

func (r *Retrier) deadLetter(a *DeliveryAttempt, kind ErrorKind) {
	r.deadLetters.Add(1)
	r.log.Error().Err(a.LastError).
		Str("correlation_id", a.Message.CorrelationID).
		Stringer("target", a.Message.Target).
		Str("error_kind", kind.String()).
		Int("attempts", a.AttemptCount).
		Msg("Message dead-lettered")
	r.finish(a, false)
	if r.onDeadLetter != nil {
		r.onDeadLetter(DeadLetter{
			Message:  a.Message,
			Attempts: a.AttemptCount,
			Err:      a.LastError,
			At:       time.Now(),
		})
	}
}

func (r *Retrier) finish(a *DeliveryAttempt, delivered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, a.Message.CorrelationID)
	if delivered {
		r.delivered.add(a.Message.CorrelationID, time.Now())
	}
}

// Stats returns the delivery counters.
func (r *Retrier) Stats() RetrierStats {
	r.mu.Lock()
	pending := len(r.pending)
	r.mu.Unlock()
	return RetrierStats{
		Delivered:      r.deliveredCount.Load(),
		FailedAttempts: r.failedAttempts.Load(),
		DeadLetters:    r.deadLetters.Load(),
		Pending:        pending,
	}
}

// Shutdown stops accepting messages and waits for the lanes to drain. When
// ctx expires first, lanes abandon their messages at the next backoff
// boundary; sends already in flight still complete.
func (r *Retrier) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRetrierClosed
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
