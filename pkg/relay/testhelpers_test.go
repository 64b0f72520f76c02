// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errNotConnected = errors.New("not connected")

// fakeAdapter is an in-memory Adapter. Events pushed with Emit are delivered
// by the current Listen call; Drop ends the current session with an error.
type fakeAdapter struct {
	name   string
	side   Side
	self   string
	maxLen int

	feed chan RawEvent
	drop chan error

	mu          sync.Mutex
	connected   bool
	connects    int
	connectErrs []error
	resumed     []string
	sendCalls   int
	sendErrs    []error
	sent        []OutboundMessage
	listenErr   error
	listening   chan struct{}
}

func newFakeAdapter(name string, side Side, self string) *fakeAdapter {
	return &fakeAdapter{
		name:      name,
		side:      side,
		self:      self,
		feed:      make(chan RawEvent, 16),
		drop:      make(chan error, 1),
		listening: make(chan struct{}, 16),
	}
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Side() Side   { return f.side }
func (f *fakeAdapter) SelfID() string {
	return f.self
}

func (f *fakeAdapter) MaxMessageLength() int { return f.maxLen }

func (f *fakeAdapter) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeAdapter) Resume(_ context.Context, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, cursor)
	return nil
}

func (f *fakeAdapter) Listen(ctx context.Context, events chan<- RawEvent) error {
	f.mu.Lock()
	listenErr := f.listenErr
	f.mu.Unlock()
	if listenErr != nil {
		return listenErr
	}
	f.listening <- struct{}{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-f.drop:
			return err
		case evt := <-f.feed:
			select {
			case events <- evt:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (f *fakeAdapter) Normalize(evt RawEvent) (InboundMessage, bool) {
	msg, ok := evt.Payload.(InboundMessage)
	return msg, ok
}

func (f *fakeAdapter) Send(_ context.Context, msg OutboundMessage) (DeliveryReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if !f.connected {
		return DeliveryReceipt{}, Transient(errNotConnected)
	}
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return DeliveryReceipt{}, err
		}
	}
	f.sent = append(f.sent, msg)
	return DeliveryReceipt{
		Side:        f.side,
		MessageID:   fmt.Sprintf("%s-msg-%d", f.name, len(f.sent)),
		DeliveredAt: time.Now(),
	}, nil
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// Emit queues an inbound message with the given cursor.
func (f *fakeAdapter) Emit(msg InboundMessage, cursor string) {
	f.feed <- RawEvent{Cursor: cursor, Payload: msg}
}

func (f *fakeAdapter) Drop(err error) {
	f.drop <- err
}

func (f *fakeAdapter) Sent() []OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]OutboundMessage, len(f.sent))
	copy(cp, f.sent)
	return cp
}

func (f *fakeAdapter) SendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func (f *fakeAdapter) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeAdapter) Resumed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resumed...)
}

func (f *fakeAdapter) failSends(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs = append(f.sendErrs, errs...)
}

// waitListening blocks until Listen has been entered n more times.
func (f *fakeAdapter) waitListening(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-f.listening:
		case <-time.After(5 * time.Second):
			t.Fatalf("%s: timed out waiting for Listen", f.name)
		}
	}
}

// recordingDispatcher collects submitted messages.
type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []OutboundMessage
}

func (d *recordingDispatcher) Submit(msg OutboundMessage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return true
}

func (d *recordingDispatcher) Messages() []OutboundMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]OutboundMessage, len(d.msgs))
	copy(cp, d.msgs)
	return cp
}

// testPolicy retries quickly and without jitter.
func testPolicy(maxAttempts int) BackoffPolicy {
	return BackoffPolicy{
		Base:        time.Millisecond,
		Max:         5 * time.Millisecond,
		MaxAttempts: maxAttempts,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// testRelay wires the full relay between two fake adapters.
type testRelay struct {
	a, b       *fakeAdapter
	state      *RelayState
	guard      *LoopGuard
	engine     *Engine
	retrier    *Retrier
	supervisor *Supervisor

	mu          sync.Mutex
	deadLetters []DeadLetter

	cancel context.CancelFunc
	done   chan struct{}
}

func newTestRelay(t *testing.T, maxAttempts int) *testRelay {
	t.Helper()
	log := zerolog.Nop()
	tr := &testRelay{
		a: newFakeAdapter("matrix", SideA, "@bridge:example.com"),
		b: newFakeAdapter("telegram", SideB, "1000"),
	}
	tr.state = NewRelayState(nil, 0, 0)
	tr.guard = NewLoopGuard(tr.state, nil)
	tr.retrier = NewRetrier(map[Side]Sender{SideA: tr.a, SideB: tr.b}, tr.guard, RetrierConfig{
		Policy:      testPolicy(maxAttempts),
		SendTimeout: time.Second,
		OnDeadLetter: func(dl DeadLetter) {
			tr.mu.Lock()
			tr.deadLetters = append(tr.deadLetters, dl)
			tr.mu.Unlock()
		},
	}, log)
	tr.engine = NewEngine(tr.guard, tr.retrier, EngineConfig{
		Targets: map[Side]Target{
			SideA: {Name: "matrix", ChatID: "!room:example.com"},
			SideB: {Name: "telegram", ChatID: "42"},
		},
	}, log)
	tr.supervisor = NewSupervisor([]Adapter{tr.a, tr.b}, tr.state, tr.guard, tr.engine, tr.retrier,
		SupervisorConfig{Policy: testPolicy(0), ConnectTimeout: time.Second}, log)
	return tr
}

func (tr *testRelay) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	tr.cancel = cancel
	tr.done = make(chan struct{})
	engineCtx, stopEngine := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		_ = tr.engine.Run(engineCtx)
		close(engineDone)
	}()
	go func() {
		_ = tr.supervisor.Run(ctx)
		stopEngine()
		<-engineDone
		close(tr.done)
	}()
	t.Cleanup(tr.stop)
}

func (tr *testRelay) stop() {
	if tr.cancel == nil {
		return
	}
	tr.cancel()
	<-tr.done
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = tr.retrier.Shutdown(shutdownCtx)
	tr.cancel = nil
}

func (tr *testRelay) DeadLetters() []DeadLetter {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]DeadLetter(nil), tr.deadLetters...)
}
