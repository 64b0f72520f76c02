// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"sync/atomic"
	"text/template"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultQueueSize = 256

// Dispatcher accepts outbound messages for delivery. Submit must not block
// on network I/O.
type Dispatcher interface {
	Submit(msg OutboundMessage) bool
}

// EngineState is the processing state of the relay core.
type EngineState int32

const (
	StateIdle EngineState = iota
	StateTranslating
	StateDispatched
)

func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTranslating:
		return "translating"
	case StateDispatched:
		return "dispatched"
	default:
		return "unknown"
	}
}

// Target describes where messages for one side are sent.
type Target struct {
	Name   string
	ChatID string
	// MaxLength is the body limit in runes, 0 for unlimited.
	MaxLength int
}

// EngineConfig holds the Engine settings.
type EngineConfig struct {
	Targets      map[Side]Target
	SenderPrefix *template.Template
	QueueSize    int
}

// Engine is the relay core. It consumes inbound messages from both sides in
// arrival order and hands translated messages to the dispatcher.
type Engine struct {
	guard        *LoopGuard
	dispatcher   Dispatcher
	targets      map[Side]Target
	senderPrefix *template.Template
	log          zerolog.Logger

	queue chan InboundMessage
	state atomic.Int32

	relayed atomic.Int64
	dropped atomic.Int64
}

// NewEngine creates a relay core.
func NewEngine(guard *LoopGuard, dispatcher Dispatcher, cfg EngineConfig, log zerolog.Logger) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Engine{
		guard:        guard,
		dispatcher:   dispatcher,
		targets:      cfg.Targets,
		senderPrefix: cfg.SenderPrefix,
		log:          log.With().Str("component", "relay").Logger(),
		queue:        make(chan InboundMessage, cfg.QueueSize),
	}
}

// Enqueue adds msg to the relay queue, blocking while the queue is full.
// Nothing is accepted once ctx is done.
func (e *Engine) Enqueue(ctx context.Context, msg InboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case e.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the queue until ctx is cancelled. Messages still buffered at
// that point are handed to the dispatcher before Run returns, so ctx should
// only end once every producer has stopped calling Enqueue.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().Msg("Relay core started")
	for {
		select {
		case msg := <-e.queue:
			e.handle(ctx, msg)
		case <-ctx.Done():
			e.drain()
			e.log.Info().Msg("Relay core stopped")
			return nil
		}
	}
}

func (e *Engine) drain() {
	ctx := context.Background()
	for {
		select {
		case msg := <-e.queue:
			e.handle(ctx, msg)
		default:
			return
		}
	}
}

func (e *Engine) handle(ctx context.Context, msg InboundMessage) {
	_, span := tracer.Start(ctx, "relay.handle", trace.WithAttributes(
		attribute.String("relay.source", msg.Source.String()),
		attribute.String("relay.origin_event_id", msg.OriginEventID),
	))
	defer span.End()
	defer e.state.Store(int32(StateIdle))

	log := e.log.With().
		Stringer("source", msg.Source).
		Str("origin_event_id", msg.OriginEventID).
		Logger()

	if e.guard != nil && e.guard.IsEcho(msg) {
		e.dropped.Add(1)
		span.SetAttributes(attribute.Bool("relay.echo", true))
		log.Debug().Str("sender_id", msg.SenderID).Msg("Dropping echo of bridged message")
		return
	}

	e.state.Store(int32(StateTranslating))
	out, err := e.Translate(msg)
	if err != nil {
		e.dropped.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "translation failed")
		log.Warn().Err(err).Msg("Dropping message that could not be translated")
		return
	}

	e.state.Store(int32(StateDispatched))
	span.SetAttributes(attribute.String("relay.correlation_id", out.CorrelationID))
	if !e.dispatcher.Submit(out) {
		log.Debug().Str("correlation_id", out.CorrelationID).Msg("Dispatcher did not accept message")
		return
	}
	e.relayed.Add(1)
	log.Debug().Str("correlation_id", out.CorrelationID).Msg("Message dispatched")
}

// Translate builds the outbound message for msg without dispatching it.
func (e *Engine) Translate(msg InboundMessage) (OutboundMessage, error) {
	targetSide := msg.Source.Opposite()
	target, ok := e.targets[targetSide]
	if !ok || target.ChatID == "" {
		return OutboundMessage{}, &TranslationError{Reason: fmt.Sprintf("no chat configured for side %s", targetSide)}
	}
	body, formatted, err := Translate(msg, TranslateOptions{
		MaxLength:    target.MaxLength,
		SenderPrefix: e.senderPrefix,
	})
	if err != nil {
		return OutboundMessage{}, err
	}
	return OutboundMessage{
		Target:        targetSide,
		ChatID:        target.ChatID,
		Body:          body,
		HTML:          formatted,
		CorrelationID: CorrelationID(msg),
	}, nil
}

// ReportDeadLetter posts a notice about dl into the chat the message came
// from. Notices that fail are only logged.
func (e *Engine) ReportDeadLetter(dl DeadLetter) {
	if dl.Message.Notice {
		e.log.Error().Err(dl.Err).
			Str("correlation_id", dl.Message.CorrelationID).
			Msg("Failed to deliver dead-letter notice")
		return
	}
	origin := dl.Message.Target.Opposite()
	source, ok := e.targets[origin]
	if !ok || source.ChatID == "" {
		return
	}
	targetName := e.targets[dl.Message.Target].Name
	if targetName == "" {
		targetName = "side " + dl.Message.Target.String()
	}
	excerpt := truncateRunes(dl.Message.Body, 80)
	notice := OutboundMessage{
		Target: origin,
		ChatID: source.ChatID,
		Body: fmt.Sprintf("Message %q failed to deliver to %s after %d attempts: %v",
			excerpt, targetName, dl.Attempts, dl.Err),
		CorrelationID: uuid.NewSHA1(correlationNamespace, []byte("notice\x00"+dl.Message.CorrelationID)).String(),
		Notice:        true,
	}
	if !e.dispatcher.Submit(notice) {
		e.log.Warn().Str("correlation_id", notice.CorrelationID).Msg("Dead-letter notice was not accepted")
	}
}

// State returns the current processing state.
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

// Relayed returns the number of messages handed to the dispatcher.
func (e *Engine) Relayed() int64 {
	return e.relayed.Load()
}

// Dropped returns the number of echo or untranslatable messages dropped.
func (e *Engine) Dropped() int64 {
	return e.dropped.Load()
}
