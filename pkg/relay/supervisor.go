// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultStableAfter    = 30 * time.Second
	eventBufferSize       = 64
)

// SupervisorConfig holds the Supervisor settings.
type SupervisorConfig struct {
	// Policy is the reconnect backoff. MaxAttempts is ignored.
	Policy         BackoffPolicy
	ConnectTimeout time.Duration
	// StableAfter is how long a session must listen before the reconnect
	// backoff starts over, unless it delivered an event earlier.
	StableAfter time.Duration
	// OnAuthFailure is called when a side stops because its credentials
	// were rejected.
	OnAuthFailure func(side Side, err error)
}

// Supervisor owns the adapter sessions. Each adapter runs in its own
// goroutine; a failing session only stops intake from that side.
type Supervisor struct {
	adapters       []Adapter
	state          *RelayState
	guard          *LoopGuard
	engine         *Engine
	retrier        *Retrier
	policy         BackoffPolicy
	connectTimeout time.Duration
	stableAfter    time.Duration
	onAuthFailure  func(Side, error)
	log            zerolog.Logger

	healthMu sync.RWMutex
	sides    map[Side]*SideHealth
}

// NewSupervisor creates a supervisor for adapters. retrier may be nil, in
// which case delivery counters are omitted from Health.
func NewSupervisor(
	adapters []Adapter,
	state *RelayState,
	guard *LoopGuard,
	engine *Engine,
	retrier *Retrier,
	cfg SupervisorConfig,
	log zerolog.Logger,
) *Supervisor {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = defaultStableAfter
	}
	policy := cfg.Policy.normalized()
	policy.MaxAttempts = 0
	sides := make(map[Side]*SideHealth, len(adapters))
	for _, a := range adapters {
		sides[a.Side()] = &SideHealth{Name: a.Name(), State: SessionConnecting, Since: time.Now()}
	}
	return &Supervisor{
		adapters:       adapters,
		state:          state,
		guard:          guard,
		engine:         engine,
		retrier:        retrier,
		policy:         policy,
		connectTimeout: cfg.ConnectTimeout,
		stableAfter:    cfg.StableAfter,
		onAuthFailure:  cfg.OnAuthFailure,
		log:            log.With().Str("component", "supervisor").Logger(),
		sides:          sides,
	}
}

// Run starts one session loop per adapter and blocks until all of them have
// stopped, which happens when ctx is cancelled or a side fails to
// authenticate.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, a := range s.adapters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runSide(ctx, a)
		}()
	}
	wg.Wait()
	return nil
}

func (s *Supervisor) runSide(ctx context.Context, a Adapter) {
	side := a.Side()
	log := s.log.With().Str("adapter", a.Name()).Stringer("side", side).Logger()
	ctx = log.WithContext(ctx)

	attempt := 0
	for {
		stable, err := s.session(ctx, a)
		if ctx.Err() != nil {
			s.setState(side, SessionStopped, nil)
			log.Info().Msg("Session stopped")
			return
		}
		if IsAuth(err) {
			s.setState(side, SessionFailed, err)
			log.Error().Err(err).Msg("Authentication rejected, not reconnecting")
			if s.onAuthFailure != nil {
				s.onAuthFailure(side, err)
			}
			return
		}
		if err == nil {
			err = errors.New("session ended")
		}
		if stable {
			attempt = 0
		}
		attempt++
		delay := s.policy.Delay(attempt)
		s.setState(side, SessionReconnecting, err)
		log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Session lost, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.setState(side, SessionStopped, nil)
			log.Info().Msg("Session stopped")
			return
		}
	}
}

// session runs one connect-resume-listen cycle. stable reports whether the
// listening session made progress: it delivered at least one event or
// stayed up for stableAfter.
func (s *Supervisor) session(ctx context.Context, a Adapter) (stable bool, err error) {
	side := a.Side()
	log := zerolog.Ctx(ctx)

	connectCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	err = a.Connect(connectCtx)
	cancel()
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Msg("Failed to close adapter")
		}
	}()
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	if si, ok := a.(SelfIdentifier); ok && s.guard != nil {
		s.guard.SetSelf(side, si.SelfID())
	}

	cursor := s.state.Cursor(side)
	resumeCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	err = a.Resume(resumeCtx, cursor)
	cancel()
	if err != nil {
		return false, fmt.Errorf("resume: %w", err)
	}

	s.setState(side, SessionConnected, nil)
	log.Info().Str("cursor", cursor).Msg("Session established")

	listenCtx, stopListen := context.WithCancel(ctx)
	defer stopListen()
	started := time.Now()
	progressed := false
	events := make(chan RawEvent, eventBufferSize)
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- a.Listen(listenCtx, events)
		close(events)
	}()

	for evt := range events {
		if !s.process(ctx, a, evt) {
			stopListen()
			break
		}
		progressed = true
	}
	for range events {
	}
	err = <-listenErr
	return progressed || time.Since(started) >= s.stableAfter, err
}

// process hands one raw event to the relay core and advances the cursor.
// It returns false once ctx is cancelled; the cursor then stays before evt
// so the event is fetched again after a restart.
func (s *Supervisor) process(ctx context.Context, a Adapter, evt RawEvent) bool {
	side := a.Side()
	if ctx.Err() != nil {
		return false
	}
	if evt.Payload != nil {
		if msg, ok := a.Normalize(evt); ok {
			if err := s.engine.Enqueue(ctx, msg); err != nil {
				return false
			}
		}
	}
	if err := s.state.AdvanceCursor(context.WithoutCancel(ctx), side, evt.Cursor); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("cursor", evt.Cursor).Msg("Failed to persist cursor")
	}
	return true
}

func (s *Supervisor) setState(side Side, state SessionState, err error) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	h, ok := s.sides[side]
	if !ok {
		return
	}
	if h.State != state {
		h.State = state
		h.Since = time.Now()
	}
	if err != nil {
		h.LastError = err.Error()
	} else if state == SessionConnected {
		h.LastError = ""
	}
}
