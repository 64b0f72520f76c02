// Copyright 2024-2026 Aiku AI

package relay

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy is the exponential backoff with additive jitter shared by
// delivery retries and session reconnects.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
	// MaxAttempts bounds delivery attempts. Zero means unbounded.
	MaxAttempts int

	// rand returns a value in [0, 1). Tests replace it.
	rand func() float64
}

// DefaultDeliveryPolicy returns the delivery retry defaults.
func DefaultDeliveryPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        time.Second,
		Max:         60 * time.Second,
		Jitter:      time.Second,
		MaxAttempts: 5,
	}
}

// DefaultReconnectPolicy returns the session reconnect defaults.
func DefaultReconnectPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:   time.Second,
		Max:    60 * time.Second,
		Jitter: time.Second,
	}
}

func (p BackoffPolicy) normalized() BackoffPolicy {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// Delay returns the wait after failed attempt k (1-based): Base*2^(k-1)
// capped at Max, plus a uniform jitter in [0, Jitter].
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Max
	// Shifting past 2^32 would overflow long before any sane cap.
	if attempt <= 32 {
		if d := p.Base << (attempt - 1); d > 0 && d < p.Max {
			delay = d
		}
	}
	if p.Jitter > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		delay += time.Duration(r() * float64(p.Jitter+1))
	}
	return delay
}

// Exhausted reports whether no attempt may follow attempt k.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
