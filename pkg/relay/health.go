// Copyright 2024-2026 Aiku AI

package relay

import (
	"encoding/json"
	"net/http"
	"time"
)

// SessionState is the connection state of one side.
type SessionState string

const (
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionReconnecting SessionState = "reconnecting"
	SessionFailed       SessionState = "failed"
	SessionStopped      SessionState = "stopped"
)

// SideHealth is the health of one adapter session.
type SideHealth struct {
	Name      string       `json:"name"`
	State     SessionState `json:"state"`
	LastError string       `json:"last_error,omitempty"`
	Since     time.Time    `json:"since"`
	Cursor    string       `json:"cursor,omitempty"`
}

// Health is the operational status of the relay.
type Health struct {
	Sides       map[Side]SideHealth `json:"sides"`
	Engine      string              `json:"engine"`
	Relayed     int64               `json:"relayed"`
	Dropped     int64               `json:"dropped"`
	DeadLetters int64               `json:"dead_letters"`
	Delivery    *RetrierStats       `json:"delivery,omitempty"`
}

// Healthy reports whether every side is connected.
func (h Health) Healthy() bool {
	for _, side := range h.Sides {
		if side.State != SessionConnected {
			return false
		}
	}
	return len(h.Sides) > 0
}

// Health returns a snapshot of the session states and relay counters.
func (s *Supervisor) Health() Health {
	s.healthMu.RLock()
	sides := make(map[Side]SideHealth, len(s.sides))
	for side, h := range s.sides {
		sides[side] = *h
	}
	s.healthMu.RUnlock()
	for side, h := range sides {
		h.Cursor = s.state.Cursor(side)
		sides[side] = h
	}

	health := Health{
		Sides:   sides,
		Engine:  s.engine.State().String(),
		Relayed: s.engine.Relayed(),
		Dropped: s.engine.Dropped(),
	}
	if s.retrier != nil {
		stats := s.retrier.Stats()
		health.DeadLetters = stats.DeadLetters
		health.Delivery = &stats
	}
	return health
}

// HandleStatus is an HTTP handler for GET /api/status. It responds with 503
// while any side is not connected.
func (s *Supervisor) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health := s.Health()
	w.Header().Set("Content-Type", "application/json")
	if !health.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write status response")
	}
}
