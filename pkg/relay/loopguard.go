// Copyright 2024-2026 Aiku AI

package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// LoopGuard suppresses messages that the bridge itself injected.
type LoopGuard struct {
	state *RelayState

	selfMu sync.RWMutex
	self   map[Side]string

	now func() time.Time
}

// NewLoopGuard creates a loop guard backed by state. self holds the bridge's
// configured account id per side; ids learnt on connect replace them.
func NewLoopGuard(state *RelayState, self map[Side]string) *LoopGuard {
	lg := &LoopGuard{
		state: state,
		self:  make(map[Side]string, 2),
		now:   time.Now,
	}
	for side, id := range self {
		lg.self[side] = id
	}
	return lg
}

// SetSelf records the bridge's own account id on side.
func (lg *LoopGuard) SetSelf(side Side, id string) {
	if id == "" {
		return
	}
	lg.selfMu.Lock()
	defer lg.selfMu.Unlock()
	lg.self[side] = id
}

// Self returns the bridge's own account id on side.
func (lg *LoopGuard) Self(side Side) string {
	lg.selfMu.RLock()
	defer lg.selfMu.RUnlock()
	return lg.self[side]
}

// RegisterInjected records a message the bridge just delivered to side.
// When the network returned no id, a fingerprint of the body is recorded
// instead.
func (lg *LoopGuard) RegisterInjected(side Side, messageID, body string) {
	now := lg.now()
	if messageID != "" {
		lg.state.remember(idKey(side, messageID), now)
		return
	}
	lg.state.remember(fingerprintKey(side, body), now)
}

// IsEcho reports whether msg was sent by the bridge. The identity check and
// the recency check both run; either one is enough.
func (lg *LoopGuard) IsEcho(msg InboundMessage) bool {
	self := lg.Self(msg.Source)
	fromSelf := self != "" && msg.SenderID == self

	now := lg.now()
	recent := msg.OriginEventID != "" && lg.state.seen(idKey(msg.Source, msg.OriginEventID), now)
	fingerprinted := lg.state.seen(fingerprintKey(msg.Source, msg.Body), now)

	return fromSelf || recent || fingerprinted
}

func idKey(side Side, id string) string {
	return "id:" + side.String() + ":" + id
}

func fingerprintKey(side Side, body string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(body)))
	return "fp:" + side.String() + ":" + hex.EncodeToString(sum[:])
}
