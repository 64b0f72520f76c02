// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Side identifies one end of the relay.
type Side uint8

const (
	// SideA is the Matrix room.
	SideA Side = iota + 1
	// SideB is the private chat on the second network.
	SideB
)

// Opposite returns the side messages from s are relayed to.
func (s Side) Opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

func (s Side) String() string {
	switch s {
	case SideA:
		return "a"
	case SideB:
		return "b"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so sides can be used as JSON map keys.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Side) UnmarshalText(text []byte) error {
	switch string(text) {
	case "a":
		*s = SideA
	case "b":
		*s = SideB
	default:
		return fmt.Errorf("unknown side %q", text)
	}
	return nil
}

// InboundMessage is a normalized text message received on one side.
type InboundMessage struct {
	Source   Side
	SenderID string
	ChatID   string
	Body     string
	// HTML is the Matrix-style HTML rendering of Body, empty for plain text.
	HTML          string
	OriginEventID string
	ReceivedAt    time.Time
}

// OutboundMessage is a message the relay wants delivered to one side.
type OutboundMessage struct {
	Target        Side
	ChatID        string
	Body          string
	HTML          string
	CorrelationID string
	// Notice marks bridge-generated status messages. Failed notices are
	// never reported with another notice.
	Notice bool
}

// DeliveryReceipt acknowledges a successful send.
type DeliveryReceipt struct {
	Side Side
	// MessageID is the id assigned by the network, empty if it returned none.
	MessageID   string
	DeliveredAt time.Time
}

// RawEvent is a network event as produced by [Adapter.Listen].
type RawEvent struct {
	// Cursor is the resume position after this event has been processed.
	Cursor string
	// Payload is the network specific event. Nil payloads only advance the cursor.
	Payload any
}

// Adapter is the contract between the relay and a network binding.
//
// Listen blocks until the session ends and is not restartable: after it
// returns, the supervisor closes the adapter and starts over with Connect.
type Adapter interface {
	Name() string
	Side() Side
	Connect(ctx context.Context) error
	Resume(ctx context.Context, cursor string) error
	Listen(ctx context.Context, events chan<- RawEvent) error
	Normalize(evt RawEvent) (InboundMessage, bool)
	Send(ctx context.Context, msg OutboundMessage) (DeliveryReceipt, error)
	Close() error
}

// MessageLengthProvider is implemented by adapters whose network limits the
// length of a message body, in runes.
type MessageLengthProvider interface {
	MaxMessageLength() int
}

// SelfIdentifier is implemented by adapters that learn the bridge's own
// account id while connecting.
type SelfIdentifier interface {
	SelfID() string
}

var correlationNamespace = uuid.MustParse("8b1c3d5e-7f2a-4e6b-9c0d-1a2b3c4d5e6f")

// CorrelationID derives the stable correlation id for an inbound message.
// The same network event always maps to the same id, so a re-observed event
// is caught by the retrier's delivered set.
func CorrelationID(msg InboundMessage) string {
	if msg.OriginEventID == "" {
		return uuid.NewString()
	}
	name := msg.Source.String() + "\x00" + msg.ChatID + "\x00" + msg.OriginEventID
	return uuid.NewSHA1(correlationNamespace, []byte(name)).String()
}
