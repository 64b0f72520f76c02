// Copyright 2024-2026 Aiku AI

package matrix

import (
	"encoding/json"
	"slices"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-telegram-relay/pkg/relay"
)

// Normalize turns a timeline event into an inbound message. Events from
// other rooms, non-text messages, edits and senders outside the relay list
// are filtered.
func (a *Adapter) Normalize(raw relay.RawEvent) (relay.InboundMessage, bool) {
	evt, ok := raw.Payload.(*event.Event)
	if !ok || evt == nil {
		return relay.InboundMessage{}, false
	}
	if evt.RoomID != a.cfg.RoomID || evt.Type.Type != event.EventMessage.Type {
		return relay.InboundMessage{}, false
	}
	if len(a.cfg.RelaySenders) > 0 && !slices.Contains(a.cfg.RelaySenders, evt.Sender) {
		a.log.Debug().Stringer("sender", evt.Sender).Msg("Ignoring message from sender outside relay_senders")
		return relay.InboundMessage{}, false
	}

	var content event.MessageEventContent
	if err := json.Unmarshal(evt.Content.VeryRaw, &content); err != nil {
		a.log.Warn().Err(err).Stringer("event_id", evt.ID).Msg("Failed to parse message content")
		return relay.InboundMessage{}, false
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return relay.InboundMessage{}, false
	}

	body := content.Body
	formatted := ""
	if content.Format == event.FormatHTML {
		formatted = content.FormattedBody
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
	case event.MsgEmote:
		name := displayName(evt)
		body = "* " + name + " " + body
		if formatted != "" {
			formatted = "* " + name + " " + formatted
		}
	default:
		return relay.InboundMessage{}, false
	}

	receivedAt := time.Now()
	if evt.Timestamp > 0 {
		receivedAt = time.UnixMilli(evt.Timestamp)
	}
	return relay.InboundMessage{
		Source:        relay.SideA,
		SenderID:      string(evt.Sender),
		ChatID:        string(evt.RoomID),
		Body:          body,
		HTML:          formatted,
		OriginEventID: string(evt.ID),
		ReceivedAt:    receivedAt,
	}, true
}

func displayName(evt *event.Event) string {
	localpart, _, err := evt.Sender.Parse()
	if err != nil || localpart == "" {
		return string(evt.Sender)
	}
	return localpart
}
