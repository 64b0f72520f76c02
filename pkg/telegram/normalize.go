// Copyright 2024-2026 Aiku AI

package telegram

import (
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aiku/matrix-telegram-relay/pkg/relay"
	"github.com/aiku/matrix-telegram-relay/pkg/telegramfmt"
)

// Normalize turns an update into an inbound message. Only new text messages
// in the configured chat pass.
func (a *Adapter) Normalize(raw relay.RawEvent) (relay.InboundMessage, bool) {
	update, ok := raw.Payload.(tgbotapi.Update)
	if !ok || update.Message == nil || update.Message.Chat == nil {
		return relay.InboundMessage{}, false
	}
	msg := update.Message
	if msg.Chat.ID != a.cfg.ChatID {
		a.log.Debug().Int64("chat_id", msg.Chat.ID).Msg("Ignoring message from unconfigured chat")
		return relay.InboundMessage{}, false
	}
	if a.cfg.PrivateOnly && !msg.Chat.IsPrivate() {
		return relay.InboundMessage{}, false
	}
	if msg.Text == "" {
		return relay.InboundMessage{}, false
	}

	sender := ""
	if msg.From != nil {
		sender = strconv.FormatInt(msg.From.ID, 10)
	}
	return relay.InboundMessage{
		Source:        relay.SideB,
		SenderID:      sender,
		ChatID:        strconv.FormatInt(msg.Chat.ID, 10),
		Body:          msg.Text,
		HTML:          telegramfmt.ToHTML(msg.Text, msg.Entities),
		OriginEventID: strconv.Itoa(msg.MessageID),
		ReceivedAt:    msg.Time(),
	}, true
}
