// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/matrix-telegram-relay/pkg/mattermostfmt"
	"github.com/aiku/matrix-telegram-relay/pkg/relay"
)

// parsePostedEvent extracts the post carried by a posted WebSocket event.
func parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	return &post, nil
}

// Normalize turns a post into an inbound message, applying the echo
// prevention layers: own posts, system posts and bridge bot usernames are
// skipped.
func (a *Adapter) Normalize(raw relay.RawEvent) (relay.InboundMessage, bool) {
	pe, ok := raw.Payload.(*postEvent)
	if !ok || pe == nil || pe.Post == nil {
		return relay.InboundMessage{}, false
	}
	post := pe.Post
	if post.ChannelId != a.cfg.ChannelID {
		return relay.InboundMessage{}, false
	}
	if self := a.SelfID(); self != "" && post.UserId == self {
		return relay.InboundMessage{}, false
	}
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return relay.InboundMessage{}, false
	}
	if pe.SenderName != "" && isBridgeUsername(pe.SenderName, a.cfg.BotPrefix) {
		a.log.Debug().
			Str("post_id", post.Id).
			Str("username", pe.SenderName).
			Msg("Skipping bridge username post (echo prevention)")
		return relay.InboundMessage{}, false
	}
	if strings.TrimSpace(post.Message) == "" {
		return relay.InboundMessage{}, false
	}

	return relay.InboundMessage{
		Source:        relay.SideB,
		SenderID:      post.UserId,
		ChatID:        post.ChannelId,
		Body:          post.Message,
		HTML:          mattermostfmt.ToHTML(post.Message),
		OriginEventID: post.Id,
		ReceivedAt:    time.UnixMilli(post.CreateAt),
	}, true
}

func isBridgeUsername(username, botPrefix string) bool {
	return botPrefix != "" && strings.HasPrefix(username, botPrefix)
}
