// Copyright 2024-2026 Aiku AI

// Package mattermost is the relay adapter for a Mattermost channel, the
// alternative second side.
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/matrix-telegram-relay/pkg/matrixfmt"
	"github.com/aiku/matrix-telegram-relay/pkg/relay"
)

// MaxMessageLength is the server's post length limit, in characters.
const MaxMessageLength = 16383

var errNotConnected = errors.New("mattermost: not connected")

// Config holds the Mattermost connection settings.
type Config struct {
	ServerURL string
	Token     string
	ChannelID string
	// BotPrefix is a username prefix for echo prevention. Any username
	// starting with it is treated as a bridge-managed bot.
	BotPrefix       string
	CatchupPageSize int
	HTTPClient      *http.Client
}

// postEvent is the payload of a RawEvent: a post plus the sender's username
// when the server supplied it.
type postEvent struct {
	Post       *model.Post
	SenderName string
}

// Adapter relays messages in one Mattermost channel.
type Adapter struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	client     *model.Client4
	userID     string
	lastPostID string
	catchUp    bool
}

var (
	_ relay.Adapter               = (*Adapter)(nil)
	_ relay.SelfIdentifier        = (*Adapter)(nil)
	_ relay.MessageLengthProvider = (*Adapter)(nil)
)

// New creates a Mattermost adapter. It does not connect.
func New(cfg Config, log zerolog.Logger) *Adapter {
	if cfg.CatchupPageSize <= 0 {
		cfg.CatchupPageSize = 60
	}
	cfg.ServerURL = strings.TrimSuffix(cfg.ServerURL, "/")
	return &Adapter{
		cfg: cfg,
		log: log.With().Str("adapter", "mattermost").Logger(),
	}
}

func (a *Adapter) Name() string          { return "mattermost" }
func (a *Adapter) Side() relay.Side      { return relay.SideB }
func (a *Adapter) MaxMessageLength() int { return MaxMessageLength }

// SelfID returns the bridge account's user id once connected.
func (a *Adapter) SelfID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userID
}

// Connect verifies the session token and the configured channel.
func (a *Adapter) Connect(ctx context.Context) error {
	client := model.NewAPIv4Client(a.cfg.ServerURL)
	client.SetToken(a.cfg.Token)
	if a.cfg.HTTPClient != nil {
		client.HTTPClient = a.cfg.HTTPClient
	}

	a.log.Info().Str("server_url", a.cfg.ServerURL).Msg("Connecting to Mattermost")
	me, resp, err := client.GetMe(ctx, "")
	if err != nil {
		if statusOf(resp, err) == http.StatusUnauthorized {
			return &relay.AuthError{Side: relay.SideB, Err: err}
		}
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	a.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	channel, resp, err := client.GetChannel(ctx, a.cfg.ChannelID, "")
	if err != nil {
		switch statusOf(resp, err) {
		case http.StatusForbidden, http.StatusNotFound:
			return relay.Permanent(fmt.Errorf("channel %s is not accessible: %w", a.cfg.ChannelID, err))
		}
		return fmt.Errorf("failed to get channel info: %w", err)
	}
	a.log.Debug().
		Str("channel_id", channel.Id).
		Str("channel_name", channel.Name).
		Str("channel_type", string(channel.Type)).
		Msg("Relaying channel")

	a.mu.Lock()
	a.client = client
	a.userID = me.Id
	a.mu.Unlock()
	return nil
}

// Resume records the last relayed post. Listen catches up on posts after it
// before following the WebSocket. Without a cursor the newest post is taken
// as the starting point.
func (a *Adapter) Resume(ctx context.Context, cursor string) error {
	client := a.getClient()
	if client == nil {
		return errNotConnected
	}
	if cursor != "" {
		a.mu.Lock()
		a.lastPostID = cursor
		a.catchUp = true
		a.mu.Unlock()
		return nil
	}
	newest, err := a.newestPostID(ctx, client)
	if err != nil {
		return err
	}
	a.log.Warn().Str("post_id", newest).Msg("No stored post position, starting from now; earlier messages are not relayed")
	a.mu.Lock()
	a.lastPostID = newest
	a.catchUp = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) newestPostID(ctx context.Context, client *model.Client4) (string, error) {
	list, _, err := client.GetPostsForChannel(ctx, a.cfg.ChannelID, 0, 1, "", false, false)
	if err != nil {
		return "", fmt.Errorf("failed to fetch newest post: %w", err)
	}
	if list == nil || len(list.Order) == 0 {
		return "", nil
	}
	return list.Order[0], nil
}

// Listen follows the channel over the WebSocket. Posts created while the
// relay was away are emitted first.
func (a *Adapter) Listen(ctx context.Context, events chan<- relay.RawEvent) error {
	client := a.getClient()
	if client == nil {
		return errNotConnected
	}

	wsURL := httpToWS(a.cfg.ServerURL)
	ws, err := model.NewWebSocketClient4(wsURL, client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	defer ws.Close()
	ws.Listen()
	a.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")

	a.mu.Lock()
	after, catchUp := a.lastPostID, a.catchUp
	a.catchUp = false
	a.mu.Unlock()

	caughtUp := make(map[string]struct{})
	if catchUp {
		if err := a.catchUpAfter(ctx, client, after, func(post *model.Post) error {
			caughtUp[post.Id] = struct{}{}
			return emit(ctx, events, relay.RawEvent{Cursor: post.Id, Payload: &postEvent{Post: post}})
		}); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ws.EventChannel:
			if !ok {
				if ws.ListenError != nil {
					return fmt.Errorf("websocket closed: %w", ws.ListenError)
				}
				return errors.New("websocket event channel closed")
			}
			raw, ok := a.parseEvent(evt)
			if !ok {
				continue
			}
			if _, dup := caughtUp[raw.Cursor]; dup {
				continue
			}
			if err := emit(ctx, events, raw); err != nil {
				return err
			}
		}
	}
}

// catchUpAfter pages through posts created after the given post, oldest
// first. A cursor the server no longer knows falls back to the newest post.
func (a *Adapter) catchUpAfter(ctx context.Context, client *model.Client4, after string, fn func(*model.Post) error) error {
	perPage := a.cfg.CatchupPageSize
	total := 0
	for {
		list, resp, err := client.GetPostsAfter(ctx, a.cfg.ChannelID, after, 0, perPage, "", false, false)
		if err != nil {
			status := statusOf(resp, err)
			if total == 0 && (status == http.StatusNotFound || status == http.StatusBadRequest) {
				a.log.Warn().Err(err).Str("post_id", after).
					Msg("Stored post position is unknown, starting from now; messages may have been missed")
				return nil
			}
			return fmt.Errorf("failed to fetch posts for catch-up: %w", err)
		}
		posts := list.ToSlice()
		sort.Slice(posts, func(i, j int) bool {
			return posts[i].CreateAt < posts[j].CreateAt
		})
		for _, post := range posts {
			if err := fn(post); err != nil {
				return err
			}
			after = post.Id
			total++
		}
		if len(list.Order) < perPage {
			break
		}
	}
	if total > 0 {
		a.log.Info().Int("count", total).Msg("Caught up on missed posts")
	}
	return nil
}

// parseEvent extracts a posted event for the configured channel.
func (a *Adapter) parseEvent(evt *model.WebSocketEvent) (relay.RawEvent, bool) {
	if evt == nil || evt.EventType() != model.WebsocketEventPosted {
		return relay.RawEvent{}, false
	}
	if b := evt.GetBroadcast(); b != nil && b.ChannelId != "" && b.ChannelId != a.cfg.ChannelID {
		return relay.RawEvent{}, false
	}
	post, err := parsePostedEvent(evt)
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to parse posted event")
		return relay.RawEvent{}, false
	}
	senderName, _ := evt.GetData()["sender_name"].(string)
	return relay.RawEvent{
		Cursor:  post.Id,
		Payload: &postEvent{Post: post, SenderName: strings.TrimPrefix(senderName, "@")},
	}, true
}

// Send creates a post with the message rendered as markdown.
func (a *Adapter) Send(ctx context.Context, msg relay.OutboundMessage) (relay.DeliveryReceipt, error) {
	client := a.getClient()
	if client == nil {
		return relay.DeliveryReceipt{}, relay.Transient(errNotConnected)
	}
	channelID := msg.ChatID
	if channelID == "" {
		channelID = a.cfg.ChannelID
	}
	post := &model.Post{
		ChannelId: channelID,
		Message:   matrixfmt.ToMarkdown(msg.Body, msg.HTML),
	}
	created, resp, err := client.CreatePost(ctx, post)
	if err != nil {
		return relay.DeliveryReceipt{}, classifySendError(resp, err)
	}
	return relay.DeliveryReceipt{
		Side:        relay.SideB,
		MessageID:   created.Id,
		DeliveredAt: time.Now(),
	}, nil
}

// Close drops the client. The WebSocket is closed when Listen returns.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = nil
	return nil
}

func (a *Adapter) getClient() *model.Client4 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

func emit(ctx context.Context, events chan<- relay.RawEvent, evt relay.RawEvent) error {
	select {
	case events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
