// Copyright 2024-2026 Aiku AI

// Package matrix is the relay adapter for the Matrix room side.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-telegram-relay/pkg/relay"
)

// nowFilter makes an initial sync return no timeline events, only a
// next_batch token for the current position.
const nowFilter = `{"room":{"timeline":{"limit":0}}}`

const defaultSyncGrace = 10 * time.Second

// Config holds the Matrix connection settings.
type Config struct {
	Homeserver   string
	UserID       id.UserID
	AccessToken  string
	RoomID       id.RoomID
	RelaySenders []id.UserID
	SyncTimeout  time.Duration
	// HTTPClient overrides the client used for homeserver requests.
	HTTPClient *http.Client
}

// Adapter relays messages in one Matrix room.
type Adapter struct {
	cfg Config
	log zerolog.Logger
	// syncGrace is added to the sync timeout to bound each /sync request
	// on the client side.
	syncGrace time.Duration

	mu      sync.Mutex
	client  *mautrix.Client
	self    id.UserID
	since   string
	resumed bool
}

var (
	_ relay.Adapter        = (*Adapter)(nil)
	_ relay.SelfIdentifier = (*Adapter)(nil)
)

// New creates a Matrix adapter. It does not connect.
func New(cfg Config, log zerolog.Logger) *Adapter {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 30 * time.Second
	}
	return &Adapter{
		cfg:       cfg,
		log:       log.With().Str("adapter", "matrix").Logger(),
		syncGrace: defaultSyncGrace,
		self:      cfg.UserID,
	}
}

func (a *Adapter) Name() string     { return "matrix" }
func (a *Adapter) Side() relay.Side { return relay.SideA }

// SelfID returns the bridge account, as confirmed by whoami once connected.
func (a *Adapter) SelfID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return string(a.self)
}

// Connect verifies the access token and makes sure the bridge account is in
// the relayed room.
func (a *Adapter) Connect(ctx context.Context) error {
	client, err := mautrix.NewClient(a.cfg.Homeserver, a.cfg.UserID, a.cfg.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to create matrix client: %w", err)
	}
	client.Log = a.log.With().Str("component", "mautrix").Logger()
	// Retries are the relay's job.
	client.DefaultHTTPRetries = 0
	if a.cfg.HTTPClient != nil {
		client.Client = a.cfg.HTTPClient
	}

	whoami, err := client.Whoami(ctx)
	if err != nil {
		if isAuthError(err) {
			return &relay.AuthError{Side: relay.SideA, Err: err}
		}
		return fmt.Errorf("whoami: %w", err)
	}
	if a.cfg.UserID != "" && whoami.UserID != a.cfg.UserID {
		a.log.Warn().
			Stringer("configured", a.cfg.UserID).
			Stringer("actual", whoami.UserID).
			Msg("Access token belongs to a different user than configured")
	}
	client.UserID = whoami.UserID

	joined, err := client.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list joined rooms: %w", err)
	}
	if !slices.Contains(joined.JoinedRooms, a.cfg.RoomID) {
		a.log.Info().Stringer("room_id", a.cfg.RoomID).Msg("Bridge is not in the room, joining")
		if _, err := client.JoinRoomByID(ctx, a.cfg.RoomID); err != nil {
			if errors.Is(err, mautrix.MForbidden) || errors.Is(err, mautrix.MNotFound) {
				return relay.Permanent(fmt.Errorf("failed to join %s: %w", a.cfg.RoomID, err))
			}
			return fmt.Errorf("failed to join %s: %w", a.cfg.RoomID, err)
		}
	}

	a.mu.Lock()
	a.client = client
	a.self = whoami.UserID
	a.mu.Unlock()
	a.log.Info().Stringer("user_id", whoami.UserID).Msg("Connected to homeserver")
	return nil
}

// Resume sets the sync position. Without a cursor the adapter starts from
// the current end of the timeline.
func (a *Adapter) Resume(ctx context.Context, cursor string) error {
	client := a.getClient()
	if client == nil {
		return errNotConnected
	}
	if cursor == "" {
		since, err := a.currentPosition(ctx, client)
		if err != nil {
			return err
		}
		a.log.Warn().Msg("No stored sync position, starting from now; earlier messages are not relayed")
		cursor = since
	}
	a.mu.Lock()
	a.since = cursor
	a.resumed = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) currentPosition(ctx context.Context, client *mautrix.Client) (string, error) {
	resp, err := client.SyncRequest(ctx, 0, "", nowFilter, false, "")
	if err != nil {
		return "", fmt.Errorf("initial sync: %w", err)
	}
	return resp.NextBatch, nil
}

// Listen long-polls /sync and emits the configured room's timeline events,
// followed by a cursor-only event carrying next_batch.
func (a *Adapter) Listen(ctx context.Context, events chan<- relay.RawEvent) error {
	client := a.getClient()
	if client == nil {
		return errNotConnected
	}
	a.mu.Lock()
	since := a.since
	first := a.resumed
	a.resumed = false
	a.mu.Unlock()

	timeoutMs := int(a.cfg.SyncTimeout / time.Millisecond)
	for {
		syncCtx, cancel := context.WithTimeout(ctx, a.cfg.SyncTimeout+a.syncGrace)
		resp, err := client.SyncRequest(syncCtx, timeoutMs, since, "", false, "")
		syncErr := syncCtx.Err()
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if syncErr != nil {
				return fmt.Errorf("sync got no answer within %s: %w", a.cfg.SyncTimeout+a.syncGrace, syncErr)
			}
			if isAuthError(err) {
				return &relay.AuthError{Side: relay.SideA, Err: err}
			}
			if first && isInvalidSince(err) {
				a.log.Warn().Err(err).Str("since", since).
					Msg("Homeserver rejected the stored sync position, starting from now; messages may have been missed")
				since, err = a.currentPosition(ctx, client)
				if err != nil {
					return err
				}
				first = false
				continue
			}
			return fmt.Errorf("sync: %w", err)
		}
		first = false

		if room, ok := resp.Rooms.Join[a.cfg.RoomID]; ok && room != nil {
			if room.Timeline.Limited {
				a.log.Warn().Msg("Sync timeline was limited, some messages were not relayed")
			}
			for _, evt := range room.Timeline.Events {
				evt.RoomID = a.cfg.RoomID
				if err := emit(ctx, events, relay.RawEvent{Payload: evt}); err != nil {
					return err
				}
			}
		}
		since = resp.NextBatch
		a.mu.Lock()
		a.since = since
		a.mu.Unlock()
		if err := emit(ctx, events, relay.RawEvent{Cursor: since}); err != nil {
			return err
		}
	}
}

func emit(ctx context.Context, events chan<- relay.RawEvent, evt relay.RawEvent) error {
	select {
	case events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send posts msg to the room. The correlation id is used as transaction id,
// so the homeserver deduplicates retries of the same message.
func (a *Adapter) Send(ctx context.Context, msg relay.OutboundMessage) (relay.DeliveryReceipt, error) {
	client := a.getClient()
	if client == nil {
		return relay.DeliveryReceipt{}, relay.Transient(errNotConnected)
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    msg.Body,
	}
	if msg.Notice {
		content.MsgType = event.MsgNotice
	}
	if msg.HTML != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = msg.HTML
	}
	roomID := id.RoomID(msg.ChatID)
	if roomID == "" {
		roomID = a.cfg.RoomID
	}
	resp, err := client.SendMessageEvent(ctx, roomID, event.EventMessage, content, mautrix.ReqSendEvent{
		TransactionID: msg.CorrelationID,
	})
	if err != nil {
		return relay.DeliveryReceipt{}, classifySendError(err)
	}
	return relay.DeliveryReceipt{
		Side:        relay.SideA,
		MessageID:   string(resp.EventID),
		DeliveredAt: time.Now(),
	}, nil
}

// Close drops the client. Requests in flight are cancelled through their
// contexts.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = nil
	return nil
}

func (a *Adapter) getClient() *mautrix.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}
