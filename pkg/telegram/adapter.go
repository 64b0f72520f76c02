// Copyright 2024-2026 Aiku AI

// Package telegram is the relay adapter for a Telegram private chat, driven
// through the Bot API.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aiku/matrix-telegram-relay/pkg/matrixfmt"
	"github.com/aiku/matrix-telegram-relay/pkg/relay"
)

// MaxMessageLength is the Bot API limit for a message text, in characters.
const MaxMessageLength = 4096

const defaultPollGrace = 10 * time.Second

// Config holds the Bot API settings.
type Config struct {
	Token string
	// APIEndpoint is a format string taking the token and method name.
	// Defaults to the public Bot API.
	APIEndpoint string
	ChatID      int64
	// PrivateOnly drops messages from group chats even if the id matches.
	PrivateOnly bool
	PollTimeout time.Duration
	// RateLimit is the number of messages per second sent to one chat.
	RateLimit  float64
	HTTPClient *http.Client
}

// Adapter relays messages in one Telegram chat.
type Adapter struct {
	cfg Config
	log zerolog.Logger

	// pollGrace is added to the long-poll timeout to bound each
	// getUpdates request on the client side.
	pollGrace time.Duration

	mu       sync.Mutex
	bot      *tgbotapi.BotAPI
	offset   int
	limiters map[int64]*rate.Limiter
}

var (
	_ relay.Adapter               = (*Adapter)(nil)
	_ relay.SelfIdentifier        = (*Adapter)(nil)
	_ relay.MessageLengthProvider = (*Adapter)(nil)
)

// New creates a Telegram adapter. It does not connect.
func New(cfg Config, log zerolog.Logger) *Adapter {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Adapter{
		cfg:       cfg,
		log:       log.With().Str("adapter", "telegram").Logger(),
		pollGrace: defaultPollGrace,
		limiters:  make(map[int64]*rate.Limiter),
	}
}

func (a *Adapter) Name() string          { return "telegram" }
func (a *Adapter) Side() relay.Side      { return relay.SideB }
func (a *Adapter) MaxMessageLength() int { return MaxMessageLength }

// SelfID returns the bot's user id once connected.
func (a *Adapter) SelfID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot == nil {
		return ""
	}
	return strconv.FormatInt(a.bot.Self.ID, 10)
}

// Connect validates the token with getMe.
func (a *Adapter) Connect(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPIWithClient(a.cfg.Token, a.cfg.APIEndpoint, &contextClient{ctx: ctx, base: a.cfg.HTTPClient})
	if err != nil {
		if isAuthError(err) {
			return &relay.AuthError{Side: relay.SideB, Err: err}
		}
		return fmt.Errorf("getMe: %w", err)
	}
	bot.Client = a.cfg.HTTPClient

	a.mu.Lock()
	a.bot = bot
	a.mu.Unlock()
	a.log.Info().Str("username", bot.Self.UserName).Int64("bot_id", bot.Self.ID).Msg("Connected to Bot API")
	return nil
}

// Resume continues after the update id in cursor. Without a usable cursor
// the adapter skips everything already queued on the Bot API.
func (a *Adapter) Resume(ctx context.Context, cursor string) error {
	bot := a.getBot()
	if bot == nil {
		return errNotConnected
	}
	if cursor != "" {
		last, err := strconv.Atoi(cursor)
		if err == nil && last >= 0 {
			a.setOffset(last + 1)
			return nil
		}
		a.log.Warn().Str("cursor", cursor).Msg("Stored update id is invalid")
	}

	updates, err := withContext(ctx, bot).GetUpdates(tgbotapi.UpdateConfig{Offset: -1, Limit: 1})
	if err != nil {
		if isAuthError(err) {
			return &relay.AuthError{Side: relay.SideB, Err: err}
		}
		return fmt.Errorf("failed to find the newest update: %w", err)
	}
	offset := 0
	if len(updates) > 0 {
		offset = updates[len(updates)-1].UpdateID + 1
	}
	a.log.Warn().Int("offset", offset).Msg("No stored update position, starting from now; earlier messages are not relayed")
	a.setOffset(offset)
	return nil
}

// Listen long-polls getUpdates until ctx is cancelled or a request fails.
// Each update is emitted with its id as cursor. A poll that outlives its
// timeout plus pollGrace ends the session.
func (a *Adapter) Listen(ctx context.Context, events chan<- relay.RawEvent) error {
	bot := a.getBot()
	if bot == nil {
		return errNotConnected
	}
	a.mu.Lock()
	offset := a.offset
	a.mu.Unlock()

	for {
		pollCtx, cancel := context.WithTimeout(ctx, a.cfg.PollTimeout+a.pollGrace)
		updates, err := withContext(pollCtx, bot).GetUpdates(tgbotapi.UpdateConfig{
			Offset:         offset,
			Timeout:        int(a.cfg.PollTimeout / time.Second),
			AllowedUpdates: []string{"message"},
		})
		pollErr := pollCtx.Err()
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pollErr != nil {
				return fmt.Errorf("getUpdates got no answer within %s: %w", a.cfg.PollTimeout+a.pollGrace, pollErr)
			}
			if isAuthError(err) {
				return &relay.AuthError{Side: relay.SideB, Err: err}
			}
			return fmt.Errorf("getUpdates: %w", err)
		}
		for _, update := range updates {
			select {
			case events <- relay.RawEvent{Cursor: strconv.Itoa(update.UpdateID), Payload: update}:
			case <-ctx.Done():
				return ctx.Err()
			}
			offset = update.UpdateID + 1
		}
		a.setOffset(offset)
	}
}

// Send posts msg to the chat, as HTML when it carries formatting. If
// Telegram cannot parse the generated entities the plain body is sent
// instead.
func (a *Adapter) Send(ctx context.Context, msg relay.OutboundMessage) (relay.DeliveryReceipt, error) {
	bot := a.getBot()
	if bot == nil {
		return relay.DeliveryReceipt{}, relay.Transient(errNotConnected)
	}
	chatID := a.cfg.ChatID
	if msg.ChatID != "" {
		parsed, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			return relay.DeliveryReceipt{}, relay.Permanent(fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err))
		}
		chatID = parsed
	}
	if err := a.limiter(chatID).Wait(ctx); err != nil {
		return relay.DeliveryReceipt{}, relay.Transient(err)
	}

	sender := withContext(ctx, bot)
	out := tgbotapi.NewMessage(chatID, msg.Body)
	out.DisableWebPagePreview = true
	if html := matrixfmt.ToTelegramHTML(msg.HTML); html != "" {
		out.Text = html
		out.ParseMode = tgbotapi.ModeHTML
	}
	sent, err := sender.Send(out)
	if err != nil && out.ParseMode != "" && isEntityParseError(err) {
		a.log.Warn().Err(err).Str("correlation_id", msg.CorrelationID).Msg("Telegram rejected HTML, resending as plain text")
		out.Text = msg.Body
		out.ParseMode = ""
		sent, err = sender.Send(out)
	}
	if err != nil {
		return relay.DeliveryReceipt{}, classifySendError(err)
	}
	return relay.DeliveryReceipt{
		Side:        relay.SideB,
		MessageID:   strconv.Itoa(sent.MessageID),
		DeliveredAt: time.Now(),
	}, nil
}

// Close drops the bot. Polls in flight end with their context.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bot = nil
	return nil
}

func (a *Adapter) getBot() *tgbotapi.BotAPI {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bot
}

func (a *Adapter) setOffset(offset int) {
	a.mu.Lock()
	a.offset = offset
	a.mu.Unlock()
}

func (a *Adapter) limiter(chatID int64) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[chatID]
	if !ok {
		limit := rate.Inf
		if a.cfg.RateLimit > 0 {
			limit = rate.Limit(a.cfg.RateLimit)
		}
		l = rate.NewLimiter(limit, 1)
		a.limiters[chatID] = l
	}
	return l
}

// contextClient binds Bot API requests to a context, since the library's
// calls take none.
type contextClient struct {
	ctx  context.Context
	base tgbotapi.HTTPClient
}

func (c *contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.base.Do(req.WithContext(c.ctx))
}

// withContext returns a shallow copy of bot whose requests use ctx.
func withContext(ctx context.Context, bot *tgbotapi.BotAPI) *tgbotapi.BotAPI {
	bound := *bot
	bound.Client = &contextClient{ctx: ctx, base: bot.Client}
	return &bound
}

type botLogger struct {
	log zerolog.Logger
}

func (l botLogger) Println(v ...interface{}) {
	l.log.Debug().Msg(fmt.Sprint(v...))
}

func (l botLogger) Printf(format string, v ...interface{}) {
	l.log.Debug().Msgf(format, v...)
}

// SetLibraryLogger routes the Bot API library's own log output to log.
func SetLibraryLogger(log zerolog.Logger) error {
	return tgbotapi.SetLogger(botLogger{log: log.With().Str("component", "tgbotapi").Logger()})
}
