// Copyright 2024-2026 Aiku AI

// Package config loads the relay configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"text/template"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	NetworkTelegram   = "telegram"
	NetworkMattermost = "mattermost"
)

// Config is the root configuration.
type Config struct {
	Matrix          MatrixConfig      `yaml:"matrix"`
	Network         NetworkConfig     `yaml:"network"`
	Telegram        TelegramConfig    `yaml:"telegram"`
	Mattermost      MattermostConfig  `yaml:"mattermost"`
	Relay           RelayConfig       `yaml:"relay"`
	Delivery        DeliveryConfig    `yaml:"delivery"`
	Reconnect       ReconnectConfig   `yaml:"reconnect"`
	State           StateConfig       `yaml:"state"`
	Admin           AdminConfig       `yaml:"admin"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout" env:"RELAY_SHUTDOWN_TIMEOUT"`
	Logging         zeroconfig.Config `yaml:"logging"`

	senderPrefix *template.Template `yaml:"-"`
	upgraded     bool               `yaml:"-"`
}

type MatrixConfig struct {
	Homeserver   string        `yaml:"homeserver" env:"MATRIX_HOMESERVER"`
	UserID       string        `yaml:"user_id" env:"MATRIX_USER_ID"`
	AccessToken  string        `yaml:"access_token" env:"MATRIX_ACCESS_TOKEN"`
	RoomID       string        `yaml:"room_id" env:"MATRIX_ROOM_ID"`
	RelaySenders []string      `yaml:"relay_senders" env:"MATRIX_RELAY_SENDERS"`
	SyncTimeout  time.Duration `yaml:"sync_timeout"`
}

type NetworkConfig struct {
	Type string `yaml:"type" env:"RELAY_NETWORK"`
}

type TelegramConfig struct {
	APIEndpoint string        `yaml:"api_endpoint" env:"TELEGRAM_API_ENDPOINT"`
	BotToken    string        `yaml:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
	ChatID      int64         `yaml:"chat_id" env:"TELEGRAM_CHAT_ID"`
	PrivateOnly bool          `yaml:"private_only"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	RateLimit   float64       `yaml:"rate_limit"`
}

type MattermostConfig struct {
	ServerURL string `yaml:"server_url" env:"MATTERMOST_URL"`
	Token     string `yaml:"token" env:"MATTERMOST_TOKEN"`
	ChannelID string `yaml:"channel_id" env:"MATTERMOST_CHANNEL_ID"`
	// BotPrefix is a username prefix for echo prevention. Any Mattermost
	// username starting with this prefix is treated as a bridge-managed bot.
	BotPrefix       string `yaml:"bot_prefix"`
	CatchupPageSize int    `yaml:"catchup_page_size"`
}

type RelayConfig struct {
	SenderPrefix   string        `yaml:"sender_prefix"`
	QueueSize      int           `yaml:"queue_size"`
	RecentCapacity int           `yaml:"recent_capacity"`
	RecentWindow   time.Duration `yaml:"recent_window"`
}

type DeliveryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Jitter            time.Duration `yaml:"jitter"`
	Concurrency       int           `yaml:"concurrency"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	DeliveredCapacity int           `yaml:"delivered_capacity"`
}

type ReconnectConfig struct {
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Jitter         time.Duration `yaml:"jitter"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type StateConfig struct {
	Path string `yaml:"path" env:"RELAY_STATE_PATH"`
}

type AdminConfig struct {
	Listen string `yaml:"listen" env:"RELAY_ADMIN_LISTEN"`
}

// UnmarshalYAML fills in defaults for keys missing from the document.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	c.setDefaults()
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func (c *Config) setDefaults() {
	c.Matrix.SyncTimeout = 30 * time.Second
	c.Network.Type = NetworkTelegram
	c.Telegram.PrivateOnly = true
	c.Telegram.PollTimeout = 30 * time.Second
	c.Telegram.RateLimit = 1
	c.Mattermost.CatchupPageSize = 60
	c.Relay.QueueSize = 256
	c.Relay.RecentCapacity = 500
	c.Relay.RecentWindow = 5 * time.Minute
	c.Delivery = DeliveryConfig{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		Jitter:            time.Second,
		Concurrency:       8,
		SendTimeout:       30 * time.Second,
		DeliveredCapacity: 4096,
	}
	c.Reconnect = ReconnectConfig{
		BaseDelay:      time.Second,
		MaxDelay:       60 * time.Second,
		Jitter:         time.Second,
		ConnectTimeout: 30 * time.Second,
	}
	c.ShutdownTimeout = 5 * time.Second
}

// PostProcess compiles templates. It must be called after loading.
func (c *Config) PostProcess() error {
	c.senderPrefix = nil
	if c.Relay.SenderPrefix == "" {
		return nil
	}
	var err error
	c.senderPrefix, err = template.New("sender_prefix").Parse(c.Relay.SenderPrefix)
	if err != nil {
		return fmt.Errorf("invalid relay.sender_prefix: %w", err)
	}
	return nil
}

// SenderPrefix returns the compiled sender prefix template, or nil when
// prefixes are disabled.
func (c *Config) SenderPrefix() *template.Template {
	return c.senderPrefix
}

// Upgraded reports whether Load changed the file layout.
func (c *Config) Upgraded() bool {
	return c.upgraded
}

// Validate checks that the configuration describes a usable relay.
func (c *Config) Validate() error {
	var errs []error
	if c.Matrix.Homeserver == "" {
		errs = append(errs, errors.New("matrix.homeserver is required"))
	}
	if c.Matrix.UserID == "" {
		errs = append(errs, errors.New("matrix.user_id is required"))
	}
	if c.Matrix.AccessToken == "" {
		errs = append(errs, errors.New("matrix.access_token is required"))
	}
	if c.Matrix.RoomID == "" {
		errs = append(errs, errors.New("matrix.room_id is required"))
	}
	// The bridge identity is filtered as an echo, so listing it as a relayed
	// sender would silently drop that sender's messages.
	if c.Matrix.UserID != "" && slices.Contains(c.Matrix.RelaySenders, c.Matrix.UserID) {
		errs = append(errs, fmt.Errorf("matrix.relay_senders must not contain the bridge account %s", c.Matrix.UserID))
	}

	switch c.Network.Type {
	case NetworkTelegram:
		if c.Telegram.BotToken == "" {
			errs = append(errs, errors.New("telegram.bot_token is required"))
		}
		if c.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chat_id is required"))
		}
		if c.Telegram.RateLimit <= 0 {
			errs = append(errs, errors.New("telegram.rate_limit must be positive"))
		}
	case NetworkMattermost:
		if c.Mattermost.ServerURL == "" {
			errs = append(errs, errors.New("mattermost.server_url is required"))
		}
		if c.Mattermost.Token == "" {
			errs = append(errs, errors.New("mattermost.token is required"))
		}
		if c.Mattermost.ChannelID == "" {
			errs = append(errs, errors.New("mattermost.channel_id is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown network.type %q", c.Network.Type))
	}

	if c.Delivery.MaxAttempts < 1 {
		errs = append(errs, errors.New("delivery.max_attempts must be at least 1"))
	}
	if c.Delivery.BaseDelay <= 0 || c.Delivery.MaxDelay < c.Delivery.BaseDelay {
		errs = append(errs, errors.New("delivery.base_delay must be positive and not exceed delivery.max_delay"))
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		errs = append(errs, errors.New("reconnect.base_delay must be positive and not exceed reconnect.max_delay"))
	}
	return errors.Join(errs...)
}
