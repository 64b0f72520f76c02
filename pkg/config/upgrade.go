// Copyright 2024-2026 Aiku AI

package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "matrix", "homeserver")
	helper.Copy(up.Str, "matrix", "user_id")
	helper.Copy(up.Str, "matrix", "access_token")
	helper.Copy(up.Str, "matrix", "room_id")
	helper.Copy(up.List, "matrix", "relay_senders")
	helper.Copy(up.Str, "matrix", "sync_timeout")

	helper.Copy(up.Str, "network", "type")

	helper.Copy(up.Str, "telegram", "api_endpoint")
	helper.Copy(up.Str, "telegram", "bot_token")
	helper.Copy(up.Int, "telegram", "chat_id")
	helper.Copy(up.Bool, "telegram", "private_only")
	helper.Copy(up.Str, "telegram", "poll_timeout")
	helper.Copy(up.Int|up.Float, "telegram", "rate_limit")

	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "mattermost", "channel_id")
	helper.Copy(up.Str, "mattermost", "bot_prefix")
	helper.Copy(up.Int, "mattermost", "catchup_page_size")

	helper.Copy(up.Str, "relay", "sender_prefix")
	helper.Copy(up.Int, "relay", "queue_size")
	helper.Copy(up.Int, "relay", "recent_capacity")
	helper.Copy(up.Str, "relay", "recent_window")

	helper.Copy(up.Int, "delivery", "max_attempts")
	helper.Copy(up.Str, "delivery", "base_delay")
	helper.Copy(up.Str, "delivery", "max_delay")
	helper.Copy(up.Str, "delivery", "jitter")
	helper.Copy(up.Int, "delivery", "concurrency")
	helper.Copy(up.Str, "delivery", "send_timeout")
	helper.Copy(up.Int, "delivery", "delivered_capacity")

	helper.Copy(up.Str, "reconnect", "base_delay")
	helper.Copy(up.Str, "reconnect", "max_delay")
	helper.Copy(up.Str, "reconnect", "jitter")
	helper.Copy(up.Str, "reconnect", "connect_timeout")

	helper.Copy(up.Str|up.Null, "state", "path")
	helper.Copy(up.Str|up.Null, "admin", "listen")
	helper.Copy(up.Str, "shutdown_timeout")

	helper.Copy(up.Map, "logging")
}

// Upgrader merges a user config into the current example config.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"network"},
		{"telegram"},
		{"mattermost"},
		{"relay"},
		{"delivery"},
		{"reconnect"},
		{"state"},
		{"admin"},
		{"shutdown_timeout"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// Load reads the config file at path, upgrades it against the example
// config (writing the result back when save is set), applies environment
// overrides and validates the result.
func Load(path string, save bool) (*Config, error) {
	data, upgraded, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.upgraded = upgraded
	return cfg, nil
}

// Parse decodes a YAML document, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("failed to post-process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
