// Copyright 2024-2026 Aiku AI

// Command matrix-telegram-relay relays text messages between one Matrix
// room and one Telegram private chat, or a Mattermost channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/matrix-telegram-relay/pkg/config"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath         = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	dontSaveConfig     = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
	version            = flag.MakeFull("v", "version", "View relay version and quit.", "false").Bool()
	wantHelp, _        = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"matrix-telegram-relay - A Matrix to Telegram message relay.",
		"matrix-telegram-relay [-hnev] [-c <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("matrix-telegram-relay %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *writeExampleConfig {
		if err := writeExample(*configPath); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, !*dontSaveConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(log)
	if cfg.Upgraded() {
		log.Info().Str("path", *configPath).Msg("Config file was upgraded")
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Str("network", cfg.Network.Type).
		Msg("Starting relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(log.WithContext(ctx), cfg, *log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Relay stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Relay stopped")
}

func writeExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}
	return os.WriteFile(path, []byte(config.ExampleConfig), 0o600)
}
