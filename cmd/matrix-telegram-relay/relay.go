// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-telegram-relay/pkg/config"
	"github.com/aiku/matrix-telegram-relay/pkg/matrix"
	"github.com/aiku/matrix-telegram-relay/pkg/mattermost"
	"github.com/aiku/matrix-telegram-relay/pkg/relay"
	"github.com/aiku/matrix-telegram-relay/pkg/store"
	"github.com/aiku/matrix-telegram-relay/pkg/telegram"
	"github.com/aiku/matrix-telegram-relay/pkg/telemetry"
)

const serviceName = "matrix-telegram-relay"

// errAllSidesStopped is returned when every session ended on its own,
// which only happens after authentication failures.
var errAllSidesStopped = errors.New("all relay sides stopped")

// buildAdapters creates the Matrix adapter and the configured second side.
func buildAdapters(cfg *config.Config, log zerolog.Logger) (relay.Adapter, relay.Adapter, error) {
	senders := make([]id.UserID, 0, len(cfg.Matrix.RelaySenders))
	for _, s := range cfg.Matrix.RelaySenders {
		senders = append(senders, id.UserID(s))
	}
	sideA := matrix.New(matrix.Config{
		Homeserver:   cfg.Matrix.Homeserver,
		UserID:       id.UserID(cfg.Matrix.UserID),
		AccessToken:  cfg.Matrix.AccessToken,
		RoomID:       id.RoomID(cfg.Matrix.RoomID),
		RelaySenders: senders,
		SyncTimeout:  cfg.Matrix.SyncTimeout,
	}, log)

	switch cfg.Network.Type {
	case config.NetworkTelegram:
		if err := telegram.SetLibraryLogger(log); err != nil {
			return nil, nil, fmt.Errorf("failed to set telegram library logger: %w", err)
		}
		return sideA, telegram.New(telegram.Config{
			Token:       cfg.Telegram.BotToken,
			APIEndpoint: cfg.Telegram.APIEndpoint,
			ChatID:      cfg.Telegram.ChatID,
			PrivateOnly: cfg.Telegram.PrivateOnly,
			PollTimeout: cfg.Telegram.PollTimeout,
			RateLimit:   cfg.Telegram.RateLimit,
		}, log), nil
	case config.NetworkMattermost:
		return sideA, mattermost.New(mattermost.Config{
			ServerURL:       cfg.Mattermost.ServerURL,
			Token:           cfg.Mattermost.Token,
			ChannelID:       cfg.Mattermost.ChannelID,
			BotPrefix:       cfg.Mattermost.BotPrefix,
			CatchupPageSize: cfg.Mattermost.CatchupPageSize,
		}, log), nil
	default:
		return nil, nil, fmt.Errorf("unknown network type %q", cfg.Network.Type)
	}
}

// targets maps each side to the chat messages for it are sent to.
func targets(cfg *config.Config, sideA, sideB relay.Adapter) map[relay.Side]relay.Target {
	chatB := cfg.Mattermost.ChannelID
	if cfg.Network.Type == config.NetworkTelegram {
		chatB = strconv.FormatInt(cfg.Telegram.ChatID, 10)
	}
	return map[relay.Side]relay.Target{
		relay.SideA: {Name: sideA.Name(), ChatID: cfg.Matrix.RoomID, MaxLength: maxLength(sideA)},
		relay.SideB: {Name: sideB.Name(), ChatID: chatB, MaxLength: maxLength(sideB)},
	}
}

func maxLength(a relay.Adapter) int {
	if p, ok := a.(relay.MessageLengthProvider); ok {
		return p.MaxMessageLength()
	}
	return 0
}

// run wires the relay together and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, Tag)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	var stateStore relay.StateStore
	if cfg.State.Path != "" {
		db, err := store.Open(cfg.State.Path)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close state store")
			}
		}()
		stateStore = db
	} else {
		log.Warn().Msg("No state path configured, cursors will not survive a restart")
	}
	state := relay.NewRelayState(stateStore, cfg.Relay.RecentCapacity, cfg.Relay.RecentWindow)
	if err := state.Load(ctx); err != nil {
		return fmt.Errorf("failed to load relay state: %w", err)
	}

	sideA, sideB, err := buildAdapters(cfg, log)
	if err != nil {
		return err
	}
	guard := relay.NewLoopGuard(state, map[relay.Side]string{relay.SideA: cfg.Matrix.UserID})

	var engine *relay.Engine
	retrier := relay.NewRetrier(
		map[relay.Side]relay.Sender{relay.SideA: sideA, relay.SideB: sideB},
		guard,
		relay.RetrierConfig{
			Policy: relay.BackoffPolicy{
				Base:        cfg.Delivery.BaseDelay,
				Max:         cfg.Delivery.MaxDelay,
				Jitter:      cfg.Delivery.Jitter,
				MaxAttempts: cfg.Delivery.MaxAttempts,
			},
			Concurrency:       cfg.Delivery.Concurrency,
			SendTimeout:       cfg.Delivery.SendTimeout,
			DeliveredCapacity: cfg.Delivery.DeliveredCapacity,
			OnDeadLetter: func(dl relay.DeadLetter) {
				engine.ReportDeadLetter(dl)
			},
		},
		log,
	)
	engine = relay.NewEngine(guard, retrier, relay.EngineConfig{
		Targets:      targets(cfg, sideA, sideB),
		SenderPrefix: cfg.SenderPrefix(),
		QueueSize:    cfg.Relay.QueueSize,
	}, log)
	supervisor := relay.NewSupervisor(
		[]relay.Adapter{sideA, sideB},
		state,
		guard,
		engine,
		retrier,
		relay.SupervisorConfig{
			Policy: relay.BackoffPolicy{
				Base:   cfg.Reconnect.BaseDelay,
				Max:    cfg.Reconnect.MaxDelay,
				Jitter: cfg.Reconnect.Jitter,
			},
			ConnectTimeout: cfg.Reconnect.ConnectTimeout,
			OnAuthFailure: func(side relay.Side, err error) {
				log.Error().Err(err).Stringer("side", side).
					Msg("Credentials rejected, relaying from this side is stopped until restart")
			},
		},
		log,
	)

	g, gctx := errgroup.WithContext(ctx)
	// The relay core outlives intake so it drains everything the
	// supervisor enqueued before stopping.
	engineCtx, stopEngine := context.WithCancel(context.WithoutCancel(gctx))
	defer stopEngine()
	g.Go(func() error {
		return engine.Run(engineCtx)
	})
	g.Go(func() error {
		defer stopEngine()
		if err := supervisor.Run(gctx); err != nil {
			return err
		}
		if gctx.Err() == nil {
			return errAllSidesStopped
		}
		return nil
	})
	if cfg.Admin.Listen != "" {
		srv := newAdminServer(cfg.Admin.Listen, supervisor, log)
		g.Go(func() error {
			log.Info().Str("listen", cfg.Admin.Listen).Msg("Serving status endpoint")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		})
	}
	runErr := g.Wait()

	log.Info().Dur("grace", cfg.ShutdownTimeout).Msg("Draining pending deliveries")
	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := retrier.Shutdown(graceCtx); err != nil {
		stats := retrier.Stats()
		log.Warn().Err(err).Int("pending", stats.Pending).Msg("Abandoned pending deliveries")
	}
	if err := state.Flush(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to persist relay state")
	}
	return runErr
}

func newAdminServer(addr string, supervisor *relay.Supervisor, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", supervisor.HandleStatus)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return log.WithContext(context.Background())
		},
	}
}
