// Package main is the entry point for the chat rewards engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chat-rewards-engine/internal/config"
	"chat-rewards-engine/internal/engine"
	"chat-rewards-engine/internal/gateway"
	"chat-rewards-engine/internal/gateway/memory"
	"chat-rewards-engine/internal/gateway/postgres"
	"chat-rewards-engine/internal/pkg/db"
	"chat-rewards-engine/internal/progression"
	"chat-rewards-engine/internal/rank"
	"chat-rewards-engine/internal/reward"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Configuration loaded successfully")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the storage gateway for the configured driver
	gw, cleanup, err := openGateway(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage gateway")
	}
	defer cleanup()

	eng := engine.New(gw, engine.Options{
		Progression: progression.Config{
			BaseXP:        cfg.Progression.BaseXP,
			XPMultiplier:  cfg.Progression.XPMultiplier,
			MaxXPPerEvent: cfg.Progression.MaxXPPerEvent,
			Cooldown:      cfg.Progression.Cooldown,
			ClockSkew:     cfg.Progression.ClockSkew,
			Curve: progression.Curve{
				BaseThreshold: cfg.Progression.BaseThreshold,
				Exponent:      cfg.Progression.Exponent,
			},
		},
		Rewards: reward.Config{
			LevelBonusBase:      cfg.Rewards.LevelBonusBase,
			RoleRewards:         cfg.Rewards.RoleRewards,
			RoleDefaultAmount:   cfg.Rewards.RoleDefaultAmount,
			Workers:             cfg.Rewards.Workers,
			QueueSize:           cfg.Rewards.QueueSize,
			RetryInitialBackoff: cfg.Rewards.RetryInitialBackoff,
			RetryMaxAttempts:    cfg.Rewards.RetryMaxAttempts,
		},
		RankOrder: rank.Order(cfg.Rank.Order),
		Retry: gateway.RetryPolicy{
			ConflictRetries: cfg.Storage.ConflictRetries,
			InitialBackoff:  cfg.Storage.RetryInitialBackoff,
			MaxAttempts:     cfg.Storage.RetryMaxAttempts,
			CommitTimeout:   cfg.Storage.CommitTimeout,
		},
		Shards:       cfg.Pipeline.Shards,
		QueueSize:    cfg.Pipeline.QueueSize,
		NoticeBuffer: cfg.Pipeline.NoticeBuffer,
	})

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	// Announce level-ups until the engine closes the stream
	go announceLevelUps(eng)

	// Setup graceful shutdown; SIGHUP snapshots without stopping
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			writeBackup(ctx, eng)
			continue
		}
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		break
	}

	eng.Stop()
	log.Info().Msg("Engine stopped gracefully")
}

// openGateway builds the gateway named by storage.driver and returns it with
// its cleanup function.
func openGateway(ctx context.Context, cfg *config.Config) (gateway.Gateway, func(), error) {
	switch cfg.Storage.Driver {
	case "memory":
		log.Info().Msg("Using in-memory storage, state will not survive restarts")
		return memory.New(), func() {}, nil

	case "postgres":
		dbPool, err := db.NewPool(ctx, &cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := postgres.Migrate(ctx, cfg.Database.DSN()); err != nil {
			dbPool.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return postgres.New(dbPool.Pool), dbPool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// announceLevelUps logs the outbound notice stream. An embedding platform
// replaces this consumer with its own announcer.
func announceLevelUps(eng *engine.Engine) {
	for notice := range eng.Notices() {
		log.Info().
			Str("user_id", notice.UserID).
			Int("old_level", notice.OldLevel).
			Int("new_level", notice.NewLevel).
			Msg("Level up")
	}
}

// writeBackup snapshots all users and ledger entries to a timestamped file
// in the working directory.
func writeBackup(ctx context.Context, eng *engine.Engine) {
	name := fmt.Sprintf("backup_%s.json", time.Now().Format("20060102_150405"))
	f, err := os.Create(name)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create backup file")
		return
	}
	defer f.Close()

	if err := eng.WriteBackup(ctx, f); err != nil {
		log.Error().Err(err).Str("file", name).Msg("Failed to write backup")
		return
	}
	log.Info().Str("file", name).Msg("Backup written")
}
