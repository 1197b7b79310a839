package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/aaronwang/bazaar/internal/feed"
	"github.com/aaronwang/bazaar/internal/offers"
	"github.com/aaronwang/bazaar/internal/store"
	"github.com/aaronwang/bazaar/shared/config"
)

// workflowTTL bounds how long an accept journal outlives its last update
const workflowTTL = 7 * 24 * time.Hour

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "bazaar").Logger()
	}
}

// openBus connects the configured change feed transport
func openBus(cfg *config.Config) (feed.Bus, error) {
	switch cfg.Feed.Transport {
	case "nats":
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")
		bus, err := feed.NewNATSBus(cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		return bus, nil
	case "redis":
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Connecting to Redis...")
		bus, err := feed.NewRedisBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return bus, nil
	}
	return feed.NewHub(feed.WithHubLogger(log.Logger)), nil
}

// openStore returns the configured store. The memory store publishes its own
// changes to pub; the postgres store relies on its triggers and a relay.
func openStore(ctx context.Context, cfg *config.Config, pub feed.Publisher) (store.Store, error) {
	if cfg.Store.Driver != "postgres" {
		log.Warn().Msg("Using the in-memory store; data is lost on exit")
		return store.NewMemoryStore(pub), nil
	}

	log.Info().Msg("Connecting to PostgreSQL...")
	pg, err := store.NewPostgresStore(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := pg.InitSchema(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

// openJournal returns the accept workflow journal and a cleanup func
func openJournal(ctx context.Context, cfg *config.Config) (offers.Journal, func(), error) {
	if cfg.Journal.Driver != "redis" {
		return offers.NewMemoryJournal(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis journal: %w", err)
	}
	return offers.NewRedisJournal(client, workflowTTL), func() { client.Close() }, nil
}
