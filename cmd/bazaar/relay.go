package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/aaronwang/bazaar/internal/feed"
)

func relayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "Forward postgres row-change notifications to the NATS or Redis feed",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "retain",
				Usage: "Keep relayed changes in a JetStream stream for this long (nats only, 0 disables)",
				Value: 24 * time.Hour,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "postgres" {
				return fmt.Errorf("relay needs store.driver = postgres")
			}
			if cfg.Feed.Transport == "memory" {
				return fmt.Errorf("relay needs a networked feed transport (nats or redis)")
			}

			bus, err := openBus(cfg)
			if err != nil {
				return err
			}
			defer bus.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if nb, ok := bus.(*feed.NATSBus); ok && c.Duration("retain") > 0 {
				if err := nb.EnsureStream(ctx, c.Duration("retain")); err != nil {
					return err
				}
			}

			go func() {
				quit := make(chan os.Signal, 1)
				signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
				<-quit
				log.Info().Msg("Shutting down relay...")
				cancel()
			}()

			log.Info().Str("channel", feed.NotifyChannel).Str("feed", cfg.Feed.Transport).Msg("Starting row-change relay")
			if err := feed.NewPGRelay(cfg.Database.URL, bus).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info().Msg("Relay stopped gracefully")
			return nil
		},
	}
}
