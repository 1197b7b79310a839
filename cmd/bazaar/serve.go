package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/aaronwang/bazaar/internal/auth"
	"github.com/aaronwang/bazaar/internal/conversations"
	"github.com/aaronwang/bazaar/internal/feed"
	"github.com/aaronwang/bazaar/internal/handlers"
	"github.com/aaronwang/bazaar/internal/messaging"
	"github.com/aaronwang/bazaar/internal/notify"
	"github.com/aaronwang/bazaar/internal/offers"
	wsHandler "github.com/aaronwang/bazaar/internal/websocket"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP and websocket API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address, overrides server.addr",
			},
			&cli.BoolFlag{
				Name:  "relay",
				Usage: "Relay postgres row changes onto the feed in-process (default: only with the memory feed)",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.String("addr") != "" {
				cfg.Server.Addr = c.String("addr")
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is required (set BAZAAR_AUTH__JWT_SECRET)")
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			bus, err := openBus(cfg)
			if err != nil {
				return err
			}
			defer bus.Close()

			st, err := openStore(ctx, cfg, bus)
			if err != nil {
				return err
			}
			defer st.Close()

			if relayInProcess(cfg.Store.Driver, cfg.Feed.Transport, c.IsSet("relay"), c.Bool("relay")) {
				relay := feed.NewPGRelay(cfg.Database.URL, bus)
				go func() {
					if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						log.Error().Err(err).Msg("[relay] stopped")
					}
				}()
			} else if cfg.Store.Driver == "postgres" {
				log.Info().Str("feed", cfg.Feed.Transport).Msg("In-process relay off, expecting a separate `bazaar relay`")
			}

			journal, closeJournal, err := openJournal(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeJournal()

			authn, err := auth.NewAuthenticator(cfg.Auth.JWTSecret)
			if err != nil {
				return err
			}

			// Initialize services
			ledger := offers.NewLedger(st, journal, offers.WithLogger(log.Logger))
			directory := conversations.NewDirectory(st, conversations.WithLogger(log.Logger))
			messages := messaging.NewService(st, messaging.WithLogger(log.Logger))
			counter := notify.NewCounter(st, bus, notify.WithLogger(log.Logger))
			defer counter.Close()

			// Start WebSocket manager (handles connection lifecycle)
			manager := wsHandler.NewManager(wsHandler.WithLogger(log.Logger))
			go manager.Run(ctx)

			handler := handlers.NewHandler(st, ledger, directory, messages, authn, handlers.WithLogger(log.Logger))
			router := handler.SetupRoutes()
			wsHandler.NewHandler(manager, counter, ledger, directory, messages, bus).RegisterRoutes(router, authn)

			server := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      router,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Server.Addr).Str("store", cfg.Store.Driver).Str("feed", cfg.Feed.Transport).Msg("bazaar listening")
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			// Wait for interrupt signal for graceful shutdown
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-quit:
			case err := <-errCh:
				return fmt.Errorf("server error: %w", err)
			}

			log.Info().Msg("Shutting down server...")
			shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			defer stop()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Server forced to shutdown")
			}
			cancel()

			log.Info().Msg("Server stopped gracefully")
			return nil
		},
	}
}

// relayInProcess decides whether serve runs its own postgres relay. The memory
// feed is local to the process and always needs one. A shared nats or redis
// feed is normally fed by a single `bazaar relay` process, so serve only
// relays onto it when --relay is given.
func relayInProcess(driver, transport string, flagSet, flagValue bool) bool {
	if driver != "postgres" {
		return false
	}
	if flagSet {
		return flagValue
	}
	return transport == "memory"
}
