package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/aaronwang/bazaar/internal/auth"
	"github.com/aaronwang/bazaar/internal/store"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the postgres schema, indexes and change triggers",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "postgres" {
				return fmt.Errorf("migrate needs store.driver = postgres")
			}

			log.Info().Msg("Connecting to PostgreSQL...")
			pg, err := store.NewPostgresStore(cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pg.Close()

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := pg.InitSchema(ctx); err != nil {
				return err
			}
			log.Info().Msg("Database schema initialized")
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "Issue a development access token for a user id",
		ArgsUsage: "USER_ID",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Token lifetime",
				Value: 24 * time.Hour,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one USER_ID argument")
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			authn, err := auth.NewAuthenticator(cfg.Auth.JWTSecret)
			if err != nil {
				return err
			}
			token, err := authn.IssueToken(c.Args().First(), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}
