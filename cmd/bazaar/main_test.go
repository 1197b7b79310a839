package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronwang/bazaar/internal/auth"
	"github.com/aaronwang/bazaar/internal/feed"
	"github.com/aaronwang/bazaar/internal/offers"
	"github.com/aaronwang/bazaar/internal/store"
	"github.com/aaronwang/bazaar/shared/config"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestTokenCommand(t *testing.T) {
	chdirTemp(t)
	t.Setenv("BAZAAR_AUTH__JWT_SECRET", "cli-secret")

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run([]string{"bazaar", "token", "--ttl", "1h", "user-42"}))

	authn, err := auth.NewAuthenticator("cli-secret")
	require.NoError(t, err)
	sub, err := authn.ParseToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "user-42", sub)

	assert.Error(t, newApp().Run([]string{"bazaar", "token"}))
}

func TestMemoryWiring(t *testing.T) {
	chdirTemp(t)
	cfg, err := config.Load("")
	require.NoError(t, err)
	ctx := context.Background()

	bus, err := openBus(cfg)
	require.NoError(t, err)
	defer bus.Close()
	assert.IsType(t, &feed.Hub{}, bus)

	st, err := openStore(ctx, cfg, bus)
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, st)

	journal, cleanup, err := openJournal(ctx, cfg)
	require.NoError(t, err)
	defer cleanup()
	assert.IsType(t, &offers.MemoryJournal{}, journal)
}

func TestServeRequiresSecret(t *testing.T) {
	chdirTemp(t)
	err := newApp().Run([]string{"bazaar", "serve", "--addr", "127.0.0.1:0"})
	assert.ErrorContains(t, err, "jwt_secret")
}

func TestRelayAndMigrateNeedPostgres(t *testing.T) {
	chdirTemp(t)
	assert.ErrorContains(t, newApp().Run([]string{"bazaar", "relay"}), "postgres")
	assert.ErrorContains(t, newApp().Run([]string{"bazaar", "migrate"}), "postgres")
}

func TestRelayInProcessDefaults(t *testing.T) {
	tests := []struct {
		name      string
		driver    string
		transport string
		flagSet   bool
		flagValue bool
		want      bool
	}{
		{"memory store never relays", "memory", "memory", true, true, false},
		{"postgres with memory feed", "postgres", "memory", false, false, true},
		{"postgres with memory feed opted out", "postgres", "memory", true, false, false},
		{"shared nats feed defaults off", "postgres", "nats", false, false, false},
		{"shared redis feed defaults off", "postgres", "redis", false, false, false},
		{"shared nats feed opted in", "postgres", "nats", true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, relayInProcess(tt.driver, tt.transport, tt.flagSet, tt.flagValue))
		})
	}
}

func TestSetupLoggingFallsBackToInfo(t *testing.T) {
	cfg := &config.Config{}
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	cfg.Log.Level = "chatty"
	setupLogging(cfg)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	cfg.Log.Level = "DEBUG"
	cfg.Log.Pretty = true
	setupLogging(cfg)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
