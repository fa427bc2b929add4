package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fiatjaf/eventstore/sqlite3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/notedeck/notedeck/internal/api"
	"github.com/notedeck/notedeck/internal/app"
	"github.com/notedeck/notedeck/internal/config"
	"github.com/notedeck/notedeck/internal/filter"
	"github.com/notedeck/notedeck/internal/pool"
	"github.com/notedeck/notedeck/internal/store"
	"github.com/notedeck/notedeck/internal/timeline"
)

// frameRate drives the cooperative core loop.
const frameRate = 50 * time.Millisecond

func main() {
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if err := cfg.EnsureDatapath(); err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare data directory")
	}

	log.Info().
		Str("datapath", cfg.Datapath).
		Str("dbpath", cfg.DBPath).
		Int("relays", len(cfg.Relays)).
		Msg("Starting notedeck core")

	backend := &sqlite3.SQLite3Backend{DatabaseURL: cfg.DBPath + "/events.db"}
	if err := backend.Init(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize event database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.NewWithBackend(ctx, backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load event store")
	}
	defer db.Close()

	relayPool := pool.NewRelayPool()
	relayPool.SetBootstrapping(cfg.Relays)

	a := app.New(db, relayPool)

	// open the default columns: home, plus a contacts feed per account
	if _, err := a.Timelines.Open(timeline.Home()); err != nil {
		log.Error().Err(err).Msg("Failed to open home timeline")
	}
	for _, key := range cfg.Keys {
		if _, err := a.Timelines.Open(timeline.Contacts(key)); err != nil {
			log.Error().Err(err).Str("pubkey", key).Msg("Failed to open contacts timeline")
		}
	}

	// keep the local home feed reconciled against each bootstrap relay
	homeFilter := filter.New(nostr.Filter{Kinds: []int{nostr.KindTextNote}})
	for _, relay := range relayPool.URLs() {
		a.AddSyncSession(relay, homeFilter)
	}

	if cfg.Debug {
		startDiagnostics(cfg, a)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(frameRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Frame()
		case <-quit:
			log.Info().Msg("Shutting down")
			return
		}
	}
}

// startDiagnostics serves the read-only debug endpoint.
func startDiagnostics(cfg *config.Config, a *app.App) {
	router := api.NewRouter(a)
	server := &http.Server{
		Addr:         cfg.DiagnosticsListen,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		log.Info().Str("address", cfg.DiagnosticsListen).Msg("Diagnostics endpoint listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Diagnostics server failed")
		}
	}()
}

func setupLogging() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Logger()

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
