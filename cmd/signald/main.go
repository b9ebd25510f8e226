// Command signald runs the handshake relay: a small REST server that
// ferries offer and answer payloads between controllers and
// participants.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/enspurna/enspurna/internal/config"
	"github.com/enspurna/enspurna/internal/logging"
	"github.com/enspurna/enspurna/internal/relayserver"
	"github.com/enspurna/enspurna/internal/storage/kv"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.JSON, cfg.Log.Colors)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	var offers, answers kv.Bucket
	if cfg.RelayServer.Path != "" {
		store, err := kv.Open(cfg.RelayServer.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open relay store")
		}
		defer store.Close()
		offers = store.Bucket("offers")
		answers = store.Bucket("answers")
	} else {
		offers = kv.NewMemoryBucket("offers")
		answers = kv.NewMemoryBucket("answers")
	}

	handler := relayserver.New(cfg.RelayServer.Prefix, offers, answers)
	addr := fmt.Sprintf("%s:%d", cfg.RelayServer.Host, cfg.RelayServer.Port)
	server := relayserver.NewServer(addr, handler)

	if err := server.Run(ctx, cfg.ShutdownTimeout.Duration()); err != nil {
		log.Fatal().Err(err).Msg("relay server failed")
	}
}
