// Command enspurna runs the session controller: it owns the stage
// sequencer, accepts participant connections and drives the lighting
// sequence.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/enspurna/enspurna/internal/config"
	"github.com/enspurna/enspurna/internal/controller"
	"github.com/enspurna/enspurna/internal/light"
	"github.com/enspurna/enspurna/internal/logging"
	"github.com/enspurna/enspurna/internal/relay"
	"github.com/enspurna/enspurna/internal/sampler"
	"github.com/enspurna/enspurna/internal/session"
	"github.com/enspurna/enspurna/internal/storage/kv"
	"github.com/enspurna/enspurna/internal/webrtc"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	manual := flag.Bool("manual", false, "Exchange offer/answer by copy/paste instead of the relay")
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

	var settings kv.Bucket
	if cfg.Storage.Path != "" {
		store, err := kv.Open(cfg.Storage.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open settings store")
		}
		defer store.Close()
		settings = store.Bucket("settings")
	} else {
		settings = kv.NewMemoryBucket("settings")
	}

	seq := session.New(
		sampler.New(nil),
		light.NewClient(cfg.Light.Endpoint, cfg.Light.APIKey, cfg.Light.Timeout.Duration()),
	)
	transport := webrtc.NewServer(webrtc.Config{
		ICEServers:    cfg.Transport.ICEServers,
		GatherTimeout: cfg.Transport.GatherTimeout.Duration(),
	})
	ctrl := controller.New(transport, seq, relay.Config{
		BaseURL:      cfg.Relay.BaseURL,
		Prefix:       cfg.Relay.Prefix,
		PollInterval: cfg.Relay.PollInterval.Duration(),
		Timeout:      cfg.Relay.Timeout.Duration(),
	}, settings)
	defer ctrl.Close()

	snap := ctrl.Snapshot()
	fmt.Printf("admin password: %s\n", snap.AdminPassword)

	if *manual || cfg.Relay.BaseURL == "" {
		go manualHandshakeLoop(ctx, ctrl)
	} else {
		room, err := ctrl.StartRelayHandshake(ctx)
		if err != nil {
			log.Error().Err(err).Msg("relay unavailable, falling back to manual exchange")
			go manualHandshakeLoop(ctx, ctrl)
		} else {
			fmt.Printf("room: %s\n", room)
		}
	}

	ctrl.Run(ctx)
	ctrl.Stop()
}

// manualHandshakeLoop repeatedly creates an offer, prints it, and reads
// the pasted answer from stdin. One participant per round.
func manualHandshakeLoop(ctx context.Context, ctrl *controller.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for ctx.Err() == nil {
		peerID, payload, err := ctrl.CreateOffer(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to create offer")
			return
		}

		fmt.Printf("offer (share with participant):\n%s\n", base64.StdEncoding.EncodeToString(payload))
		fmt.Println("paste answer:")

		if !scanner.Scan() {
			return
		}
		answer, err := base64.StdEncoding.DecodeString(strings.TrimSpace(scanner.Text()))
		if err != nil {
			log.Error().Err(err).Msg("answer is not valid base64")
			continue
		}
		if err := ctrl.AcceptAnswer(peerID, answer); err != nil {
			log.Error().Err(err).Msg("answer rejected, generating a new offer")
			continue
		}
		log.Info().Str("peer", peerID).Msg("participant handshake complete")
	}
}
