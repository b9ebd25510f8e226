// Command enspurna-join runs a participant: it connects to a
// controller (via the relay or by pasted offer/answer), renders state
// updates, and forwards user intents.
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
	"github.com/enspurna/enspurna/internal/logging"
	"github.com/enspurna/enspurna/internal/participant"
	"github.com/enspurna/enspurna/internal/protocol"
	"github.com/enspurna/enspurna/internal/relay"
	"github.com/enspurna/enspurna/internal/webrtc"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	room := flag.String("room", "", "Relay room to join (empty for manual paste)")
	admin := flag.Bool("admin", false, "Join as an admin participant")
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

	role := protocol.RoleClient
	if *admin {
		role = protocol.RoleAdmin
	}

	p := participant.New(webrtc.Config{
		ICEServers:    cfg.Transport.ICEServers,
		GatherTimeout: cfg.Transport.GatherTimeout.Duration(),
	}, role, relay.Config{
		BaseURL:      cfg.Relay.BaseURL,
		Prefix:       cfg.Relay.Prefix,
		PollInterval: cfg.Relay.PollInterval.Duration(),
		Timeout:      cfg.Relay.Timeout.Duration(),
	})
	defer p.Close()

	p.SetOnState(printState)
	p.SetOnControlResponse(func(resp protocol.ControlResponse) {
		if resp.Success {
			fmt.Println("request accepted")
		} else {
			fmt.Printf("request rejected: %s\n", resp.Message)
		}
	})
	p.SetOnChannelClose(func() {
		log.Warn().Msg("controller connection lost")
		cancel()
	})

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	if *room != "" {
		if err := p.JoinViaRelay(ctx, *room); err != nil {
			log.Fatal().Err(err).Msg("relay join failed")
		}
	} else {
		fmt.Println("paste offer:")
		if !scanner.Scan() {
			return
		}
		offer, err := base64.StdEncoding.DecodeString(strings.TrimSpace(scanner.Text()))
		if err != nil {
			log.Fatal().Err(err).Msg("offer is not valid base64")
		}
		answer, err := p.JoinWithOffer(ctx, offer)
		if err != nil {
			log.Fatal().Err(err).Msg("handshake failed")
		}
		fmt.Printf("answer (paste at controller):\n%s\n", base64.StdEncoding.EncodeToString(answer))
	}

	go commandLoop(ctx, cancel, p, scanner)
	<-ctx.Done()
}

func printState(s protocol.SessionState) {
	gate := ""
	if s.AllowContinue {
		gate = " [continue available]"
	}
	fmt.Printf("%s | stage=%s loop=%d light=%t remaining=%.0fs%s\n",
		s.Status, s.CurrentStage, s.LoopIteration, s.LightOn, s.StageRemainingSeconds, gate)
}

// commandLoop reads user intents from stdin:
//
//	start                      request sequence start
//	continue                   request advance past the gated stage
//	goto <stage> [password]    request a forced stage change
//	quit
func commandLoop(ctx context.Context, cancel context.CancelFunc, p *participant.Participant, scanner *bufio.Scanner) {
	for ctx.Err() == nil && scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "start":
			p.RequestStart()
		case "continue":
			p.RequestContinue()
		case "goto":
			if len(fields) < 2 {
				fmt.Println("usage: goto <stage> [password]")
				continue
			}
			password := ""
			if len(fields) > 2 {
				password = fields[2]
			}
			p.RequestStageChange(protocol.StageID(fields[1]), password)
		case "quit", "exit":
			cancel()
			return
		default:
			fmt.Println("commands: start | continue | goto <stage> [password] | quit")
		}
	}
}
