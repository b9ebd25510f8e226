// Package controller wires the server-role pieces together: the peer
// transport, the stage sequencer, the handshake relay and the settings
// store. It translates inbound peer messages into sequencer calls and
// drives the offer/answer rotation for relayed joins.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/enspurna/enspurna/internal/protocol"
	"github.com/enspurna/enspurna/internal/relay"
	"github.com/enspurna/enspurna/internal/session"
	"github.com/enspurna/enspurna/internal/storage/kv"
	"github.com/enspurna/enspurna/internal/webrtc"
)

const settingsKey = "stage_parameters"

// Controller is the server-role session orchestrator.
type Controller struct {
	transport *webrtc.Server
	seq       *session.Sequencer
	relayCfg  relay.Config
	settings  kv.Bucket

	mu            sync.Mutex
	relayClient   *relay.Client
	relayCancel   context.CancelFunc
	pendingPeerID string // peer slot currently advertised through the relay
}

// New wires a controller. The settings bucket may be nil, in which case
// parameter changes are not persisted.
func New(transport *webrtc.Server, seq *session.Sequencer, relayCfg relay.Config, settings kv.Bucket) *Controller {
	c := &Controller{
		transport: transport,
		seq:       seq,
		relayCfg:  relayCfg,
		settings:  settings,
	}

	seq.SetTransport(transport)

	transport.SetOnMessage(c.handleMessage)
	transport.SetOnPeerConnected(func(peerID string) {
		log.Info().Str("peer", peerID).Msg("participant connected")
	})
	transport.SetOnPeerDisconnected(func(peerID string) {
		log.Info().Str("peer", peerID).Msg("participant disconnected")
	})

	c.loadStageParameters()
	return c
}

// Run drives the sequencer tick loop. Blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.seq.Run(ctx)
}

// Snapshot exposes the current session state, including the admin
// password, for the local presentation layer.
func (c *Controller) Snapshot() protocol.SessionState {
	return c.seq.Snapshot()
}

// handleMessage is the single inbound dispatch point for peer traffic.
func (c *Controller) handleMessage(peerID string, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindHello:
		// Late joiners get the full snapshot right away.
		c.seq.SendStateTo(peerID)
	case protocol.KindClientAction:
		c.seq.HandleAction(peerID, *msg.Action)
	default:
		log.Debug().Str("peer", peerID).Str("kind", msg.Kind).Msg("ignoring message")
	}
}

// CreateOffer produces an offer for the manual copy/paste path.
func (c *Controller) CreateOffer(ctx context.Context) (peerID string, payload []byte, err error) {
	return c.transport.CreateOffer(ctx)
}

// AcceptAnswer completes a manual handshake.
func (c *Controller) AcceptAnswer(peerID string, payload []byte) error {
	return c.transport.AcceptAnswer(peerID, payload)
}

// StartRelayHandshake publishes an offer to a fresh relay room and
// polls for answers. Each accepted answer rotates in a new offer/peer
// pair for the next participant. Returns the room identifier to share
// out-of-band. No-op (returning the current room) if already active.
func (c *Controller) StartRelayHandshake(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.relayClient != nil {
		room := c.relayClient.Room()
		c.mu.Unlock()
		return room, nil
	}
	c.mu.Unlock()

	rc := relay.NewClient(c.relayCfg, relay.NewRoomID())
	pollCtx, cancel := context.WithCancel(ctx)

	if err := c.publishFreshOffer(pollCtx, rc); err != nil {
		cancel()
		return "", err
	}

	c.mu.Lock()
	c.relayClient = rc
	c.relayCancel = cancel
	c.mu.Unlock()

	rc.StartAnswerPolling(pollCtx, func(payload []byte) {
		c.acceptRelayedAnswer(pollCtx, rc, payload)
	})

	log.Info().Str("room", rc.Room()).Msg("relay handshake started")
	return rc.Room(), nil
}

// StopRelayHandshake halts relay polling. Idempotent.
func (c *Controller) StopRelayHandshake() {
	c.mu.Lock()
	rc := c.relayClient
	cancel := c.relayCancel
	c.relayClient = nil
	c.relayCancel = nil
	c.pendingPeerID = ""
	c.mu.Unlock()

	if rc != nil {
		rc.StopPolling()
	}
	if cancel != nil {
		cancel()
	}
}

// ReInit resets the session: new password, discarded in-flight offers,
// stopped relay polling. The next StartRelayHandshake uses a fresh
// room.
func (c *Controller) ReInit() {
	c.StopRelayHandshake()
	c.transport.DiscardPendingOffers()
	c.seq.EnterInit()
}

// Stop halts the running sequence.
func (c *Controller) Stop() {
	c.seq.Stop()
}

// Close releases the transport and sequencer.
func (c *Controller) Close() {
	c.StopRelayHandshake()
	c.seq.Close()
	c.transport.Close()
}

// acceptRelayedAnswer runs on the relay poll goroutine. The pending
// peer may have been discarded by a re-init while the poll round-trip
// was in flight, so the precondition is re-checked before accepting.
func (c *Controller) acceptRelayedAnswer(ctx context.Context, rc *relay.Client, payload []byte) {
	c.mu.Lock()
	peerID := c.pendingPeerID
	active := c.relayClient == rc
	c.mu.Unlock()

	if !active || peerID == "" {
		log.Debug().Msg("relayed answer ignored: handshake no longer active")
		return
	}

	if err := c.transport.AcceptAnswer(peerID, payload); err != nil {
		if errors.Is(err, webrtc.ErrUnknownPeer) {
			log.Warn().Str("peer", peerID).Msg("pending offer expired before answer arrived")
		} else {
			log.Warn().Err(err).Str("peer", peerID).Msg("relayed answer rejected")
		}
	}

	// Either way that offer is spent: advertise a fresh one for the
	// next participant.
	if err := c.publishFreshOffer(ctx, rc); err != nil {
		log.Error().Err(err).Msg("publishing next offer failed, relay handshake suspended")
		c.StopRelayHandshake()
	}
}

func (c *Controller) publishFreshOffer(ctx context.Context, rc *relay.Client) error {
	peerID, payload, err := c.transport.CreateOffer(ctx)
	if err != nil {
		return err
	}

	if err := rc.PublishOffer(ctx, payload); err != nil {
		return err
	}

	c.mu.Lock()
	c.pendingPeerID = peerID
	c.mu.Unlock()

	log.Info().Str("peer", peerID).Str("room", rc.Room()).Msg("offer published to relay")
	return nil
}

// SetStageParameters updates one stage's parameters and persists the
// full parameter map.
func (c *Controller) SetStageParameters(stage protocol.StageID, params map[string]string) {
	c.seq.UpdateParameters(stage, params)
	c.persistStageParameters()
}

func (c *Controller) loadStageParameters() {
	if c.settings == nil {
		return
	}
	raw, ok, err := c.settings.Get(settingsKey)
	if err != nil {
		log.Warn().Err(err).Msg("loading stage parameters failed")
		return
	}
	if !ok {
		return
	}

	var params map[protocol.StageID]map[string]string
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		log.Warn().Err(err).Msg("stored stage parameters unreadable, using defaults")
		return
	}
	for stage, p := range params {
		c.seq.UpdateParameters(stage, p)
	}
	log.Info().Int("stages", len(params)).Msg("stage parameters restored")
}

func (c *Controller) persistStageParameters() {
	if c.settings == nil {
		return
	}
	snap := c.seq.Snapshot()
	data, err := json.Marshal(snap.StageParameters)
	if err != nil {
		log.Warn().Err(err).Msg("encoding stage parameters failed")
		return
	}
	if err := c.settings.Store(settingsKey, string(data)); err != nil {
		log.Warn().Err(err).Msg("persisting stage parameters failed")
	}
}
