package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/enspurna/enspurna/internal/protocol"
)

// Client is the participant-side transport. It holds at most one
// outbound connection; preparing a new one tears down the previous one
// first.
type Client struct {
	cfg  Config
	role string

	mu sync.Mutex
	pc *pion.PeerConnection
	dc *pion.DataChannel

	// Single-subscriber event hooks.
	onMessage         func(msg protocol.Message)
	onChannelOpen     func()
	onChannelClose    func()
	onConnectionState func(state string)
}

// NewClient creates a client-role transport that will declare the given
// role in its hello.
func NewClient(cfg Config, role string) *Client {
	return &Client{cfg: cfg, role: role}
}

// SetOnMessage registers the handler for parsed inbound messages.
func (c *Client) SetOnMessage(fn func(msg protocol.Message)) {
	c.onMessage = fn
}

// SetOnChannelOpen registers the handler fired when the data channel
// opens (after the automatic hello is sent).
func (c *Client) SetOnChannelOpen(fn func()) {
	c.onChannelOpen = fn
}

// SetOnChannelClose registers the handler fired when the data channel
// closes.
func (c *Client) SetOnChannelClose(fn func()) {
	c.onChannelClose = fn
}

// SetOnConnectionState registers the handler for connection state
// changes, for the orchestration layer to render.
func (c *Client) SetOnConnectionState(fn func(state string)) {
	c.onConnectionState = fn
}

// Prepare consumes a remote offer and produces the complete local
// answer, waiting for candidate gathering under the configured bound.
// Any previously held connection is closed first.
func (c *Client) Prepare(ctx context.Context, offerPayload []byte) ([]byte, error) {
	var offer pion.SessionDescription
	if err := json.Unmarshal(offerPayload, &offer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOffer, err)
	}
	if offer.Type != pion.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("%w: expected offer description", ErrMalformedOffer)
	}

	c.Close()

	pc, err := pion.NewPeerConnection(c.cfg.peerConfiguration())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}

	pc.OnDataChannel(func(dc *pion.DataChannel) {
		c.mu.Lock()
		c.dc = dc
		c.mu.Unlock()

		dc.OnOpen(func() {
			log.Info().Str("label", dc.Label()).Msg("data channel opened")
			c.sendHello()
			if c.onChannelOpen != nil {
				c.onChannelOpen()
			}
		})
		dc.OnClose(func() {
			log.Info().Msg("data channel closed")
			if c.onChannelClose != nil {
				c.onChannelClose()
			}
		})
		dc.OnMessage(func(raw pion.DataChannelMessage) {
			msg, err := protocol.Decode(raw.Data)
			if err != nil {
				log.Warn().Err(err).Msg("dropping unparseable message")
				return
			}
			if c.onMessage != nil {
				c.onMessage(msg)
			}
		})
	})

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Debug().Str("state", state.String()).Msg("ICE connection state")
		if state == pion.ICEConnectionStateFailed {
			// ICE-level failure gets a restart attempt rather than a
			// teardown; only connection-level failure is terminal.
			c.attemptICERestart(pc)
		}
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Debug().Str("state", state.String()).Msg("peer connection state")
		if c.onConnectionState != nil {
			c.onConnectionState(state.String())
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("%w: %v", ErrMalformedOffer, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}

	gatherComplete := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(c.cfg.gatherTimeout()):
		pc.Close()
		return nil, ErrHandshakeTimeout
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	payload, err := marshalDescription(pc.LocalDescription())
	if err != nil {
		pc.Close()
		return nil, err
	}

	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()

	log.Info().Msg("answer prepared")
	return payload, nil
}

// Send transmits a message to the controller. Dropped with a log entry
// if the channel is not open.
func (c *Client) Send(msg protocol.Message) {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != pion.DataChannelStateOpen {
		log.Debug().Str("kind", msg.Kind).Msg("channel not open, message dropped")
		return
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Msg("encode message")
		return
	}
	if err := dc.SendText(string(data)); err != nil {
		log.Warn().Err(err).Msg("send failed")
	}
}

// Connected reports whether the data channel is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dc != nil && c.dc.ReadyState() == pion.DataChannelStateOpen
}

// Close tears down the current connection, if any. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	pc := c.pc
	c.pc = nil
	c.dc = nil
	c.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
}

func (c *Client) sendHello() {
	c.Send(protocol.NewHello(c.role))
}

// attemptICERestart kicks the local ICE agent into a restart offer.
// Without a live signaling path the renegotiation is best-effort; the
// connection state handler catches the terminal case.
func (c *Client) attemptICERestart(pc *pion.PeerConnection) {
	offer, err := pc.CreateOffer(&pion.OfferOptions{ICERestart: true})
	if err != nil {
		log.Warn().Err(err).Msg("ICE restart offer failed")
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		log.Warn().Err(err).Msg("ICE restart local description failed")
		return
	}
	log.Info().Msg("ICE restart initiated")
}
