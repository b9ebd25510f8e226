// Package participant wires the client-role pieces together: the
// outbound peer transport and the handshake relay, exposing state
// snapshots and action senders to the presentation layer.
package participant

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/enspurna/enspurna/internal/protocol"
	"github.com/enspurna/enspurna/internal/relay"
	"github.com/enspurna/enspurna/internal/webrtc"
)

// Participant is the client-role session orchestrator.
type Participant struct {
	client   *webrtc.Client
	relayCfg relay.Config

	mu    sync.Mutex
	state *protocol.SessionState

	onState    func(state protocol.SessionState)
	onResponse func(resp protocol.ControlResponse)
}

// New creates a participant declaring the given role. Roles are
// protocol.RoleClient and protocol.RoleAdmin; the admin declaration
// only subjects privileged requests to the password check.
func New(transportCfg webrtc.Config, role string, relayCfg relay.Config) *Participant {
	p := &Participant{
		client:   webrtc.NewClient(transportCfg, role),
		relayCfg: relayCfg,
	}
	p.client.SetOnMessage(p.handleMessage)
	return p
}

// SetOnState registers the handler invoked on every received snapshot.
func (p *Participant) SetOnState(fn func(state protocol.SessionState)) {
	p.onState = fn
}

// SetOnControlResponse registers the handler for gated-action replies
// (password rejections in particular).
func (p *Participant) SetOnControlResponse(fn func(resp protocol.ControlResponse)) {
	p.onResponse = fn
}

// SetOnChannelClose registers the handler fired when the connection to
// the controller drops.
func (p *Participant) SetOnChannelClose(fn func()) {
	p.client.SetOnChannelClose(fn)
}

// JoinWithOffer consumes a pasted offer and returns the answer to paste
// back — the manual handshake path.
func (p *Participant) JoinWithOffer(ctx context.Context, offerPayload []byte) ([]byte, error) {
	return p.client.Prepare(ctx, offerPayload)
}

// JoinViaRelay fetches the offer from the relay room, prepares the
// answer and publishes it back — the automatic handshake path.
func (p *Participant) JoinViaRelay(ctx context.Context, room string) error {
	rc := relay.NewClient(p.relayCfg, room)

	offer, err := rc.FetchOffer(ctx)
	if err != nil {
		return err
	}

	answer, err := p.client.Prepare(ctx, offer)
	if err != nil {
		return err
	}

	if err := rc.PublishAnswer(ctx, answer); err != nil {
		return err
	}

	log.Info().Str("room", room).Msg("answer published, waiting for channel")
	return nil
}

// RequestStart asks the controller to begin the sequence.
func (p *Participant) RequestStart() {
	p.client.Send(protocol.NewAction(protocol.ClientAction{Type: protocol.ActionRequestStart}))
}

// RequestContinue asks to advance past the gated stage.
func (p *Participant) RequestContinue() {
	p.client.Send(protocol.NewAction(protocol.ClientAction{Type: protocol.ActionRequestContinue}))
}

// RequestStageChange asks for a forced stage transition. The password
// is only needed until the first successful authentication on this
// connection.
func (p *Participant) RequestStageChange(stage protocol.StageID, password string) {
	p.client.Send(protocol.NewAction(protocol.ClientAction{
		Type:     protocol.ActionRequestStageChange,
		Stage:    stage,
		Password: password,
	}))
}

// State returns the last received snapshot, if any.
func (p *Participant) State() (protocol.SessionState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return protocol.SessionState{}, false
	}
	return *p.state, true
}

// Connected reports whether the channel to the controller is open.
func (p *Participant) Connected() bool {
	return p.client.Connected()
}

// Close tears down the connection.
func (p *Participant) Close() {
	p.client.Close()
}

func (p *Participant) handleMessage(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindStateUpdate:
		p.mu.Lock()
		p.state = msg.State
		p.mu.Unlock()
		if p.onState != nil {
			p.onState(*msg.State)
		}
	case protocol.KindControlResponse:
		if !msg.Response.Success {
			log.Warn().Str("detail", msg.Response.Message).Msg("request rejected")
		}
		if p.onResponse != nil {
			p.onResponse(*msg.Response)
		}
	default:
		log.Debug().Str("kind", msg.Kind).Msg("ignoring message")
	}
}
