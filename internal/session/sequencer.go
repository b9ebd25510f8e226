// Package session owns the canonical session state and the stage
// sequencing state machine that drives it.
package session

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enspurna/enspurna/internal/protocol"
	"github.com/enspurna/enspurna/internal/sampler"
)

// Transport is the slice of the server-role peer transport the
// sequencer needs: snapshot fan-out, unicast replies, and the per-peer
// authentication flag.
type Transport interface {
	Broadcast(msg protocol.Message)
	SendToPeer(peerID string, msg protocol.Message)
	IsAuthenticated(peerID string) bool
	MarkAuthenticated(peerID string)
}

// LightControl commands the external light. Implementations must not
// block: the toggle is fire-and-forget and its failure never holds up a
// stage transition.
type LightControl interface {
	Toggle(on bool)
}

const tickInterval = time.Second

// Sequencer is the stage state machine. There is exactly one per
// controller process; all mutation happens through its methods and each
// mutation is followed by a full-state broadcast.
type Sequencer struct {
	sampler *sampler.Sampler
	light   LightControl

	mu        sync.Mutex
	transport Transport
	state     protocol.SessionState
	now       func() time.Time

	// gateMin and gateMax cache the sampled thresholds for the
	// range-then-gate stage, in seconds since stage entry.
	gateMin float64
	gateMax float64

	// stageGen invalidates blanking toggle timers armed for a previous
	// stage. Incremented on every stage entry, re-init and stop.
	stageGen uint64

	closed chan struct{}
	once   sync.Once
}

// New creates a sequencer with default stage parameters and a freshly
// initialized (awaiting-start) session.
func New(smp *sampler.Sampler, light LightControl) *Sequencer {
	s := &Sequencer{
		sampler: smp,
		light:   light,
		now:     time.Now,
		closed:  make(chan struct{}),
	}
	s.mu.Lock()
	s.enterInitLocked()
	s.mu.Unlock()
	return s
}

// SetTransport injects the peer transport after construction (the
// transport's message handler needs the sequencer first).
func (s *Sequencer) SetTransport(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

// SetClock replaces the time source. Test hook: lets ticks be driven
// against simulated time.
func (s *Sequencer) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Run drives the 1-second tick loop until ctx is cancelled or Close is
// called.
func (s *Sequencer) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Close stops the tick loop and any armed blanking toggle. Idempotent.
func (s *Sequencer) Close() {
	s.once.Do(func() { close(s.closed) })
	s.mu.Lock()
	s.stageGen++
	s.mu.Unlock()
}

// Snapshot returns a copy of the current session state, including the
// admin password (the password is stripped from wire payloads, not from
// local reads).
func (s *Sequencer) Snapshot() protocol.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// EnterInit resets the session to awaiting-start with a new 4-digit
// admin password and default stage positioning. Any armed timers for
// the previous session are invalidated.
func (s *Sequencer) EnterInit() {
	s.mu.Lock()
	s.enterInitLocked()
	snap := s.state.Clone()
	t := s.transport
	s.mu.Unlock()

	log.Info().Msg("session re-initialized")
	s.light.Toggle(false)
	broadcastState(t, snap)
}

func (s *Sequencer) enterInitLocked() {
	params := s.state.StageParameters
	if params == nil {
		params = DefaultParameters()
	}
	s.stageGen++
	s.state = protocol.SessionState{
		Status:          protocol.StatusAwaitingStart,
		CurrentStage:    StagePrepare,
		LoopIteration:   0,
		StageParameters: params,
		AdminPassword:   generatePassword(),
	}
}

// StartSequence begins the sequence from awaiting-start. Requesting a
// start is not privileged; any participant may do it. No-op in any
// other status.
func (s *Sequencer) StartSequence() {
	s.mu.Lock()
	if s.state.Status != protocol.StatusAwaitingStart {
		s.mu.Unlock()
		return
	}
	s.state.Status = protocol.StatusRunning
	lightOn := s.enterStageLocked(StagePrepare)
	snap := s.state.Clone()
	t := s.transport
	s.mu.Unlock()

	log.Info().Msg("sequence started")
	s.light.Toggle(lightOn)
	broadcastState(t, snap)
}

// Stop halts the sequence and turns the light off. Re-initialization
// (EnterInit) is the only way back to a startable session.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	if s.state.Status != protocol.StatusRunning {
		s.mu.Unlock()
		return
	}
	s.stageGen++
	s.state.Status = protocol.StatusStopped
	s.state.LightOn = false
	snap := s.state.Clone()
	t := s.transport
	s.mu.Unlock()

	log.Info().Msg("sequence stopped")
	s.light.Toggle(false)
	broadcastState(t, snap)
}

// Tick recomputes the derived timing fields and applies forced
// advancement. It runs once per second while the sequence is running,
// and is exported so tests can drive it against a fake clock.
func (s *Sequencer) Tick() {
	s.mu.Lock()
	if s.state.Status != protocol.StatusRunning {
		s.mu.Unlock()
		return
	}

	elapsed := s.now().Sub(s.state.StageStartedAt).Seconds()
	remaining := s.state.StageDurationSeconds - elapsed
	if remaining < 0 {
		remaining = 0
	}
	s.state.StageElapsedSeconds = elapsed
	s.state.StageRemainingSeconds = remaining

	lightChanged := false
	lightOn := s.state.LightOn

	if s.state.CurrentStage == StageLightOn {
		// The gate opens once and stays open for the rest of the stage.
		if !s.state.AllowContinue && elapsed >= s.gateMin {
			s.state.AllowContinue = true
			log.Debug().Float64("elapsed", elapsed).Msg("continue gate opened")
		}
		if elapsed >= s.gateMax {
			lightOn = s.advanceLocked()
			lightChanged = true
		}
	}
	if !lightChanged && remaining <= 0 {
		lightOn = s.advanceLocked()
		lightChanged = true
	}

	snap := s.state.Clone()
	t := s.transport
	s.mu.Unlock()

	if lightChanged {
		s.light.Toggle(lightOn)
	}
	broadcastState(t, snap)
}

// ContinueStage advances past the range-then-gate stage at a
// participant's request. Valid only while that stage is running and its
// minimum threshold has elapsed; otherwise it is a stale-UI request and
// is silently ignored.
func (s *Sequencer) ContinueStage() {
	s.mu.Lock()
	if s.state.Status != protocol.StatusRunning ||
		s.state.CurrentStage != StageLightOn ||
		!s.state.AllowContinue {
		s.mu.Unlock()
		return
	}
	lightOn := s.advanceLocked()
	snap := s.state.Clone()
	t := s.transport
	s.mu.Unlock()

	log.Info().Msg("stage advanced by participant")
	s.light.Toggle(lightOn)
	broadcastState(t, snap)
}

// GoToStage forces an immediate transition to the named stage,
// bypassing normal sequencing. Callers are responsible for the admin
// authorization check. No-op for unknown stages or when the sequence is
// not running.
func (s *Sequencer) GoToStage(id protocol.StageID) {
	if _, ok := StageByID(id); !ok {
		return
	}
	s.mu.Lock()
	if s.state.Status != protocol.StatusRunning {
		s.mu.Unlock()
		return
	}
	lightOn := s.enterStageLocked(id)
	snap := s.state.Clone()
	t := s.transport
	s.mu.Unlock()

	log.Info().Str("stage", string(id)).Msg("stage forced by admin")
	s.light.Toggle(lightOn)
	broadcastState(t, snap)
}

// HandleAction dispatches a client-action received from a peer,
// applying the password gate to privileged actions.
func (s *Sequencer) HandleAction(peerID string, action protocol.ClientAction) {
	switch action.Type {
	case protocol.ActionRequestStart:
		s.StartSequence()

	case protocol.ActionRequestContinue:
		s.ContinueStage()

	case protocol.ActionRequestStageChange:
		if !s.verifyAdminPeer(peerID, action.Password) {
			log.Warn().Str("peer", peerID).Msg("stage change rejected: invalid password")
			s.sendToPeer(peerID, protocol.NewControlResponse(false, "invalid password"))
			return
		}
		s.GoToStage(action.Stage)
		s.sendToPeer(peerID, protocol.NewControlResponse(true, ""))

	default:
		log.Debug().Str("peer", peerID).Str("type", action.Type).Msg("ignoring unknown action")
	}
}

// verifyAdminPeer authorizes a privileged action. A peer that has
// authenticated once stays authenticated for the remainder of its
// connection; otherwise the supplied password must match the session's.
func (s *Sequencer) verifyAdminPeer(peerID, password string) bool {
	s.mu.Lock()
	t := s.transport
	expected := s.state.AdminPassword
	s.mu.Unlock()

	if t == nil {
		return false
	}
	if t.IsAuthenticated(peerID) {
		return true
	}
	if password != "" && password == expected {
		t.MarkAuthenticated(peerID)
		return true
	}
	return false
}

// SendStateTo unicasts the current snapshot to one peer. Used when a
// peer's hello arrives so late joiners see current state and config.
func (s *Sequencer) SendStateTo(peerID string) {
	s.mu.Lock()
	snap := s.state.Clone()
	t := s.transport
	s.mu.Unlock()

	if t != nil {
		t.SendToPeer(peerID, protocol.NewStateUpdate(snap))
	}
}

// UpdateParameters replaces the parameter set for one stage. The config
// surface owns the values; the sequencer only snapshots them into state
// so late joiners observe current configuration. Takes effect on the
// next entry into the stage.
func (s *Sequencer) UpdateParameters(id protocol.StageID, params map[string]string) {
	if _, ok := StageByID(id); !ok {
		return
	}
	s.mu.Lock()
	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}
	s.state.StageParameters[id] = copied
	snap := s.state.Clone()
	t := s.transport
	s.mu.Unlock()

	broadcastState(t, snap)
}

// advanceLocked moves to the next stage in sequence. Returns the light
// state commanded by the new stage; the caller issues the toggle after
// releasing the lock.
func (s *Sequencer) advanceLocked() bool {
	return s.enterStageLocked(NextStage(s.state.CurrentStage))
}

// enterStageLocked applies all entry side effects for a stage: sampling
// a fresh duration, resetting the continue gate, arming or disarming
// the blanking toggle, and maintaining the loop counter.
func (s *Sequencer) enterStageLocked(id protocol.StageID) (lightOn bool) {
	from := s.state.CurrentStage
	st, _ := StageByID(id)
	params := s.state.StageParameters[id]

	s.stageGen++
	gen := s.stageGen

	s.state.CurrentStage = id
	s.state.StageStartedAt = s.now()
	s.state.StageElapsedSeconds = 0
	s.state.AllowContinue = false

	switch st.Behavior {
	case BehaviorRangeGate:
		s.gateMin = s.sampler.Sample(params[ParamMin], paramUnit(id, ParamMin))
		s.gateMax = s.sampler.Sample(params[ParamMax], paramUnit(id, ParamMax))
		if s.gateMax < s.gateMin {
			s.gateMax = s.gateMin
		}
		s.state.StageDurationSeconds = s.gateMax
		lightOn = true

	case BehaviorForceOn:
		s.state.StageDurationSeconds = s.sampler.Sample(params[ParamDuration], paramUnit(id, ParamDuration))
		lightOn = true

	case BehaviorAlternating:
		s.state.StageDurationSeconds = s.sampler.Sample(params[ParamDuration], paramUnit(id, ParamDuration))
		lightOn = false
		go s.runBlankingToggle(gen, id)

	default: // BehaviorForceOff
		s.state.StageDurationSeconds = s.sampler.Sample(params[ParamDuration], paramUnit(id, ParamDuration))
		lightOn = false
	}

	s.state.StageRemainingSeconds = s.state.StageDurationSeconds
	s.state.LightOn = lightOn

	if id == StagePrepare {
		s.state.LoopIteration = 0
	}
	if id == StageBlanking1 && (from == StagePrepare || from == StageRest) {
		s.state.LoopIteration++
	}

	log.Info().
		Str("stage", string(id)).
		Float64("duration_s", s.state.StageDurationSeconds).
		Int("loop", s.state.LoopIteration).
		Msg("entered stage")

	return lightOn
}

// runBlankingToggle alternates the light while a blanking stage is
// active. Each flip samples a fresh wait from the parameter that
// matches the state being entered. The generation check retires the
// loop the instant the stage changes.
func (s *Sequencer) runBlankingToggle(gen uint64, id protocol.StageID) {
	on := false
	for {
		s.mu.Lock()
		if s.stageGen != gen {
			s.mu.Unlock()
			return
		}
		params := s.state.StageParameters[id]
		key := ParamLightOffWait
		if on {
			key = ParamLightOnWait
		}
		wait := s.sampler.Sample(params[key], paramUnit(id, key))
		s.mu.Unlock()

		timer := time.NewTimer(time.Duration(wait * float64(time.Second)))
		select {
		case <-s.closed:
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		if s.stageGen != gen {
			s.mu.Unlock()
			return
		}
		on = !on
		s.state.LightOn = on
		snap := s.state.Clone()
		t := s.transport
		s.mu.Unlock()

		s.light.Toggle(on)
		broadcastState(t, snap)
	}
}

func (s *Sequencer) sendToPeer(peerID string, msg protocol.Message) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t != nil {
		t.SendToPeer(peerID, msg)
	}
}

func broadcastState(t Transport, snap protocol.SessionState) {
	if t != nil {
		t.Broadcast(protocol.NewStateUpdate(snap))
	}
}

// generatePassword returns a 4-digit numeric credential. Session-scoped
// secrecy only; it is compared, not hashed.
func generatePassword() string {
	n, err := crand.Int(crand.Reader, big.NewInt(10000))
	if err != nil {
		// crypto/rand only fails if the OS entropy source is broken.
		return "0000"
	}
	return fmt.Sprintf("%04d", n.Int64())
}
