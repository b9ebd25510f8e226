package session

import (
	"math/rand"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/enspurna/enspurna/internal/protocol"
	"github.com/enspurna/enspurna/internal/sampler"
)

// fakeClock lets tests drive the tick loop against simulated time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// mockTransport records broadcasts, unicasts and authentication flags.
type mockTransport struct {
	mu         sync.Mutex
	broadcasts []protocol.Message
	unicasts   map[string][]protocol.Message
	authed     map[string]bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		unicasts: make(map[string][]protocol.Message),
		authed:   make(map[string]bool),
	}
}

func (m *mockTransport) Broadcast(msg protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, msg)
}

func (m *mockTransport) SendToPeer(peerID string, msg protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unicasts[peerID] = append(m.unicasts[peerID], msg)
}

func (m *mockTransport) IsAuthenticated(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authed[peerID]
}

func (m *mockTransport) MarkAuthenticated(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authed[peerID] = true
}

func (m *mockTransport) unicastsFor(peerID string) []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Message, len(m.unicasts[peerID]))
	copy(out, m.unicasts[peerID])
	return out
}

func (m *mockTransport) broadcastCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.broadcasts)
}

// mockLight records commanded states.
type mockLight struct {
	mu     sync.Mutex
	states []bool
}

func (m *mockLight) Toggle(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, on)
}

func (m *mockLight) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

// testParams makes every stage deterministic: fixed durations, blanking
// toggle waits too long to fire during a test.
var testParams = map[protocol.StageID]map[string]string{
	StagePrepare:   {ParamDuration: "1"},
	StageBlanking1: {ParamDuration: "1", ParamLightOnWait: "3600", ParamLightOffWait: "3600"},
	StageBlanking2: {ParamDuration: "1", ParamLightOnWait: "3600", ParamLightOffWait: "3600"},
	StageLightOn:   {ParamMin: "2", ParamMax: "4"},
	StageRest:      {ParamDuration: "1"},
}

func newTestSequencer(t *testing.T) (*Sequencer, *mockTransport, *fakeClock, *mockLight) {
	t.Helper()

	clock := newFakeClock()
	lt := &mockLight{}
	mt := newMockTransport()

	seq := New(sampler.New(rand.New(rand.NewSource(42))), lt)
	seq.SetClock(clock.Now)
	seq.SetTransport(mt)
	t.Cleanup(seq.Close)

	for stage, params := range testParams {
		seq.UpdateParameters(stage, params)
	}
	return seq, mt, clock, lt
}

// advancePast simulates d of wall time in one-second ticks.
func advancePast(seq *Sequencer, clock *fakeClock, d time.Duration) {
	steps := int(d/time.Second) + 1
	for i := 0; i < steps; i++ {
		clock.Advance(time.Second)
		seq.Tick()
	}
}

func TestEnterInit_GeneratesFourDigitPassword(t *testing.T) {
	seq, _, _, _ := newTestSequencer(t)

	snap := seq.Snapshot()
	require.Regexp(t, regexp.MustCompile(`^\d{4}$`), snap.AdminPassword)
	require.Equal(t, protocol.StatusAwaitingStart, snap.Status)
	require.Equal(t, StagePrepare, snap.CurrentStage)
	require.Equal(t, 0, snap.LoopIteration)

	first := snap.AdminPassword
	seq.EnterInit()
	require.Regexp(t, regexp.MustCompile(`^\d{4}$`), seq.Snapshot().AdminPassword)
	// One in ten thousand chance of a false failure is fine to flag a
	// password that never rotates.
	if seq.Snapshot().AdminPassword == first {
		t.Logf("password repeated across re-init: %s", first)
	}
}

func TestStartSequence_EntersPrepare(t *testing.T) {
	seq, mt, _, lt := newTestSequencer(t)

	seq.StartSequence()

	snap := seq.Snapshot()
	require.Equal(t, protocol.StatusRunning, snap.Status)
	require.Equal(t, StagePrepare, snap.CurrentStage)
	require.Equal(t, float64(60), snap.StageDurationSeconds)
	require.False(t, snap.LightOn)
	require.Greater(t, mt.broadcastCount(), 0)
	require.Greater(t, lt.count(), 0)
}

func TestStartSequence_NoOpWhileRunning(t *testing.T) {
	seq, _, clock, _ := newTestSequencer(t)

	seq.StartSequence()
	clock.Advance(30 * time.Second)
	seq.Tick()
	before := seq.Snapshot()

	seq.StartSequence()
	require.Equal(t, before.StageStartedAt, seq.Snapshot().StageStartedAt)
}

func TestStageOrdering_FullLoop(t *testing.T) {
	seq, _, clock, _ := newTestSequencer(t)

	seq.StartSequence()
	require.Equal(t, StagePrepare, seq.Snapshot().CurrentStage)

	advancePast(seq, clock, time.Minute)
	snap := seq.Snapshot()
	require.Equal(t, StageBlanking1, snap.CurrentStage)
	require.Equal(t, 1, snap.LoopIteration)

	advancePast(seq, clock, time.Minute)
	require.Equal(t, StageBlanking2, seq.Snapshot().CurrentStage)

	advancePast(seq, clock, time.Minute)
	snap = seq.Snapshot()
	require.Equal(t, StageLightOn, snap.CurrentStage)
	require.True(t, snap.LightOn)

	advancePast(seq, clock, 4*time.Minute)
	require.Equal(t, StageRest, seq.Snapshot().CurrentStage)

	advancePast(seq, clock, time.Minute)
	snap = seq.Snapshot()
	require.Equal(t, StageBlanking1, snap.CurrentStage)
	require.Equal(t, 2, snap.LoopIteration)
}

func TestContinueGate_MonotonicWithinStage(t *testing.T) {
	seq, _, clock, _ := newTestSequencer(t)

	seq.StartSequence()
	seq.GoToStage(StageLightOn)
	require.False(t, seq.Snapshot().AllowContinue)

	// Before the sampled minimum (120s) the gate stays closed.
	clock.Advance(60 * time.Second)
	seq.Tick()
	require.False(t, seq.Snapshot().AllowContinue)

	// Past the minimum it opens and stays open.
	clock.Advance(61 * time.Second)
	seq.Tick()
	require.True(t, seq.Snapshot().AllowContinue)

	clock.Advance(30 * time.Second)
	seq.Tick()
	snap := seq.Snapshot()
	require.True(t, snap.AllowContinue)
	require.Equal(t, StageLightOn, snap.CurrentStage)
}

func TestContinueStage_AdvancesToRest(t *testing.T) {
	seq, _, clock, _ := newTestSequencer(t)

	seq.StartSequence()
	seq.GoToStage(StageLightOn)
	clock.Advance(121 * time.Second)
	seq.Tick()
	require.True(t, seq.Snapshot().AllowContinue)

	seq.ContinueStage()
	snap := seq.Snapshot()
	require.Equal(t, StageRest, snap.CurrentStage)
	require.False(t, snap.LightOn)
	require.False(t, snap.AllowContinue)
}

func TestContinueStage_NoOpBeforeGateOpens(t *testing.T) {
	seq, _, clock, _ := newTestSequencer(t)

	seq.StartSequence()
	seq.GoToStage(StageLightOn)
	clock.Advance(30 * time.Second)
	seq.Tick()

	seq.ContinueStage()
	require.Equal(t, StageLightOn, seq.Snapshot().CurrentStage)
}

func TestContinueRequest_IgnoredOutsideGatedStage(t *testing.T) {
	seq, mt, _, _ := newTestSequencer(t)

	seq.StartSequence()
	seq.GoToStage(StageBlanking1)
	before := seq.Snapshot()

	seq.HandleAction("peer-1", protocol.ClientAction{Type: protocol.ActionRequestContinue})

	snap := seq.Snapshot()
	require.Equal(t, before.CurrentStage, snap.CurrentStage)
	require.Equal(t, before.StageStartedAt, snap.StageStartedAt)
	require.Empty(t, mt.unicastsFor("peer-1"), "stale continue must not get a reply")
}

func TestForcedAdvance_AtSampledMaximum(t *testing.T) {
	seq, _, clock, _ := newTestSequencer(t)

	seq.StartSequence()
	seq.GoToStage(StageLightOn)

	// Never continued manually; the sampled maximum (240s) forces the
	// transition.
	advancePast(seq, clock, 4*time.Minute)
	require.Equal(t, StageRest, seq.Snapshot().CurrentStage)
}

func TestPasswordGate_WrongPasswordRejected(t *testing.T) {
	seq, mt, _, _ := newTestSequencer(t)

	seq.StartSequence()
	before := seq.Snapshot()

	seq.HandleAction("peer-1", protocol.ClientAction{
		Type:     protocol.ActionRequestStageChange,
		Stage:    StageRest,
		Password: "0000",
	})

	require.Equal(t, before.CurrentStage, seq.Snapshot().CurrentStage)
	require.False(t, mt.IsAuthenticated("peer-1"))

	replies := mt.unicastsFor("peer-1")
	require.Len(t, replies, 1)
	require.Equal(t, protocol.KindControlResponse, replies[0].Kind)
	require.False(t, replies[0].Response.Success)
}

func TestPasswordGate_CorrectPasswordSticks(t *testing.T) {
	seq, mt, _, _ := newTestSequencer(t)

	seq.StartSequence()
	password := seq.Snapshot().AdminPassword

	seq.HandleAction("peer-1", protocol.ClientAction{
		Type:     protocol.ActionRequestStageChange,
		Stage:    StageRest,
		Password: password,
	})
	require.Equal(t, StageRest, seq.Snapshot().CurrentStage)
	require.True(t, mt.IsAuthenticated("peer-1"))

	// Authenticated for the remainder of the connection: no password
	// on subsequent privileged actions.
	seq.HandleAction("peer-1", protocol.ClientAction{
		Type:  protocol.ActionRequestStageChange,
		Stage: StageLightOn,
	})
	require.Equal(t, StageLightOn, seq.Snapshot().CurrentStage)

	replies := mt.unicastsFor("peer-1")
	require.Len(t, replies, 2)
	require.True(t, replies[0].Response.Success)
	require.True(t, replies[1].Response.Success)
}

func TestGoToStage_UnknownStageIgnored(t *testing.T) {
	seq, _, _, _ := newTestSequencer(t)

	seq.StartSequence()
	before := seq.Snapshot()

	seq.GoToStage("no_such_stage")
	require.Equal(t, before.CurrentStage, seq.Snapshot().CurrentStage)
}

func TestBlankingToggle_StopsOnStageChange(t *testing.T) {
	seq, _, _, lt := newTestSequencer(t)

	seq.UpdateParameters(StageBlanking1, map[string]string{
		ParamDuration:     "10",
		ParamLightOnWait:  "0.02",
		ParamLightOffWait: "0.02",
	})

	seq.StartSequence()
	seq.GoToStage(StageBlanking1)

	time.Sleep(200 * time.Millisecond)
	require.Greater(t, lt.count(), 2, "toggle loop should have fired")

	seq.GoToStage(StageRest)
	time.Sleep(50 * time.Millisecond)
	settled := lt.count()
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, settled, lt.count(), "toggle loop must stop on stage change")
}

func TestEndToEnd_InitStartAndFirstLoop(t *testing.T) {
	seq, _, clock, _ := newTestSequencer(t)

	snap := seq.Snapshot()
	require.Regexp(t, regexp.MustCompile(`^\d{4}$`), snap.AdminPassword)

	seq.StartSequence()
	snap = seq.Snapshot()
	require.Equal(t, protocol.StatusRunning, snap.Status)
	require.Equal(t, StagePrepare, snap.CurrentStage)

	advancePast(seq, clock, time.Minute)
	snap = seq.Snapshot()
	require.Equal(t, StageBlanking1, snap.CurrentStage)
	require.Equal(t, 1, snap.LoopIteration)
}

func TestStop_TurnsLightOffAndHalts(t *testing.T) {
	seq, _, clock, _ := newTestSequencer(t)

	seq.StartSequence()
	seq.GoToStage(StageLightOn)
	require.True(t, seq.Snapshot().LightOn)

	seq.Stop()
	snap := seq.Snapshot()
	require.Equal(t, protocol.StatusStopped, snap.Status)
	require.False(t, snap.LightOn)

	// Ticks no longer advance anything.
	before := seq.Snapshot().CurrentStage
	advancePast(seq, clock, 10*time.Minute)
	require.Equal(t, before, seq.Snapshot().CurrentStage)
}

func TestReInit_InvalidatesRunningSequence(t *testing.T) {
	seq, _, _, _ := newTestSequencer(t)

	seq.StartSequence()
	seq.GoToStage(StageLightOn)

	seq.EnterInit()
	snap := seq.Snapshot()
	require.Equal(t, protocol.StatusAwaitingStart, snap.Status)
	require.Equal(t, StagePrepare, snap.CurrentStage)
	require.Equal(t, 0, snap.LoopIteration)

	// Parameters survive re-initialization.
	require.Equal(t, "2", snap.StageParameters[StageLightOn][ParamMin])
}
