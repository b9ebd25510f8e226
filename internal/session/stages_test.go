package session

import (
	"testing"

	"github.com/enspurna/enspurna/internal/protocol"
)

func TestNextStage_Cycle(t *testing.T) {
	cases := []struct {
		from, to protocol.StageID
	}{
		{StagePrepare, StageBlanking1},
		{StageBlanking1, StageBlanking2},
		{StageBlanking2, StageLightOn},
		{StageLightOn, StageRest},
		{StageRest, StageBlanking1}, // loop re-entry skips prepare
		{"bogus", StagePrepare},
	}
	for _, tc := range cases {
		if got := NextStage(tc.from); got != tc.to {
			t.Errorf("NextStage(%s) = %s, want %s", tc.from, got, tc.to)
		}
	}
}

func TestStageByID(t *testing.T) {
	st, ok := StageByID(StageLightOn)
	if !ok {
		t.Fatal("light_on stage not found")
	}
	if st.Behavior != BehaviorRangeGate {
		t.Errorf("light_on behavior = %d, want range gate", st.Behavior)
	}

	if _, ok := StageByID("nope"); ok {
		t.Error("unknown stage id must not resolve")
	}
}

func TestDefaultParameters_CoverEveryStage(t *testing.T) {
	params := DefaultParameters()
	if len(params) != len(Stages) {
		t.Fatalf("got parameters for %d stages, want %d", len(params), len(Stages))
	}
	for _, st := range Stages {
		stageParams := params[st.ID]
		for _, p := range st.Parameters {
			if _, ok := stageParams[p.Key]; !ok {
				t.Errorf("stage %s missing default for %s", st.ID, p.Key)
			}
		}
	}
}

func TestPrepareRunsOutsideTheLoop(t *testing.T) {
	for _, st := range Stages {
		wantLoop := st.ID != StagePrepare
		if st.Loop != wantLoop {
			t.Errorf("stage %s loop = %v, want %v", st.ID, st.Loop, wantLoop)
		}
	}
}
