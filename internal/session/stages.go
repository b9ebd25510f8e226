package session

import (
	"github.com/enspurna/enspurna/internal/protocol"
	"github.com/enspurna/enspurna/internal/sampler"
)

// Stage identifiers, in sequence order.
const (
	StagePrepare   protocol.StageID = "prepare"
	StageBlanking1 protocol.StageID = "blanking_1"
	StageBlanking2 protocol.StageID = "blanking_2"
	StageLightOn   protocol.StageID = "light_on"
	StageRest      protocol.StageID = "rest"
)

// Behavior is the light-control class of a stage.
type Behavior int

const (
	// BehaviorForceOff holds the light off for the stage duration.
	BehaviorForceOff Behavior = iota
	// BehaviorForceOn holds the light on for the stage duration.
	BehaviorForceOn
	// BehaviorAlternating toggles the light on an independent timer
	// while the stage duration counts down.
	BehaviorAlternating
	// BehaviorRangeGate holds the light on, samples a minimum and a
	// maximum threshold, and allows manual advancement once the
	// minimum has elapsed.
	BehaviorRangeGate
)

// Parameter is one named, tunable stage setting. Raw values are "mean"
// or "mean,offset" strings fed to the sampler.
type Parameter struct {
	Key     string
	Default string
	Unit    sampler.Unit
}

// Stage is the static definition of one phase of the sequence.
type Stage struct {
	ID         protocol.StageID
	Name       string
	Behavior   Behavior
	Loop       bool // part of the repeating cycle (prepare runs once)
	Parameters []Parameter
	Color      string
}

// Parameter keys.
const (
	ParamDuration     = "durationMinutes"
	ParamMin          = "minMinutes"
	ParamMax          = "maxMinutes"
	ParamLightOnWait  = "lightOnWait"
	ParamLightOffWait = "lightOffWait"
)

// Stages is the fixed five-stage sequence. The loop after the first
// pass is blanking_1 → blanking_2 → light_on → rest → blanking_1.
var Stages = []Stage{
	{
		ID:       StagePrepare,
		Name:     "Preparation",
		Behavior: BehaviorForceOff,
		Parameters: []Parameter{
			{Key: ParamDuration, Default: "2", Unit: sampler.Minutes},
		},
		Color: "#607d8b",
	},
	{
		ID:       StageBlanking1,
		Name:     "Blanking I",
		Behavior: BehaviorAlternating,
		Loop:     true,
		Parameters: []Parameter{
			{Key: ParamDuration, Default: "5", Unit: sampler.Minutes},
			{Key: ParamLightOnWait, Default: "2,1", Unit: sampler.Seconds},
			{Key: ParamLightOffWait, Default: "4,2", Unit: sampler.Seconds},
		},
		Color: "#3f51b5",
	},
	{
		ID:       StageBlanking2,
		Name:     "Blanking II",
		Behavior: BehaviorAlternating,
		Loop:     true,
		Parameters: []Parameter{
			{Key: ParamDuration, Default: "5", Unit: sampler.Minutes},
			{Key: ParamLightOnWait, Default: "1,0.5", Unit: sampler.Seconds},
			{Key: ParamLightOffWait, Default: "2,1", Unit: sampler.Seconds},
		},
		Color: "#9c27b0",
	},
	{
		ID:       StageLightOn,
		Name:     "Light On",
		Behavior: BehaviorRangeGate,
		Loop:     true,
		Parameters: []Parameter{
			{Key: ParamMin, Default: "10,2", Unit: sampler.Minutes},
			{Key: ParamMax, Default: "20,2", Unit: sampler.Minutes},
		},
		Color: "#ff9800",
	},
	{
		ID:       StageRest,
		Name:     "Rest",
		Behavior: BehaviorForceOff,
		Loop:     true,
		Parameters: []Parameter{
			{Key: ParamDuration, Default: "5", Unit: sampler.Minutes},
		},
		Color: "#4caf50",
	},
}

// StageByID looks up a stage definition.
func StageByID(id protocol.StageID) (Stage, bool) {
	for _, st := range Stages {
		if st.ID == id {
			return st, true
		}
	}
	return Stage{}, false
}

// NextStage returns the stage following id. The sequence re-enters the
// loop at blanking_1 after rest; prepare is only passed through once.
func NextStage(id protocol.StageID) protocol.StageID {
	switch id {
	case StagePrepare:
		return StageBlanking1
	case StageBlanking1:
		return StageBlanking2
	case StageBlanking2:
		return StageLightOn
	case StageLightOn:
		return StageRest
	case StageRest:
		return StageBlanking1
	default:
		return StagePrepare
	}
}

// DefaultParameters builds the stage parameter map from the defaults in
// the stage table.
func DefaultParameters() map[protocol.StageID]map[string]string {
	out := make(map[protocol.StageID]map[string]string, len(Stages))
	for _, st := range Stages {
		params := make(map[string]string, len(st.Parameters))
		for _, p := range st.Parameters {
			params[p.Key] = p.Default
		}
		out[st.ID] = params
	}
	return out
}

// paramUnit returns the sampler unit for a stage parameter key.
func paramUnit(id protocol.StageID, key string) sampler.Unit {
	st, ok := StageByID(id)
	if !ok {
		return sampler.Seconds
	}
	for _, p := range st.Parameters {
		if p.Key == key {
			return p.Unit
		}
	}
	return sampler.Seconds
}
