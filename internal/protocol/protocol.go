// Package protocol defines the messages exchanged over the peer data
// channel and the session state snapshot they carry. Every message is a
// tagged union discriminated by Kind.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message kinds.
const (
	KindHello           = "hello"
	KindClientAction    = "client-action"
	KindStateUpdate     = "state-update"
	KindControlResponse = "control-response"
)

// Peer roles declared in the hello message.
const (
	RoleClient = "client"
	RoleAdmin  = "client-admin"
)

// Client action types.
const (
	ActionRequestStart       = "request-start"
	ActionRequestContinue    = "request-continue"
	ActionRequestStageChange = "request-stage-change"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusAwaitingStart SessionStatus = "awaiting-start"
	StatusRunning       SessionStatus = "running"
	StatusStopped       SessionStatus = "stopped"
)

// StageID identifies one phase of the lighting sequence.
type StageID string

// Message is the envelope for all data channel traffic. Exactly one of
// the payload fields is set, matching Kind.
type Message struct {
	Kind     string           `json:"kind"`
	Hello    *Hello           `json:"hello,omitempty"`
	Action   *ClientAction    `json:"action,omitempty"`
	State    *SessionState    `json:"state,omitempty"`
	Response *ControlResponse `json:"response,omitempty"`
}

// Hello is sent by a client as soon as its channel opens, declaring the
// role it intends to act in. The declaration only decides whether the
// password gate applies; it grants nothing by itself.
type Hello struct {
	Role string `json:"role"`
}

// ClientAction is a user intent forwarded to the sequencer. Password is
// only meaningful for privileged actions from not-yet-authenticated
// admin peers.
type ClientAction struct {
	Type     string  `json:"type"`
	Stage    StageID `json:"stage,omitempty"`
	Password string  `json:"password,omitempty"`
}

// ControlResponse is the reply to a gated action, notably a password
// rejection. It is unicast to the requesting peer only.
type ControlResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// SessionState is the complete session snapshot, broadcast wholesale on
// every mutation. The admin password lives in the sequencer's copy but
// is never serialized to peers.
type SessionState struct {
	Status                SessionStatus                `json:"status"`
	CurrentStage          StageID                      `json:"currentStage"`
	StageStartedAt        time.Time                    `json:"stageStartedAt"`
	StageElapsedSeconds   float64                      `json:"stageElapsedSeconds"`
	StageRemainingSeconds float64                      `json:"stageRemainingSeconds"`
	StageDurationSeconds  float64                      `json:"stageDurationSeconds"`
	LoopIteration         int                          `json:"loopIteration"`
	LightOn               bool                         `json:"lightOn"`
	AllowContinue         bool                         `json:"allowContinue"`
	StageParameters       map[StageID]map[string]string `json:"stageParameters"`

	AdminPassword string `json:"-"`
}

// Clone returns a deep copy of the snapshot so callers can hand it out
// without exposing the sequencer's mutable maps.
func (s SessionState) Clone() SessionState {
	out := s
	out.StageParameters = make(map[StageID]map[string]string, len(s.StageParameters))
	for stage, params := range s.StageParameters {
		p := make(map[string]string, len(params))
		for k, v := range params {
			p[k] = v
		}
		out.StageParameters[stage] = p
	}
	return out
}

// NewHello builds a hello message for the given role.
func NewHello(role string) Message {
	return Message{Kind: KindHello, Hello: &Hello{Role: role}}
}

// NewAction builds a client-action message.
func NewAction(action ClientAction) Message {
	return Message{Kind: KindClientAction, Action: &action}
}

// NewStateUpdate builds a state-update message carrying the snapshot.
func NewStateUpdate(state SessionState) Message {
	return Message{Kind: KindStateUpdate, State: &state}
}

// NewControlResponse builds a control-response message.
func NewControlResponse(success bool, detail string) Message {
	return Message{Kind: KindControlResponse, Response: &ControlResponse{Success: success, Message: detail}}
}

// Encode serializes a message for the data channel.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses a data channel payload and validates that the payload
// field matching Kind is present.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}

	switch msg.Kind {
	case KindHello:
		if msg.Hello == nil {
			return Message{}, fmt.Errorf("hello message missing payload")
		}
	case KindClientAction:
		if msg.Action == nil {
			return Message{}, fmt.Errorf("client-action message missing payload")
		}
	case KindStateUpdate:
		if msg.State == nil {
			return Message{}, fmt.Errorf("state-update message missing payload")
		}
	case KindControlResponse:
		if msg.Response == nil {
			return Message{}, fmt.Errorf("control-response message missing payload")
		}
	default:
		return Message{}, fmt.Errorf("unknown message kind %q", msg.Kind)
	}

	return msg, nil
}
