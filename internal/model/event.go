package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the category of a run lifecycle event.
//
// A run's stream ends with exactly one event of type EventComplete carrying
// AllDone=true. A failed run still terminates with EventComplete; the Error
// flag distinguishes the outcome, so listeners have a single exit condition.
type EventType string

const (
	EventRunning  EventType = "running"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// RunEvent is an ephemeral message describing one state transition of a run
// or one of its steps. Events are never persisted; the runs and steps tables
// are the durable record. Listeners that attach late recover via the
// run snapshot endpoint, not replay.
type RunEvent struct {
	Type       EventType  `json:"type"`
	RunID      uuid.UUID  `json:"run_id"`
	StepID     *uuid.UUID `json:"step_id,omitempty"`
	AgentType  AgentType  `json:"agent_type,omitempty"`
	Progress   int        `json:"progress"`
	Label      string     `json:"label,omitempty"`
	Tokens     int64      `json:"tokens,omitempty"`
	ArtifactID *uuid.UUID `json:"artifact_id,omitempty"`
	AllDone    bool       `json:"all_done"`
	Error      bool       `json:"error"`
	Message    string     `json:"message,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// StepRunningEvent builds the event published when a step enters running.
func StepRunningEvent(step Step) RunEvent {
	id := step.ID
	return RunEvent{
		Type:       EventRunning,
		RunID:      step.RunID,
		StepID:     &id,
		AgentType:  step.AgentType,
		Progress:   0,
		Label:      step.AgentType.Label(),
		OccurredAt: time.Now().UTC(),
	}
}

// StepCompleteEvent builds the event published when a step completes.
func StepCompleteEvent(step Step) RunEvent {
	id := step.ID
	return RunEvent{
		Type:       EventComplete,
		RunID:      step.RunID,
		StepID:     &id,
		AgentType:  step.AgentType,
		Progress:   100,
		Tokens:     step.TokensUsed,
		ArtifactID: step.ArtifactID,
		OccurredAt: time.Now().UTC(),
	}
}

// StepErrorEvent builds the event published when a step fails.
func StepErrorEvent(step Step, msg string) RunEvent {
	id := step.ID
	return RunEvent{
		Type:       EventError,
		RunID:      step.RunID,
		StepID:     &id,
		AgentType:  step.AgentType,
		Progress:   step.Progress,
		Error:      true,
		Message:    msg,
		OccurredAt: time.Now().UTC(),
	}
}

// RunTerminalEvent builds the single terminal event for a run.
// failed=false means the run completed; failed=true carries the error text.
func RunTerminalEvent(runID uuid.UUID, failed bool, msg string) RunEvent {
	return RunEvent{
		Type:       EventComplete,
		RunID:      runID,
		Progress:   100,
		AllDone:    true,
		Error:      failed,
		Message:    msg,
		OccurredAt: time.Now().UTC(),
	}
}
