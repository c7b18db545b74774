// Package model defines the core domain types for Relay.
//
// Types correspond directly to database tables and event payloads.
// Strong typing (UUIDs, time.Time, enums) throughout; interface{} is
// avoided except for free-form metadata.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a pipeline run.
//
// Transitions are monotonic: queued → running → {completed, failed, cancelled}.
// A run enters running exactly once, when its first step begins.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether s is a terminal run status.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus represents the lifecycle state of a single pipeline step.
// queued → running → {completed, failed}; never queued → terminal directly.
type StepStatus string

const (
	StepStatusQueued    StepStatus = "queued"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// PipelineMode controls how a run's steps are scheduled.
type PipelineMode string

const (
	// ModeSequential executes steps one at a time in catalog order.
	// Each step may consume the artifacts of the previous ones.
	ModeSequential PipelineMode = "sequential"

	// ModeParallel fans independent steps out concurrently and fans in
	// before the terminal transition.
	ModeParallel PipelineMode = "parallel"
)

// AgentType names one role in the analysis catalog.
type AgentType string

const (
	AgentRequirementsAnalyst AgentType = "requirements_analyst"
	AgentQAConsultant        AgentType = "qa_consultant"
	AgentTestChecklist       AgentType = "test_checklist"
	AgentAutomationEngineer  AgentType = "automation_engineer"
)

// AgentCatalog is the closed set of agent types in pipeline execution order.
// Sequential runs execute their selected subset in this order.
var AgentCatalog = []AgentType{
	AgentRequirementsAnalyst,
	AgentQAConsultant,
	AgentTestChecklist,
	AgentAutomationEngineer,
}

// agentLabels are the human-readable progress labels published with step events.
var agentLabels = map[AgentType]string{
	AgentRequirementsAnalyst: "Analyzing requirements",
	AgentQAConsultant:        "Reviewing quality risks",
	AgentTestChecklist:       "Generating test checklist",
	AgentAutomationEngineer:  "Generating automation scripts",
}

// ValidAgentType reports whether t is in the catalog.
func ValidAgentType(t AgentType) bool {
	_, ok := agentLabels[t]
	return ok
}

// Label returns the human-readable progress label for t.
func (t AgentType) Label() string {
	if l, ok := agentLabels[t]; ok {
		return l
	}
	return string(t)
}

// SortAgentTypes returns the catalog-order subset of selected, dropping
// duplicates. Catalog order is what sequential execution follows.
func SortAgentTypes(selected []AgentType) []AgentType {
	want := make(map[AgentType]bool, len(selected))
	for _, t := range selected {
		want[t] = true
	}
	var out []AgentType
	for _, t := range AgentCatalog {
		if want[t] {
			out = append(out, t)
		}
	}
	return out
}

// Run is one execution of the multi-step analysis pipeline for a project.
// Mutated exclusively by the orchestrator after creation.
type Run struct {
	ID          uuid.UUID    `json:"id"`
	ProjectID   uuid.UUID    `json:"project_id"`
	TenantID    uuid.UUID    `json:"tenant_id"`
	Mode        PipelineMode `json:"mode"`
	AgentTypes  []AgentType  `json:"agent_types"`
	Status      RunStatus    `json:"status"`
	TotalTokens int64        `json:"total_tokens"`
	TotalCost   float64      `json:"total_cost"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Error       *string      `json:"error,omitempty"`
	CreatedBy   string       `json:"created_by"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Step is one agent's unit of work within a run.
type Step struct {
	ID            uuid.UUID  `json:"id"`
	RunID         uuid.UUID  `json:"run_id"`
	AgentType     AgentType  `json:"agent_type"`
	Status        StepStatus `json:"status"`
	Progress      int        `json:"progress"` // 0–100, non-decreasing while running
	ProgressLabel string     `json:"progress_label,omitempty"`
	TokensUsed    int64      `json:"tokens_used"`
	ArtifactID    *uuid.UUID `json:"artifact_id,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Error         *string    `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ValidateMode checks that m is a known pipeline mode. Empty defaults to sequential.
func ValidateMode(m PipelineMode) (PipelineMode, error) {
	switch m {
	case "":
		return ModeSequential, nil
	case ModeSequential, ModeParallel:
		return m, nil
	default:
		return "", fmt.Errorf("unknown pipeline mode %q", m)
	}
}
