package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error codes returned in API error responses.
const (
	ErrCodeInvalidInput   = "invalid_input"
	ErrCodeNotFound       = "not_found"
	ErrCodeNoDataSources  = "no_data_sources"
	ErrCodeBudgetExceeded = "budget_exceeded"
	ErrCodeInternalError  = "internal_error"
)

// MaxAgentTypes caps the step count of a single run to the catalog size.
const MaxAgentTypes = 8

// CreateRunRequest is the body of POST /v1/projects/{project_id}/runs.
type CreateRunRequest struct {
	AgentTypes []AgentType  `json:"agent_types"`
	Mode       PipelineMode `json:"mode,omitempty"`
	CreatedBy  string       `json:"created_by,omitempty"`
}

// Validate checks the request and returns the normalized (catalog-ordered,
// deduplicated) agent selection and pipeline mode.
func (r CreateRunRequest) Validate() ([]AgentType, PipelineMode, error) {
	if len(r.AgentTypes) == 0 {
		return nil, "", fmt.Errorf("agent_types must not be empty")
	}
	if len(r.AgentTypes) > MaxAgentTypes {
		return nil, "", fmt.Errorf("agent_types exceeds maximum of %d", MaxAgentTypes)
	}
	for _, t := range r.AgentTypes {
		if !ValidAgentType(t) {
			return nil, "", fmt.Errorf("unknown agent type %q", t)
		}
	}
	mode, err := ValidateMode(r.Mode)
	if err != nil {
		return nil, "", err
	}
	return SortAgentTypes(r.AgentTypes), mode, nil
}

// CreateRunResponse acknowledges a dispatched run. It reports the queued
// status, never the pipeline's outcome.
type CreateRunResponse struct {
	RunID  uuid.UUID `json:"run_id"`
	Status RunStatus `json:"status"`
}

// RunSnapshot is the persisted state of a run and its steps as of one read.
type RunSnapshot struct {
	Run   Run    `json:"run"`
	Steps []Step `json:"steps"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Postgres   string `json:"postgres"`
	ActiveRuns int    `json:"active_runs"`
	Uptime     int64  `json:"uptime_seconds"`
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta is attached to every API response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}
