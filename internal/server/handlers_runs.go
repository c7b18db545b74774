package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ashita-ai/relay/internal/budget"
	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/storage"
)

// HandleCreateRun handles POST /v1/projects/{project_id}/runs.
//
// Admission checks run before any row is written: a project with no ready
// data sources or a tenant over its monthly budget is rejected without a
// trace in the runs table. On success the run is persisted queued, handed to
// the orchestrator, and acknowledged with 202. The response reports the
// queued status, never the pipeline's outcome.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(r.PathValue("project_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid project id")
		return
	}

	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	agents, mode, err := req.Validate()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	ready, err := h.db.CountReadySources(r.Context(), projectID)
	if err != nil {
		h.logger.Error("server: count ready sources failed", "project_id", projectID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to check data sources")
		return
	}
	if ready == 0 {
		writeError(w, r, http.StatusConflict, model.ErrCodeNoDataSources,
			"project has no ready data sources")
		return
	}

	tenantID := TenantFromContext(r.Context())
	if h.monthlyTokenBudget > 0 {
		usage, err := h.ledger.Usage(r.Context(), tenantID, budget.WindowMonthly)
		if err != nil {
			h.logger.Error("server: monthly usage lookup failed", "tenant_id", tenantID, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to check budget")
			return
		}
		if usage >= h.monthlyTokenBudget {
			writeError(w, r, http.StatusPaymentRequired, model.ErrCodeBudgetExceeded,
				"monthly token budget exhausted")
			return
		}
	}

	run, steps, err := h.db.CreateRun(r.Context(), model.Run{
		ID:         uuid.New(),
		ProjectID:  projectID,
		TenantID:   tenantID,
		Mode:       mode,
		AgentTypes: agents,
		Status:     model.RunStatusQueued,
		CreatedBy:  req.CreatedBy,
	})
	if err != nil {
		h.logger.Error("server: create run failed", "project_id", projectID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create run")
		return
	}

	h.orchestrator.Start(run, steps)

	h.logger.Info("server: run accepted",
		"run_id", run.ID, "project_id", projectID, "mode", mode, "steps", len(steps))
	writeJSON(w, r, http.StatusAccepted, model.CreateRunResponse{
		RunID:  run.ID,
		Status: run.Status,
	})
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("server: get run failed", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
		return
	}
	steps, err := h.db.GetRunSteps(r.Context(), runID)
	if err != nil {
		h.logger.Error("server: get run steps failed", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run steps")
		return
	}

	writeJSON(w, r, http.StatusOK, model.RunSnapshot{Run: run, Steps: steps})
}

// HandleListRuns handles GET /v1/projects/{project_id}/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(r.PathValue("project_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid project id")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
	}

	runs, err := h.db.ListRuns(r.Context(), projectID, limit)
	if err != nil {
		h.logger.Error("server: list runs failed", "project_id", projectID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}

	writeJSON(w, r, http.StatusOK, runs)
}
