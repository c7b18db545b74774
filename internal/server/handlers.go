package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/relay/internal/budget"
	"github.com/ashita-ai/relay/internal/bus"
	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/orchestrator"
	"github.com/ashita-ai/relay/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db           *storage.DB
	orchestrator *orchestrator.Orchestrator
	bus          *bus.Bus
	ledger       budget.Ledger
	logger       *slog.Logger

	monthlyTokenBudget  int64
	maxRequestBodyBytes int64
	version             string
	startedAt           time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB           *storage.DB
	Orchestrator *orchestrator.Orchestrator
	Bus          *bus.Bus
	Ledger       budget.Ledger
	Logger       *slog.Logger

	MonthlyTokenBudget  int64 // <= 0 means unlimited
	MaxRequestBodyBytes int64
	Version             string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		orchestrator:        d.Orchestrator,
		bus:                 d.Bus,
		ledger:              d.Ledger,
		logger:              d.Logger,
		monthlyTokenBudget:  d.MonthlyTokenBudget,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		version:             d.Version,
		startedAt:           time.Now(),
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:     status,
		Version:    h.version,
		Postgres:   pgStatus,
		ActiveRuns: h.bus.Active(),
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	})
}
