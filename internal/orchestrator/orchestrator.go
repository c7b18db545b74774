// Package orchestrator drives a run's steps through the inference gateway,
// persisting every transition and publishing it to the event bus.
//
// One goroutine owns one run. The goroutine is supervised: any panic or
// unexpected error is converted into a run-level failed transition, so a run
// can never remain in running after its orchestration has returned. Listeners
// disconnecting never affects execution.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/relay/internal/bus"
	"github.com/ashita-ai/relay/internal/gateway"
	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/storage"
)

// Store is the subset of the run store the orchestrator mutates.
// *storage.DB satisfies it.
type Store interface {
	StartRun(ctx context.Context, id uuid.UUID) error
	FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, errText string) error
	AddRunUsage(ctx context.Context, id uuid.UUID, tokens int64, cost float64) error
	StartStep(ctx context.Context, id uuid.UUID) error
	UpdateStepProgress(ctx context.Context, id uuid.UUID, progress int, label string) error
	CompleteStep(ctx context.Context, id uuid.UUID, tokens int64, artifactID *uuid.UUID) error
	FailStep(ctx context.Context, id uuid.UUID, errText string) error
}

// ArtifactWriter stores a completed step's content. *storage.DB satisfies it.
type ArtifactWriter interface {
	CreateArtifact(ctx context.Context, a storage.Artifact) (uuid.UUID, error)
}

// Invoker performs one gated inference call. *gateway.Gateway satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, req gateway.InvokeRequest) (gateway.Result, error)
}

// StepContext is the assembled input for one step's inference call.
type StepContext struct {
	Prompt      string
	System      string
	Fingerprint string // empty lets the gateway digest the prompt instead
}

// ContextBuilder assembles a step's prompt and context fingerprint.
// What goes into the prompt is agent-specific and opaque to orchestration.
type ContextBuilder interface {
	Build(ctx context.Context, run model.Run, agent model.AgentType) (StepContext, error)
}

// Config holds the orchestrator's collaborators and tuning.
type Config struct {
	Store     Store
	Artifacts ArtifactWriter
	Contexts  ContextBuilder
	Invoker   Invoker
	Bus       *bus.Bus
	Logger    *slog.Logger

	DailyTokenBudget int64         // per-tenant daily gate handed to the gateway
	MaxStepTokens    int           // generation cap and admission estimate per step
	StepTimeout      time.Duration // bound on one step's inference call
}

// Orchestrator executes runs. Safe for concurrent Start calls.
type Orchestrator struct {
	store     Store
	artifacts ArtifactWriter
	contexts  ContextBuilder
	invoker   Invoker
	bus       *bus.Bus
	logger    *slog.Logger

	dailyBudget   int64
	maxStepTokens int
	stepTimeout   time.Duration

	wg sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	timeout := cfg.StepTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	maxTokens := cfg.MaxStepTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Orchestrator{
		store:         cfg.Store,
		artifacts:     cfg.Artifacts,
		contexts:      cfg.Contexts,
		invoker:       cfg.Invoker,
		bus:           cfg.Bus,
		logger:        cfg.Logger,
		dailyBudget:   cfg.DailyTokenBudget,
		maxStepTokens: maxTokens,
		stepTimeout:   timeout,
	}
}

// Start dispatches orchestration of a queued run and returns immediately.
// The run and its steps must already be persisted in queued status, and the
// tenant's monthly budget must already have been checked by the caller.
func (o *Orchestrator) Start(run model.Run, steps []model.Step) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		// Detached from the request context: the pipeline outlives the
		// request/response cycle that queued it.
		ctx := context.Background()

		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("orchestrator: panic during run execution",
					"run_id", run.ID, "panic", r)
				o.finish(ctx, run.ID, model.RunStatusFailed, fmt.Sprintf("internal error: %v", r))
			}
		}()

		o.execute(ctx, run, steps)
	}()
}

// Drain blocks until all in-flight runs have finished or ctx expires.
func (o *Orchestrator) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("orchestrator: drain timed out with runs still in flight")
	}
}

func (o *Orchestrator) execute(ctx context.Context, run model.Run, steps []model.Step) {
	if err := o.store.StartRun(ctx, run.ID); err != nil {
		o.logger.Error("orchestrator: start run failed", "run_id", run.ID, "error", err)
		o.finish(ctx, run.ID, model.RunStatusFailed, "failed to start run")
		return
	}

	o.logger.Info("orchestrator: run started",
		"run_id", run.ID, "mode", run.Mode, "steps", len(steps))

	var stepErr error
	switch run.Mode {
	case model.ModeParallel:
		stepErr = o.runParallel(ctx, run, steps)
	default:
		stepErr = o.runSequential(ctx, run, steps)
	}

	if stepErr != nil {
		o.finish(ctx, run.ID, model.RunStatusFailed, stepErr.Error())
		return
	}
	o.finish(ctx, run.ID, model.RunStatusCompleted, "")
}

// runSequential executes steps one at a time in catalog order, fail-fast:
// later agents consume earlier agents' artifacts, so a failed step makes the
// remainder meaningless.
func (o *Orchestrator) runSequential(ctx context.Context, run model.Run, steps []model.Step) error {
	for _, step := range steps {
		if err := o.runStep(ctx, run, step); err != nil {
			return err
		}
	}
	return nil
}

// runParallel fans all steps out concurrently and fans in before the
// terminal transition. A failing step fails the run, but already-started
// siblings are allowed to finish so no external side effect is orphaned
// mid-flight.
func (o *Orchestrator) runParallel(ctx context.Context, run model.Run, steps []model.Step) error {
	// Deliberately not errgroup.WithContext: cancellation on first error
	// would interrupt the siblings this mode promises to let finish.
	var g errgroup.Group
	for _, step := range steps {
		g.Go(func() error {
			return o.runStep(ctx, run, step)
		})
	}
	return g.Wait()
}

// runStep drives one step through running to a terminal status. The returned
// error is the step's failure, already persisted and published.
func (o *Orchestrator) runStep(ctx context.Context, run model.Run, step model.Step) error {
	if err := o.store.StartStep(ctx, step.ID); err != nil {
		return o.failStep(ctx, step, fmt.Errorf("start step: %w", err))
	}
	o.bus.Publish(run.ID, model.StepRunningEvent(step))

	stepCtx, err := o.contexts.Build(ctx, run, step.AgentType)
	if err != nil {
		return o.failStep(ctx, step, fmt.Errorf("build context: %w", err))
	}

	invokeCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	result, err := o.invoker.Invoke(invokeCtx, gateway.InvokeRequest{
		AgentType:          step.AgentType,
		Prompt:             stepCtx.Prompt,
		System:             stepCtx.System,
		ContextFingerprint: stepCtx.Fingerprint,
		TenantID:           run.TenantID,
		DailyBudget:        o.dailyBudget,
		MaxTokens:          o.maxStepTokens,
	})
	cancel()
	if err != nil {
		return o.failStep(ctx, step, err)
	}

	// Visible to snapshot pollers while the artifact write is in flight.
	if err := o.store.UpdateStepProgress(ctx, step.ID, 90, "Saving artifact"); err != nil {
		o.logger.Warn("orchestrator: progress update failed", "step_id", step.ID, "error", err)
	}

	artifactID, err := o.artifacts.CreateArtifact(ctx, storage.Artifact{
		RunID:     run.ID,
		StepID:    step.ID,
		AgentType: step.AgentType,
		Content:   result.Content,
	})
	if err != nil {
		return o.failStep(ctx, step, fmt.Errorf("create artifact: %w", err))
	}

	if err := o.store.CompleteStep(ctx, step.ID, result.TokensUsed, &artifactID); err != nil {
		return o.failStep(ctx, step, fmt.Errorf("complete step: %w", err))
	}
	if err := o.store.AddRunUsage(ctx, run.ID, result.TokensUsed, result.Cost); err != nil {
		o.logger.Error("orchestrator: add run usage failed", "run_id", run.ID, "error", err)
	}

	step.TokensUsed = result.TokensUsed
	step.ArtifactID = &artifactID
	o.bus.Publish(run.ID, model.StepCompleteEvent(step))

	o.logger.Info("orchestrator: step completed",
		"run_id", run.ID, "agent_type", step.AgentType,
		"tokens", result.TokensUsed, "provider", result.Provider, "cached", result.Cached)
	return nil
}

// failStep persists and publishes a step failure, then returns the error for
// the run-level fail-fast path.
func (o *Orchestrator) failStep(ctx context.Context, step model.Step, cause error) error {
	msg := cause.Error()
	if err := o.store.FailStep(ctx, step.ID, msg); err != nil {
		o.logger.Error("orchestrator: fail step persist failed", "step_id", step.ID, "error", err)
	}
	o.bus.Publish(step.RunID, model.StepErrorEvent(step, msg))

	o.logger.Warn("orchestrator: step failed",
		"run_id", step.RunID, "agent_type", step.AgentType, "error", msg)
	return fmt.Errorf("step %s failed: %w", step.AgentType, cause)
}

// finish transitions the run to a terminal status, publishes the single
// terminal event, and tears down the run's bus topic. This is the only exit
// from execute, so the run always ends terminal.
func (o *Orchestrator) finish(ctx context.Context, runID uuid.UUID, status model.RunStatus, errText string) {
	if err := o.store.FinishRun(ctx, runID, status, errText); err != nil {
		o.logger.Error("orchestrator: finish run persist failed",
			"run_id", runID, "status", status, "error", err)
	}

	failed := status != model.RunStatusCompleted
	o.bus.Publish(runID, model.RunTerminalEvent(runID, failed, errText))
	o.bus.Remove(runID)

	o.logger.Info("orchestrator: run finished", "run_id", runID, "status", status)
}
