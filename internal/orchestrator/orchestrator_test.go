package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/relay/internal/bus"
	"github.com/ashita-ai/relay/internal/gateway"
	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/orchestrator"
	"github.com/ashita-ai/relay/internal/storage"
)

// fakeStore records every transition in memory so tests can assert on the
// persisted end state without a database.
type fakeStore struct {
	mu sync.Mutex

	runStatus   map[uuid.UUID]model.RunStatus
	runError    map[uuid.UUID]string
	runTokens   map[uuid.UUID]int64
	stepStatus  map[uuid.UUID]model.StepStatus
	stepError   map[uuid.UUID]string
	artifacts   []storage.Artifact
	failStartOn uuid.UUID // step id whose StartStep call errors
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runStatus:  make(map[uuid.UUID]model.RunStatus),
		runError:   make(map[uuid.UUID]string),
		runTokens:  make(map[uuid.UUID]int64),
		stepStatus: make(map[uuid.UUID]model.StepStatus),
		stepError:  make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) StartRun(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runStatus[id] = model.RunStatusRunning
	return nil
}

func (s *fakeStore) FinishRun(_ context.Context, id uuid.UUID, status model.RunStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runStatus[id] = status
	s.runError[id] = errText
	return nil
}

func (s *fakeStore) AddRunUsage(_ context.Context, id uuid.UUID, tokens int64, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runTokens[id] += tokens
	return nil
}

func (s *fakeStore) StartStep(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.failStartOn {
		return storage.ErrInvalidTransition
	}
	s.stepStatus[id] = model.StepStatusRunning
	return nil
}

func (s *fakeStore) UpdateStepProgress(_ context.Context, _ uuid.UUID, _ int, _ string) error {
	return nil
}

func (s *fakeStore) CompleteStep(_ context.Context, id uuid.UUID, _ int64, _ *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepStatus[id] = model.StepStatusCompleted
	return nil
}

func (s *fakeStore) FailStep(_ context.Context, id uuid.UUID, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepStatus[id] = model.StepStatusFailed
	s.stepError[id] = errText
	return nil
}

func (s *fakeStore) CreateArtifact(_ context.Context, a storage.Artifact) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = uuid.New()
	s.artifacts = append(s.artifacts, a)
	return a.ID, nil
}

func (s *fakeStore) GetRunArtifacts(_ context.Context, runID uuid.UUID) ([]storage.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Artifact
	for _, a := range s.artifacts {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}

// seed records the initial persisted rows for a run's steps, mirroring the
// queued rows the real store holds before orchestration starts.
func (s *fakeStore) seed(steps []model.Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range steps {
		s.stepStatus[step.ID] = model.StepStatusQueued
	}
}

func (s *fakeStore) status(id uuid.UUID) model.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runStatus[id]
}

func (s *fakeStore) stepStatusOf(id uuid.UUID) model.StepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepStatus[id]
}

// fakeInvoker answers per agent type: an error, a panic, or a canned result.
type fakeInvoker struct {
	mu      sync.Mutex
	failOn  map[model.AgentType]error
	panicOn model.AgentType
	calls   []model.AgentType
}

func (f *fakeInvoker) Invoke(_ context.Context, req gateway.InvokeRequest) (gateway.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.AgentType)
	f.mu.Unlock()

	if req.AgentType == f.panicOn {
		panic("provider client state corrupted")
	}
	if err := f.failOn[req.AgentType]; err != nil {
		return gateway.Result{}, err
	}
	return gateway.Result{
		Content:    "output for " + string(req.AgentType),
		TokensUsed: 100,
		Cost:       0.01,
		Provider:   "static",
	}, nil
}

func (f *fakeInvoker) invoked() []model.AgentType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.AgentType(nil), f.calls...)
}

type staticContexts struct{}

func (staticContexts) Build(_ context.Context, _ model.Run, agent model.AgentType) (orchestrator.StepContext, error) {
	return orchestrator.StepContext{Prompt: "prompt for " + string(agent)}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeRun(mode model.PipelineMode, agents ...model.AgentType) (model.Run, []model.Step) {
	run := model.Run{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		TenantID:  uuid.New(),
		Mode:      mode,
		Status:    model.RunStatusQueued,
	}
	steps := make([]model.Step, 0, len(agents))
	for _, a := range agents {
		steps = append(steps, model.Step{
			ID:        uuid.New(),
			RunID:     run.ID,
			AgentType: a,
			Status:    model.StepStatusQueued,
		})
	}
	return run, steps
}

func newOrchestrator(store *fakeStore, inv orchestrator.Invoker, eventBus *bus.Bus) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Config{
		Store:     store,
		Artifacts: store,
		Contexts:  staticContexts{},
		Invoker:   inv,
		Bus:       eventBus,
		Logger:    testLogger(),
	})
}

// collect drains events from ch until it closes or the timeout fires.
func collect(t *testing.T, ch chan model.RunEvent) []model.RunEvent {
	t.Helper()
	var events []model.RunEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d so far", len(events))
		}
	}
}

func TestSequentialRunCompletes(t *testing.T) {
	store := newFakeStore()
	inv := &fakeInvoker{}
	eventBus := bus.New(testLogger())
	run, steps := makeRun(model.ModeSequential, model.AgentRequirementsAnalyst, model.AgentQAConsultant)

	ch := eventBus.Subscribe(run.ID)
	o := newOrchestrator(store, inv, eventBus)
	o.Start(run, steps)

	events := collect(t, ch)

	// running, complete per step, then the terminal event.
	require.Len(t, events, 5)
	assert.Equal(t, model.EventRunning, events[0].Type)
	assert.Equal(t, model.AgentRequirementsAnalyst, events[0].AgentType)
	assert.Equal(t, model.EventComplete, events[1].Type)
	assert.Equal(t, model.EventRunning, events[2].Type)
	assert.Equal(t, model.AgentQAConsultant, events[2].AgentType)
	assert.Equal(t, model.EventComplete, events[3].Type)

	terminal := events[4]
	assert.Equal(t, model.EventComplete, terminal.Type)
	assert.True(t, terminal.AllDone)
	assert.False(t, terminal.Error)

	assert.Equal(t, model.RunStatusCompleted, store.status(run.ID))
	assert.Equal(t, int64(200), store.runTokens[run.ID])
	assert.Len(t, store.artifacts, 2)
}

func TestSequentialFailFast(t *testing.T) {
	store := newFakeStore()
	inv := &fakeInvoker{failOn: map[model.AgentType]error{
		model.AgentQAConsultant: errors.New("provider unreachable"),
	}}
	eventBus := bus.New(testLogger())
	run, steps := makeRun(model.ModeSequential,
		model.AgentRequirementsAnalyst, model.AgentQAConsultant, model.AgentTestChecklist)
	store.seed(steps)

	ch := eventBus.Subscribe(run.ID)
	o := newOrchestrator(store, inv, eventBus)
	o.Start(run, steps)

	events := collect(t, ch)

	// Step 1 runs and completes, step 2 runs and errors, then the terminal
	// event. Step 3 never starts.
	require.Len(t, events, 5)
	assert.Equal(t, model.EventRunning, events[0].Type)
	assert.Equal(t, model.EventComplete, events[1].Type)
	assert.Equal(t, model.EventRunning, events[2].Type)
	assert.Equal(t, model.EventError, events[3].Type)
	assert.Equal(t, model.AgentQAConsultant, events[3].AgentType)
	assert.True(t, events[3].Error)

	terminal := events[4]
	assert.Equal(t, model.EventComplete, terminal.Type)
	assert.True(t, terminal.AllDone)
	assert.True(t, terminal.Error)
	assert.Contains(t, terminal.Message, "qa_consultant")

	assert.Equal(t, model.RunStatusFailed, store.status(run.ID))
	assert.Equal(t, model.StepStatusQueued, store.stepStatusOf(steps[2].ID))
	assert.NotContains(t, inv.invoked(), model.AgentTestChecklist)
}

func TestParallelSiblingsFinishAfterFailure(t *testing.T) {
	store := newFakeStore()
	inv := &fakeInvoker{failOn: map[model.AgentType]error{
		model.AgentRequirementsAnalyst: errors.New("budget exceeded"),
	}}
	eventBus := bus.New(testLogger())
	run, steps := makeRun(model.ModeParallel,
		model.AgentRequirementsAnalyst, model.AgentQAConsultant, model.AgentTestChecklist)

	ch := eventBus.Subscribe(run.ID)
	o := newOrchestrator(store, inv, eventBus)
	o.Start(run, steps)

	events := collect(t, ch)

	// All three steps are invoked even though one fails.
	assert.Len(t, inv.invoked(), 3)
	assert.Equal(t, model.RunStatusFailed, store.status(run.ID))
	assert.Equal(t, model.StepStatusFailed, store.stepStatusOf(steps[0].ID))
	assert.Equal(t, model.StepStatusCompleted, store.stepStatusOf(steps[1].ID))
	assert.Equal(t, model.StepStatusCompleted, store.stepStatusOf(steps[2].ID))

	terminal := events[len(events)-1]
	assert.True(t, terminal.AllDone)
	assert.True(t, terminal.Error)
}

func TestPanicMarksRunFailed(t *testing.T) {
	store := newFakeStore()
	inv := &fakeInvoker{panicOn: model.AgentRequirementsAnalyst}
	eventBus := bus.New(testLogger())
	run, steps := makeRun(model.ModeSequential, model.AgentRequirementsAnalyst)

	ch := eventBus.Subscribe(run.ID)
	o := newOrchestrator(store, inv, eventBus)
	o.Start(run, steps)

	events := collect(t, ch)

	require.NotEmpty(t, events)
	terminal := events[len(events)-1]
	assert.True(t, terminal.AllDone)
	assert.True(t, terminal.Error)
	assert.Contains(t, terminal.Message, "internal error")
	assert.Equal(t, model.RunStatusFailed, store.status(run.ID))
}

func TestRunAlwaysReachesTerminalStatus(t *testing.T) {
	cases := []struct {
		name string
		inv  *fakeInvoker
	}{
		{"all succeed", &fakeInvoker{}},
		{"first fails", &fakeInvoker{failOn: map[model.AgentType]error{
			model.AgentRequirementsAnalyst: errors.New("boom"),
		}}},
		{"last fails", &fakeInvoker{failOn: map[model.AgentType]error{
			model.AgentTestChecklist: errors.New("boom"),
		}}},
		{"panic", &fakeInvoker{panicOn: model.AgentQAConsultant}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			eventBus := bus.New(testLogger())
			run, steps := makeRun(model.ModeSequential,
				model.AgentRequirementsAnalyst, model.AgentQAConsultant, model.AgentTestChecklist)

			ch := eventBus.Subscribe(run.ID)
			o := newOrchestrator(store, tc.inv, eventBus)
			o.Start(run, steps)
			collect(t, ch)

			got := store.status(run.ID)
			assert.True(t, got.Terminal(), "run ended in non-terminal status %q", got)
			assert.Equal(t, 0, eventBus.Active(), "bus topic not torn down")
		})
	}
}

func TestStepStartFailurePersistsStepError(t *testing.T) {
	store := newFakeStore()
	inv := &fakeInvoker{}
	eventBus := bus.New(testLogger())
	run, steps := makeRun(model.ModeSequential, model.AgentRequirementsAnalyst)
	store.failStartOn = steps[0].ID

	ch := eventBus.Subscribe(run.ID)
	o := newOrchestrator(store, inv, eventBus)
	o.Start(run, steps)

	events := collect(t, ch)

	assert.Empty(t, inv.invoked())
	assert.Equal(t, model.RunStatusFailed, store.status(run.ID))
	terminal := events[len(events)-1]
	assert.True(t, terminal.AllDone)
	assert.True(t, terminal.Error)
}

func TestDrainWaitsForRuns(t *testing.T) {
	store := newFakeStore()
	inv := &fakeInvoker{}
	eventBus := bus.New(testLogger())
	o := newOrchestrator(store, inv, eventBus)

	for i := 0; i < 4; i++ {
		run, steps := makeRun(model.ModeSequential, model.AgentRequirementsAnalyst)
		o.Start(run, steps)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.Drain(ctx)

	store.mu.Lock()
	defer store.mu.Unlock()
	for id, status := range store.runStatus {
		assert.True(t, status.Terminal(), "run %s left in %q", id, status)
	}
}

func TestArtifactContextBuilderAccumulates(t *testing.T) {
	store := newFakeStore()
	run, _ := makeRun(model.ModeSequential, model.AgentRequirementsAnalyst)

	_, err := store.CreateArtifact(context.Background(), storage.Artifact{
		RunID:     run.ID,
		AgentType: model.AgentRequirementsAnalyst,
		Content:   "requirements: the system ingests CSV files",
	})
	require.NoError(t, err)

	b := orchestrator.NewArtifactContextBuilder(store)
	sc, err := b.Build(context.Background(), run, model.AgentQAConsultant)
	require.NoError(t, err)

	assert.Contains(t, sc.Prompt, "requirements: the system ingests CSV files")
	assert.Contains(t, sc.Prompt, fmt.Sprintf("Project: %s", run.ProjectID))
	assert.NotEmpty(t, sc.System)
	assert.Empty(t, sc.Fingerprint)
}

func TestArtifactContextBuilderUnknownAgent(t *testing.T) {
	store := newFakeStore()
	run, _ := makeRun(model.ModeSequential, model.AgentRequirementsAnalyst)

	b := orchestrator.NewArtifactContextBuilder(store)
	_, err := b.Build(context.Background(), run, model.AgentType("mystery"))
	assert.Error(t, err)
}
