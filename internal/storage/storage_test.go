package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/storage"
	"github.com/ashita-ai/relay/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up test database: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func newTestRun(t *testing.T, agents ...model.AgentType) (model.Run, []model.Step) {
	t.Helper()
	if len(agents) == 0 {
		agents = []model.AgentType{model.AgentRequirementsAnalyst, model.AgentQAConsultant}
	}
	run, steps, err := testDB.CreateRun(context.Background(), model.Run{
		ProjectID:  uuid.New(),
		TenantID:   uuid.New(),
		Mode:       model.ModeSequential,
		AgentTypes: agents,
		CreatedBy:  "storage-test",
	})
	require.NoError(t, err)
	return run, steps
}

func TestCreateRunCreatesQueuedSteps(t *testing.T) {
	ctx := context.Background()
	run, steps := newTestRun(t, model.AgentRequirementsAnalyst, model.AgentTestChecklist)

	assert.Equal(t, model.RunStatusQueued, run.Status)
	require.Len(t, steps, 2)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ProjectID, got.ProjectID)
	assert.Equal(t, run.TenantID, got.TenantID)
	assert.Equal(t, model.ModeSequential, got.Mode)
	assert.Equal(t, []model.AgentType{model.AgentRequirementsAnalyst, model.AgentTestChecklist}, got.AgentTypes)
	assert.Equal(t, int64(0), got.TotalTokens)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	gotSteps, err := testDB.GetRunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, gotSteps, 2)
	assert.Equal(t, model.AgentRequirementsAnalyst, gotSteps[0].AgentType)
	assert.Equal(t, model.AgentTestChecklist, gotSteps[1].AgentType)
	for _, s := range gotSteps {
		assert.Equal(t, model.StepStatusQueued, s.Status)
		assert.Equal(t, 0, s.Progress)
		assert.Equal(t, s.AgentType.Label(), s.ProgressLabel)
		assert.Nil(t, s.ArtifactID)
	}
}

func TestGetRunNotFound(t *testing.T) {
	_, err := testDB.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListRunsNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		run, _, err := testDB.CreateRun(ctx, model.Run{
			ProjectID:  projectID,
			TenantID:   uuid.New(),
			Mode:       model.ModeSequential,
			AgentTypes: []model.AgentType{model.AgentRequirementsAnalyst},
			CreatedBy:  "storage-test",
		})
		require.NoError(t, err)
		ids = append(ids, run.ID)
		time.Sleep(5 * time.Millisecond) // distinct created_at ordering
	}

	runs, err := testDB.ListRuns(ctx, projectID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[0], runs[2].ID)

	limited, err := testDB.ListRuns(ctx, projectID, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, ids[2], limited[0].ID)
}

func TestRunLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	run, _ := newTestRun(t)

	require.NoError(t, testDB.StartRun(ctx, run.ID))

	// A second start must fail: queued to running is a one-way door.
	err := testDB.StartRun(ctx, run.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, testDB.FinishRun(ctx, run.ID, model.RunStatusCompleted, ""))

	got, err = testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.Error)

	// Terminal runs cannot be finished again.
	err = testDB.FinishRun(ctx, run.ID, model.RunStatusFailed, "late failure")
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestFinishRunRecordsError(t *testing.T) {
	ctx := context.Background()
	run, _ := newTestRun(t)

	require.NoError(t, testDB.StartRun(ctx, run.ID))
	require.NoError(t, testDB.FinishRun(ctx, run.ID, model.RunStatusFailed, "step qa_consultant failed"))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "step qa_consultant failed", *got.Error)
}

func TestFinishRunRejectsNonTerminalStatus(t *testing.T) {
	run, _ := newTestRun(t)
	err := testDB.FinishRun(context.Background(), run.ID, model.RunStatusRunning, "")
	assert.Error(t, err)
}

func TestFinishRunFromQueued(t *testing.T) {
	// When the queued-to-running persist fails, the orchestrator still fails
	// the run; the queued row must reach the terminal status.
	ctx := context.Background()
	run, _ := newTestRun(t)

	require.NoError(t, testDB.FinishRun(ctx, run.ID, model.RunStatusFailed, "failed to start run"))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Error)
	assert.Equal(t, "failed to start run", *got.Error)

	// Still terminal-once: a second finish is rejected.
	err = testDB.FinishRun(ctx, run.ID, model.RunStatusCancelled, "")
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestGetRunStepsPipelineOrder(t *testing.T) {
	// Selection order is the pipeline order, whatever it is; the snapshot
	// must preserve it even though all steps share one creation timestamp.
	ctx := context.Background()
	agents := []model.AgentType{
		model.AgentAutomationEngineer,
		model.AgentRequirementsAnalyst,
		model.AgentTestChecklist,
		model.AgentQAConsultant,
	}
	run, _ := newTestRun(t, agents...)

	steps, err := testDB.GetRunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, len(agents))
	for i, want := range agents {
		assert.Equal(t, want, steps[i].AgentType, "step %d out of order", i)
	}
}

func TestAddRunUsageAccumulates(t *testing.T) {
	ctx := context.Background()
	run, _ := newTestRun(t)

	require.NoError(t, testDB.AddRunUsage(ctx, run.ID, 120, 0.0012))
	require.NoError(t, testDB.AddRunUsage(ctx, run.ID, 80, 0.0008))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.TotalTokens)
	assert.InDelta(t, 0.002, got.TotalCost, 1e-9)
}

func TestAddRunUsageUnknownRun(t *testing.T) {
	err := testDB.AddRunUsage(context.Background(), uuid.New(), 10, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStepLifecycle(t *testing.T) {
	ctx := context.Background()
	_, steps := newTestRun(t)
	step := steps[0]

	require.NoError(t, testDB.StartStep(ctx, step.ID))
	assert.ErrorIs(t, testDB.StartStep(ctx, step.ID), storage.ErrInvalidTransition)

	require.NoError(t, testDB.UpdateStepProgress(ctx, step.ID, 40, "Analyzing"))
	// Stale progress writes are absorbed by the GREATEST guard.
	require.NoError(t, testDB.UpdateStepProgress(ctx, step.ID, 10, "Analyzing"))

	got, err := testDB.GetRunSteps(ctx, step.RunID)
	require.NoError(t, err)
	assert.Equal(t, 40, got[0].Progress)
	assert.Equal(t, "Analyzing", got[0].ProgressLabel)

	artifactID, err := testDB.CreateArtifact(ctx, storage.Artifact{
		RunID:     step.RunID,
		StepID:    step.ID,
		AgentType: step.AgentType,
		Content:   "## Requirements\n\n- the system shall",
	})
	require.NoError(t, err)

	require.NoError(t, testDB.CompleteStep(ctx, step.ID, 512, &artifactID))
	assert.ErrorIs(t, testDB.CompleteStep(ctx, step.ID, 512, &artifactID), storage.ErrInvalidTransition)

	got, err = testDB.GetRunSteps(ctx, step.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusCompleted, got[0].Status)
	assert.Equal(t, 100, got[0].Progress)
	assert.Equal(t, int64(512), got[0].TokensUsed)
	require.NotNil(t, got[0].ArtifactID)
	assert.Equal(t, artifactID, *got[0].ArtifactID)
	require.NotNil(t, got[0].CompletedAt)
}

func TestFailStep(t *testing.T) {
	ctx := context.Background()
	_, steps := newTestRun(t)
	step := steps[0]

	// Failing a queued step is invalid; failure implies the step ran.
	assert.ErrorIs(t, testDB.FailStep(ctx, step.ID, "boom"), storage.ErrInvalidTransition)

	require.NoError(t, testDB.StartStep(ctx, step.ID))
	require.NoError(t, testDB.FailStep(ctx, step.ID, "provider unavailable"))

	got, err := testDB.GetRunSteps(ctx, step.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusFailed, got[0].Status)
	require.NotNil(t, got[0].Error)
	assert.Equal(t, "provider unavailable", *got[0].Error)
}

func TestCompleteStepFromQueuedFails(t *testing.T) {
	_, steps := newTestRun(t)
	err := testDB.CompleteStep(context.Background(), steps[0].ID, 1, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestArtifactRoundTrip(t *testing.T) {
	ctx := context.Background()
	run, steps := newTestRun(t)

	first, err := testDB.CreateArtifact(ctx, storage.Artifact{
		RunID:     run.ID,
		StepID:    steps[0].ID,
		AgentType: steps[0].AgentType,
		Content:   "analyst output",
	})
	require.NoError(t, err)
	second, err := testDB.CreateArtifact(ctx, storage.Artifact{
		RunID:     run.ID,
		StepID:    steps[1].ID,
		AgentType: steps[1].AgentType,
		Content:   "qa output",
	})
	require.NoError(t, err)

	got, err := testDB.GetArtifact(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "analyst output", got.Content)
	assert.Equal(t, steps[0].AgentType, got.AgentType)

	_, err = testDB.GetArtifact(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	all, err := testDB.GetRunArtifacts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].ID)
	assert.Equal(t, second, all[1].ID)
}

func TestCountReadySources(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()

	n, err := testDB.CountReadySources(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = testDB.CreateSource(ctx, storage.Source{ProjectID: projectID})
	require.NoError(t, err)

	// Pending sources do not count.
	n, err = testDB.CountReadySources(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	src, err := testDB.CreateSource(ctx, storage.Source{ProjectID: projectID, Kind: "upload", Status: "ready"})
	require.NoError(t, err)
	assert.Equal(t, "upload", src.Kind)

	n, err = testDB.CountReadySources(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
