package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/storage"
)

// ArtifactReader loads a run's already-produced artifacts.
// *storage.DB satisfies it.
type ArtifactReader interface {
	GetRunArtifacts(ctx context.Context, runID uuid.UUID) ([]storage.Artifact, error)
}

// agent instructions keyed by type. Kept terse: the heavy lifting is in the
// accumulated artifact context, not the instruction text.
var agentInstructions = map[model.AgentType]string{
	model.AgentRequirementsAnalyst: "Analyze the project's data sources and produce a structured requirements summary: actors, functional requirements, and constraints.",
	model.AgentQAConsultant:        "Review the requirements summary and identify risk areas, ambiguities, and quality concerns that testing must address.",
	model.AgentTestChecklist:       "Produce a prioritized test checklist covering the identified requirements and risk areas.",
	model.AgentAutomationEngineer:  "Select checklist items suited to automation and outline automated test cases for them.",
}

const analystSystem = "You are a software quality analyst. Answer with structured, concise output. Do not invent facts absent from the provided context."

// ArtifactContextBuilder builds each step's prompt from the run's prior
// artifacts, so later agents in the catalog consume earlier agents' output.
// The fingerprint digests the same material as the prompt, which makes cache
// keys stable across prompt-template tweaks only when the context itself is
// unchanged.
type ArtifactContextBuilder struct {
	artifacts ArtifactReader
}

// NewArtifactContextBuilder creates the default ContextBuilder.
func NewArtifactContextBuilder(artifacts ArtifactReader) *ArtifactContextBuilder {
	return &ArtifactContextBuilder{artifacts: artifacts}
}

// Build assembles the prompt for one agent from the run's accumulated
// artifacts.
func (b *ArtifactContextBuilder) Build(ctx context.Context, run model.Run, agent model.AgentType) (StepContext, error) {
	instruction, ok := agentInstructions[agent]
	if !ok {
		return StepContext{}, fmt.Errorf("orchestrator: no instructions for agent type %q", agent)
	}

	prior, err := b.artifacts.GetRunArtifacts(ctx, run.ID)
	if err != nil {
		return StepContext{}, fmt.Errorf("orchestrator: load artifacts: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Project: %s\n\n", run.ProjectID)
	for _, a := range prior {
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", a.AgentType.Label(), a.Content)
	}
	sb.WriteString(instruction)

	prompt := sb.String()
	return StepContext{
		Prompt: prompt,
		System: analystSystem,
		// Empty fingerprint: the gateway digests the prompt, which already
		// contains the full context material.
	}, nil
}
