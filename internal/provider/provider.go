// Package provider defines the inference provider boundary and ships HTTP
// clients for an OpenAI-compatible endpoint and a local Ollama server.
//
// Providers are interchangeable behind the gateway's fallback contract: each
// accepts a prompt plus optional system context and returns generated content
// with a token-usage figure. Every call is bounded by the client's timeout so
// a hung provider surfaces as an ordinary provider error.
package provider

import "context"

// CompletionRequest is one inference call.
type CompletionRequest struct {
	Prompt    string
	System    string // optional system context
	MaxTokens int    // upper bound on generated tokens; also the admission estimate
}

// CompletionResult is the outcome of a successful inference call.
type CompletionResult struct {
	Content    string
	TokensUsed int64
}

// Provider is a single inference backend.
type Provider interface {
	// Name identifies the provider in results and logs (e.g. "openai", "ollama").
	Name() string

	// Complete performs one inference call. Implementations must honor ctx
	// cancellation and return an error rather than blocking indefinitely.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}
