package provider

import (
	"context"
	"sync/atomic"
)

// StaticProvider returns a fixed result or error on every call. Used in
// tests and as a stand-in when no real provider is configured.
type StaticProvider struct {
	ProviderName string
	Result       CompletionResult
	Err          error

	calls atomic.Int64
}

// Name implements Provider.
func (p *StaticProvider) Name() string {
	if p.ProviderName == "" {
		return "static"
	}
	return p.ProviderName
}

// Complete implements Provider.
func (p *StaticProvider) Complete(ctx context.Context, _ CompletionRequest) (CompletionResult, error) {
	if err := ctx.Err(); err != nil {
		return CompletionResult{}, err
	}
	p.calls.Add(1)
	if p.Err != nil {
		return CompletionResult{}, p.Err
	}
	return p.Result, nil
}

// Calls returns how many times Complete was invoked.
func (p *StaticProvider) Calls() int { return int(p.calls.Load()) }
