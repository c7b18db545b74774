// Package gateway implements the per-call inference contract:
// cache lookup → budget admission → primary provider → fallback provider →
// cache write → usage accounting.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/relay/internal/budget"
	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/provider"
)

// DefaultTTL is the fixed lifetime of a cached inference result.
const DefaultTTL = 24 * time.Hour

// ProviderCache is the provider name reported for cache hits.
const ProviderCache = "cache"

// InvokeRequest is one gated inference call.
type InvokeRequest struct {
	AgentType model.AgentType
	Prompt    string
	System    string

	// ContextFingerprint is a deterministic digest of the assembled context.
	// Empty means the caller has nothing richer to fingerprint than the
	// prompt itself, and the gateway digests the prompt instead.
	ContextFingerprint string

	TenantID    uuid.UUID
	DailyBudget int64 // tier-specific daily token budget; <= 0 disables the gate
	MaxTokens   int   // admission estimate and generation cap
}

// Result is the outcome of a successful Invoke.
type Result struct {
	Content    string
	TokensUsed int64
	Cost       float64
	Cached     bool
	Provider   string // "cache", or the provider that produced the content
}

// Gateway coordinates the cache, the budget ledger, and the provider pair.
// Safe for concurrent use by any number of orchestration goroutines.
type Gateway struct {
	cache    Cache
	ledger   budget.Ledger
	primary  provider.Provider
	fallback provider.Provider // nil means no fallback configured
	logger   *slog.Logger

	ttl           time.Duration
	costPerKToken float64

	// group collapses concurrent identical calls so at most one provider
	// request is in flight per (tenant, cache key) at a time.
	group singleflight.Group

	calls otelmetric.Int64Counter
}

// Config holds the gateway's collaborators and tuning.
type Config struct {
	Cache    Cache
	Ledger   budget.Ledger
	Primary  provider.Provider
	Fallback provider.Provider // optional
	Logger   *slog.Logger

	TTL           time.Duration // cache entry lifetime; default DefaultTTL
	CostPerKToken float64       // USD per 1000 tokens for cost estimates
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &Gateway{
		cache:         cfg.Cache,
		ledger:        cfg.Ledger,
		primary:       cfg.Primary,
		fallback:      cfg.Fallback,
		logger:        cfg.Logger,
		ttl:           ttl,
		costPerKToken: cfg.CostPerKToken,
	}
	if counter, err := otel.GetMeterProvider().Meter("relay/gateway").
		Int64Counter("gateway.invocations"); err == nil {
		g.calls = counter
	}
	return g
}

// CacheKey derives the content-addressed cache key for an agent type and
// context fingerprint. Deterministic: identical inputs always map to the
// same key.
func CacheKey(agentType model.AgentType, fingerprint string) string {
	h := sha256.New()
	h.Write([]byte(agentType))
	h.Write([]byte{0})
	h.Write([]byte(fingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint digests arbitrary context material into a cache-key component.
func Fingerprint(material string) string {
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// Invoke performs one inference call under the per-call contract.
//
// Returns *budget.ExceededError when admitting the call would overrun the
// tenant's daily budget (no provider is called), and
// *ProvidersUnavailableError when both providers fail (nothing is cached and
// the ledger is untouched).
func (g *Gateway) Invoke(ctx context.Context, req InvokeRequest) (Result, error) {
	fingerprint := req.ContextFingerprint
	if fingerprint == "" {
		fingerprint = Fingerprint(req.Prompt)
	}
	key := CacheKey(req.AgentType, fingerprint)

	// Cache hit: no provider call, no budget accounting.
	if entry, ok, err := g.cache.Get(ctx, key); err != nil {
		g.logger.Warn("gateway: cache read failed, treating as miss", "error", err)
	} else if ok {
		g.count(ctx, req.AgentType, ProviderCache)
		return Result{
			Content:    entry.Content,
			TokensUsed: entry.Tokens,
			Cost:       entry.Cost,
			Cached:     true,
			Provider:   ProviderCache,
		}, nil
	}

	// Collapse concurrent identical requests. The flight key includes the
	// tenant so one tenant's call is never billed to another's reservation.
	flight := req.TenantID.String() + ":" + key
	v, err, _ := g.group.Do(flight, func() (any, error) {
		return g.invokeMiss(ctx, req, key)
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	g.count(ctx, req.AgentType, res.Provider)
	return res, nil
}

// invokeMiss runs the gated miss path: admission, providers, cache write,
// ledger commit.
func (g *Gateway) invokeMiss(ctx context.Context, req InvokeRequest, key string) (Result, error) {
	estimate := int64(req.MaxTokens)

	// Admission gate on the worst-case estimate. Held, not committed: a
	// failed call must leave the counter exactly where it was.
	if err := g.ledger.Reserve(ctx, req.TenantID, budget.WindowDaily, req.DailyBudget, estimate); err != nil {
		return Result{}, err
	}

	completion := provider.CompletionRequest{
		Prompt:    req.Prompt,
		System:    req.System,
		MaxTokens: req.MaxTokens,
	}

	name := g.primary.Name()
	result, primaryErr := g.primary.Complete(ctx, completion)
	if primaryErr != nil {
		if g.fallback == nil {
			g.release(ctx, req, estimate)
			return Result{}, &ProvidersUnavailableError{Primary: primaryErr}
		}
		g.logger.Warn("gateway: primary provider failed, trying fallback",
			"agent_type", req.AgentType, "primary", name, "error", primaryErr)

		name = g.fallback.Name()
		var fallbackErr error
		result, fallbackErr = g.fallback.Complete(ctx, completion)
		if fallbackErr != nil {
			g.release(ctx, req, estimate)
			return Result{}, &ProvidersUnavailableError{Primary: primaryErr, Fallback: fallbackErr}
		}
	}

	cost := float64(result.TokensUsed) / 1000 * g.costPerKToken

	// Cache write before ledger commit; both are post-success effects.
	if err := g.cache.Set(ctx, key, CacheEntry{
		Content:  result.Content,
		Tokens:   result.TokensUsed,
		Cost:     cost,
		Provider: name,
	}, g.ttl); err != nil {
		g.logger.Warn("gateway: cache write failed", "error", err)
	}

	// Swap the estimate hold for the actual usage. The monthly counter has
	// no per-call reservation, it is gated once at run admission, so the
	// actual usage lands there without a hold to swap.
	if err := g.ledger.Commit(ctx, req.TenantID, budget.WindowDaily, estimate, result.TokensUsed); err != nil {
		g.logger.Error("gateway: ledger commit failed", "tenant_id", req.TenantID, "error", err)
	}
	if err := g.ledger.Commit(ctx, req.TenantID, budget.WindowMonthly, 0, result.TokensUsed); err != nil {
		g.logger.Error("gateway: monthly ledger commit failed", "tenant_id", req.TenantID, "error", err)
	}

	return Result{
		Content:    result.Content,
		TokensUsed: result.TokensUsed,
		Cost:       cost,
		Cached:     false,
		Provider:   name,
	}, nil
}

func (g *Gateway) release(ctx context.Context, req InvokeRequest, estimate int64) {
	if err := g.ledger.Release(ctx, req.TenantID, budget.WindowDaily, estimate); err != nil {
		g.logger.Error("gateway: ledger release failed", "tenant_id", req.TenantID, "error", err)
	}
}

func (g *Gateway) count(ctx context.Context, agent model.AgentType, providerName string) {
	if g.calls == nil {
		return
	}
	g.calls.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("agent_type", string(agent)),
		attribute.String("provider", providerName),
	))
}
