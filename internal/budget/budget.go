// Package budget provides atomic per-tenant token accounting.
//
// The OSS distribution ships an in-memory ledger (MemoryLedger). Deployments
// that run multiple instances can substitute a shared-store implementation
// for cross-instance coordination; the Ledger interface is the contract.
//
// Admission is two-phase by design: Reserve gates on a worst-case token
// estimate before any money is spent, and Commit records the actual usage
// afterwards, so the ledger tracks reality instead of estimates while two
// concurrent calls can never both squeeze through one call's worth of
// remaining budget.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Window identifies the rolling accounting period for a counter.
type Window string

const (
	// WindowDaily gates individual inference calls.
	WindowDaily Window = "daily"
	// WindowMonthly gates run admission.
	WindowMonthly Window = "monthly"
)

// start returns the window's bucket label for the given instant.
func (w Window) start(now time.Time) string {
	switch w {
	case WindowMonthly:
		return now.UTC().Format("2006-01")
	default:
		return now.UTC().Format("2006-01-02")
	}
}

// ExceededError reports a reservation that would overrun the tenant's budget.
type ExceededError struct {
	TenantID uuid.UUID
	Window   Window
	Usage    int64 // committed + reserved at the time of the check
	Limit    int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: tenant %s %s budget exceeded: %d/%d tokens",
		e.TenantID, e.Window, e.Usage, e.Limit)
}

// Ledger tracks token usage per tenant per window.
// Implementations must be safe for concurrent use; Reserve's check-and-hold
// must be atomic with respect to other reservations on the same counter.
type Ledger interface {
	// Reserve atomically admits estimate tokens against limit, holding the
	// estimate until Commit or Release. Returns *ExceededError when the hold
	// would overrun the limit. limit <= 0 means unlimited.
	Reserve(ctx context.Context, tenantID uuid.UUID, w Window, limit, estimate int64) error

	// Commit swaps a prior reservation of estimate for the actual tokens
	// consumed. Called only after a successful inference call.
	Commit(ctx context.Context, tenantID uuid.UUID, w Window, estimate, actual int64) error

	// Release drops a prior reservation of estimate without recording usage.
	// Called when the gated call failed: failed calls never count.
	Release(ctx context.Context, tenantID uuid.UUID, w Window, estimate int64) error

	// Usage returns the tenant's committed token usage for the current window.
	Usage(ctx context.Context, tenantID uuid.UUID, w Window) (int64, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLedger admits everything and records nothing. Used when budget
// enforcement is disabled.
type NoopLedger struct{}

func (NoopLedger) Reserve(context.Context, uuid.UUID, Window, int64, int64) error { return nil }
func (NoopLedger) Commit(context.Context, uuid.UUID, Window, int64, int64) error  { return nil }
func (NoopLedger) Release(context.Context, uuid.UUID, Window, int64) error        { return nil }
func (NoopLedger) Usage(context.Context, uuid.UUID, Window) (int64, error)        { return 0, nil }
func (NoopLedger) Close() error                                                   { return nil }
