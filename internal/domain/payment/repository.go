// internal/domain/payment/repository.go
package payment

import (
	"context"
	"time"
)

// Repository defines persistence operations for Cycle and Obligation.
// Every state change is a single independent write; no multi-row
// transactions are required by callers.
type Repository interface {
	// Cycle methods
	CreateCycle(ctx context.Context, cycle *Cycle) error
	GetCycleByID(ctx context.Context, id string) (*Cycle, error)
	GetOpenCycleByChat(ctx context.Context, chatID int64) (*Cycle, error)
	ListOpenCycles(ctx context.Context) ([]*Cycle, error) // for startup diagnostics
	CloseCycle(ctx context.Context, id string) error

	// Obligation methods
	CreateObligation(ctx context.Context, o *Obligation) error
	GetObligation(ctx context.Context, cycleID string, userID int64) (*Obligation, error)
	ListObligations(ctx context.Context, cycleID string) ([]*Obligation, error)
	// MarkObligationPaid sets paid, tx_hash and paid_at in one update and
	// refuses to touch an obligation that is already paid.
	MarkObligationPaid(ctx context.Context, cycleID string, userID int64, txHash string, paidAt time.Time) error
}
