package pricing

import (
	"context"

	"github.com/shopspring/decimal"
)

// Oracle defines the upstream spot-price collaborator. Callers must
// tolerate failure; the fee computation falls back to a constant when no
// price can be fetched.
type Oracle interface {
	// SpotPrice returns the current ETH-USD price.
	SpotPrice(ctx context.Context) (decimal.Decimal, error)
}
