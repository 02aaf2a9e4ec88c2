// internal/domain/ledger/ledger.go
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Transfer is a value-movement record read from the chain.
type Transfer struct {
	TxHash     string
	From       string
	To         string
	Amount     decimal.Decimal // ETH units
	BlockNum   uint64
	ObservedAt time.Time // block timestamp when the backend provides one
}

// Client defines the ledger query collaborator: a JSON-RPC-style call that
// returns transfer records addressed to an address within a block range.
// Implementations may return empty results and duplicate records; callers
// are responsible for deduplication.
//
// This interface is the seam where alternative "get new transfers"
// backends (time-window or balance-diff strategies) would plug in.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetTransfers(ctx context.Context, address string, fromBlock, toBlock uint64) ([]Transfer, error)
}
