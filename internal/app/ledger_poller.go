// internal/app/ledger_poller.go
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"group_payment_bot/internal/domain/ledger"

	"github.com/sirupsen/logrus"
)

// Dedup set bounds: when the set exceeds dedupHighWater entries it is
// trimmed to the most recent dedupLowWater, so memory stays bounded while
// re-delivery across overlapping poll windows is still tolerated.
const (
	dedupHighWater = 100
	dedupLowWater  = 50
)

// ErrPollInFlight is returned when a tick finds the previous poll still
// running. The tick is skipped, not queued.
var ErrPollInFlight = fmt.Errorf("previous poll still in flight")

// LedgerPoller retrieves new transfers to the collection address since the
// last observed block cursor. One poller is bound to one cycle; its cursor
// and dedup set die with the cycle.
type LedgerPoller struct {
	client    ledger.Client
	address   string
	lookback  uint64    // blocks scanned behind head on the first poll
	startedAt time.Time // transfers observed before this are never candidates
	logger    *logrus.Entry

	mu        sync.Mutex // serializes polls; TryLock implements the single in-flight guard
	cursor    uint64     // advanced only after a successful poll
	seen      map[string]struct{}
	seenOrder []string // insertion order, for trimming
}

func NewLedgerPoller(client ledger.Client, address string, lookback uint64, startedAt time.Time, logger *logrus.Entry) *LedgerPoller {
	return &LedgerPoller{
		client:    client,
		address:   address,
		lookback:  lookback,
		startedAt: startedAt,
		logger:    logger,
		seen:      make(map[string]struct{}),
	}
}

// Poll returns the transfers to the collection address that are new since
// the last successful poll: strictly after the cursor, addressed to the
// collection address, non-zero, not older than the poller start, and not
// seen before. The cursor does not advance on transport errors, so a
// failed window is re-scanned on the next tick.
func (p *LedgerPoller) Poll(ctx context.Context) ([]ledger.Transfer, error) {
	if !p.mu.TryLock() {
		return nil, ErrPollInFlight
	}
	defer p.mu.Unlock()

	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain head: %w", err)
	}

	if p.cursor == 0 {
		// First poll: anchor just behind the head so stale history from
		// before the cycle is never scanned.
		if head > p.lookback {
			p.cursor = head - p.lookback
		}
	}
	if head <= p.cursor {
		return nil, nil
	}

	transfers, err := p.client.GetTransfers(ctx, p.address, p.cursor+1, head)
	if err != nil {
		return nil, fmt.Errorf("failed to get transfers: %w", err)
	}

	fresh := make([]ledger.Transfer, 0, len(transfers))
	for _, t := range transfers {
		if !strings.EqualFold(t.To, p.address) {
			continue
		}
		if !t.Amount.IsPositive() {
			continue
		}
		if !t.ObservedAt.IsZero() && t.ObservedAt.Before(p.startedAt) {
			p.logger.WithField("tx_hash", t.TxHash).Debug("Skipping transfer observed before monitor start")
			continue
		}
		if _, dup := p.seen[t.TxHash]; dup {
			continue
		}
		p.remember(t.TxHash)
		fresh = append(fresh, t)
	}

	p.cursor = head
	return fresh, nil
}

func (p *LedgerPoller) remember(txHash string) {
	p.seen[txHash] = struct{}{}
	p.seenOrder = append(p.seenOrder, txHash)
	if len(p.seenOrder) > dedupHighWater {
		evict := p.seenOrder[:len(p.seenOrder)-dedupLowWater]
		for _, h := range evict {
			delete(p.seen, h)
		}
		p.seenOrder = append([]string(nil), p.seenOrder[len(p.seenOrder)-dedupLowWater:]...)
	}
}
