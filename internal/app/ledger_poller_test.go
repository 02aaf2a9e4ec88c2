package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"group_payment_bot/internal/domain/ledger"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "0xAbC0000000000000000000000000000000000001"

func newTestLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeLedgerClient struct {
	mu           sync.Mutex
	head         uint64
	transfers    []ledger.Transfer
	headErr      error
	transfersErr error
	ranges       [][2]uint64
}

func (f *fakeLedgerClient) BlockNumber(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return 0, f.headErr
	}
	return f.head, nil
}

func (f *fakeLedgerClient) GetTransfers(_ context.Context, _ string, fromBlock, toBlock uint64) ([]ledger.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, [2]uint64{fromBlock, toBlock})
	if f.transfersErr != nil {
		return nil, f.transfersErr
	}
	return f.transfers, nil
}

func transferTo(to, hash, amount string) ledger.Transfer {
	return ledger.Transfer{
		TxHash: hash,
		From:   "0xsender",
		To:     to,
		Amount: decimal.RequireFromString(amount),
	}
}

func TestPollFiltersAndDeduplicates(t *testing.T) {
	start := time.Now()
	old := transferTo(testAddress, "0xold", "0.000201")
	old.ObservedAt = start.Add(-time.Hour)

	client := &fakeLedgerClient{
		head: 100,
		transfers: []ledger.Transfer{
			transferTo(testAddress, "0xgood", "0.000167"),
			transferTo(testAddress, "0xzero", "0"),
			transferTo("0xsomeoneelse", "0xwrongto", "0.000167"),
			old,
		},
	}
	p := NewLedgerPoller(client, testAddress, 10, start, newTestLogger())

	fresh, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "0xgood", fresh[0].TxHash)
	require.Len(t, client.ranges, 1)
	assert.Equal(t, [2]uint64{91, 100}, client.ranges[0], "first poll anchors at head minus lookback")

	// Overlapping window re-delivers the same transfer.
	client.mu.Lock()
	client.head = 105
	client.mu.Unlock()
	fresh, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fresh, "re-delivered transfer must be deduplicated")
	assert.Equal(t, [2]uint64{101, 105}, client.ranges[1], "cursor advances past scanned window")
}

func TestPollRecipientMatchIsCaseInsensitive(t *testing.T) {
	client := &fakeLedgerClient{
		head:      50,
		transfers: []ledger.Transfer{transferTo("0xabc0000000000000000000000000000000000001", "0xtx1", "0.5")},
	}
	p := NewLedgerPoller(client, testAddress, 10, time.Now(), newTestLogger())

	fresh, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

func TestPollCursorHoldsOnTransportError(t *testing.T) {
	client := &fakeLedgerClient{head: 100, transfersErr: fmt.Errorf("rpc unavailable")}
	p := NewLedgerPoller(client, testAddress, 10, time.Now(), newTestLogger())

	_, err := p.Poll(context.Background())
	require.Error(t, err)

	client.mu.Lock()
	client.transfersErr = nil
	client.mu.Unlock()

	_, err = p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, client.ranges, 2)
	assert.Equal(t, client.ranges[0], client.ranges[1], "failed window is re-scanned on the next tick")
}

func TestPollSkipsWhenNoNewBlocks(t *testing.T) {
	client := &fakeLedgerClient{head: 100}
	p := NewLedgerPoller(client, testAddress, 10, time.Now(), newTestLogger())

	_, err := p.Poll(context.Background())
	require.NoError(t, err)

	fresh, err := p.Poll(context.Background()) // head unchanged
	require.NoError(t, err)
	assert.Nil(t, fresh)
	assert.Len(t, client.ranges, 1, "no query when the head has not advanced")
}

func TestDedupSetStaysBounded(t *testing.T) {
	p := NewLedgerPoller(&fakeLedgerClient{}, testAddress, 10, time.Now(), newTestLogger())
	for i := 0; i < 500; i++ {
		p.remember(fmt.Sprintf("0xtx%d", i))
	}
	assert.LessOrEqual(t, len(p.seenOrder), dedupHighWater)
	assert.Equal(t, len(p.seen), len(p.seenOrder))
	// The most recent hash is always retained.
	_, ok := p.seen["0xtx499"]
	assert.True(t, ok)
}

func TestPollSingleInFlight(t *testing.T) {
	p := NewLedgerPoller(&fakeLedgerClient{head: 100}, testAddress, 10, time.Now(), newTestLogger())
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.Poll(context.Background())
	assert.Equal(t, ErrPollInFlight, err)
}
