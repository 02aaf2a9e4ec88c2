package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"group_payment_bot/internal/domain/ledger"
	"group_payment_bot/internal/domain/payment"
	idb "group_payment_bot/internal/infra/database"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/telebot.v3"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// --- fakes ---

type fakePaymentRepo struct {
	mu          sync.Mutex
	cycles      map[string]*payment.Cycle
	obligations map[string]map[int64]*payment.Obligation
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{
		cycles:      make(map[string]*payment.Cycle),
		obligations: make(map[string]map[int64]*payment.Obligation),
	}
}

func (r *fakePaymentRepo) CreateCycle(_ context.Context, c *payment.Cycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *c
	r.cycles[c.ID] = &stored
	r.obligations[c.ID] = make(map[int64]*payment.Obligation)
	return nil
}

func (r *fakePaymentRepo) GetCycleByID(_ context.Context, id string) (*payment.Cycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cycles[id]
	if !ok {
		return nil, idb.ErrCycleNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *fakePaymentRepo) GetOpenCycleByChat(_ context.Context, chatID int64) (*payment.Cycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.cycles {
		if c.ChatID == chatID && !c.Closed {
			copied := *c
			return &copied, nil
		}
	}
	return nil, idb.ErrCycleNotFound
}

func (r *fakePaymentRepo) ListOpenCycles(_ context.Context) ([]*payment.Cycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*payment.Cycle, 0)
	for _, c := range r.cycles {
		if !c.Closed {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakePaymentRepo) CloseCycle(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cycles[id]
	if !ok {
		return idb.ErrCycleNotFound
	}
	c.Closed = true
	return nil
}

func (r *fakePaymentRepo) CreateObligation(_ context.Context, o *payment.Obligation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cycleObligations, ok := r.obligations[o.CycleID]
	if !ok {
		return idb.ErrCycleNotFound
	}
	if _, exists := cycleObligations[o.UserID]; exists {
		return idb.ErrDuplicateObligation
	}
	stored := *o
	cycleObligations[o.UserID] = &stored
	return nil
}

func (r *fakePaymentRepo) GetObligation(_ context.Context, cycleID string, userID int64) (*payment.Obligation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.obligations[cycleID][userID]
	if !ok {
		return nil, idb.ErrObligationNotFound
	}
	copied := *o
	return &copied, nil
}

func (r *fakePaymentRepo) ListObligations(_ context.Context, cycleID string) ([]*payment.Obligation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*payment.Obligation, 0)
	for _, o := range r.obligations[cycleID] {
		copied := *o
		out = append(out, &copied)
	}
	return out, nil
}

func (r *fakePaymentRepo) MarkObligationPaid(_ context.Context, cycleID string, userID int64, txHash string, paidAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.obligations[cycleID][userID]
	if !ok {
		return idb.ErrObligationNotFound
	}
	if o.Paid {
		return idb.ErrObligationNotPending
	}
	o.Paid = true
	o.TxHash.String, o.TxHash.Valid = txHash, true
	o.PaidAt.Time, o.PaidAt.Valid = paidAt, true
	return nil
}

type fakeChatClient struct {
	mu       sync.Mutex
	messages []string
	bans     []int64
	banErrs  map[int64]error
}

func (f *fakeChatClient) SendMessage(_ int64, text string, _ *telebot.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeChatClient) BanMember(_ int64, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans = append(f.bans, userID)
	if err, ok := f.banErrs[userID]; ok {
		return err
	}
	return nil
}

func (f *fakeChatClient) messagesContaining(substr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0)
	for _, m := range f.messages {
		if strings.Contains(m, substr) {
			out = append(out, m)
		}
	}
	return out
}

type fakeOracle struct {
	price decimal.Decimal
	err   error
}

func (f *fakeOracle) SpotPrice(_ context.Context) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.price, nil
}

// --- harness ---

const (
	testAdminID = int64(42)
	testChatID  = int64(-100500)
)

type serviceFixture struct {
	svc    *CycleService
	repo   *fakePaymentRepo
	chat   *fakeChatClient
	oracle *fakeOracle
	client *fakeLedgerClient
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	cfg := CycleConfig{
		AdminTelegramID:   testAdminID,
		CollectionAddress: testAddress,
		USDTarget:         dec("0.50"),
		USDFloor:          dec("0.40"),
		USDCeiling:        dec("0.90"),
		FallbackETHAmount: dec("0.0003"),
		CycleDuration:     time.Hour,
		PollInterval:      time.Minute,
		RemindInterval:    time.Minute,
		BanDelay:          0,
		PollLookback:      10,
	}
	f := &serviceFixture{
		repo:   newFakePaymentRepo(),
		chat:   &fakeChatClient{banErrs: make(map[int64]error)},
		oracle: &fakeOracle{price: dec("2000")},
		client: &fakeLedgerClient{head: 100},
	}
	f.svc = NewCycleService(f.repo, f.chat, f.oracle, f.client, cfg, newTestLogger())
	t.Cleanup(f.svc.Shutdown)
	return f
}

func (f *serviceFixture) openCycle(t *testing.T) *payment.Cycle {
	t.Helper()
	cycle, err := f.svc.OpenCycle(context.Background(), testAdminID, testChatID)
	require.NoError(t, err)
	return cycle
}

// --- tests ---

func TestOpenCycleRejectsNonAdmin(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.OpenCycle(context.Background(), 7, testChatID)
	assert.Equal(t, ErrNotAuthorized, err)
}

func TestOpenCycleRejectsWhenAlreadyActive(t *testing.T) {
	f := newServiceFixture(t)
	f.openCycle(t)

	_, err := f.svc.OpenCycle(context.Background(), testAdminID, testChatID)
	assert.Equal(t, ErrCycleAlreadyActive, err)
}

func TestStatusWithoutActiveCycle(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Status()
	assert.Equal(t, ErrNoActiveCycle, err)
}

func TestJoinIsIdempotentPerUser(t *testing.T) {
	f := newServiceFixture(t)
	cycle := f.openCycle(t)

	first, created, err := f.svc.Join(context.Background(), 100001, "alice")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := f.svc.Join(context.Background(), 100001, "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, first.Amount.Equal(second.Amount), "repeated join must not reassign the amount")

	stored, err := f.repo.ListObligations(context.Background(), cycle.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestJoinAssignsDistinctAmounts(t *testing.T) {
	f := newServiceFixture(t)
	f.openCycle(t)

	a, _, err := f.svc.Join(context.Background(), 100001, "alice")
	require.NoError(t, err)
	b, _, err := f.svc.Join(context.Background(), 100002, "bob")
	require.NoError(t, err)
	assert.False(t, a.Amount.Equal(b.Amount))
}

func TestOpenCycleFallsBackWhenOracleDown(t *testing.T) {
	f := newServiceFixture(t)
	f.oracle.err = fmt.Errorf("oracle timeout")
	f.openCycle(t)

	o, _, err := f.svc.Join(context.Background(), 100001, "alice")
	require.NoError(t, err)
	assert.True(t, o.Amount.Equal(payment.AssignAmount(dec("0.0003"), 100001)))
}

func TestApplyTransferConfirmsOnceUnderDuplicateDelivery(t *testing.T) {
	f := newServiceFixture(t)
	cycle := f.openCycle(t)

	alice, _, err := f.svc.Join(context.Background(), 100001, "alice")
	require.NoError(t, err)
	_, _, err = f.svc.Join(context.Background(), 100002, "bob")
	require.NoError(t, err)

	transfer := ledger.Transfer{TxHash: "0xdeadbeef00", From: "0xsender", To: testAddress, Amount: alice.Amount}
	f.svc.applyTransfer(context.Background(), cycle.ID, transfer)
	f.svc.applyTransfer(context.Background(), cycle.ID, transfer) // duplicate delivery

	stored, err := f.repo.GetObligation(context.Background(), cycle.ID, 100001)
	require.NoError(t, err)
	assert.True(t, stored.Paid)
	assert.Equal(t, "0xdeadbeef00", stored.TxHash.String)
	assert.True(t, stored.PaidAt.Valid)

	bob, err := f.repo.GetObligation(context.Background(), cycle.ID, 100002)
	require.NoError(t, err)
	assert.False(t, bob.Paid)

	assert.Len(t, f.chat.messagesContaining("PAYMENT CONFIRMED"), 1, "duplicate delivery must not re-announce")
}

func TestApplyTransferLeavesUnmatchedPending(t *testing.T) {
	f := newServiceFixture(t)
	cycle := f.openCycle(t)
	_, _, err := f.svc.Join(context.Background(), 100001, "alice")
	require.NoError(t, err)

	f.svc.applyTransfer(context.Background(), cycle.ID, ledger.Transfer{
		TxHash: "0xstray", From: "0xsender", To: testAddress, Amount: dec("0.01"),
	})

	stored, err := f.repo.GetObligation(context.Background(), cycle.ID, 100001)
	require.NoError(t, err)
	assert.False(t, stored.Paid)
	assert.Empty(t, f.chat.messagesContaining("PAYMENT CONFIRMED"))
}

func TestPollTickConfirmsMatchedPayment(t *testing.T) {
	f := newServiceFixture(t)
	cycle := f.openCycle(t)
	alice, _, err := f.svc.Join(context.Background(), 100001, "alice")
	require.NoError(t, err)

	f.client.mu.Lock()
	f.client.transfers = []ledger.Transfer{{TxHash: "0xtx1", From: "0xsender", To: testAddress, Amount: alice.Amount}}
	f.client.mu.Unlock()

	f.svc.pollTick(cycle.ID)

	stored, err := f.repo.GetObligation(context.Background(), cycle.ID, 100001)
	require.NoError(t, err)
	assert.True(t, stored.Paid)
}

func TestExpireEnforcesIndependentlyAndReports(t *testing.T) {
	f := newServiceFixture(t)
	cycle := f.openCycle(t)

	alice, _, err := f.svc.Join(context.Background(), 100001, "alice")
	require.NoError(t, err)
	_, _, err = f.svc.Join(context.Background(), 100002, "bob")
	require.NoError(t, err)
	_, _, err = f.svc.Join(context.Background(), 100003, "carol")
	require.NoError(t, err)

	f.svc.applyTransfer(context.Background(), cycle.ID, ledger.Transfer{
		TxHash: "0xtx1", From: "0xsender", To: testAddress, Amount: alice.Amount,
	})
	f.chat.banErrs[100003] = fmt.Errorf("not enough rights")

	f.svc.expireCycle(cycle.ID)

	// Both unpaid members were attempted despite carol's removal failing.
	assert.ElementsMatch(t, []int64{100002, 100003}, f.chat.bans)

	summaries := f.chat.messagesContaining("PAYMENT CYCLE ENDED")
	require.Len(t, summaries, 1)
	assert.Contains(t, summaries[0], "Paid: 1 users")
	assert.Contains(t, summaries[0], "Removed: 2 users")
	assert.Contains(t, summaries[0], "@alice")

	stored, err := f.repo.GetCycleByID(context.Background(), cycle.ID)
	require.NoError(t, err)
	assert.True(t, stored.Closed)

	_, err = f.svc.Status()
	assert.Equal(t, ErrNoActiveCycle, err, "handle cleared after enforcement")

	_, err = f.svc.OpenCycle(context.Background(), testAdminID, testChatID)
	assert.NoError(t, err, "a new cycle can open once the previous closed")
}

func TestExpireIgnoresStaleCycleID(t *testing.T) {
	f := newServiceFixture(t)
	f.openCycle(t)

	f.svc.expireCycle("not-the-active-cycle")

	_, err := f.svc.Status()
	assert.NoError(t, err, "stale expiry must not touch the active cycle")
}

func TestRemindTickPastEndTimeTriggersExpiry(t *testing.T) {
	f := newServiceFixture(t)
	cycle := f.openCycle(t)
	_, _, err := f.svc.Join(context.Background(), 100002, "bob")
	require.NoError(t, err)

	f.svc.mu.Lock()
	f.svc.active.cycle.EndTime = time.Now().Add(-time.Minute)
	f.svc.mu.Unlock()

	f.svc.remindTick(cycle.ID)

	_, err = f.svc.Status()
	assert.Equal(t, ErrNoActiveCycle, err)
	assert.Len(t, f.chat.messagesContaining("PAYMENT CYCLE ENDED"), 1)
}

func TestRemindTickSummarizesUnpaid(t *testing.T) {
	f := newServiceFixture(t)
	cycle := f.openCycle(t)
	bob, _, err := f.svc.Join(context.Background(), 100002, "bob")
	require.NoError(t, err)

	f.svc.remindTick(cycle.ID)

	reminders := f.chat.messagesContaining("PAYMENT REMINDER")
	require.Len(t, reminders, 1)
	assert.Contains(t, reminders[0], "@bob")
	assert.Contains(t, reminders[0], bob.Amount.String())
	assert.Contains(t, reminders[0], testAddress)
}

func TestStatusSummary(t *testing.T) {
	f := newServiceFixture(t)
	f.openCycle(t)
	_, _, err := f.svc.Join(context.Background(), 100002, "bob")
	require.NoError(t, err)

	summary, err := f.svc.Status()
	require.NoError(t, err)
	assert.Contains(t, summary, "Total Participants: 1")
	assert.Contains(t, summary, "Unpaid: 1 users")
	assert.Contains(t, summary, "@bob")
}
