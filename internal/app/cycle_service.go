// internal/app/cycle_service.go
package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"group_payment_bot/internal/domain/ledger"
	"group_payment_bot/internal/domain/payment"
	"group_payment_bot/internal/domain/pricing"
	domainTelegram "group_payment_bot/internal/domain/telegram"
	idb "group_payment_bot/internal/infra/database"
	"group_payment_bot/internal/infra/scheduler"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// Custom application-level errors for the cycle service
var ErrNotAuthorized = fmt.Errorf("performing user is not authorized as an admin")
var ErrCycleAlreadyActive = fmt.Errorf("a payment cycle is already active")
var ErrNoActiveCycle = fmt.Errorf("no active payment cycle")

// JoinButtonUnique is the callback unique for the pay button shown in the
// cycle announcement and in reminders.
const JoinButtonUnique = "join_cycle"

const tickTimeout = 30 * time.Second

type cycleState int

const (
	stateOpen cycleState = iota
	stateEnforcing
)

// CycleConfig carries the tunables of the collection process.
type CycleConfig struct {
	AdminTelegramID   int64
	CollectionAddress string

	USDTarget         decimal.Decimal
	USDFloor          decimal.Decimal
	USDCeiling        decimal.Decimal
	FallbackETHAmount decimal.Decimal

	CycleDuration  time.Duration
	PollInterval   time.Duration
	RemindInterval time.Duration
	BanDelay       time.Duration
	PollLookback   uint64
}

// activeCycle is the single source of truth for the cycle currently
// holding timers and a poller. Its obligation map is mutated only by the
// join handler, the confirm step and the lifecycle transition, all
// serialized on the service mutex.
type activeCycle struct {
	cycle       *payment.Cycle
	base        decimal.Decimal
	state       cycleState
	obligations map[int64]*payment.Obligation
	poller      *LedgerPoller
	sched       *scheduler.CycleScheduler
}

func (ac *activeCycle) unpaidSorted() []*payment.Obligation {
	out := make([]*payment.Obligation, 0, len(ac.obligations))
	for _, o := range ac.obligations {
		if !o.Paid {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (ac *activeCycle) paidSorted() []*payment.Obligation {
	out := make([]*payment.Obligation, 0, len(ac.obligations))
	for _, o := range ac.obligations {
		if o.Paid {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// CycleService owns the collection cycle lifecycle: open, accept joins,
// reconcile observed transfers, remind, expire and enforce.
type CycleService struct {
	repo         payment.Repository
	chat         domainTelegram.Client
	oracle       pricing.Oracle
	ledgerClient ledger.Client
	cfg          CycleConfig
	logger       *logrus.Entry

	mu     sync.Mutex
	active *activeCycle
}

func NewCycleService(
	repo payment.Repository,
	chat domainTelegram.Client,
	oracle pricing.Oracle,
	ledgerClient ledger.Client,
	cfg CycleConfig,
	logger *logrus.Entry,
) *CycleService {
	return &CycleService{
		repo:         repo,
		chat:         chat,
		oracle:       oracle,
		ledgerClient: ledgerClient,
		cfg:          cfg,
		logger:       logger,
	}
}

// CollectionAddress exposes the shared wallet address for handler replies.
func (s *CycleService) CollectionAddress() string { return s.cfg.CollectionAddress }

// OpenCycle starts a new collection cycle for the given chat. It is a
// privileged action and fails while any cycle is active.
func (s *CycleService) OpenCycle(ctx context.Context, actorID, chatID int64) (*payment.Cycle, error) {
	if actorID != s.cfg.AdminTelegramID {
		return nil, ErrNotAuthorized
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, ErrCycleAlreadyActive
	}

	base := s.baseAmount(ctx)
	now := time.Now()
	cycle := &payment.Cycle{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		StartTime: now,
		EndTime:   now.Add(s.cfg.CycleDuration),
	}
	if err := s.repo.CreateCycle(ctx, cycle); err != nil {
		return nil, fmt.Errorf("failed to create payment cycle: %w", err)
	}

	cycleLogger := s.logger.WithField("cycle_id", cycle.ID)
	cycleID := cycle.ID
	ac := &activeCycle{
		cycle:       cycle,
		base:        base,
		state:       stateOpen,
		obligations: make(map[int64]*payment.Obligation),
		poller:      NewLedgerPoller(s.ledgerClient, s.cfg.CollectionAddress, s.cfg.PollLookback, now, cycleLogger),
	}
	ac.sched = scheduler.NewCycleScheduler(
		s.cfg.PollInterval,
		s.cfg.RemindInterval,
		cycle.EndTime,
		func() { s.pollTick(cycleID) },
		func() { s.remindTick(cycleID) },
		func() { s.expireCycle(cycleID) },
		cycleLogger,
	)
	if err := ac.sched.Start(); err != nil {
		return nil, fmt.Errorf("failed to start cycle scheduler: %w", err)
	}
	s.active = ac

	cycleLogger.WithFields(logrus.Fields{
		"chat_id":     chatID,
		"base_amount": base.String(),
		"end_time":    cycle.EndTime.Format(time.RFC3339),
	}).Info("Payment cycle opened")

	text := fmt.Sprintf(
		"💰 PAYMENT CYCLE STARTED!\n\n"+
			"All members must pay $%s in Base ETH within %s.\n"+
			"Each member gets a unique fractional amount for identification.\n\n"+
			"Tap the button below to get your amount and the payment address.",
		s.cfg.USDTarget.String(), formatRemaining(s.cfg.CycleDuration),
	)
	if err := s.chat.SendMessage(chatID, text, payButtonOptions()); err != nil {
		cycleLogger.WithError(err).Error("Failed to send cycle announcement")
	}
	return cycle, nil
}

// Join lazily creates the caller's obligation with a freshly assigned
// amount. It is idempotent per user: a repeated press returns the existing
// obligation unchanged.
func (s *CycleService) Join(ctx context.Context, userID int64, username string) (*payment.Obligation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac := s.active
	if ac == nil || ac.state != stateOpen {
		return nil, false, ErrNoActiveCycle
	}
	if existing, ok := ac.obligations[userID]; ok {
		return existing, false, nil
	}

	o := &payment.Obligation{
		CycleID: ac.cycle.ID,
		UserID:  userID,
		Amount:  payment.AssignAmount(ac.base, userID),
	}
	if username != "" {
		o.Username = sql.NullString{String: username, Valid: true}
	}

	if err := s.repo.CreateObligation(ctx, o); err != nil {
		if err == idb.ErrDuplicateObligation {
			// In-memory map is authoritative for the active cycle, so this
			// only happens after a restart mid-cycle. Log and carry on.
			s.logger.WithField("user_id", userID).Warn("Obligation already persisted for this cycle")
		} else {
			return nil, false, fmt.Errorf("failed to create obligation: %w", err)
		}
	}
	ac.obligations[userID] = o

	s.logger.WithFields(logrus.Fields{
		"cycle_id": ac.cycle.ID,
		"user_id":  userID,
		"amount":   o.Amount.String(),
	}).Info("Member joined payment cycle")
	return o, true, nil
}

// Status returns a read-only summary of the active cycle.
func (s *CycleService) Status() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac := s.active
	if ac == nil {
		return "", ErrNoActiveCycle
	}

	paid := ac.paidSorted()
	unpaid := ac.unpaidSorted()

	var b strings.Builder
	b.WriteString("📊 PAYMENT STATUS\n\n")
	fmt.Fprintf(&b, "Time remaining: %s\n", formatRemaining(ac.cycle.TimeRemaining(time.Now())))
	fmt.Fprintf(&b, "Total Participants: %d\n", len(ac.obligations))
	fmt.Fprintf(&b, "Paid: %d users\n", len(paid))
	fmt.Fprintf(&b, "Unpaid: %d users\n\n", len(unpaid))
	fmt.Fprintf(&b, "Paid users: %s\n", joinNames(paid))
	fmt.Fprintf(&b, "Unpaid users: %s", joinNames(unpaid))
	return b.String(), nil
}

// pollTick runs on the poll interval. Stale ticks (a cycle that is no
// longer the active one) are expected races and no-op silently.
func (s *CycleService) pollTick(cycleID string) {
	s.mu.Lock()
	ac := s.active
	if ac == nil || ac.cycle.ID != cycleID || ac.state != stateOpen {
		s.mu.Unlock()
		return
	}
	poller := ac.poller
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	transfers, err := poller.Poll(ctx)
	if err == ErrPollInFlight {
		s.logger.WithField("cycle_id", cycleID).Debug("Skipping poll tick, previous still running")
		return
	}
	if err != nil {
		s.logger.WithField("cycle_id", cycleID).WithError(err).Warn("Ledger poll failed, will retry next tick")
		return
	}

	for _, t := range transfers {
		s.applyTransfer(ctx, cycleID, t)
	}
}

// applyTransfer reconciles one observed transfer against the cycle's
// pending obligations and confirms whatever it settles.
func (s *CycleService) applyTransfer(ctx context.Context, cycleID string, t ledger.Transfer) {
	s.mu.Lock()
	ac := s.active
	if ac == nil || ac.cycle.ID != cycleID || ac.state != stateOpen {
		s.mu.Unlock()
		return
	}

	matched := payment.FindMatches(t.Amount, ac.unpaidSorted())
	if len(matched) == 0 {
		chatLog := s.logger.WithFields(logrus.Fields{
			"cycle_id": cycleID,
			"tx_hash":  t.TxHash,
			"from":     t.From,
			"amount":   t.Amount.String(),
		})
		s.mu.Unlock()
		chatLog.Info("Transfer matched no obligation, leaving all pending")
		return
	}

	now := time.Now()
	confirmed := make([]*payment.Obligation, 0, len(matched))
	for _, o := range matched {
		if o.Paid {
			// Duplicate delivery of the same transfer; confirmation is
			// at-most-once per obligation.
			continue
		}
		o.Paid = true
		o.TxHash = sql.NullString{String: t.TxHash, Valid: true}
		o.PaidAt = sql.NullTime{Time: now, Valid: true}
		if err := s.repo.MarkObligationPaid(ctx, cycleID, o.UserID, t.TxHash, now); err != nil {
			if err == idb.ErrObligationNotPending {
				s.logger.WithField("user_id", o.UserID).Info("Obligation already confirmed in store")
			} else {
				s.logger.WithField("user_id", o.UserID).WithError(err).Error("Failed to persist confirmation")
			}
		}
		confirmed = append(confirmed, o)
	}
	chatID := ac.cycle.ChatID
	s.mu.Unlock()

	for _, o := range confirmed {
		s.logger.WithFields(logrus.Fields{
			"cycle_id": cycleID,
			"user_id":  o.UserID,
			"amount":   o.Amount.String(),
			"tx_hash":  t.TxHash,
		}).Info("Payment confirmed")

		text := fmt.Sprintf(
			"✅ PAYMENT CONFIRMED!\n\n%s has paid their fee.\nAmount: %s BASE ETH\nTransaction: %s",
			o.DisplayName(), o.Amount.String(), shortHash(t.TxHash),
		)
		if err := s.chat.SendMessage(chatID, text, nil); err != nil {
			s.logger.WithError(err).Error("Failed to send payment confirmation")
		}
	}
}

// remindTick summarizes the unpaid obligations. A reminder that fires
// after the end time triggers expiry instead.
func (s *CycleService) remindTick(cycleID string) {
	s.mu.Lock()
	ac := s.active
	if ac == nil || ac.cycle.ID != cycleID || ac.state != stateOpen {
		s.mu.Unlock()
		return
	}
	if !time.Now().Before(ac.cycle.EndTime) {
		s.mu.Unlock()
		s.expireCycle(cycleID)
		return
	}

	unpaid := ac.unpaidSorted()
	if len(unpaid) == 0 {
		s.mu.Unlock()
		return
	}

	var b strings.Builder
	b.WriteString("⏰ PAYMENT REMINDER\n\n")
	b.WriteString("The following members still need to pay their fee:\n\n")
	for _, o := range unpaid {
		fmt.Fprintf(&b, "%s: %s BASE ETH\n", o.DisplayName(), o.Amount.String())
	}
	fmt.Fprintf(&b, "\nAddress: %s\n", s.cfg.CollectionAddress)
	fmt.Fprintf(&b, "Time remaining: %s", formatRemaining(ac.cycle.TimeRemaining(time.Now())))
	chatID := ac.cycle.ChatID
	s.mu.Unlock()

	if err := s.chat.SendMessage(chatID, b.String(), payButtonOptions()); err != nil {
		s.logger.WithField("cycle_id", cycleID).WithError(err).Error("Failed to send reminder")
	}
}

// expireCycle drives Open -> Enforcing -> Idle. Timers and the poller are
// cancelled before any removal side effect, so late firings are
// structurally prevented from acting on a half-closed cycle.
func (s *CycleService) expireCycle(cycleID string) {
	s.mu.Lock()
	ac := s.active
	if ac == nil || ac.cycle.ID != cycleID || ac.state != stateOpen {
		s.mu.Unlock()
		return
	}
	ac.state = stateEnforcing
	ac.sched.Stop() // dedup set and cursor die with the poller

	paid := ac.paidSorted()
	unpaid := ac.unpaidSorted()
	chatID := ac.cycle.ChatID
	total := len(ac.obligations)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"cycle_id": cycleID,
		"paid":     len(paid),
		"unpaid":   len(unpaid),
	}).Info("Payment cycle expired, enforcing")

	// Each removal is attempted independently; one failure must not abort
	// the rest.
	banFailures := 0
	for i, o := range unpaid {
		if err := s.chat.BanMember(chatID, o.UserID); err != nil {
			banFailures++
			s.logger.WithFields(logrus.Fields{
				"cycle_id": cycleID,
				"user_id":  o.UserID,
			}).WithError(err).Error("Failed to remove unpaid member")
		}
		if i < len(unpaid)-1 && s.cfg.BanDelay > 0 {
			time.Sleep(s.cfg.BanDelay) // chat transport rate limits
		}
	}

	var b strings.Builder
	b.WriteString("📊 PAYMENT CYCLE ENDED\n\n")
	fmt.Fprintf(&b, "Total Participants: %d\n", total)
	fmt.Fprintf(&b, "Paid: %d users\n", len(paid))
	fmt.Fprintf(&b, "Removed: %d users\n\n", len(unpaid))
	fmt.Fprintf(&b, "Paid users: %s\n", joinNames(paid))
	fmt.Fprintf(&b, "Removed users: %s", joinNames(unpaid))
	if err := s.chat.SendMessage(chatID, b.String(), nil); err != nil {
		s.logger.WithField("cycle_id", cycleID).WithError(err).Error("Failed to send cycle summary")
	}

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()
	if err := s.repo.CloseCycle(ctx, cycleID); err != nil {
		s.logger.WithField("cycle_id", cycleID).WithError(err).Error("Failed to mark cycle closed")
	}

	s.mu.Lock()
	if s.active == ac {
		s.active = nil
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"cycle_id":     cycleID,
		"ban_failures": banFailures,
	}).Info("Payment cycle closed")
}

// Shutdown stops the active cycle's timers without enforcing. Obligation
// state is already written through, so nothing is lost.
func (s *CycleService) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active.sched.Stop()
		s.active = nil
	}
}

// baseAmount computes the cycle's base fee amount, falling back to the
// configured constant when the price oracle is unavailable.
func (s *CycleService) baseAmount(ctx context.Context) decimal.Decimal {
	price, err := s.oracle.SpotPrice(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Price oracle unavailable, using fallback amount")
		return s.cfg.FallbackETHAmount
	}
	return payment.ClampedBaseAmount(s.cfg.USDTarget, s.cfg.USDFloor, s.cfg.USDCeiling, price)
}

func payButtonOptions() *telebot.SendOptions {
	markup := &telebot.ReplyMarkup{}
	btn := markup.Data("💰 Pay Your Fee", JoinButtonUnique)
	markup.Inline(markup.Row(btn))
	return &telebot.SendOptions{ReplyMarkup: markup}
}

func joinNames(obligations []*payment.Obligation) string {
	if len(obligations) == 0 {
		return "None"
	}
	names := make([]string, len(obligations))
	for i, o := range obligations {
		names[i] = o.DisplayName()
	}
	return strings.Join(names, ", ")
}

func formatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func shortHash(hash string) string {
	if len(hash) <= 10 {
		return hash
	}
	return hash[:10] + "..."
}
