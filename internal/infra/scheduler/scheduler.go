package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// CycleScheduler owns the timers of one active payment cycle: the
// recurring poll tick, the recurring reminder tick and the one-shot expiry
// timer. Stopping it is part of the cycle's lifecycle transition, so Stop
// must be safe to call from inside one of its own jobs and must not wait
// for running jobs to drain.
type CycleScheduler struct {
	cronEngine *cron.Cron
	expiry     *time.Timer
	logger     *logrus.Entry

	pollEvery   time.Duration
	remindEvery time.Duration
	expireAt    time.Time

	onPoll   func()
	onRemind func()
	onExpire func()
}

func NewCycleScheduler(
	pollEvery time.Duration,
	remindEvery time.Duration,
	expireAt time.Time,
	onPoll func(),
	onRemind func(),
	onExpire func(),
	logger *logrus.Entry,
) *CycleScheduler {
	return &CycleScheduler{
		cronEngine:  cron.New(),
		logger:      logger,
		pollEvery:   pollEvery,
		remindEvery: remindEvery,
		expireAt:    expireAt,
		onPoll:      onPoll,
		onRemind:    onRemind,
		onExpire:    onExpire,
	}
}

func (s *CycleScheduler) Start() error {
	if _, err := s.cronEngine.AddFunc(fmt.Sprintf("@every %s", s.pollEvery), s.onPoll); err != nil {
		return fmt.Errorf("could not add poll job: %w", err)
	}
	if _, err := s.cronEngine.AddFunc(fmt.Sprintf("@every %s", s.remindEvery), s.onRemind); err != nil {
		return fmt.Errorf("could not add reminder job: %w", err)
	}

	s.cronEngine.Start()
	s.expiry = time.AfterFunc(time.Until(s.expireAt), s.onExpire)
	s.logger.WithFields(logrus.Fields{
		"poll_every":   s.pollEvery.String(),
		"remind_every": s.remindEvery.String(),
		"expire_at":    s.expireAt.Format(time.RFC3339),
	}).Info("Cycle scheduler started")
	return nil
}

// Stop cancels all pending firings. Jobs already running finish on their
// own; the service layer's stale-cycle guard makes their late effects
// no-ops.
func (s *CycleScheduler) Stop() {
	s.cronEngine.Stop()
	if s.expiry != nil {
		s.expiry.Stop()
	}
	s.logger.Info("Cycle scheduler stopped")
}
