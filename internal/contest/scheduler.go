// Package contest drives the contest lifecycle: automatic start, freeze
// and end transitions, and the end-of-contest grace period that drains the
// judging backlog.
package contest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codearena/codearena/internal/database"
	"github.com/codearena/codearena/internal/events"
	"github.com/codearena/codearena/internal/models"
)

// Freezer is what the scheduler needs from the leaderboard controller.
type Freezer interface {
	Freeze(ctx context.Context, contestID int64) error
	Unfreeze(ctx context.Context, contestID int64) error
	Recompute(ctx context.Context, contest *models.Contest) ([]*models.ContestResult, error)
	MarkDirty(contestID int64)
}

// SchedulerConfig holds lifecycle tuning.
type SchedulerConfig struct {
	TickInterval time.Duration
	// GracePeriod bounds how long an ending contest waits for its pending
	// submissions to drain before they are force-finalized.
	GracePeriod time.Duration
	GracePoll   time.Duration
}

// DefaultSchedulerConfig returns the default lifecycle tuning.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TickInterval: time.Minute,
		GracePeriod:  30 * time.Second,
		GracePoll:    5 * time.Second,
	}
}

// Scheduler runs one lifecycle tick at a time across all active contests.
// It applies at most one transition per contest per tick; contests with
// manual control enabled are skipped entirely.
type Scheduler struct {
	store   database.Store
	freezer Freezer
	bus     events.Publisher
	config  *SchedulerConfig
	logger  *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates the lifecycle scheduler.
func NewScheduler(store database.Store, freezer Freezer, bus events.Publisher, config *SchedulerConfig, logger *logrus.Logger) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:   store,
		freezer: freezer,
		bus:     bus,
		config:  config,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.Tick(s.ctx, time.Now())
			}
		}
	}()
	s.logger.WithField("interval", s.config.TickInterval.String()).
		Info("Lifecycle scheduler started")
}

// Stop halts the tick loop. A tick in progress finishes first.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Tick evaluates every active contest once against the given instant.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	contests, err := s.store.ListActiveContests(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Lifecycle tick cannot list contests")
		return
	}
	for _, contest := range contests {
		if contest.ManualControl {
			continue
		}
		if err := s.advance(ctx, contest, now); err != nil {
			s.logger.WithError(err).WithField("contest_id", contest.ID).
				Error("Lifecycle transition failed")
		}
	}
}

// advance applies at most one transition.
func (s *Scheduler) advance(ctx context.Context, contest *models.Contest, now time.Time) error {
	switch {
	case contest.State == models.ContestNotStarted && !now.Before(contest.StartTime):
		return s.start(ctx, contest)

	case contest.State == models.ContestRunning && !contest.IsFrozen &&
		contest.FreezeMinutes > 0 && !now.Before(contest.FreezeTime()):
		return s.freeze(ctx, contest)

	case (contest.State == models.ContestRunning || contest.State == models.ContestFrozen) &&
		!now.Before(contest.EndTime()):
		return s.end(ctx, contest)
	}
	return nil
}

// start validates the contest and transitions it to running. A validation
// failure logs a warning and leaves the contest to be retried next tick.
func (s *Scheduler) start(ctx context.Context, contest *models.Contest) error {
	if err := s.validate(ctx, contest); err != nil {
		s.logger.WithError(err).WithField("contest_id", contest.ID).
			Warn("Contest not started, validation failed")
		return nil
	}

	contest.State = models.ContestRunning
	if err := s.store.UpdateContestState(ctx, contest); err != nil {
		return fmt.Errorf("contest: persist start: %w", err)
	}
	events.EmitContestStatus(s.bus, events.MessageContestStarted, contest)
	s.logger.WithField("contest_id", contest.ID).Info("Contest started")
	return nil
}

// validate requires at least one problem and test cases on every problem.
func (s *Scheduler) validate(ctx context.Context, contest *models.Contest) error {
	problems, err := s.store.ListProblems(ctx, contest.ID)
	if err != nil {
		return fmt.Errorf("contest: list problems: %w", err)
	}
	if len(problems) == 0 {
		return fmt.Errorf("contest %d has no problems", contest.ID)
	}
	for _, problem := range problems {
		cases, err := s.store.ListTestCases(ctx, problem.ID)
		if err != nil {
			return fmt.Errorf("contest: list test cases: %w", err)
		}
		if len(cases) == 0 {
			return fmt.Errorf("problem %s has no test cases", problem.Letter)
		}
	}
	return nil
}

func (s *Scheduler) freeze(ctx context.Context, contest *models.Contest) error {
	if err := s.freezer.Freeze(ctx, contest.ID); err != nil {
		return err
	}
	frozen, err := s.store.GetContest(ctx, contest.ID)
	if err != nil {
		frozen = contest
	}
	events.EmitContestStatus(s.bus, events.MessageContestFrozen, frozen)
	s.logger.WithField("contest_id", contest.ID).Info("Contest frozen")
	return nil
}

// end stops intake, drains the backlog within the grace period,
// force-finalizes stragglers, computes final ranks and closes the contest.
func (s *Scheduler) end(ctx context.Context, contest *models.Contest) error {
	contest.State = models.ContestEnding
	if err := s.store.UpdateContestState(ctx, contest); err != nil {
		return fmt.Errorf("contest: persist ending: %w", err)
	}
	s.logger.WithField("contest_id", contest.ID).Info("Contest ending, draining queue")

	s.awaitDrain(ctx, contest.ID)
	if err := s.forceFinalizePending(ctx, contest.ID); err != nil {
		s.logger.WithError(err).WithField("contest_id", contest.ID).
			Error("Force-finalize failed")
	}

	// The final board is public.
	if contest.IsFrozen {
		if err := s.freezer.Unfreeze(ctx, contest.ID); err != nil {
			s.logger.WithError(err).WithField("contest_id", contest.ID).
				Error("Unfreeze at contest end failed")
		}
	}

	final, err := s.store.GetContest(ctx, contest.ID)
	if err != nil {
		final = contest
	}
	if _, err := s.freezer.Recompute(ctx, final); err != nil {
		s.logger.WithError(err).WithField("contest_id", contest.ID).
			Error("Final rank computation failed")
	}

	now := time.Now().UTC()
	final.State = models.ContestEnded
	final.EndedAt = &now
	if err := s.store.UpdateContestState(ctx, final); err != nil {
		return fmt.Errorf("contest: persist end: %w", err)
	}

	s.freezer.MarkDirty(contest.ID)
	events.EmitContestStatus(s.bus, events.MessageContestEnded, final)
	s.logger.WithField("contest_id", contest.ID).Info("Contest ended")
	return nil
}

// awaitDrain polls the contest's pending-submission count until it reaches
// zero or the grace period expires.
func (s *Scheduler) awaitDrain(ctx context.Context, contestID int64) {
	deadline := time.Now().Add(s.config.GracePeriod)
	for {
		pending, err := s.store.CountPendingSubmissions(ctx, contestID)
		if err != nil {
			s.logger.WithError(err).Warn("Cannot count pending submissions")
			return
		}
		if pending == 0 {
			return
		}
		if time.Now().After(deadline) {
			s.logger.WithFields(logrus.Fields{
				"contest_id": contestID,
				"pending":    pending,
			}).Warn("Grace period expired with submissions pending")
			return
		}
		timer := time.NewTimer(s.config.GracePoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// forceFinalizePending writes a time_limit_exceeded verdict on every
// submission still pending after the grace period, so no submission is
// left without a terminal status.
func (s *Scheduler) forceFinalizePending(ctx context.Context, contestID int64) error {
	pending, err := s.store.ListPendingSubmissions(ctx, contestID)
	if err != nil {
		return fmt.Errorf("contest: list pending: %w", err)
	}
	for _, sub := range pending {
		now := time.Now().UTC()
		sub.Status = models.StatusTimeLimitExceeded
		sub.JudgedAt = &now
		if err := s.store.FinalizeSubmission(ctx, sub); err != nil {
			s.logger.WithError(err).WithField("submission_id", sub.ID).
				Error("Cannot force-finalize submission")
			continue
		}
		s.logger.WithField("submission_id", sub.ID).
			Warn("Submission force-finalized at contest end")
	}
	return nil
}

// ManualStart forces a start transition regardless of schedule, for
// contests under manual control. Validation still applies.
func (s *Scheduler) ManualStart(ctx context.Context, contestID int64) error {
	contest, err := s.store.GetContest(ctx, contestID)
	if err != nil {
		return fmt.Errorf("contest: load: %w", err)
	}
	if contest.State != models.ContestNotStarted {
		return fmt.Errorf("contest %d is not in not_started state", contestID)
	}
	if err := s.validate(ctx, contest); err != nil {
		return err
	}
	contest.State = models.ContestRunning
	if err := s.store.UpdateContestState(ctx, contest); err != nil {
		return fmt.Errorf("contest: persist start: %w", err)
	}
	events.EmitContestStatus(s.bus, events.MessageContestStarted, contest)
	return nil
}

// ManualEnd forces the ending sequence.
func (s *Scheduler) ManualEnd(ctx context.Context, contestID int64) error {
	contest, err := s.store.GetContest(ctx, contestID)
	if err != nil {
		return fmt.Errorf("contest: load: %w", err)
	}
	if contest.State != models.ContestRunning && contest.State != models.ContestFrozen {
		return fmt.Errorf("contest %d is not running", contestID)
	}
	return s.end(ctx, contest)
}

// ManualFreeze forces a freeze transition.
func (s *Scheduler) ManualFreeze(ctx context.Context, contestID int64) error {
	contest, err := s.store.GetContest(ctx, contestID)
	if err != nil {
		return fmt.Errorf("contest: load: %w", err)
	}
	if contest.State != models.ContestRunning || contest.IsFrozen {
		return fmt.Errorf("contest %d cannot freeze from its current state", contestID)
	}
	return s.freeze(ctx, contest)
}

// ManualUnfreeze lifts a freeze before the contest ends.
func (s *Scheduler) ManualUnfreeze(ctx context.Context, contestID int64) error {
	if err := s.freezer.Unfreeze(ctx, contestID); err != nil {
		return err
	}
	contest, err := s.store.GetContest(ctx, contestID)
	if err == nil {
		events.EmitContestStatus(s.bus, events.MessageContestUnfrozen, contest)
	}
	return nil
}
