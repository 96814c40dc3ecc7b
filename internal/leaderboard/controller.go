// Package leaderboard serves the display leaderboard, coalesces broadcast
// requests and enforces the freeze policy.
package leaderboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codearena/codearena/internal/database"
	"github.com/codearena/codearena/internal/events"
	"github.com/codearena/codearena/internal/models"
	"github.com/codearena/codearena/internal/scoring"
)

// Leaderboard is a ranked view of a contest.
type Leaderboard struct {
	ContestID int64                   `json:"contest_id"`
	Frozen    bool                    `json:"frozen"`
	State     models.ContestState     `json:"contest_state"`
	Rankings  []*models.ContestResult `json:"rankings"`
}

// Controller recomputes ranks on demand and batches broadcast requests:
// at most one leaderboard_update per contest per flush window, built from
// the latest state at flush time.
type Controller struct {
	store  database.Store
	bus    events.Publisher
	logger *logrus.Logger
	window time.Duration

	mu    sync.Mutex
	dirty map[int64]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates a leaderboard controller. window bounds broadcast
// frequency per contest.
func NewController(store database.Store, bus events.Publisher, window time.Duration, logger *logrus.Logger) *Controller {
	if window <= 0 {
		window = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:  store,
		bus:    bus,
		logger: logger,
		window: window,
		dirty:  make(map[int64]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the coalescing flush loop.
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.flushLoop()
}

// Stop flushes outstanding dirty marks and stops the loop.
func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
	c.flush()
}

// MarkDirty requests that a leaderboard broadcast be sent soon.
func (c *Controller) MarkDirty(contestID int64) {
	c.mu.Lock()
	c.dirty[contestID] = struct{}{}
	c.mu.Unlock()
}

func (c *Controller) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Controller) flush() {
	c.mu.Lock()
	pending := make([]int64, 0, len(c.dirty))
	for id := range c.dirty {
		pending = append(pending, id)
	}
	c.dirty = make(map[int64]struct{})
	c.mu.Unlock()

	for _, contestID := range pending {
		board, err := c.GetDisplayLeaderboard(context.Background(), contestID)
		if err != nil {
			c.logger.WithError(err).WithField("contest_id", contestID).
				Warn("Leaderboard broadcast skipped")
			continue
		}
		events.EmitLeaderboardUpdate(c.bus, &events.LeaderboardUpdatePayload{
			ContestID: contestID,
			Frozen:    board.Frozen,
			State:     board.State,
			Rankings:  board.Rankings,
		})
	}
}

// GetDisplayLeaderboard returns the frozen snapshot while the contest is
// frozen, otherwise a live recomputation.
func (c *Controller) GetDisplayLeaderboard(ctx context.Context, contestID int64) (*Leaderboard, error) {
	contest, err := c.store.GetContest(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: load contest: %w", err)
	}

	if contest.IsFrozen {
		snapshot, err := c.store.LoadFrozenLeaderboard(ctx, contestID)
		if err != nil {
			return nil, fmt.Errorf("leaderboard: load frozen snapshot: %w", err)
		}
		return &Leaderboard{
			ContestID: contestID,
			Frozen:    true,
			State:     contest.State,
			Rankings:  snapshot,
		}, nil
	}

	rankings, err := c.Recompute(ctx, contest)
	if err != nil {
		return nil, err
	}
	return &Leaderboard{
		ContestID: contestID,
		State:     contest.State,
		Rankings:  rankings,
	}, nil
}

// Recompute builds and persists fresh ranked results for a contest.
func (c *Controller) Recompute(ctx context.Context, contest *models.Contest) ([]*models.ContestResult, error) {
	strategy, err := scoring.ForContest(contest, c.store, c.logger)
	if err != nil {
		return nil, err
	}
	results, err := strategy.ComputeContestResults(ctx, contest.ID)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: compute results: %w", err)
	}
	ranked := strategy.Rank(results)
	for _, r := range ranked {
		if err := c.store.UpsertContestResult(ctx, r); err != nil {
			// The verdict already stands; ranks are recomputable.
			c.logger.WithError(err).WithField("team_id", r.TeamID).
				Warn("Failed to persist rank")
		}
	}
	return ranked, nil
}

// Freeze captures the current ranked results as the frozen snapshot and
// marks the contest frozen. The real results keep updating underneath.
func (c *Controller) Freeze(ctx context.Context, contestID int64) error {
	contest, err := c.store.GetContest(ctx, contestID)
	if err != nil {
		return fmt.Errorf("leaderboard: load contest: %w", err)
	}
	if contest.IsFrozen {
		return nil
	}

	rankings, err := c.Recompute(ctx, contest)
	if err != nil {
		return err
	}
	if err := c.store.SaveFrozenLeaderboard(ctx, contestID, rankings); err != nil {
		return fmt.Errorf("leaderboard: save frozen snapshot: %w", err)
	}

	now := time.Now()
	contest.IsFrozen = true
	contest.FrozenAt = &now
	contest.State = models.ContestFrozen
	if err := c.store.UpdateContestState(ctx, contest); err != nil {
		return fmt.Errorf("leaderboard: persist freeze: %w", err)
	}
	c.logger.WithField("contest_id", contestID).Info("Leaderboard frozen")
	return nil
}

// Unfreeze retires the snapshot and restores the live view.
func (c *Controller) Unfreeze(ctx context.Context, contestID int64) error {
	contest, err := c.store.GetContest(ctx, contestID)
	if err != nil {
		return fmt.Errorf("leaderboard: load contest: %w", err)
	}
	if !contest.IsFrozen {
		return nil
	}

	if err := c.store.DeleteFrozenLeaderboard(ctx, contestID); err != nil {
		return fmt.Errorf("leaderboard: delete frozen snapshot: %w", err)
	}
	contest.IsFrozen = false
	contest.FrozenAt = nil
	if contest.State == models.ContestFrozen {
		contest.State = models.ContestRunning
	}
	if err := c.store.UpdateContestState(ctx, contest); err != nil {
		return fmt.Errorf("leaderboard: persist unfreeze: %w", err)
	}
	c.MarkDirty(contestID)
	c.logger.WithField("contest_id", contestID).Info("Leaderboard unfrozen")
	return nil
}
