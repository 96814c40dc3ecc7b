package leaderboard

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codearena/codearena/internal/database"
	"github.com/codearena/codearena/internal/events"
	"github.com/codearena/codearena/internal/models"
	"github.com/codearena/codearena/internal/scoring"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []*events.Message
}

func (p *recordingPublisher) Publish(rooms []string, msg *events.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

func (p *recordingPublisher) count(t events.MessageType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.messages {
		if m.Type == t {
			n++
		}
	}
	return n
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type env struct {
	store      *database.MemoryStore
	bus        *recordingPublisher
	controller *Controller
	contest    *models.Contest
	problem    *models.Problem
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := database.NewMemoryStore()
	contest := &models.Contest{
		Name:             "Finals",
		RegistrationCode: "FIN1",
		StartTime:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		DurationMinutes:  300,
		FreezeMinutes:    60,
		IsActive:         true,
		ScoringType:      models.ScoringICPC,
		State:            models.ContestRunning,
	}
	store.PutContest(contest)
	problem := &models.Problem{
		ContestID: contest.ID, Letter: "A", Title: "Graphs",
		TimeLimitMs: 1000, MemoryLimitMB: 256, PointsValue: 10,
	}
	store.PutProblem(problem)

	bus := &recordingPublisher{}
	controller := NewController(store, bus, 20*time.Millisecond, testLogger())
	return &env{store: store, bus: bus, controller: controller, contest: contest, problem: problem}
}

// acceptAt records an accepted submission at the given contest minute and
// runs scoring for it.
func (e *env) acceptAt(t *testing.T, teamName string, minute int) *models.Team {
	t.Helper()
	ctx := context.Background()
	team := &models.Team{Name: teamName, ContestID: e.contest.ID, IsActive: true}
	e.store.PutTeam(team)

	sub := &models.Submission{
		TeamID:      team.ID,
		ProblemID:   e.problem.ID,
		ContestID:   e.contest.ID,
		Language:    models.LanguageCPP,
		SubmittedAt: e.contest.StartTime.Add(time.Duration(minute) * time.Minute),
		Status:      models.StatusAccepted,
	}
	require.NoError(t, e.store.CreateSubmission(ctx, sub))

	strategy, err := scoring.ForContest(e.contest, e.store, testLogger())
	require.NoError(t, err)
	require.NoError(t, strategy.OnSubmissionFinalized(ctx, sub))
	return team
}

func TestController_LiveLeaderboardReflectsResults(t *testing.T) {
	e := newEnv(t)
	e.acceptAt(t, "alpha", 10)

	board, err := e.controller.GetDisplayLeaderboard(context.Background(), e.contest.ID)
	require.NoError(t, err)
	assert.False(t, board.Frozen)
	require.Len(t, board.Rankings, 1)
	assert.Equal(t, "alpha", board.Rankings[0].TeamName)
	assert.Equal(t, 1, board.Rankings[0].Rank)
	assert.Equal(t, 1, board.Rankings[0].ProblemsSolved)
}

func TestController_FreezeHidesLaterResults(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.acceptAt(t, "alpha", 10)

	require.NoError(t, e.controller.Freeze(ctx, e.contest.ID))

	// A solve landing after the freeze must not change the display.
	e.acceptAt(t, "beta", 250)

	board, err := e.controller.GetDisplayLeaderboard(ctx, e.contest.ID)
	require.NoError(t, err)
	assert.True(t, board.Frozen)
	require.Len(t, board.Rankings, 1)
	assert.Equal(t, "alpha", board.Rankings[0].TeamName)
}

func TestController_UnfreezeRestoresLiveView(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.acceptAt(t, "alpha", 10)
	require.NoError(t, e.controller.Freeze(ctx, e.contest.ID))
	e.acceptAt(t, "beta", 250)

	require.NoError(t, e.controller.Unfreeze(ctx, e.contest.ID))

	board, err := e.controller.GetDisplayLeaderboard(ctx, e.contest.ID)
	require.NoError(t, err)
	assert.False(t, board.Frozen)
	require.Len(t, board.Rankings, 2)
	assert.Equal(t, "alpha", board.Rankings[0].TeamName)
	assert.Equal(t, "beta", board.Rankings[1].TeamName)
	assert.Equal(t, 2, board.Rankings[1].Rank)
}

func TestController_FreezeIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.acceptAt(t, "alpha", 10)

	require.NoError(t, e.controller.Freeze(ctx, e.contest.ID))
	require.NoError(t, e.controller.Freeze(ctx, e.contest.ID))

	contest, err := e.store.GetContest(ctx, e.contest.ID)
	require.NoError(t, err)
	assert.True(t, contest.IsFrozen)
	assert.Equal(t, models.ContestFrozen, contest.State)
}

func TestController_MarkDirtyCoalescesBroadcasts(t *testing.T) {
	e := newEnv(t)
	e.acceptAt(t, "alpha", 10)
	e.controller.Start()

	for i := 0; i < 20; i++ {
		e.controller.MarkDirty(e.contest.ID)
	}
	time.Sleep(30 * time.Millisecond)
	e.controller.Stop()

	// Twenty marks inside one window collapse to at most a couple of
	// broadcasts, never twenty.
	n := e.bus.count(events.MessageLeaderboardUpdate)
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 3)
}

func TestController_UnfreezeWithoutFreezeIsNoop(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.controller.Unfreeze(context.Background(), e.contest.ID))
}
