package judge

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codearena/codearena/internal/database"
	"github.com/codearena/codearena/internal/events"
	"github.com/codearena/codearena/internal/models"
	"github.com/codearena/codearena/internal/queue"
	"github.com/codearena/codearena/internal/sandbox"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

type dirtyRecorder struct {
	mu  sync.Mutex
	ids []int64
}

func (d *dirtyRecorder) MarkDirty(contestID int64) {
	d.mu.Lock()
	d.ids = append(d.ids, contestID)
	d.mu.Unlock()
}

type busRecorder struct {
	mu       sync.Mutex
	messages []*events.Message
}

func (b *busRecorder) Publish(rooms []string, msg *events.Message) {
	b.mu.Lock()
	b.messages = append(b.messages, msg)
	b.mu.Unlock()
}

func (b *busRecorder) count(mt events.MessageType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.messages {
		if m.Type == mt {
			n++
		}
	}
	return n
}

type pipeline struct {
	store   *database.MemoryStore
	bus     *busRecorder
	dirty   *dirtyRecorder
	queue   *queue.Queue
	service *Service
	contest *models.Contest
	problem *models.Problem
	team    *models.Team
}

func newPipeline(t *testing.T, scoringType models.ScoringType) *pipeline {
	t.Helper()
	store := database.NewMemoryStore()
	contest := &models.Contest{
		Name:             "Qualifier",
		RegistrationCode: "QUAL",
		StartTime:        time.Now().Add(-time.Hour),
		DurationMinutes:  300,
		IsActive:         true,
		ScoringType:      scoringType,
		State:            models.ContestRunning,
	}
	store.PutContest(contest)
	problem := &models.Problem{
		ContestID: contest.ID, Letter: "A", Title: "Double",
		TimeLimitMs: 2000, MemoryLimitMB: 256, PointsValue: 10,
	}
	store.PutProblem(problem)
	store.PutTestCase(&models.TestCase{
		ProblemID: problem.ID, Ordinal: 1,
		Input: []byte("3\n"), ExpectedOutput: []byte("6\n"), IsSample: true,
	})
	store.PutTestCase(&models.TestCase{
		ProblemID: problem.ID, Ordinal: 2,
		Input: []byte("5\n"), ExpectedOutput: []byte("10\n"),
	})
	store.PutTestCase(&models.TestCase{
		ProblemID: problem.ID, Ordinal: 3,
		Input: []byte("21\n"), ExpectedOutput: []byte("42\n"),
	})
	team := &models.Team{Name: "gophers", ContestID: contest.ID, IsActive: true}
	store.PutTeam(team)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.NewQueue(rdb, nil, testLogger())

	bus := &busRecorder{}
	dirty := &dirtyRecorder{}
	executor := sandbox.NewExecutor(nil, testLogger())
	engine := NewEngine(executor, bus, testLogger())
	service := NewService(store, engine, q, bus, dirty, testLogger())

	return &pipeline{
		store: store, bus: bus, dirty: dirty, queue: q,
		service: service, contest: contest, problem: problem, team: team,
	}
}

func (p *pipeline) submit(t *testing.T, source string) *models.Submission {
	t.Helper()
	sub := &models.Submission{
		TeamID:      p.team.ID,
		ProblemID:   p.problem.ID,
		ContestID:   p.contest.ID,
		Language:    models.LanguagePython,
		SourceCode:  []byte(source),
		SubmittedAt: time.Now(),
		Status:      models.StatusPending,
	}
	require.NoError(t, p.store.CreateSubmission(context.Background(), sub))
	return sub
}

func (p *pipeline) jobFor(sub *models.Submission) *queue.Job {
	return &queue.Job{
		SubmissionID: sub.ID,
		ContestID:    sub.ContestID,
		TeamID:       sub.TeamID,
		ProblemID:    sub.ProblemID,
		Language:     sub.Language,
	}
}

func TestService_AcceptedEndToEnd(t *testing.T) {
	requirePython(t)
	p := newPipeline(t, models.ScoringICPC)
	ctx := context.Background()

	sub := p.submit(t, "print(int(input())*2)\n")
	require.NoError(t, p.service.Process(ctx, p.jobFor(sub)))

	stored, err := p.store.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, stored.Status)
	assert.Equal(t, 3, stored.TestCasesPassed)
	assert.Equal(t, 3, stored.TotalTestCases)
	require.NotNil(t, stored.JudgedAt)

	score, err := p.store.GetTeamScore(ctx, p.contest.ID, p.team.ID, p.problem.ID)
	require.NoError(t, err)
	assert.True(t, score.Solved)

	assert.Equal(t, []int64{p.contest.ID}, p.dirty.ids)
	// Full result to team+admins plus redacted contest-room copy.
	assert.Equal(t, 2, p.bus.count(events.MessageSubmissionResult))
}

func TestService_WrongAnswerStopsEarlyForICPC(t *testing.T) {
	requirePython(t)
	p := newPipeline(t, models.ScoringICPC)
	ctx := context.Background()

	sub := p.submit(t, "print(int(input())*2+1)\n")
	require.NoError(t, p.service.Process(ctx, p.jobFor(sub)))

	stored, err := p.store.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWrongAnswer, stored.Status)
	// First failure short-circuits the remaining cases.
	assert.Equal(t, 1, stored.TotalTestCases)
}

func TestService_HackathonPartialCredit(t *testing.T) {
	requirePython(t)
	p := newPipeline(t, models.ScoringHackathon)
	ctx := context.Background()

	// Doubles correctly only below 10: passes cases 1 and 2, fails case 3.
	src := "n=int(input())\nprint(n*2 if n<10 else 0)\n"
	sub := p.submit(t, src)
	require.NoError(t, p.service.Process(ctx, p.jobFor(sub)))

	stored, err := p.store.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartialCredit, stored.Status)
	assert.Equal(t, 3, stored.TotalTestCases)
	assert.Equal(t, 2, stored.TestCasesPassed)
	// 1 of 2 non-sample cases: half of the 10 problem points.
	assert.Equal(t, 5.0, stored.PointsEarned)
}

func TestService_RuntimeErrorVerdict(t *testing.T) {
	requirePython(t)
	p := newPipeline(t, models.ScoringICPC)
	ctx := context.Background()

	sub := p.submit(t, "raise RuntimeError('boom')\n")
	require.NoError(t, p.service.Process(ctx, p.jobFor(sub)))

	stored, err := p.store.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRuntimeError, stored.Status)
}

func TestService_InterruptedJudgmentIsRetryable(t *testing.T) {
	requirePython(t)
	p := newPipeline(t, models.ScoringICPC)

	sub := p.submit(t, "import time\ntime.sleep(30)\nprint(0)\n")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()
	require.Error(t, p.service.Process(ctx, p.jobFor(sub)))

	// No user-code verdict may stick; the queue retries the job.
	stored, err := p.store.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.False(t, stored.Status.Terminal(),
		"interrupted judgment finalized as %s", stored.Status)
}

func TestService_MissingTestCasesIsRetryableError(t *testing.T) {
	p := newPipeline(t, models.ScoringICPC)
	ctx := context.Background()

	orphan := &models.Problem{ContestID: p.contest.ID, Letter: "B", Title: "Empty",
		TimeLimitMs: 1000, MemoryLimitMB: 256}
	p.store.PutProblem(orphan)

	sub := &models.Submission{
		TeamID:      p.team.ID,
		ProblemID:   orphan.ID,
		ContestID:   p.contest.ID,
		Language:    models.LanguagePython,
		SourceCode:  []byte("print(1)\n"),
		SubmittedAt: time.Now(),
		Status:      models.StatusPending,
	}
	require.NoError(t, p.store.CreateSubmission(ctx, sub))

	assert.Error(t, p.service.Process(ctx, p.jobFor(sub)))
}

func TestService_HandleDeadFinalizesAsSystemError(t *testing.T) {
	p := newPipeline(t, models.ScoringICPC)
	ctx := context.Background()

	sub := p.submit(t, "print(1)\n")
	p.service.HandleDead(ctx, p.jobFor(sub))

	stored, err := p.store.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSystemError, stored.Status)

	// System errors never count as attempts.
	if score, err := p.store.GetTeamScore(ctx, p.contest.ID, p.team.ID, p.problem.ID); err == nil {
		assert.Zero(t, score.Attempts)
	}
}

func TestService_EnqueueNotifiesPosition(t *testing.T) {
	p := newPipeline(t, models.ScoringICPC)
	ctx := context.Background()

	sub := p.submit(t, "print(1)\n")
	info, err := p.service.Enqueue(ctx, sub, p.contest)
	require.NoError(t, err)
	assert.Equal(t, queue.PositionQueued, info.Status)
	assert.Equal(t, 1, info.Position)
	assert.Equal(t, 1, p.bus.count(events.MessageQueued))
}

func TestService_RejudgeAppendsHistory(t *testing.T) {
	requirePython(t)
	p := newPipeline(t, models.ScoringICPC)
	ctx := context.Background()

	sub := p.submit(t, "print(int(input())*2)\n")
	require.NoError(t, p.service.Process(ctx, p.jobFor(sub)))

	_, err := p.service.Rejudge(ctx, sub.ID)
	require.NoError(t, err)

	// The re-judge runs through the queue; claim and process it.
	job, err := p.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, p.service.Process(ctx, job))

	stored, err := p.store.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, stored.Status)

	var history models.JudgeHistory
	require.NoError(t, json.Unmarshal(stored.JudgeOutput, &history))
	assert.Len(t, history.Revisions, 2)
}

func TestService_CancelQueuedSubmission(t *testing.T) {
	p := newPipeline(t, models.ScoringICPC)
	ctx := context.Background()

	sub := p.submit(t, "print(1)\n")
	_, err := p.service.Enqueue(ctx, sub, p.contest)
	require.NoError(t, err)

	cancelled, err := p.service.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	stored, err := p.store.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)

	waiting, err := p.queue.Waiting(ctx)
	require.NoError(t, err)
	assert.Zero(t, waiting)
	assert.Equal(t, 1, p.bus.count(events.MessageVerdictUpdate))

	// Terminal now, so a second withdrawal is a no-op.
	cancelled, err = p.service.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestHackathonVerdict_ModalFailure(t *testing.T) {
	result := &models.JudgeResult{TestCasesRun: 3}
	failures := map[models.SubmissionStatus]int{
		models.StatusWrongAnswer:       2,
		models.StatusTimeLimitExceeded: 1,
	}
	assert.Equal(t, models.StatusWrongAnswer, hackathonVerdict(result, failures))
}

func TestHackathonVerdict_SystemErrorWins(t *testing.T) {
	result := &models.JudgeResult{TestCasesRun: 3}
	failures := map[models.SubmissionStatus]int{
		models.StatusWrongAnswer: 2,
		models.StatusSystemError: 1,
	}
	assert.Equal(t, models.StatusSystemError, hackathonVerdict(result, failures))
}
