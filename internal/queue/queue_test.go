package queue

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codearena/codearena/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestQueue(t *testing.T, config *Config) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewQueue(rdb, config, testLogger())
}

func job(submissionID int64, priority int) *Job {
	return &Job{
		SubmissionID: submissionID,
		ContestID:    1,
		TeamID:       1,
		ProblemID:    1,
		Language:     models.LanguageCPP,
		Priority:     priority,
	}
}

func TestQueue_StrictPriorityThenFIFO(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job(1, 100))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job(2, 200))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job(3, 100))
	require.NoError(t, err)

	var order []int64
	for i := 0; i < 3; i++ {
		j, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, j)
		order = append(order, j.SubmissionID)
	}
	// Highest priority first; equal priorities in enqueue order.
	assert.Equal(t, []int64{2, 1, 3}, order)
}

func TestQueue_AdminOverrideRunsFirst(t *testing.T) {
	// Two submissions at the same instant with equal base priority;
	// the admin-flagged one must be claimed first.
	q := newTestQueue(t, nil)
	ctx := context.Background()
	now := time.Now()

	base := ComputePriority(now, PriorityInput{SubmittedAt: now})
	admin := ComputePriority(now, PriorityInput{SubmittedAt: now, AdminOverride: true})

	_, err := q.Enqueue(ctx, job(1, base))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job(2, admin))
	require.NoError(t, err)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, int64(2), first.SubmissionID)
}

func TestQueue_EnqueueIsIdempotent(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, job(7, 50))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, job(7, 90))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	waiting, err := q.Waiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), waiting)
}

func TestQueue_CompleteRemovesJob(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job(1, 10))
	require.NoError(t, err)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)

	active, err := q.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)

	require.NoError(t, q.Complete(ctx, j.ID))
	active, err = q.Active(ctx)
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestQueue_FailRetriesWithBackoffThenDeadLetters(t *testing.T) {
	q := newTestQueue(t, &Config{
		Prefix:       "judge",
		MaxAttempts:  2,
		RetryBackoff: time.Millisecond,
		StallTimeout: 5 * time.Minute,
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job(1, 10))
	require.NoError(t, err)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)

	dead, err := q.Fail(ctx, j.ID, errors.New("sandbox spawn failed"))
	require.NoError(t, err)
	assert.False(t, dead)

	delayed, err := q.Delayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)

	// After the backoff the job is claimable again, carrying its attempt
	// count.
	time.Sleep(1100 * time.Millisecond)
	j, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 1, j.Attempts)

	dead, err = q.Fail(ctx, j.ID, errors.New("sandbox spawn failed"))
	require.NoError(t, err)
	assert.True(t, dead)

	failed, err := q.Failed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	// The job is gone from every live set.
	waiting, _ := q.Waiting(ctx)
	active, _ := q.Active(ctx)
	delayed, _ = q.Delayed(ctx)
	assert.Zero(t, waiting+active+delayed)
}

func TestQueue_StalledJobReturnsToWaiting(t *testing.T) {
	q := newTestQueue(t, &Config{
		Prefix:       "judge",
		MaxAttempts:  3,
		RetryBackoff: 2 * time.Second,
		StallTimeout: time.Millisecond,
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job(1, 10))
	require.NoError(t, err)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)

	// The claim stamp has one-second resolution, so the stall cutoff
	// needs a full second to pass.
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, q.RequeueStalled(ctx))

	waiting, err := q.Waiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), waiting)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, j.SubmissionID, again.SubmissionID)
}

func TestQueue_CancelWhileQueuedOnly(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job(1, 10))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job(2, 500))
	require.NoError(t, err)

	// Submission 2 is in flight; cancelling it must not touch it.
	inFlight, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), inFlight.SubmissionID)

	removed, err := q.Cancel(ctx, 2)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = q.Cancel(ctx, 1)
	require.NoError(t, err)
	assert.True(t, removed)

	waiting, err := q.Waiting(ctx)
	require.NoError(t, err)
	assert.Zero(t, waiting)
}

func TestQueue_PauseStopsDequeues(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job(1, 10))
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx))
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, j)

	require.NoError(t, q.Resume(ctx))
	j, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, int64(1), j.SubmissionID)
}

func TestQueue_Position(t *testing.T) {
	q := newTestQueue(t, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job(1, 300))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job(2, 200))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job(3, 100))
	require.NoError(t, err)

	info, err := q.Position(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, PositionQueued, info.Status)
	assert.Equal(t, 3, info.Position)

	// Claim the head; it reports processing.
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), j.SubmissionID)

	info, err = q.Position(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PositionProcessing, info.Status)

	info, err = q.Position(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, PositionQueued, info.Status)
	assert.Equal(t, 1, info.Position)

	info, err = q.Position(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, PositionUnknown, info.Status)
}

func TestQueue_EmptyDequeueReturnsNil(t *testing.T) {
	q := newTestQueue(t, nil)
	j, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, j)
}
