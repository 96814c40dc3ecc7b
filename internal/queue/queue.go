// Package queue implements the durable priority queue of pending judgments
// and the worker pool that consumes it. Jobs live in Redis so that queued
// work survives a process restart.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/codearena/codearena/internal/models"
)

// Job is one pending judgment.
type Job struct {
	ID           string          `json:"id"`
	SubmissionID int64           `json:"submission_id"`
	ContestID    int64           `json:"contest_id"`
	TeamID       int64           `json:"team_id"`
	ProblemID    int64           `json:"problem_id"`
	Language     models.Language `json:"language"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	LastError    string          `json:"last_error,omitempty"`
}

// PositionInfo answers "where is my submission" for a team.
type PositionInfo struct {
	Status     string `json:"status"`
	Position   int    `json:"position,omitempty"`
	ETASeconds int    `json:"eta_seconds,omitempty"`
}

// Position statuses.
const (
	PositionQueued     = "queued"
	PositionProcessing = "processing"
	PositionUnknown    = "unknown"
)

// Config holds queue tuning.
type Config struct {
	// Prefix namespaces every key so several deployments can share a
	// Redis instance.
	Prefix       string
	MaxAttempts  int
	RetryBackoff time.Duration
	// StallTimeout bounds how long a job may sit claimed without
	// completing before it is handed back to the waiting set.
	StallTimeout time.Duration
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() *Config {
	return &Config{
		Prefix:       "judge",
		MaxAttempts:  3,
		RetryBackoff: 2 * time.Second,
		StallTimeout: 5 * time.Minute,
	}
}

// Queue is the Redis-backed priority queue. Higher priority dequeues
// first; within one priority value, FIFO by enqueue order. A job is owned
// by at most one worker at a time; ownership is the membership of the
// active set.
type Queue struct {
	rdb    redis.UniversalClient
	config *Config
	logger *logrus.Logger

	claim *redis.Script

	retries atomic.Int64
}

// claimScript atomically moves the highest-scored waiting job into the
// active set, stamped with the claim time.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], -1, -1)
if #ids == 0 then return false end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

// NewQueue creates a queue on the given Redis client.
func NewQueue(rdb redis.UniversalClient, config *Config, logger *logrus.Logger) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	return &Queue{
		rdb:    rdb,
		config: config,
		logger: logger,
		claim:  claimScript,
	}
}

func (q *Queue) key(parts ...string) string {
	key := q.config.Prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

func (q *Queue) waitingKey() string { return q.key("waiting") }
func (q *Queue) activeKey() string  { return q.key("active") }
func (q *Queue) delayedKey() string { return q.key("delayed") }
func (q *Queue) deadKey() string    { return q.key("dead") }
func (q *Queue) pausedKey() string  { return q.key("paused") }
func (q *Queue) seqKey() string     { return q.key("seq") }
func (q *Queue) jobKey(id string) string {
	return q.key("job", id)
}

func jobID(submissionID int64) string {
	return strconv.FormatInt(submissionID, 10)
}

// score packs (priority, enqueue order) into one sortable float. Priority
// dominates; within a priority, an earlier sequence number scores higher
// so ZRANGE's tail is the next job to run. Both factors stay well inside
// float64's exact-integer range.
func score(priority int, seq int64) float64 {
	return float64(priority)*1e12 - float64(seq)
}

// Enqueue adds a judgment job. Idempotent on the submission id: enqueueing
// a submission that is already waiting, delayed or active returns the
// existing job id without duplicating it.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (string, error) {
	job.ID = jobID(job.SubmissionID)
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	exists, err := q.rdb.Exists(ctx, q.jobKey(job.ID)).Result()
	if err != nil {
		return "", fmt.Errorf("queue: check existing job: %w", err)
	}
	if exists > 0 {
		return job.ID, nil
	}

	seq, err := q.rdb.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("queue: sequence: %w", err)
	}
	jobScore := score(job.Priority, seq)

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID),
		"data", payload,
		"score", jobScore,
		"attempts", job.Attempts,
	)
	pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: jobScore, Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return job.ID, nil
}

// Dequeue claims the next job, or returns (nil, nil) when the queue is
// empty or paused. Before claiming it promotes due delayed jobs and
// requeues stalled ones.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}
	if err := q.RequeueStalled(ctx); err != nil {
		return nil, err
	}

	paused, err := q.rdb.Exists(ctx, q.pausedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: check paused: %w", err)
	}
	if paused > 0 {
		return nil, nil
	}

	now := float64(time.Now().Unix())
	res, err := q.claim.Run(ctx, q.rdb, []string{q.waitingKey(), q.activeKey()}, now).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}
	return q.loadJob(ctx, id)
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	data, err := q.rdb.HGet(ctx, q.jobKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		// Hash vanished under the claim; drop the orphan id.
		q.rdb.ZRem(ctx, q.activeKey(), id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("queue: decode job %s: %w", id, err)
	}
	attempts, err := q.rdb.HGet(ctx, q.jobKey(id), "attempts").Int()
	if err == nil {
		job.Attempts = attempts
	}
	return &job, nil
}

// promoteDelayed moves due retry jobs back into the waiting set at their
// original score.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: list due delayed: %w", err)
	}
	for _, id := range due {
		if err := q.moveToWaiting(ctx, q.delayedKey(), id); err != nil {
			return err
		}
	}
	return nil
}

// RequeueStalled hands jobs claimed longer than the stall timeout back to
// the waiting set. Delivery is at-least-once: the judging engine keys its
// result row on the submission id so a duplicated judgment is harmless.
func (q *Queue) RequeueStalled(ctx context.Context) error {
	cutoff := strconv.FormatInt(time.Now().Add(-q.config.StallTimeout).Unix(), 10)
	stalled, err := q.rdb.ZRangeByScore(ctx, q.activeKey(), &redis.ZRangeBy{
		Min: "-inf", Max: cutoff,
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: list stalled: %w", err)
	}
	for _, id := range stalled {
		q.logger.WithField("job_id", id).Warn("Requeueing stalled job")
		if err := q.moveToWaiting(ctx, q.activeKey(), id); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) moveToWaiting(ctx context.Context, from, id string) error {
	jobScore, err := q.rdb.HGet(ctx, q.jobKey(id), "score").Float64()
	if errors.Is(err, redis.Nil) {
		q.rdb.ZRem(ctx, from, id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: load score of %s: %w", id, err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, from, id)
	pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: jobScore, Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: move %s to waiting: %w", id, err)
	}
	return nil
}

// Complete removes a finished job.
func (q *Queue) Complete(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), id)
	pipe.Del(ctx, q.jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: complete %s: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt. The job is delayed for an exponentially
// growing backoff until max attempts, then moved to the dead-letter list.
// The returned flag reports whether the job is dead.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (dead bool, err error) {
	attempts, err := q.rdb.HIncrBy(ctx, q.jobKey(id), "attempts", 1).Result()
	if err != nil {
		return false, fmt.Errorf("queue: count attempt on %s: %w", id, err)
	}

	if cause != nil {
		q.rdb.HSet(ctx, q.jobKey(id), "last_error", cause.Error())
	}

	if int(attempts) >= q.config.MaxAttempts {
		return true, q.moveToDead(ctx, id, cause)
	}

	backoff := q.config.RetryBackoff << (attempts - 1)
	readyAt := time.Now().Add(backoff).Unix()
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), id)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("queue: delay %s: %w", id, err)
	}
	q.retries.Add(1)
	q.logger.WithFields(logrus.Fields{
		"job_id":   id,
		"attempts": attempts,
		"backoff":  backoff.String(),
	}).Warn("Job failed, retrying")
	return false, nil
}

// Retries counts attempts this process has scheduled for a backoff retry.
func (q *Queue) Retries() int64 {
	return q.retries.Load()
}

func (q *Queue) moveToDead(ctx context.Context, id string, cause error) error {
	job, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job != nil {
		if cause != nil {
			job.LastError = cause.Error()
		}
		payload, merr := json.Marshal(job)
		if merr == nil {
			if err := q.rdb.LPush(ctx, q.deadKey(), payload).Err(); err != nil {
				return fmt.Errorf("queue: dead-letter %s: %w", id, err)
			}
		}
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.activeKey(), id)
	pipe.Del(ctx, q.jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: remove dead %s: %w", id, err)
	}
	q.logger.WithField("job_id", id).Error("Job moved to dead-letter")
	return nil
}

// Cancel removes a submission while it is still queued or delayed.
// In-flight jobs are not cancelled. Returns whether anything was removed.
func (q *Queue) Cancel(ctx context.Context, submissionID int64) (bool, error) {
	id := jobID(submissionID)
	removedWaiting, err := q.rdb.ZRem(ctx, q.waitingKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("queue: cancel %s: %w", id, err)
	}
	removedDelayed, err := q.rdb.ZRem(ctx, q.delayedKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("queue: cancel %s: %w", id, err)
	}
	if removedWaiting+removedDelayed == 0 {
		return false, nil
	}
	q.rdb.Del(ctx, q.jobKey(id))
	return true, nil
}

// Waiting returns the waiting-set size.
func (q *Queue) Waiting(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.waitingKey()).Result()
}

// Active returns the active-set size.
func (q *Queue) Active(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.activeKey()).Result()
}

// Delayed returns the delayed-set size.
func (q *Queue) Delayed(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.delayedKey()).Result()
}

// Failed returns the dead-letter count.
func (q *Queue) Failed(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.deadKey()).Result()
}

// Position reports a submission's place in line. Position 1 is next to
// run.
func (q *Queue) Position(ctx context.Context, submissionID int64) (*PositionInfo, error) {
	id := jobID(submissionID)

	rank, err := q.rdb.ZRevRank(ctx, q.waitingKey(), id).Result()
	if err == nil {
		return &PositionInfo{Status: PositionQueued, Position: int(rank) + 1}, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue: rank %s: %w", id, err)
	}

	if _, err := q.rdb.ZScore(ctx, q.activeKey(), id).Result(); err == nil {
		return &PositionInfo{Status: PositionProcessing}, nil
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue: check active %s: %w", id, err)
	}

	if _, err := q.rdb.ZScore(ctx, q.delayedKey(), id).Result(); err == nil {
		// Delayed retries are still queued from the team's point of view.
		waiting, cerr := q.Waiting(ctx)
		if cerr != nil {
			return nil, cerr
		}
		return &PositionInfo{Status: PositionQueued, Position: int(waiting) + 1}, nil
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue: check delayed %s: %w", id, err)
	}

	return &PositionInfo{Status: PositionUnknown}, nil
}

// Pause stops dequeues; queued jobs stay put.
func (q *Queue) Pause(ctx context.Context) error {
	return q.rdb.Set(ctx, q.pausedKey(), "1", 0).Err()
}

// Resume re-enables dequeues.
func (q *Queue) Resume(ctx context.Context) error {
	return q.rdb.Del(ctx, q.pausedKey()).Err()
}

// Paused reports whether dequeues are suspended.
func (q *Queue) Paused(ctx context.Context) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.pausedKey()).Result()
	return n > 0, err
}

// Clean drops the dead-letter list.
func (q *Queue) Clean(ctx context.Context) error {
	return q.rdb.Del(ctx, q.deadKey()).Err()
}
