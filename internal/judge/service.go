package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codearena/codearena/internal/database"
	"github.com/codearena/codearena/internal/events"
	"github.com/codearena/codearena/internal/models"
	"github.com/codearena/codearena/internal/queue"
	"github.com/codearena/codearena/internal/scoring"
)

// LeaderboardNotifier is the narrow hook the pipeline uses to request a
// leaderboard rebroadcast after a verdict lands.
type LeaderboardNotifier interface {
	MarkDirty(contestID int64)
}

// ETAEstimator converts a queue position into a wait estimate.
type ETAEstimator interface {
	EstimateETA(position int) int
}

// ResultObserver records finalized verdicts, for metrics export.
type ResultObserver interface {
	ObserveJudged(language, verdict string, duration time.Duration)
}

// Service is the submission pipeline: it enqueues accepted submissions,
// consumes queue jobs, judges them, persists verdicts, updates scores and
// broadcasts results. It implements queue.Handler.
type Service struct {
	store       database.Store
	engine      *Engine
	queue       *queue.Queue
	bus         events.Publisher
	leaderboard LeaderboardNotifier
	eta         ETAEstimator
	observer    ResultObserver
	logger      *logrus.Logger
}

// NewService creates the pipeline service.
func NewService(
	store database.Store,
	engine *Engine,
	q *queue.Queue,
	bus events.Publisher,
	leaderboard LeaderboardNotifier,
	logger *logrus.Logger,
) *Service {
	return &Service{
		store:       store,
		engine:      engine,
		queue:       q,
		bus:         bus,
		leaderboard: leaderboard,
		logger:      logger,
	}
}

// SetETAEstimator attaches the wait estimator. The worker pool provides
// it, and the pool is constructed after the service it feeds.
func (s *Service) SetETAEstimator(eta ETAEstimator) {
	s.eta = eta
}

// SetResultObserver attaches the metrics hook for finalized verdicts.
func (s *Service) SetResultObserver(observer ResultObserver) {
	s.observer = observer
}

// Enqueue computes the submission's priority, adds it to the queue and
// notifies the team of its position.
func (s *Service) Enqueue(ctx context.Context, sub *models.Submission, contest *models.Contest) (*queue.PositionInfo, error) {
	pendingByTeam, err := s.countTeamPending(ctx, sub)
	if err != nil {
		s.logger.WithError(err).Warn("Cannot count team pending submissions; assuming zero")
		pendingByTeam = 0
	}

	priority := queue.ComputePriority(time.Now(), queue.PriorityInput{
		SubmittedAt:           sub.SubmittedAt,
		ContestEnd:            contest.EndTime(),
		TeamRecentSubmissions: pendingByTeam,
		AdminOverride:         sub.AdminPriority,
		Language:              sub.Language,
	})

	if _, err := s.queue.Enqueue(ctx, &queue.Job{
		SubmissionID: sub.ID,
		ContestID:    sub.ContestID,
		TeamID:       sub.TeamID,
		ProblemID:    sub.ProblemID,
		Language:     sub.Language,
		Priority:     priority,
	}); err != nil {
		return nil, fmt.Errorf("judge: enqueue submission %d: %w", sub.ID, err)
	}

	info, err := s.queue.Position(ctx, sub.ID)
	if err != nil {
		info = &queue.PositionInfo{Status: queue.PositionQueued}
	}
	if s.eta != nil && info.Position > 0 {
		info.ETASeconds = s.eta.EstimateETA(info.Position)
	}

	events.EmitQueued(s.bus, sub.TeamID, &events.QueuedPayload{
		SubmissionID: sub.ID,
		Position:     info.Position,
		ETASeconds:   info.ETASeconds,
	})
	return info, nil
}

func (s *Service) countTeamPending(ctx context.Context, sub *models.Submission) (int, error) {
	subs, err := s.store.ListSubmissions(ctx, database.SubmissionFilter{
		ContestID: sub.ContestID,
		TeamID:    sub.TeamID,
	})
	if err != nil {
		return 0, err
	}
	pending := 0
	for _, other := range subs {
		if other.ID != sub.ID && !other.Status.Terminal() {
			pending++
		}
	}
	return pending, nil
}

// Process judges one claimed job. A system_error verdict from judging is
// returned as an error so the queue applies its retry policy; every other
// verdict is finalized here.
func (s *Service) Process(ctx context.Context, job *queue.Job) error {
	sub, err := s.store.GetSubmission(ctx, job.SubmissionID)
	if err != nil {
		return fmt.Errorf("judge: load submission %d: %w", job.SubmissionID, err)
	}

	problem, err := s.store.GetProblem(ctx, sub.ProblemID)
	if err != nil {
		return fmt.Errorf("judge: load problem %d: %w", sub.ProblemID, err)
	}
	contest, err := s.store.GetContest(ctx, sub.ContestID)
	if err != nil {
		return fmt.Errorf("judge: load contest %d: %w", sub.ContestID, err)
	}
	cases, err := s.store.ListTestCases(ctx, sub.ProblemID)
	if err != nil {
		return fmt.Errorf("judge: load test cases for problem %d: %w", sub.ProblemID, err)
	}
	if len(cases) == 0 {
		return fmt.Errorf("judge: problem %d has no test cases", sub.ProblemID)
	}

	if err := s.store.UpdateSubmissionStatus(ctx, sub.ID, models.StatusJudging); err != nil {
		s.logger.WithError(err).Warn("Cannot mark submission judging")
	}

	result := s.engine.Judge(ctx, sub, problem, cases, contest.ScoringType)
	if result.Verdict == models.StatusSystemError {
		return fmt.Errorf("judge: submission %d hit a system error", sub.ID)
	}

	return s.finalize(ctx, sub, contest, result)
}

// HandleDead finalizes a submission whose job exhausted its retry budget,
// so it is never left pending.
func (s *Service) HandleDead(ctx context.Context, job *queue.Job) {
	sub, err := s.store.GetSubmission(ctx, job.SubmissionID)
	if err != nil {
		s.logger.WithError(err).WithField("submission_id", job.SubmissionID).
			Error("Cannot load dead-lettered submission")
		return
	}
	contest, err := s.store.GetContest(ctx, sub.ContestID)
	if err != nil {
		s.logger.WithError(err).WithField("submission_id", job.SubmissionID).
			Error("Cannot load contest of dead-lettered submission")
		return
	}

	result := &models.JudgeResult{
		SubmissionID: sub.ID,
		Verdict:      models.StatusSystemError,
	}
	if err := s.finalize(ctx, sub, contest, result); err != nil {
		s.logger.WithError(err).WithField("submission_id", sub.ID).
			Error("Cannot finalize dead-lettered submission")
	}
}

// finalize writes the verdict, reruns scoring and broadcasts the result.
// Keyed on the submission id, so a duplicate delivery of the same job
// overwrites rather than double-counts.
func (s *Service) finalize(ctx context.Context, sub *models.Submission, contest *models.Contest, result *models.JudgeResult) error {
	now := time.Now().UTC()
	sub.Status = result.Verdict
	sub.JudgedAt = &now
	sub.ExecutionTimeMs = result.TotalTimeMs
	sub.MemoryUsedMB = result.MaxMemoryMB
	sub.TestCasesPassed = result.TestCasesPassed
	sub.TotalTestCases = result.TestCasesRun
	sub.PointsEarned = result.Score
	sub.JudgeOutput = appendRevision(sub.JudgeOutput, result)

	if err := s.store.FinalizeSubmission(ctx, sub); err != nil {
		return fmt.Errorf("judge: finalize submission %d: %w", sub.ID, err)
	}

	// Scoring failures never undo a finalized verdict; the leaderboard is
	// recomputable from submissions.
	strategy, err := scoring.ForContest(contest, s.store, s.logger)
	if err != nil {
		s.logger.WithError(err).Error("No scoring strategy for contest")
	} else if err := strategy.OnSubmissionFinalized(ctx, sub); err != nil {
		s.logger.WithError(err).WithField("submission_id", sub.ID).
			Error("Scoring update failed")
	}

	if s.leaderboard != nil {
		s.leaderboard.MarkDirty(sub.ContestID)
	}
	if s.observer != nil {
		judgeTime := time.Duration(result.CompileMs+result.TotalTimeMs) * time.Millisecond
		s.observer.ObserveJudged(string(sub.Language), string(result.Verdict), judgeTime)
	}

	events.EmitSubmissionResult(s.bus, sub.ContestID, &events.SubmissionResultPayload{
		SubmissionID: sub.ID,
		TeamID:       sub.TeamID,
		ProblemID:    sub.ProblemID,
		Result:       result,
	})

	s.logger.WithFields(logrus.Fields{
		"submission_id": sub.ID,
		"verdict":       result.Verdict,
		"passed":        result.TestCasesPassed,
		"run":           result.TestCasesRun,
	}).Info("Submission finalized")
	return nil
}

// appendRevision adds the result to the submission's judgment history,
// newest last.
func appendRevision(existing []byte, result *models.JudgeResult) []byte {
	var history models.JudgeHistory
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &history); err != nil {
			history = models.JudgeHistory{}
		}
	}
	history.Revisions = append(history.Revisions, *result)
	out, err := json.Marshal(&history)
	if err != nil {
		return existing
	}
	return out
}

// Cancel withdraws a submission that is still waiting to be judged (or
// sitting out a retry backoff). An in-flight judgment is not interrupted;
// it runs to its verdict.
func (s *Service) Cancel(ctx context.Context, submissionID int64) (bool, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return false, fmt.Errorf("judge: load submission %d: %w", submissionID, err)
	}
	if sub.Status.Terminal() {
		return false, nil
	}

	cancelled, err := s.queue.Cancel(ctx, submissionID)
	if err != nil {
		return false, fmt.Errorf("judge: cancel submission %d: %w", submissionID, err)
	}
	if !cancelled {
		return false, nil
	}

	if err := s.store.UpdateSubmissionStatus(ctx, sub.ID, models.StatusCancelled); err != nil {
		return true, fmt.Errorf("judge: mark submission %d cancelled: %w", sub.ID, err)
	}
	events.EmitVerdictUpdate(s.bus, sub.TeamID, &events.VerdictUpdatePayload{
		SubmissionID: sub.ID,
		Status:       models.StatusCancelled,
	})
	s.logger.WithField("submission_id", sub.ID).Info("Submission cancelled")
	return true, nil
}

// Rejudge re-enqueues an already judged submission at admin priority. The
// prior judgment stays in the history; scoring recomputes from the new
// verdict when it lands.
func (s *Service) Rejudge(ctx context.Context, submissionID int64) (*queue.PositionInfo, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("judge: load submission %d: %w", submissionID, err)
	}
	contest, err := s.store.GetContest(ctx, sub.ContestID)
	if err != nil {
		return nil, fmt.Errorf("judge: load contest %d: %w", sub.ContestID, err)
	}
	sub.AdminPriority = true
	if err := s.store.UpdateSubmissionStatus(ctx, sub.ID, models.StatusPending); err != nil {
		return nil, fmt.Errorf("judge: reset submission %d: %w", sub.ID, err)
	}
	sub.Status = models.StatusPending
	return s.Enqueue(ctx, sub, contest)
}
