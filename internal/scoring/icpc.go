package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codearena/codearena/internal/database"
	"github.com/codearena/codearena/internal/models"
)

// wrongAttemptPenalty is the ICPC penalty in minutes per wrong attempt
// before the first accept.
const wrongAttemptPenalty = 20

// ICPCStrategy scores contests all-or-nothing: distinct accepted problems
// count, each solved problem contributes minutes-to-first-accept plus 20
// per wrong attempt before it.
type ICPCStrategy struct {
	store  database.Store
	logger *logrus.Logger
}

// NewICPCStrategy creates the ICPC strategy.
func NewICPCStrategy(store database.Store, logger *logrus.Logger) *ICPCStrategy {
	return &ICPCStrategy{store: store, logger: logger}
}

func (s *ICPCStrategy) OnSubmissionFinalized(ctx context.Context, sub *models.Submission) error {
	contest, err := s.store.GetContest(ctx, sub.ContestID)
	if err != nil {
		return fmt.Errorf("icpc: load contest: %w", err)
	}

	score, err := s.computeTeamScore(ctx, contest, sub.TeamID, sub.ProblemID)
	if err != nil {
		return err
	}
	if err := s.store.UpsertTeamScore(ctx, score); err != nil {
		return fmt.Errorf("icpc: upsert team score: %w", err)
	}
	return s.updateContestResult(ctx, contest, sub.TeamID)
}

// computeTeamScore rebuilds the (team, problem) row from the full attempt
// history, which makes finalization idempotent.
func (s *ICPCStrategy) computeTeamScore(ctx context.Context, contest *models.Contest, teamID, problemID int64) (*models.TeamScore, error) {
	attempts, err := attemptHistory(ctx, s.store, contest.ID, teamID, problemID)
	if err != nil {
		return nil, fmt.Errorf("icpc: load attempts: %w", err)
	}

	score := &models.TeamScore{
		ContestID: contest.ID,
		TeamID:    teamID,
		ProblemID: problemID,
	}

	var firstAccept *models.Submission
	for _, a := range attempts {
		if a.Status == models.StatusAccepted {
			firstAccept = a
			break
		}
	}

	if firstAccept == nil {
		score.Attempts = len(attempts)
		return score, nil
	}

	wrong := 0
	for _, a := range attempts {
		if a.ID == firstAccept.ID {
			break
		}
		wrong++
	}

	score.Solved = true
	score.Attempts = wrong + 1
	score.PenaltyMinutes = wrong * wrongAttemptPenalty
	score.SolveTime = minutesFromStart(contest, firstAccept.SubmittedAt) + score.PenaltyMinutes
	score.FirstSolveAt = &firstAccept.SubmittedAt

	globalFirst, err := firstAcceptedForProblem(ctx, s.store, contest.ID, problemID)
	if err != nil {
		return nil, fmt.Errorf("icpc: find first solve: %w", err)
	}
	score.FirstSolve = globalFirst != nil && globalFirst.ID == firstAccept.ID
	return score, nil
}

// updateContestResult recomputes the team's aggregate row from its score
// rows and submission history.
func (s *ICPCStrategy) updateContestResult(ctx context.Context, contest *models.Contest, teamID int64) error {
	scores, err := s.store.ListTeamScores(ctx, contest.ID, teamID)
	if err != nil {
		return fmt.Errorf("icpc: list team scores: %w", err)
	}

	result := &models.ContestResult{ContestID: contest.ID, TeamID: teamID}
	var lastAccept time.Time
	for _, sc := range scores {
		if !sc.Solved {
			continue
		}
		result.ProblemsSolved++
		result.PenaltyTime += sc.SolveTime
		if sc.FirstSolveAt != nil && sc.FirstSolveAt.After(lastAccept) {
			lastAccept = *sc.FirstSolveAt
		}
	}
	result.LastSubmissionTime = lastAccept
	if err := s.store.UpsertContestResult(ctx, result); err != nil {
		return fmt.Errorf("icpc: upsert contest result: %w", err)
	}
	return nil
}

func (s *ICPCStrategy) ComputeContestResults(ctx context.Context, contestID int64) ([]*models.ContestResult, error) {
	names, teams, err := teamNames(ctx, s.store, contestID)
	if err != nil {
		return nil, fmt.Errorf("icpc: list teams: %w", err)
	}

	existing, err := s.store.ListContestResults(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("icpc: list results: %w", err)
	}
	byTeam := make(map[int64]*models.ContestResult, len(existing))
	for _, r := range existing {
		byTeam[r.TeamID] = r
	}

	results := make([]*models.ContestResult, 0, len(teams))
	for _, team := range teams {
		r, ok := byTeam[team.ID]
		if !ok {
			r = &models.ContestResult{ContestID: contestID, TeamID: team.ID}
		}
		r.TeamName = names[team.ID]
		results = append(results, r)
	}
	return results, nil
}

// Rank orders by (-problems_solved, +penalty_time, +last_submission_time,
// +team_name); teams tied on solves and penalty share a rank.
func (s *ICPCStrategy) Rank(results []*models.ContestResult) []*models.ContestResult {
	return rankWith(results,
		func(a, b *models.ContestResult) bool {
			if a.ProblemsSolved != b.ProblemsSolved {
				return a.ProblemsSolved > b.ProblemsSolved
			}
			if a.PenaltyTime != b.PenaltyTime {
				return a.PenaltyTime < b.PenaltyTime
			}
			if !a.LastSubmissionTime.Equal(b.LastSubmissionTime) {
				return a.LastSubmissionTime.Before(b.LastSubmissionTime)
			}
			return a.TeamName < b.TeamName
		},
		func(a, b *models.ContestResult) bool {
			return a.ProblemsSolved == b.ProblemsSolved && a.PenaltyTime == b.PenaltyTime
		})
}
