package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codearena/codearena/internal/database"
	"github.com/codearena/codearena/internal/models"
)

// HackathonStrategy scores contests with partial credit: each (team,
// problem) counts its best submission by points earned, no penalty
// minutes, no first-solve bonus.
type HackathonStrategy struct {
	store  database.Store
	logger *logrus.Logger
}

// NewHackathonStrategy creates the hackathon strategy.
func NewHackathonStrategy(store database.Store, logger *logrus.Logger) *HackathonStrategy {
	return &HackathonStrategy{store: store, logger: logger}
}

func (s *HackathonStrategy) OnSubmissionFinalized(ctx context.Context, sub *models.Submission) error {
	contest, err := s.store.GetContest(ctx, sub.ContestID)
	if err != nil {
		return fmt.Errorf("hackathon: load contest: %w", err)
	}

	score, err := s.computeTeamScore(ctx, contest, sub.TeamID, sub.ProblemID)
	if err != nil {
		return err
	}
	if err := s.store.UpsertTeamScore(ctx, score); err != nil {
		return fmt.Errorf("hackathon: upsert team score: %w", err)
	}
	return s.updateContestResult(ctx, contest, sub.TeamID)
}

// computeTeamScore picks the team's best submission for the problem:
// maximum points earned, ties broken by earlier submission time.
func (s *HackathonStrategy) computeTeamScore(ctx context.Context, contest *models.Contest, teamID, problemID int64) (*models.TeamScore, error) {
	attempts, err := attemptHistory(ctx, s.store, contest.ID, teamID, problemID)
	if err != nil {
		return nil, fmt.Errorf("hackathon: load attempts: %w", err)
	}

	score := &models.TeamScore{
		ContestID: contest.ID,
		TeamID:    teamID,
		ProblemID: problemID,
		Attempts:  len(attempts),
	}

	var best *models.Submission
	for _, a := range attempts {
		// History is chronological, so a strictly-greater check keeps
		// the earlier submission on ties.
		if best == nil || a.PointsEarned > best.PointsEarned {
			best = a
		}
	}
	if best == nil {
		return score, nil
	}

	score.PointsEarned = best.PointsEarned
	score.Solved = best.Status == models.StatusAccepted
	score.FirstSolveAt = &best.SubmittedAt
	return score, nil
}

func (s *HackathonStrategy) updateContestResult(ctx context.Context, contest *models.Contest, teamID int64) error {
	scores, err := s.store.ListTeamScores(ctx, contest.ID, teamID)
	if err != nil {
		return fmt.Errorf("hackathon: list team scores: %w", err)
	}

	result := &models.ContestResult{ContestID: contest.ID, TeamID: teamID}
	var last time.Time
	for _, sc := range scores {
		result.TotalPoints += sc.PointsEarned
		if sc.Solved {
			result.ProblemsSolved++
		}
		if sc.FirstSolveAt != nil && sc.FirstSolveAt.After(last) {
			last = *sc.FirstSolveAt
		}
	}
	result.LastSubmissionTime = last
	if err := s.store.UpsertContestResult(ctx, result); err != nil {
		return fmt.Errorf("hackathon: upsert contest result: %w", err)
	}
	return nil
}

func (s *HackathonStrategy) ComputeContestResults(ctx context.Context, contestID int64) ([]*models.ContestResult, error) {
	names, teams, err := teamNames(ctx, s.store, contestID)
	if err != nil {
		return nil, fmt.Errorf("hackathon: list teams: %w", err)
	}

	existing, err := s.store.ListContestResults(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("hackathon: list results: %w", err)
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

// Rank orders by (-total_points, -problems_fully_solved,
// +last_submission_time, +team_name); teams tied on points and full solves
// share a rank.
func (s *HackathonStrategy) Rank(results []*models.ContestResult) []*models.ContestResult {
	return rankWith(results,
		func(a, b *models.ContestResult) bool {
			if a.TotalPoints != b.TotalPoints {
				return a.TotalPoints > b.TotalPoints
			}
			if a.ProblemsSolved != b.ProblemsSolved {
				return a.ProblemsSolved > b.ProblemsSolved
			}
			if !a.LastSubmissionTime.Equal(b.LastSubmissionTime) {
				return a.LastSubmissionTime.Before(b.LastSubmissionTime)
			}
			return a.TeamName < b.TeamName
		},
		func(a, b *models.ContestResult) bool {
			return a.TotalPoints == b.TotalPoints && a.ProblemsSolved == b.ProblemsSolved
		})
}
