// Package scoring maps submission history to team scores, contest results
// and ranks. Two interchangeable strategies exist: ICPC all-or-nothing
// with penalty minutes, and Hackathon partial-credit points.
package scoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codearena/codearena/internal/database"
	"github.com/codearena/codearena/internal/models"
)

// Strategy is the scoring contract. Implementations recompute from the
// full submission history keyed on submission ids, so re-applying a
// finalized submission never double-counts.
type Strategy interface {
	// OnSubmissionFinalized updates the (team, problem) score row and the
	// (contest, team) result row for a terminal submission.
	OnSubmissionFinalized(ctx context.Context, sub *models.Submission) error
	// ComputeContestResults builds unranked result rows for every team.
	ComputeContestResults(ctx context.Context, contestID int64) ([]*models.ContestResult, error)
	// Rank sorts results by the strategy's lexicographic key and assigns
	// competition ranks: tied teams share a number, the next distinct
	// team's rank is its position in the sorted array.
	Rank(results []*models.ContestResult) []*models.ContestResult
}

// ForContest selects the strategy configured on the contest.
func ForContest(contest *models.Contest, store database.Store, logger *logrus.Logger) (Strategy, error) {
	switch contest.ScoringType {
	case models.ScoringICPC:
		return NewICPCStrategy(store, logger), nil
	case models.ScoringHackathon:
		return NewHackathonStrategy(store, logger), nil
	default:
		return nil, fmt.Errorf("scoring: unknown scoring type %q", contest.ScoringType)
	}
}

// attemptHistory is the chronologically ordered attempt-verdict submissions
// of one (contest, team, problem). Compilation errors and system errors are
// excluded before construction; they are never attempts.
func attemptHistory(ctx context.Context, store database.Store, contestID, teamID, problemID int64) ([]*models.Submission, error) {
	subs, err := store.ListSubmissions(ctx, database.SubmissionFilter{
		ContestID: contestID,
		TeamID:    teamID,
		ProblemID: problemID,
	})
	if err != nil {
		return nil, err
	}
	attempts := subs[:0]
	for _, s := range subs {
		if s.Status.Attempt() {
			attempts = append(attempts, s)
		}
	}
	return attempts, nil
}

// firstAcceptedForProblem finds the chronologically earliest accepted
// submission of a problem across all teams, for first-solve flagging.
func firstAcceptedForProblem(ctx context.Context, store database.Store, contestID, problemID int64) (*models.Submission, error) {
	subs, err := store.ListSubmissions(ctx, database.SubmissionFilter{
		ContestID: contestID,
		ProblemID: problemID,
	})
	if err != nil {
		return nil, err
	}
	for _, s := range subs {
		if s.Status == models.StatusAccepted {
			return s, nil
		}
	}
	return nil, nil
}

// minutesFromStart converts an instant to whole contest minutes, floored.
func minutesFromStart(contest *models.Contest, t time.Time) int {
	return int(t.Sub(contest.StartTime).Minutes())
}

// rankWith sorts and assigns competition ranks. less orders the results;
// tied reports whether two adjacent results share a rank.
func rankWith(
	results []*models.ContestResult,
	less func(a, b *models.ContestResult) bool,
	tied func(a, b *models.ContestResult) bool,
) []*models.ContestResult {
	sort.SliceStable(results, func(i, j int) bool { return less(results[i], results[j]) })
	for i, r := range results {
		if i > 0 && tied(results[i-1], r) {
			r.Rank = results[i-1].Rank
		} else {
			r.Rank = i + 1
		}
	}
	return results
}

// teamNames returns the contest's team id → name map for rank tiebreaks.
func teamNames(ctx context.Context, store database.Store, contestID int64) (map[int64]string, []*models.Team, error) {
	teams, err := store.ListTeams(ctx, contestID)
	if err != nil {
		return nil, nil, err
	}
	names := make(map[int64]string, len(teams))
	for _, t := range teams {
		names[t.ID] = t.Name
	}
	return names, teams, nil
}
