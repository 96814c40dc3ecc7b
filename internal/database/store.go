package database

import (
	"context"
	"errors"

	"github.com/codearena/codearena/internal/models"
)

// ErrNotFound is returned when a point lookup matches no row.
var ErrNotFound = errors.New("database: not found")

// SubmissionFilter narrows ListSubmissions. Zero values mean "any".
type SubmissionFilter struct {
	ContestID int64
	TeamID    int64
	ProblemID int64
}

// Store is the persistence contract shared by the judging pipeline, the
// scoring strategies, the leaderboard controller and the lifecycle
// scheduler. Implementations must make UpsertTeamScore and
// UpsertContestResult atomic per row.
type Store interface {
	// Contests
	GetContest(ctx context.Context, id int64) (*models.Contest, error)
	GetContestByCode(ctx context.Context, code string) (*models.Contest, error)
	ListActiveContests(ctx context.Context) ([]*models.Contest, error)
	UpdateContestState(ctx context.Context, contest *models.Contest) error

	// Problems and test cases
	GetProblem(ctx context.Context, id int64) (*models.Problem, error)
	ListProblems(ctx context.Context, contestID int64) ([]*models.Problem, error)
	ListTestCases(ctx context.Context, problemID int64) ([]*models.TestCase, error)

	// Teams
	CreateTeam(ctx context.Context, team *models.Team) error
	GetTeam(ctx context.Context, id int64) (*models.Team, error)
	ListTeams(ctx context.Context, contestID int64) ([]*models.Team, error)
	TouchTeam(ctx context.Context, id int64) error

	// Submissions
	CreateSubmission(ctx context.Context, sub *models.Submission) error
	GetSubmission(ctx context.Context, id int64) (*models.Submission, error)
	UpdateSubmissionStatus(ctx context.Context, id int64, status models.SubmissionStatus) error
	// FinalizeSubmission writes the terminal verdict, metrics and judge
	// output in one statement keyed on the submission id, so a re-judged
	// submission overwrites rather than duplicates.
	FinalizeSubmission(ctx context.Context, sub *models.Submission) error
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]*models.Submission, error)
	CountPendingSubmissions(ctx context.Context, contestID int64) (int, error)
	ListPendingSubmissions(ctx context.Context, contestID int64) ([]*models.Submission, error)

	// Scoring rows
	UpsertTeamScore(ctx context.Context, score *models.TeamScore) error
	GetTeamScore(ctx context.Context, contestID, teamID, problemID int64) (*models.TeamScore, error)
	ListTeamScores(ctx context.Context, contestID, teamID int64) ([]*models.TeamScore, error)
	UpsertContestResult(ctx context.Context, result *models.ContestResult) error
	ListContestResults(ctx context.Context, contestID int64) ([]*models.ContestResult, error)

	// Frozen leaderboard snapshots
	SaveFrozenLeaderboard(ctx context.Context, contestID int64, rows []*models.ContestResult) error
	LoadFrozenLeaderboard(ctx context.Context, contestID int64) ([]*models.ContestResult, error)
	DeleteFrozenLeaderboard(ctx context.Context, contestID int64) error

	Ping(ctx context.Context) error
	Close() error
}
