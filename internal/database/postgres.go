package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/codearena/codearena/internal/config"
	"github.com/codearena/codearena/internal/models"
)

// PostgresStore implements Store on PostgreSQL via pgxpool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
}

// NewPostgresStore connects to PostgreSQL and verifies the connection.
func NewPostgresStore(cfg *config.Config, logger *logrus.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.PoolSize)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.ConnTimeout)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	logger.WithField("database", cfg.Database.Name).Info("Connected to PostgreSQL")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// NewStoreWithFallback tries PostgreSQL first and falls back to the
// in-memory store for standalone mode.
func NewStoreWithFallback(cfg *config.Config, logger *logrus.Logger) Store {
	store, err := NewPostgresStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("PostgreSQL unavailable, using in-memory store (standalone mode)")
		return NewMemoryStore()
	}
	return store
}

const contestColumns = `id, contest_name, registration_code, start_time, duration,
	freeze_time, is_active, is_frozen, frozen_at, ended_at, scoring_type,
	manual_control, state`

func scanContest(row pgx.Row) (*models.Contest, error) {
	var c models.Contest
	err := row.Scan(&c.ID, &c.Name, &c.RegistrationCode, &c.StartTime,
		&c.DurationMinutes, &c.FreezeMinutes, &c.IsActive, &c.IsFrozen,
		&c.FrozenAt, &c.EndedAt, &c.ScoringType, &c.ManualControl, &c.State)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresStore) GetContest(ctx context.Context, id int64) (*models.Contest, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+contestColumns+` FROM contests WHERE id = $1`, id)
	return scanContest(row)
}

func (p *PostgresStore) GetContestByCode(ctx context.Context, code string) (*models.Contest, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+contestColumns+` FROM contests WHERE registration_code = $1`, code)
	return scanContest(row)
}

func (p *PostgresStore) ListActiveContests(ctx context.Context) ([]*models.Contest, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+contestColumns+` FROM contests WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Contest
	for rows.Next() {
		c, err := scanContest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateContestState(ctx context.Context, contest *models.Contest) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE contests
		 SET state = $2, is_active = $3, is_frozen = $4, frozen_at = $5, ended_at = $6
		 WHERE id = $1`,
		contest.ID, contest.State, contest.IsActive, contest.IsFrozen,
		contest.FrozenAt, contest.EndedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetProblem(ctx context.Context, id int64) (*models.Problem, error) {
	var pr models.Problem
	err := p.pool.QueryRow(ctx,
		`SELECT id, contest_id, problem_letter, title, time_limit, memory_limit,
		        points_value, structured_output, float_tolerance
		 FROM problems WHERE id = $1`, id).
		Scan(&pr.ID, &pr.ContestID, &pr.Letter, &pr.Title, &pr.TimeLimitMs,
			&pr.MemoryLimitMB, &pr.PointsValue, &pr.StructuredOutput, &pr.FloatTolerance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (p *PostgresStore) ListProblems(ctx context.Context, contestID int64) ([]*models.Problem, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, contest_id, problem_letter, title, time_limit, memory_limit,
		        points_value, structured_output, float_tolerance
		 FROM problems WHERE contest_id = $1 ORDER BY problem_letter`, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Problem
	for rows.Next() {
		var pr models.Problem
		if err := rows.Scan(&pr.ID, &pr.ContestID, &pr.Letter, &pr.Title,
			&pr.TimeLimitMs, &pr.MemoryLimitMB, &pr.PointsValue,
			&pr.StructuredOutput, &pr.FloatTolerance); err != nil {
			return nil, err
		}
		out = append(out, &pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListTestCases(ctx context.Context, problemID int64) ([]*models.TestCase, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, problem_id, ordinal, input, expected_output, is_sample, is_hidden, points
		 FROM test_cases WHERE problem_id = $1 ORDER BY ordinal`, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TestCase
	for rows.Next() {
		var tc models.TestCase
		if err := rows.Scan(&tc.ID, &tc.ProblemID, &tc.Ordinal, &tc.Input,
			&tc.ExpectedOutput, &tc.IsSample, &tc.IsHidden, &tc.Points); err != nil {
			return nil, err
		}
		out = append(out, &tc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateTeam(ctx context.Context, team *models.Team) error {
	if team.LastActivity.IsZero() {
		team.LastActivity = time.Now().UTC()
	}
	return p.pool.QueryRow(ctx,
		`INSERT INTO teams (team_name, contest_code, contest_id, session_token, is_active, last_activity)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		team.Name, team.ContestCode, team.ContestID, team.SessionToken,
		team.IsActive, team.LastActivity).Scan(&team.ID)
}

func (p *PostgresStore) GetTeam(ctx context.Context, id int64) (*models.Team, error) {
	var t models.Team
	err := p.pool.QueryRow(ctx,
		`SELECT id, team_name, contest_code, contest_id, session_token, is_active, last_activity
		 FROM teams WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.ContestCode, &t.ContestID, &t.SessionToken,
			&t.IsActive, &t.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresStore) ListTeams(ctx context.Context, contestID int64) ([]*models.Team, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, team_name, contest_code, contest_id, session_token, is_active, last_activity
		 FROM teams WHERE contest_id = $1 ORDER BY id`, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Team
	for rows.Next() {
		var t models.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.ContestCode, &t.ContestID,
			&t.SessionToken, &t.IsActive, &t.LastActivity); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TouchTeam(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE teams SET last_activity = now() WHERE id = $1`, id)
	return err
}

func (p *PostgresStore) CreateSubmission(ctx context.Context, sub *models.Submission) error {
	if sub.Status == "" {
		sub.Status = models.StatusPending
	}
	return p.pool.QueryRow(ctx,
		`INSERT INTO submissions
		   (team_id, problem_id, contest_id, language, source_code, submission_time, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		sub.TeamID, sub.ProblemID, sub.ContestID, sub.Language, sub.SourceCode,
		sub.SubmittedAt, sub.Status).Scan(&sub.ID)
}

const submissionColumns = `id, team_id, problem_id, contest_id, language, source_code,
	submission_time, status, judged_at, execution_time, memory_used,
	points_earned, test_cases_passed, total_test_cases, judge_output`

func scanSubmission(row pgx.Row) (*models.Submission, error) {
	var s models.Submission
	err := row.Scan(&s.ID, &s.TeamID, &s.ProblemID, &s.ContestID, &s.Language,
		&s.SourceCode, &s.SubmittedAt, &s.Status, &s.JudgedAt,
		&s.ExecutionTimeMs, &s.MemoryUsedMB, &s.PointsEarned,
		&s.TestCasesPassed, &s.TotalTestCases, &s.JudgeOutput)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) GetSubmission(ctx context.Context, id int64) (*models.Submission, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id)
	return scanSubmission(row)
}

func (p *PostgresStore) UpdateSubmissionStatus(ctx context.Context, id int64, status models.SubmissionStatus) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE submissions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) FinalizeSubmission(ctx context.Context, sub *models.Submission) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE submissions
		 SET status = $2, judged_at = $3, execution_time = $4, memory_used = $5,
		     points_earned = $6, test_cases_passed = $7, total_test_cases = $8,
		     judge_output = $9
		 WHERE id = $1`,
		sub.ID, sub.Status, sub.JudgedAt, sub.ExecutionTimeMs, sub.MemoryUsedMB,
		sub.PointsEarned, sub.TestCasesPassed, sub.TotalTestCases, sub.JudgeOutput)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]*models.Submission, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+submissionColumns+`
		 FROM submissions
		 WHERE ($1 = 0 OR contest_id = $1)
		   AND ($2 = 0 OR team_id = $2)
		   AND ($3 = 0 OR problem_id = $3)
		 ORDER BY submission_time, id`,
		filter.ContestID, filter.TeamID, filter.ProblemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountPendingSubmissions(ctx context.Context, contestID int64) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM submissions
		 WHERE contest_id = $1 AND status IN ('pending', 'compiling', 'judging')`,
		contestID).Scan(&count)
	return count, err
}

func (p *PostgresStore) ListPendingSubmissions(ctx context.Context, contestID int64) ([]*models.Submission, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+submissionColumns+`
		 FROM submissions
		 WHERE contest_id = $1 AND status IN ('pending', 'compiling', 'judging')
		 ORDER BY id`, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertTeamScore writes the (contest, team, problem) score row inside a
// transaction, per the store contract.
func (p *PostgresStore) UpsertTeamScore(ctx context.Context, score *models.TeamScore) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO team_scores
			   (contest_id, team_id, problem_id, solved, attempts, solve_time,
			    penalty, first_solve, first_solve_at, points_earned, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
			 ON CONFLICT (contest_id, team_id, problem_id) DO UPDATE
			 SET solved = EXCLUDED.solved, attempts = EXCLUDED.attempts,
			     solve_time = EXCLUDED.solve_time, penalty = EXCLUDED.penalty,
			     first_solve = EXCLUDED.first_solve,
			     first_solve_at = EXCLUDED.first_solve_at,
			     points_earned = EXCLUDED.points_earned, updated_at = now()`,
			score.ContestID, score.TeamID, score.ProblemID, score.Solved,
			score.Attempts, score.SolveTime, score.PenaltyMinutes,
			score.FirstSolve, score.FirstSolveAt, score.PointsEarned)
		return err
	})
}

func (p *PostgresStore) GetTeamScore(ctx context.Context, contestID, teamID, problemID int64) (*models.TeamScore, error) {
	var s models.TeamScore
	err := p.pool.QueryRow(ctx,
		`SELECT contest_id, team_id, problem_id, solved, attempts, solve_time,
		        penalty, first_solve, first_solve_at, points_earned, updated_at
		 FROM team_scores
		 WHERE contest_id = $1 AND team_id = $2 AND problem_id = $3`,
		contestID, teamID, problemID).
		Scan(&s.ContestID, &s.TeamID, &s.ProblemID, &s.Solved, &s.Attempts,
			&s.SolveTime, &s.PenaltyMinutes, &s.FirstSolve, &s.FirstSolveAt,
			&s.PointsEarned, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) ListTeamScores(ctx context.Context, contestID, teamID int64) ([]*models.TeamScore, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT contest_id, team_id, problem_id, solved, attempts, solve_time,
		        penalty, first_solve, first_solve_at, points_earned, updated_at
		 FROM team_scores
		 WHERE contest_id = $1 AND ($2 = 0 OR team_id = $2)
		 ORDER BY problem_id`, contestID, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TeamScore
	for rows.Next() {
		var s models.TeamScore
		if err := rows.Scan(&s.ContestID, &s.TeamID, &s.ProblemID, &s.Solved,
			&s.Attempts, &s.SolveTime, &s.PenaltyMinutes, &s.FirstSolve,
			&s.FirstSolveAt, &s.PointsEarned, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// UpsertContestResult writes the (contest, team) result row inside a
// transaction, per the store contract.
func (p *PostgresStore) UpsertContestResult(ctx context.Context, result *models.ContestResult) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO contest_results
			   (contest_id, team_id, problems_solved, penalty_time, total_points,
			    rank, last_submission_time, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			 ON CONFLICT (contest_id, team_id) DO UPDATE
			 SET problems_solved = EXCLUDED.problems_solved,
			     penalty_time = EXCLUDED.penalty_time,
			     total_points = EXCLUDED.total_points,
			     rank = EXCLUDED.rank,
			     last_submission_time = EXCLUDED.last_submission_time,
			     updated_at = now()`,
			result.ContestID, result.TeamID, result.ProblemsSolved,
			result.PenaltyTime, result.TotalPoints, result.Rank,
			result.LastSubmissionTime)
		return err
	})
}

func (p *PostgresStore) ListContestResults(ctx context.Context, contestID int64) ([]*models.ContestResult, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT r.contest_id, r.team_id, t.team_name, r.problems_solved,
		        r.penalty_time, r.total_points, r.rank, r.last_submission_time,
		        r.updated_at
		 FROM contest_results r
		 JOIN teams t ON t.id = r.team_id
		 WHERE r.contest_id = $1
		 ORDER BY r.rank, t.team_name`, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ContestResult
	for rows.Next() {
		var r models.ContestResult
		if err := rows.Scan(&r.ContestID, &r.TeamID, &r.TeamName,
			&r.ProblemsSolved, &r.PenaltyTime, &r.TotalPoints, &r.Rank,
			&r.LastSubmissionTime, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveFrozenLeaderboard(ctx context.Context, contestID int64, rows []*models.ContestResult) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO frozen_leaderboards (contest_id, snapshot, frozen_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (contest_id) DO UPDATE
		 SET snapshot = EXCLUDED.snapshot, frozen_at = now()`,
		contestID, rows)
	return err
}

func (p *PostgresStore) LoadFrozenLeaderboard(ctx context.Context, contestID int64) ([]*models.ContestResult, error) {
	var rows []*models.ContestResult
	err := p.pool.QueryRow(ctx,
		`SELECT snapshot FROM frozen_leaderboards WHERE contest_id = $1`,
		contestID).Scan(&rows)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (p *PostgresStore) DeleteFrozenLeaderboard(ctx context.Context, contestID int64) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM frozen_leaderboards WHERE contest_id = $1`, contestID)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
