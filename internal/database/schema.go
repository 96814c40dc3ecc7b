package database

import "context"

// Schema is the DDL for the core tables. Admin/metadata columns beyond the
// judging pipeline live in separate migrations owned by the admin service.
const Schema = `
CREATE TABLE IF NOT EXISTS contests (
	id                BIGSERIAL PRIMARY KEY,
	contest_name      TEXT NOT NULL,
	registration_code TEXT NOT NULL UNIQUE,
	start_time        TIMESTAMPTZ NOT NULL,
	duration          INTEGER NOT NULL,
	freeze_time       INTEGER NOT NULL DEFAULT 0,
	is_active         BOOLEAN NOT NULL DEFAULT TRUE,
	is_frozen         BOOLEAN NOT NULL DEFAULT FALSE,
	frozen_at         TIMESTAMPTZ,
	ended_at          TIMESTAMPTZ,
	scoring_type      TEXT NOT NULL DEFAULT 'icpc',
	manual_control    BOOLEAN NOT NULL DEFAULT FALSE,
	state             TEXT NOT NULL DEFAULT 'not_started'
);

CREATE TABLE IF NOT EXISTS problems (
	id                BIGSERIAL PRIMARY KEY,
	contest_id        BIGINT NOT NULL REFERENCES contests(id),
	problem_letter    TEXT NOT NULL,
	title             TEXT NOT NULL,
	time_limit        INTEGER NOT NULL,
	memory_limit      INTEGER NOT NULL,
	points_value      DOUBLE PRECISION NOT NULL DEFAULT 0,
	structured_output BOOLEAN NOT NULL DEFAULT FALSE,
	float_tolerance   BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (contest_id, problem_letter)
);

CREATE TABLE IF NOT EXISTS test_cases (
	id              BIGSERIAL PRIMARY KEY,
	problem_id      BIGINT NOT NULL REFERENCES problems(id),
	ordinal         INTEGER NOT NULL,
	input           BYTEA NOT NULL,
	expected_output BYTEA NOT NULL,
	is_sample       BOOLEAN NOT NULL DEFAULT FALSE,
	is_hidden       BOOLEAN NOT NULL DEFAULT TRUE,
	points          DOUBLE PRECISION NOT NULL DEFAULT 0,
	UNIQUE (problem_id, ordinal)
);

CREATE TABLE IF NOT EXISTS teams (
	id            BIGSERIAL PRIMARY KEY,
	team_name     TEXT NOT NULL,
	contest_code  TEXT NOT NULL,
	contest_id    BIGINT NOT NULL REFERENCES contests(id),
	session_token TEXT NOT NULL DEFAULT '',
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	last_activity TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS submissions (
	id                BIGSERIAL PRIMARY KEY,
	team_id           BIGINT NOT NULL REFERENCES teams(id),
	problem_id        BIGINT NOT NULL REFERENCES problems(id),
	contest_id        BIGINT NOT NULL REFERENCES contests(id),
	language          TEXT NOT NULL,
	source_code       BYTEA NOT NULL,
	submission_time   TIMESTAMPTZ NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	judged_at         TIMESTAMPTZ,
	execution_time    BIGINT NOT NULL DEFAULT 0,
	memory_used       DOUBLE PRECISION NOT NULL DEFAULT 0,
	points_earned     DOUBLE PRECISION NOT NULL DEFAULT 0,
	test_cases_passed INTEGER NOT NULL DEFAULT 0,
	total_test_cases  INTEGER NOT NULL DEFAULT 0,
	judge_output      JSONB
);
CREATE INDEX IF NOT EXISTS idx_submissions_contest_status
	ON submissions (contest_id, status);
CREATE INDEX IF NOT EXISTS idx_submissions_team_problem
	ON submissions (team_id, problem_id);

CREATE TABLE IF NOT EXISTS team_scores (
	contest_id    BIGINT NOT NULL,
	team_id       BIGINT NOT NULL,
	problem_id    BIGINT NOT NULL,
	solved        BOOLEAN NOT NULL DEFAULT FALSE,
	attempts      INTEGER NOT NULL DEFAULT 0,
	solve_time    INTEGER NOT NULL DEFAULT 0,
	penalty       INTEGER NOT NULL DEFAULT 0,
	first_solve   BOOLEAN NOT NULL DEFAULT FALSE,
	first_solve_at TIMESTAMPTZ,
	points_earned DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (contest_id, team_id, problem_id)
);

CREATE TABLE IF NOT EXISTS contest_results (
	contest_id           BIGINT NOT NULL,
	team_id              BIGINT NOT NULL,
	problems_solved      INTEGER NOT NULL DEFAULT 0,
	penalty_time         INTEGER NOT NULL DEFAULT 0,
	total_points         DOUBLE PRECISION NOT NULL DEFAULT 0,
	rank                 INTEGER NOT NULL DEFAULT 0,
	last_submission_time TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (contest_id, team_id)
);

CREATE TABLE IF NOT EXISTS frozen_leaderboards (
	contest_id BIGINT PRIMARY KEY,
	snapshot   JSONB NOT NULL,
	frozen_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the core schema.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, Schema)
	return err
}
