package models

import (
	"time"
)

// ScoringType selects the scoring strategy for a contest.
type ScoringType string

const (
	ScoringICPC      ScoringType = "icpc"
	ScoringHackathon ScoringType = "hackathon"
)

// ContestState represents the lifecycle state of a contest.
type ContestState string

const (
	ContestNotStarted ContestState = "not_started"
	ContestRunning    ContestState = "running"
	ContestFrozen     ContestState = "frozen"
	ContestEnding     ContestState = "ending"
	ContestEnded      ContestState = "ended"
)

// Language identifies a supported submission language.
type Language string

const (
	LanguageCPP    Language = "cpp"
	LanguageJava   Language = "java"
	LanguagePython Language = "python"
)

// Valid reports whether the language is one of the supported set.
func (l Language) Valid() bool {
	switch l {
	case LanguageCPP, LanguageJava, LanguagePython:
		return true
	}
	return false
}

// Compiled reports whether the language requires a compile step.
func (l Language) Compiled() bool {
	return l == LanguageCPP || l == LanguageJava
}

// SubmissionStatus is the wire vocabulary for submission states and verdicts.
type SubmissionStatus string

const (
	StatusPending             SubmissionStatus = "pending"
	StatusCompiling           SubmissionStatus = "compiling"
	StatusJudging             SubmissionStatus = "judging"
	StatusAccepted            SubmissionStatus = "accepted"
	StatusWrongAnswer         SubmissionStatus = "wrong_answer"
	StatusTimeLimitExceeded   SubmissionStatus = "time_limit_exceeded"
	StatusMemoryLimitExceeded SubmissionStatus = "memory_limit_exceeded"
	StatusRuntimeError        SubmissionStatus = "runtime_error"
	StatusCompilationError    SubmissionStatus = "compilation_error"
	StatusSystemError         SubmissionStatus = "system_error"
	StatusPartialCredit       SubmissionStatus = "partial_credit"
	StatusCancelled           SubmissionStatus = "cancelled"
)

// Terminal reports whether the status is a final verdict.
func (s SubmissionStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusWrongAnswer, StatusTimeLimitExceeded,
		StatusMemoryLimitExceeded, StatusRuntimeError,
		StatusCompilationError, StatusSystemError, StatusPartialCredit,
		StatusCancelled:
		return true
	}
	return false
}

// Attempt reports whether the verdict counts as an attempt for scoring.
// Compilation errors never count; neither do withdrawn or unjudgeable
// submissions.
func (s SubmissionStatus) Attempt() bool {
	return s.Terminal() && s != StatusCompilationError &&
		s != StatusSystemError && s != StatusCancelled
}

// Contest represents a contest row.
type Contest struct {
	ID               int64        `json:"id"`
	Name             string       `json:"contest_name"`
	RegistrationCode string       `json:"registration_code"`
	StartTime        time.Time    `json:"start_time"`
	DurationMinutes  int          `json:"duration"`
	FreezeMinutes    int          `json:"freeze_time"`
	IsActive         bool         `json:"is_active"`
	IsFrozen         bool         `json:"is_frozen"`
	FrozenAt         *time.Time   `json:"frozen_at,omitempty"`
	EndedAt          *time.Time   `json:"ended_at,omitempty"`
	ScoringType      ScoringType  `json:"scoring_type"`
	ManualControl    bool         `json:"manual_control"`
	State            ContestState `json:"state"`
}

// EndTime returns the scheduled end instant.
func (c *Contest) EndTime() time.Time {
	return c.StartTime.Add(time.Duration(c.DurationMinutes) * time.Minute)
}

// FreezeTime returns the instant at which the leaderboard freezes. Freeze
// minutes are measured backward from the scheduled end.
func (c *Contest) FreezeTime() time.Time {
	return c.EndTime().Add(-time.Duration(c.FreezeMinutes) * time.Minute)
}

// Accepting reports whether the contest accepts new submissions at t.
func (c *Contest) Accepting(t time.Time) bool {
	if c.State != ContestRunning && c.State != ContestFrozen {
		return false
	}
	return !t.Before(c.StartTime) && t.Before(c.EndTime())
}

// Problem represents a contest problem.
type Problem struct {
	ID            int64   `json:"id"`
	ContestID     int64   `json:"contest_id"`
	Letter        string  `json:"problem_letter"`
	Title         string  `json:"title"`
	TimeLimitMs   int     `json:"time_limit"`
	MemoryLimitMB int     `json:"memory_limit"`
	PointsValue   float64 `json:"points_value"`
	// StructuredOutput enables JSON structural comparison of outputs.
	StructuredOutput bool `json:"structured_output"`
	// FloatTolerance enables tolerant floating-point comparison.
	FloatTolerance bool `json:"float_tolerance"`
}

// TestCase represents a single test case of a problem.
type TestCase struct {
	ID             int64   `json:"id"`
	ProblemID      int64   `json:"problem_id"`
	Ordinal        int     `json:"ordinal"`
	Input          []byte  `json:"input"`
	ExpectedOutput []byte  `json:"expected_output"`
	IsSample       bool    `json:"is_sample"`
	IsHidden       bool    `json:"is_hidden"`
	Points         float64 `json:"points"`
}

// Team represents a registered team.
type Team struct {
	ID           int64     `json:"id"`
	Name         string    `json:"team_name"`
	ContestCode  string    `json:"contest_code"`
	ContestID    int64     `json:"contest_id"`
	SessionToken string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	LastActivity time.Time `json:"last_activity"`
}

// Submission represents one submitted solution and its judgment.
type Submission struct {
	ID              int64            `json:"id"`
	TeamID          int64            `json:"team_id"`
	ProblemID       int64            `json:"problem_id"`
	ContestID       int64            `json:"contest_id"`
	Language        Language         `json:"language"`
	SourceCode      []byte           `json:"-"`
	SubmittedAt     time.Time        `json:"submission_time"`
	Status          SubmissionStatus `json:"status"`
	JudgedAt        *time.Time       `json:"judged_at,omitempty"`
	ExecutionTimeMs int64            `json:"execution_time"`
	MemoryUsedMB    float64          `json:"memory_used"`
	PointsEarned    float64          `json:"points_earned"`
	TestCasesPassed int              `json:"test_cases_passed"`
	TotalTestCases  int              `json:"total_test_cases"`
	// JudgeOutput holds the serialized per-case detail, including prior
	// judgments when the submission has been re-judged.
	JudgeOutput []byte `json:"-"`
	// AdminPriority marks an admin-requested judgment (re-judge).
	AdminPriority bool `json:"-"`
}

// TeamScore is the per (contest, team, problem) scoring row.
type TeamScore struct {
	ContestID      int64      `json:"contest_id"`
	TeamID         int64      `json:"team_id"`
	ProblemID      int64      `json:"problem_id"`
	Solved         bool       `json:"solved"`
	Attempts       int        `json:"attempts"`
	SolveTime      int        `json:"solve_time"`
	PenaltyMinutes int        `json:"penalty"`
	FirstSolve     bool       `json:"first_solve"`
	FirstSolveAt   *time.Time `json:"-"`
	PointsEarned   float64    `json:"points_earned"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ContestResult is the per (contest, team) leaderboard row.
type ContestResult struct {
	ContestID          int64     `json:"contest_id"`
	TeamID             int64     `json:"team_id"`
	TeamName           string    `json:"team_name"`
	ProblemsSolved     int       `json:"problems_solved"`
	PenaltyTime        int       `json:"penalty_time"`
	TotalPoints        float64   `json:"total_points"`
	Rank               int       `json:"rank"`
	LastSubmissionTime time.Time `json:"last_submission_time"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TestCaseResult is the per-case outcome inside a JudgeResult.
type TestCaseResult struct {
	Ordinal        int              `json:"ordinal"`
	Verdict        SubmissionStatus `json:"verdict"`
	TimeMs         int64            `json:"time_ms"`
	MemoryMB       float64          `json:"memory_mb"`
	IsSample       bool             `json:"is_sample"`
	OutputOverflow bool             `json:"output_overflow,omitempty"`
}

// JudgeResult is the complete outcome of judging one submission.
type JudgeResult struct {
	SubmissionID    int64            `json:"submission_id"`
	Verdict         SubmissionStatus `json:"verdict"`
	CompileMs       int64            `json:"compile_ms"`
	CompileOutput   string           `json:"compile_output,omitempty"`
	TotalTimeMs     int64            `json:"total_time_ms"`
	MaxMemoryMB     float64          `json:"max_memory_mb"`
	TestCasesRun    int              `json:"test_cases_run"`
	TestCasesPassed int              `json:"test_cases_passed"`
	Score           float64          `json:"score"`
	Cases           []TestCaseResult `json:"cases,omitempty"`
}

// JudgeHistory is the serialized form stored in a submission's judge_output.
// Revisions accumulate newest-last across administrative re-judges.
type JudgeHistory struct {
	Revisions []JudgeResult `json:"revisions"`
}
