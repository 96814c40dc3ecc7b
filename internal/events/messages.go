package events

import (
	"github.com/codearena/codearena/internal/models"
)

// QueuedPayload carries queue position and ETA to the submitting team.
type QueuedPayload struct {
	SubmissionID int64 `json:"submission_id"`
	Position     int   `json:"position"`
	ETASeconds   int   `json:"eta_seconds"`
}

// VerdictUpdatePayload carries judging progress.
type VerdictUpdatePayload struct {
	SubmissionID   int64                   `json:"submission_id"`
	Status         models.SubmissionStatus `json:"status"`
	CurrentCase    int                     `json:"current_case,omitempty"`
	TotalTestCases int                     `json:"total_test_cases,omitempty"`
}

// SubmissionResultPayload is the full result, sent to the team and admins.
type SubmissionResultPayload struct {
	SubmissionID int64               `json:"submission_id"`
	TeamID       int64               `json:"team_id"`
	ProblemID    int64               `json:"problem_id"`
	Result       *models.JudgeResult `json:"result"`
}

// PublicSubmissionResultPayload is the contest-room variant: verdict and
// counters only, no source and no hidden per-case detail.
type PublicSubmissionResultPayload struct {
	SubmissionID    int64                   `json:"submission_id"`
	TeamID          int64                   `json:"team_id"`
	ProblemID       int64                   `json:"problem_id"`
	Verdict         models.SubmissionStatus `json:"verdict"`
	TestCasesPassed int                     `json:"test_cases_passed"`
	TotalTestCases  int                     `json:"total_test_cases"`
}

// LeaderboardUpdatePayload carries the ranked display leaderboard.
type LeaderboardUpdatePayload struct {
	ContestID int64                   `json:"contest_id"`
	Frozen    bool                    `json:"frozen"`
	State     models.ContestState     `json:"contest_state"`
	Rankings  []*models.ContestResult `json:"rankings"`
}

// ContestStatusPayload carries a contest snapshot on lifecycle transitions.
type ContestStatusPayload struct {
	Contest *models.Contest `json:"contest"`
}

// EmitQueued publishes a queued notice to the team and admins.
func EmitQueued(bus Publisher, teamID int64, payload *QueuedPayload) {
	bus.Publish([]string{TeamRoom(teamID), RoomAdmins},
		NewMessage(MessageQueued, payload))
}

// EmitVerdictUpdate publishes judging progress to the team and admins.
func EmitVerdictUpdate(bus Publisher, teamID int64, payload *VerdictUpdatePayload) {
	bus.Publish([]string{TeamRoom(teamID), RoomAdmins},
		NewMessage(MessageVerdictUpdate, payload))
}

// EmitSubmissionResult publishes the full result to the team and admins and
// the redacted variant to the contest room.
func EmitSubmissionResult(bus Publisher, contestID int64, payload *SubmissionResultPayload) {
	bus.Publish([]string{TeamRoom(payload.TeamID), RoomAdmins},
		NewMessage(MessageSubmissionResult, payload))
	bus.Publish([]string{ContestRoom(contestID)},
		NewMessage(MessageSubmissionResult, &PublicSubmissionResultPayload{
			SubmissionID:    payload.SubmissionID,
			TeamID:          payload.TeamID,
			ProblemID:       payload.ProblemID,
			Verdict:         payload.Result.Verdict,
			TestCasesPassed: payload.Result.TestCasesPassed,
			TotalTestCases:  payload.Result.TestCasesRun,
		}))
}

// EmitLeaderboardUpdate publishes the display leaderboard to the contest
// room and admins.
func EmitLeaderboardUpdate(bus Publisher, payload *LeaderboardUpdatePayload) {
	bus.Publish([]string{ContestRoom(payload.ContestID), RoomAdmins},
		NewMessage(MessageLeaderboardUpdate, payload))
}

// EmitContestStatus publishes a lifecycle transition to the contest room
// and admins.
func EmitContestStatus(bus Publisher, msgType MessageType, contest *models.Contest) {
	bus.Publish([]string{ContestRoom(contest.ID), RoomAdmins},
		NewMessage(msgType, &ContestStatusPayload{Contest: contest}))
}
