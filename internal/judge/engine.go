// Package judge evaluates submissions end-to-end: compile once, run every
// test case under the problem's limits, classify verdicts and compare
// outputs.
package judge

import (
	"context"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/codearena/codearena/internal/events"
	"github.com/codearena/codearena/internal/models"
	"github.com/codearena/codearena/internal/sandbox"
)

// faultMarkers hint at a runtime fault when found in stderr. The exit code
// stays authoritative; a marker alone still classifies as RTE per policy.
var faultMarkers = []string{
	"Segmentation fault",
	"segmentation fault",
	"Traceback (most recent call last)",
	"Exception in thread",
	"core dumped",
	"std::bad_alloc",
}

func hasFaultMarker(stderr string) bool {
	for _, marker := range faultMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

// Engine judges one submission at a time. It is safe for concurrent use by
// multiple workers; each judgment owns its sandbox directory exclusively.
type Engine struct {
	executor *sandbox.Executor
	bus      events.Publisher
	logger   *logrus.Logger
}

// NewEngine creates a judging engine.
func NewEngine(executor *sandbox.Executor, bus events.Publisher, logger *logrus.Logger) *Engine {
	return &Engine{executor: executor, bus: bus, logger: logger}
}

// Judge evaluates a submission against its problem's test cases and always
// produces a JudgeResult; infrastructure failures surface as a
// system_error verdict, never as an error return.
func (e *Engine) Judge(
	ctx context.Context,
	sub *models.Submission,
	problem *models.Problem,
	cases []*models.TestCase,
	scoringType models.ScoringType,
) *models.JudgeResult {
	result := &models.JudgeResult{SubmissionID: sub.ID}

	events.EmitVerdictUpdate(e.bus, sub.TeamID, &events.VerdictUpdatePayload{
		SubmissionID: sub.ID,
		Status:       models.StatusCompiling,
	})

	compiled, err := e.executor.Compile(ctx, sub.SourceCode, sub.Language)
	if err != nil {
		e.logger.WithError(err).WithField("submission_id", sub.ID).
			Warn("Sandbox compile step failed")
		result.Verdict = models.StatusSystemError
		return result
	}
	result.CompileMs = compiled.CompileMs
	if !compiled.OK {
		result.Verdict = models.StatusCompilationError
		result.CompileOutput = compiled.Stderr
		return result
	}
	defer compiled.Artifact.Cleanup()

	events.EmitVerdictUpdate(e.bus, sub.TeamID, &events.VerdictUpdatePayload{
		SubmissionID:   sub.ID,
		Status:         models.StatusJudging,
		TotalTestCases: len(cases),
	})

	runAll := scoringType == models.ScoringHackathon
	verdictCounts := make(map[models.SubmissionStatus]int)
	var firstFailure models.SubmissionStatus
	var passedNonSample, totalNonSample int

	for i, tc := range cases {
		verdict, caseResult := e.runCase(ctx, compiled.Artifact, problem, tc)
		result.Cases = append(result.Cases, caseResult)
		result.TestCasesRun++
		result.TotalTimeMs += caseResult.TimeMs
		result.MaxMemoryMB = math.Max(result.MaxMemoryMB, caseResult.MemoryMB)

		if !tc.IsSample {
			totalNonSample++
		}
		if verdict == models.StatusAccepted {
			result.TestCasesPassed++
			if !tc.IsSample {
				passedNonSample++
			}
		} else {
			verdictCounts[verdict]++
			if firstFailure == "" {
				firstFailure = verdict
			}
			if !runAll {
				break
			}
		}

		events.EmitVerdictUpdate(e.bus, sub.TeamID, &events.VerdictUpdatePayload{
			SubmissionID:   sub.ID,
			Status:         models.StatusJudging,
			CurrentCase:    i + 1,
			TotalTestCases: len(cases),
		})
	}

	if runAll {
		result.Verdict = hackathonVerdict(result, verdictCounts)
		if totalNonSample > 0 {
			fraction := float64(passedNonSample) / float64(totalNonSample)
			result.Score = math.Round(fraction*problem.PointsValue*100) / 100
		}
	} else {
		if firstFailure != "" {
			result.Verdict = firstFailure
		} else {
			result.Verdict = models.StatusAccepted
		}
	}
	return result
}

// hackathonVerdict derives the overall verdict when every case runs:
// accepted iff all pass, partial_credit when some pass, otherwise the
// modal failure tag.
func hackathonVerdict(result *models.JudgeResult, failures map[models.SubmissionStatus]int) models.SubmissionStatus {
	if result.TestCasesPassed == result.TestCasesRun && result.TestCasesRun > 0 {
		return models.StatusAccepted
	}
	if failures[models.StatusSystemError] > 0 {
		return models.StatusSystemError
	}
	if result.TestCasesPassed > 0 {
		return models.StatusPartialCredit
	}
	var modal models.SubmissionStatus
	var modalCount int
	for verdict, count := range failures {
		if count > modalCount || (count == modalCount && verdict < modal) {
			modal, modalCount = verdict, count
		}
	}
	if modal == "" {
		modal = models.StatusWrongAnswer
	}
	return modal
}

// runCase executes one test case and classifies its verdict by priority:
// interrupted runs first, then TLE, MLE, RTE, system error, and finally
// output comparison.
func (e *Engine) runCase(
	ctx context.Context,
	artifact *sandbox.Artifact,
	problem *models.Problem,
	tc *models.TestCase,
) (models.SubmissionStatus, models.TestCaseResult) {
	caseResult := models.TestCaseResult{Ordinal: tc.Ordinal, IsSample: tc.IsSample}

	run, err := e.executor.Run(ctx, artifact, tc.Input, sandbox.Limits{
		WallTimeMs: problem.TimeLimitMs,
		MemoryMB:   problem.MemoryLimitMB,
	})
	if err != nil {
		caseResult.Verdict = models.StatusSystemError
		return caseResult.Verdict, caseResult
	}

	caseResult.TimeMs = run.NetMs()
	caseResult.MemoryMB = run.MemPeakMB
	caseResult.OutputOverflow = run.OutputOverflow

	// Wall budget was scaled by the language multiplier; compare against
	// the same effective limit.
	effectiveLimit := int64(float64(problem.TimeLimitMs) * sandbox.WallMultiplier(artifact.Language))

	switch {
	case run.Outcome == sandbox.OutcomeKilled:
		// Killed from outside the sandbox, not by a limit: the judgment
		// was interrupted and must be retried, never blamed on the code.
		caseResult.Verdict = models.StatusSystemError
	case run.Outcome == sandbox.OutcomeTLE || run.WallMs > effectiveLimit:
		caseResult.Verdict = models.StatusTimeLimitExceeded
	case run.Outcome == sandbox.OutcomeMLE || run.Outcome == sandbox.OutcomeOOM ||
		run.MemPeakMB > float64(problem.MemoryLimitMB):
		caseResult.Verdict = models.StatusMemoryLimitExceeded
	case run.Outcome == sandbox.OutcomeSpawnError:
		caseResult.Verdict = models.StatusSystemError
	case run.ExitCode != 0 || run.Outcome == sandbox.OutcomeRTE || hasFaultMarker(run.Stderr):
		caseResult.Verdict = models.StatusRuntimeError
	default:
		if e.outputsMatch(problem, run.Stdout, string(tc.ExpectedOutput)) {
			caseResult.Verdict = models.StatusAccepted
		} else {
			caseResult.Verdict = models.StatusWrongAnswer
		}
	}
	return caseResult.Verdict, caseResult
}

func (e *Engine) outputsMatch(problem *models.Problem, actual, expected string) bool {
	switch {
	case problem.StructuredOutput:
		return CompareStructured(actual, expected)
	case problem.FloatTolerance:
		return CompareTolerant(actual, expected)
	default:
		return CompareOutputs(actual, expected)
	}
}
