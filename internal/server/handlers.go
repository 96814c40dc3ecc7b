package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codearena/codearena/internal/database"
	"github.com/codearena/codearena/internal/models"
)

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(c.Request.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "time": time.Now().UTC()})
}

type registerTeamRequest struct {
	TeamName         string `json:"team_name" binding:"required"`
	RegistrationCode string `json:"registration_code" binding:"required"`
}

// handleRegisterTeam joins a team to the contest named by its registration
// code and issues the team's session token.
func (s *Server) handleRegisterTeam(c *gin.Context) {
	var req registerTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	contest, err := s.store.GetContestByCode(ctx, req.RegistrationCode)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown registration code"})
			return
		}
		s.fail(c, err)
		return
	}
	if contest.State == models.ContestEnded {
		c.JSON(http.StatusConflict, gin.H{"error": "contest has ended"})
		return
	}

	existing, err := s.store.ListTeams(ctx, contest.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	for _, team := range existing {
		if team.Name == req.TeamName {
			c.JSON(http.StatusConflict, gin.H{"error": "team name already registered"})
			return
		}
	}

	team := &models.Team{
		Name:        req.TeamName,
		ContestCode: contest.RegistrationCode,
		ContestID:   contest.ID,
		IsActive:    true,
	}
	if err := s.store.CreateTeam(ctx, team); err != nil {
		s.fail(c, err)
		return
	}

	token, err := s.tokens.IssueTeamToken(team)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"team":    team,
		"token":   token,
		"contest": contest,
	})
}

type submitRequest struct {
	ProblemID  int64  `json:"problem_id" binding:"required"`
	Language   string `json:"language" binding:"required"`
	SourceCode string `json:"source_code" binding:"required"`
}

// handleSubmit accepts a solution, persists it and enqueues it for
// judging.
func (s *Server) handleSubmit(c *gin.Context) {
	claims := claimsFrom(c)
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lang := models.Language(req.Language)
	if !lang.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported language"})
		return
	}

	ctx := c.Request.Context()
	contest, err := s.store.GetContest(ctx, claims.ContestID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !contest.Accepting(time.Now()) {
		c.JSON(http.StatusConflict, gin.H{"error": "contest is not accepting submissions"})
		return
	}

	problem, err := s.store.GetProblem(ctx, req.ProblemID)
	if err != nil || problem.ContestID != contest.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown problem"})
		return
	}

	sub := &models.Submission{
		TeamID:      claims.TeamID,
		ProblemID:   problem.ID,
		ContestID:   contest.ID,
		Language:    lang,
		SourceCode:  []byte(req.SourceCode),
		SubmittedAt: time.Now().UTC(),
		Status:      models.StatusPending,
	}
	if err := s.store.CreateSubmission(ctx, sub); err != nil {
		s.fail(c, err)
		return
	}

	info, err := s.judges.Enqueue(ctx, sub, contest)
	if err != nil {
		s.fail(c, err)
		return
	}
	if s.collector != nil {
		s.collector.SubmissionsReceived.WithLabelValues(string(lang)).Inc()
	}
	if err := s.store.TouchTeam(ctx, claims.TeamID); err != nil {
		s.logger.WithError(err).Debug("Cannot touch team activity")
	}

	c.JSON(http.StatusAccepted, gin.H{
		"submission_id": sub.ID,
		"status":        sub.Status,
		"queue":         info,
	})
}

// handleGetSubmission returns a submission with its live queue position.
// Teams may only read their own.
func (s *Server) handleGetSubmission(c *gin.Context) {
	claims := claimsFrom(c)
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission id"})
		return
	}

	ctx := c.Request.Context()
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown submission"})
			return
		}
		s.fail(c, err)
		return
	}
	if sub.TeamID != claims.TeamID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your submission"})
		return
	}

	resp := gin.H{"submission": sub}
	if !sub.Status.Terminal() {
		if info, err := s.queue.Position(ctx, sub.ID); err == nil {
			resp["queue"] = info
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleCancelSubmission withdraws a team's own submission while it is
// still queued. In-flight and finished judgments cannot be cancelled.
func (s *Server) handleCancelSubmission(c *gin.Context) {
	claims := claimsFrom(c)
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission id"})
		return
	}

	ctx := c.Request.Context()
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown submission"})
			return
		}
		s.fail(c, err)
		return
	}
	if sub.TeamID != claims.TeamID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your submission"})
		return
	}

	cancelled, err := s.judges.Cancel(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "submission is no longer cancellable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"submission_id": id, "status": models.StatusCancelled})
}

func (s *Server) handleLeaderboard(c *gin.Context) {
	contestID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contest id"})
		return
	}
	board, err := s.leaderboard.GetDisplayLeaderboard(c.Request.Context(), contestID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown contest"})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, board)
}

func (s *Server) handleQueueStatus(c *gin.Context) {
	ctx := c.Request.Context()
	waiting, err := s.queue.Waiting(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	active, _ := s.queue.Active(ctx)
	delayed, _ := s.queue.Delayed(ctx)
	failed, _ := s.queue.Failed(ctx)
	paused, _ := s.queue.Paused(ctx)

	resp := gin.H{
		"waiting": waiting,
		"active":  active,
		"delayed": delayed,
		"failed":  failed,
		"paused":  paused,
	}
	if s.pool != nil {
		resp["workers"] = s.pool.Metrics()
	}
	c.JSON(http.StatusOK, resp)
}

// handleRejudge re-enqueues a submission at admin priority.
func (s *Server) handleRejudge(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission id"})
		return
	}
	info, err := s.judges.Rejudge(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown submission"})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"submission_id": id, "queue": info})
}

// handleContestAction adapts the scheduler's manual transitions into
// handlers.
func (s *Server) handleContestAction(action func(ctx context.Context, contestID int64) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		contestID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contest id"})
			return
		}
		if err := action(c.Request.Context(), contestID); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown contest"})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func (s *Server) handleQueueToggle(op func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(c.Request.Context()); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.WithError(err).Error("Request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
