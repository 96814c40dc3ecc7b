package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codearena/codearena/internal/auth"
	"github.com/codearena/codearena/internal/config"
	"github.com/codearena/codearena/internal/contest"
	"github.com/codearena/codearena/internal/database"
	"github.com/codearena/codearena/internal/events"
	"github.com/codearena/codearena/internal/judge"
	"github.com/codearena/codearena/internal/leaderboard"
	"github.com/codearena/codearena/internal/models"
	"github.com/codearena/codearena/internal/observability/metrics"
	"github.com/codearena/codearena/internal/queue"
	"github.com/codearena/codearena/internal/sandbox"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type testServer struct {
	server  *Server
	store   *database.MemoryStore
	tokens  *auth.Manager
	contest *models.Contest
	problem *models.Problem
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := testLogger()

	store := database.NewMemoryStore()
	active := &models.Contest{
		Name:             "Spring Round",
		RegistrationCode: "SPRING",
		StartTime:        time.Now().Add(-time.Hour),
		DurationMinutes:  300,
		IsActive:         true,
		ScoringType:      models.ScoringICPC,
		State:            models.ContestRunning,
	}
	store.PutContest(active)
	problem := &models.Problem{
		ContestID: active.ID, Letter: "A", Title: "Echo",
		TimeLimitMs: 1000, MemoryLimitMB: 256, PointsValue: 10,
	}
	store.PutProblem(problem)
	store.PutTestCase(&models.TestCase{
		ProblemID: problem.ID, Ordinal: 1,
		Input: []byte("1\n"), ExpectedOutput: []byte("1\n"),
	})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.NewQueue(rdb, nil, logger)

	bus := events.NewBus(nil)
	t.Cleanup(func() { bus.Close() })
	lb := leaderboard.NewController(store, bus, time.Second, logger)
	engine := judge.NewEngine(sandbox.NewExecutor(nil, logger), bus, logger)
	judgeService := judge.NewService(store, engine, q, bus, lb, logger)
	scheduler := contest.NewScheduler(store, lb, bus, nil, logger)

	tokens, err := auth.NewManager("server-test-secret", time.Hour)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Server.Mode = gin.TestMode
	cfg.Server.CORSOrigins = []string{"*"}

	srv := New(cfg, Deps{
		Store:       store,
		Judge:       judgeService,
		Queue:       q,
		Leaderboard: lb,
		Scheduler:   scheduler,
		Tokens:      tokens,
		Collector:   metrics.NewCollector(),
	}, logger)

	return &testServer{server: srv, store: store, tokens: tokens, contest: active, problem: problem}
}

func (ts *testServer) request(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) teamToken(t *testing.T, name string) (string, *models.Team) {
	t.Helper()
	team := &models.Team{Name: name, ContestID: ts.contest.ID, IsActive: true}
	ts.store.PutTeam(team)
	token, err := ts.tokens.IssueTeamToken(team)
	require.NoError(t, err)
	return token, team
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RegisterTeam(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodPost, "/api/teams/register", "", gin.H{
		"team_name":         "gophers",
		"registration_code": "SPRING",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Token string       `json:"token"`
		Team  *models.Team `json:"team"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.NotZero(t, resp.Team.ID)

	// The issued token authenticates as that team.
	claims, err := ts.tokens.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.Team.ID, claims.TeamID)
}

func TestServer_RegisterTeamDuplicateName(t *testing.T) {
	ts := newTestServer(t)
	body := gin.H{"team_name": "gophers", "registration_code": "SPRING"}
	require.Equal(t, http.StatusCreated, ts.request(t, http.MethodPost, "/api/teams/register", "", body).Code)
	assert.Equal(t, http.StatusConflict, ts.request(t, http.MethodPost, "/api/teams/register", "", body).Code)
}

func TestServer_RegisterTeamUnknownCode(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodPost, "/api/teams/register", "", gin.H{
		"team_name":         "gophers",
		"registration_code": "NOPE",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SubmitRequiresTeamToken(t *testing.T) {
	ts := newTestServer(t)
	body := gin.H{"problem_id": ts.problem.ID, "language": "cpp", "source_code": "int main(){}"}

	assert.Equal(t, http.StatusUnauthorized,
		ts.request(t, http.MethodPost, "/api/submissions", "", body).Code)

	adminToken, err := ts.tokens.IssueAdminToken("root")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden,
		ts.request(t, http.MethodPost, "/api/submissions", adminToken, body).Code)
}

func TestServer_SubmitAcceptsAndQueues(t *testing.T) {
	ts := newTestServer(t)
	token, team := ts.teamToken(t, "gophers")

	rec := ts.request(t, http.MethodPost, "/api/submissions", token, gin.H{
		"problem_id":  ts.problem.ID,
		"language":    "python",
		"source_code": "print(1)",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		SubmissionID int64               `json:"submission_id"`
		Status       string              `json:"status"`
		Queue        *queue.PositionInfo `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, 1, resp.Queue.Position)

	stored, err := ts.store.GetSubmission(context.Background(), resp.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, team.ID, stored.TeamID)
}

func TestServer_SubmitRejectsUnknownLanguage(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.teamToken(t, "gophers")
	rec := ts.request(t, http.MethodPost, "/api/submissions", token, gin.H{
		"problem_id":  ts.problem.ID,
		"language":    "cobol",
		"source_code": "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SubmitRejectedWhenContestClosed(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.teamToken(t, "gophers")

	ts.contest.State = models.ContestEnded
	ts.store.PutContest(ts.contest)

	rec := ts.request(t, http.MethodPost, "/api/submissions", token, gin.H{
		"problem_id":  ts.problem.ID,
		"language":    "cpp",
		"source_code": "int main(){}",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_GetSubmissionOwnershipEnforced(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.teamToken(t, "gophers")

	rec := ts.request(t, http.MethodPost, "/api/submissions", token, gin.H{
		"problem_id":  ts.problem.ID,
		"language":    "cpp",
		"source_code": "int main(){}",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		SubmissionID int64 `json:"submission_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	path := "/api/submissions/" + strconv.FormatInt(resp.SubmissionID, 10)
	assert.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, path, token, nil).Code)

	otherToken, _ := ts.teamToken(t, "rivals")
	assert.Equal(t, http.StatusForbidden, ts.request(t, http.MethodGet, path, otherToken, nil).Code)
}

func TestServer_CancelQueuedSubmission(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.teamToken(t, "gophers")

	rec := ts.request(t, http.MethodPost, "/api/submissions", token, gin.H{
		"problem_id":  ts.problem.ID,
		"language":    "python",
		"source_code": "print(1)",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		SubmissionID int64 `json:"submission_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	path := "/api/submissions/" + strconv.FormatInt(resp.SubmissionID, 10)

	// A rival team cannot withdraw it.
	rivalToken, _ := ts.teamToken(t, "rivals")
	rec = ts.request(t, http.MethodDelete, path, rivalToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.request(t, http.MethodDelete, path, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := ts.store.GetSubmission(context.Background(), resp.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)

	// Already terminal, nothing left to withdraw.
	rec = ts.request(t, http.MethodDelete, path, token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_Leaderboard(t *testing.T) {
	ts := newTestServer(t)
	path := "/api/contests/" + strconv.FormatInt(ts.contest.ID, 10) + "/leaderboard"
	rec := ts.request(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound,
		ts.request(t, http.MethodGet, "/api/contests/999/leaderboard", "", nil).Code)
}

func TestServer_QueueStatus(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/api/queue/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "waiting")
	assert.Contains(t, resp, "failed")
}

func TestServer_AdminEndpointsRequireAdmin(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.teamToken(t, "gophers")
	path := "/api/admin/queue/pause"
	assert.Equal(t, http.StatusForbidden, ts.request(t, http.MethodPost, path, token, nil).Code)

	adminToken, err := ts.tokens.IssueAdminToken("root")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, ts.request(t, http.MethodPost, path, adminToken, nil).Code)
}

func TestServer_AdminContestControl(t *testing.T) {
	ts := newTestServer(t)
	adminToken, err := ts.tokens.IssueAdminToken("root")
	require.NoError(t, err)

	pending := &models.Contest{
		Name:             "Manual Cup",
		RegistrationCode: "MAN",
		StartTime:        time.Now().Add(time.Hour),
		DurationMinutes:  120,
		IsActive:         true,
		ManualControl:    true,
		ScoringType:      models.ScoringICPC,
		State:            models.ContestNotStarted,
	}
	ts.store.PutContest(pending)
	problem := &models.Problem{ContestID: pending.ID, Letter: "A", Title: "Go",
		TimeLimitMs: 1000, MemoryLimitMB: 256}
	ts.store.PutProblem(problem)
	ts.store.PutTestCase(&models.TestCase{ProblemID: problem.ID, Ordinal: 1,
		Input: []byte("1\n"), ExpectedOutput: []byte("1\n")})

	path := "/api/admin/contests/" + strconv.FormatInt(pending.ID, 10)
	rec := ts.request(t, http.MethodPost, path+"/start", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := ts.store.GetContest(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContestRunning, stored.State)
}

