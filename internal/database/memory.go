package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/codearena/codearena/internal/models"
)

// MemoryStore implements Store with in-process maps. It is used in
// standalone mode when PostgreSQL is unavailable and by tests.
type MemoryStore struct {
	mu sync.RWMutex

	contests    map[int64]*models.Contest
	problems    map[int64]*models.Problem
	testCases   map[int64][]*models.TestCase // keyed by problem id
	teams       map[int64]*models.Team
	submissions map[int64]*models.Submission

	teamScores map[scoreKey]*models.TeamScore
	results    map[resultKey]*models.ContestResult
	frozen     map[int64][]*models.ContestResult

	nextID int64
}

type scoreKey struct {
	contestID, teamID, problemID int64
}

type resultKey struct {
	contestID, teamID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contests:    make(map[int64]*models.Contest),
		problems:    make(map[int64]*models.Problem),
		testCases:   make(map[int64][]*models.TestCase),
		teams:       make(map[int64]*models.Team),
		submissions: make(map[int64]*models.Submission),
		teamScores:  make(map[scoreKey]*models.TeamScore),
		results:     make(map[resultKey]*models.ContestResult),
		frozen:      make(map[int64][]*models.ContestResult),
	}
}

// NextID allocates a fresh identifier. Exposed for seeding helpers.
func (m *MemoryStore) NextID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) allocID() int64 {
	m.nextID++
	return m.nextID
}

// PutContest inserts or replaces a contest. Seeding helper.
func (m *MemoryStore) PutContest(c *models.Contest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.allocID()
	}
	cp := *c
	m.contests[c.ID] = &cp
}

// PutProblem inserts or replaces a problem. Seeding helper.
func (m *MemoryStore) PutProblem(p *models.Problem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.allocID()
	}
	cp := *p
	m.problems[p.ID] = &cp
}

// PutTestCase appends a test case to its problem. Seeding helper.
func (m *MemoryStore) PutTestCase(tc *models.TestCase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tc.ID == 0 {
		tc.ID = m.allocID()
	}
	cp := *tc
	m.testCases[tc.ProblemID] = append(m.testCases[tc.ProblemID], &cp)
}

// PutTeam inserts or replaces a team. Seeding helper.
func (m *MemoryStore) PutTeam(t *models.Team) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		t.ID = m.allocID()
	}
	cp := *t
	m.teams[t.ID] = &cp
}

func (m *MemoryStore) GetContest(ctx context.Context, id int64) (*models.Contest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetContestByCode(ctx context.Context, code string) (*models.Contest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.contests {
		if c.RegistrationCode == code {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListActiveContests(ctx context.Context) ([]*models.Contest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Contest
	for _, c := range m.contests {
		if c.IsActive {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateContestState(ctx context.Context, contest *models.Contest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.contests[contest.ID]
	if !ok {
		return ErrNotFound
	}
	existing.State = contest.State
	existing.IsActive = contest.IsActive
	existing.IsFrozen = contest.IsFrozen
	existing.FrozenAt = contest.FrozenAt
	existing.EndedAt = contest.EndedAt
	return nil
}

func (m *MemoryStore) GetProblem(ctx context.Context, id int64) (*models.Problem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.problems[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListProblems(ctx context.Context, contestID int64) ([]*models.Problem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Problem
	for _, p := range m.problems {
		if p.ContestID == contestID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Letter < out[j].Letter })
	return out, nil
}

func (m *MemoryStore) ListTestCases(ctx context.Context, problemID int64) ([]*models.TestCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cases := m.testCases[problemID]
	out := make([]*models.TestCase, 0, len(cases))
	for _, tc := range cases {
		cp := *tc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (m *MemoryStore) CreateTeam(ctx context.Context, team *models.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if team.ID == 0 {
		team.ID = m.allocID()
	}
	if team.LastActivity.IsZero() {
		team.LastActivity = time.Now().UTC()
	}
	cp := *team
	m.teams[team.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTeam(ctx context.Context, id int64) (*models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.teams[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTeams(ctx context.Context, contestID int64) ([]*models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Team
	for _, t := range m.teams {
		if t.ContestID == contestID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) TouchTeam(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.teams[id]
	if !ok {
		return ErrNotFound
	}
	t.LastActivity = time.Now()
	return nil
}

func (m *MemoryStore) CreateSubmission(ctx context.Context, sub *models.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == 0 {
		sub.ID = m.allocID()
	}
	if sub.Status == "" {
		sub.Status = models.StatusPending
	}
	cp := *sub
	m.submissions[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSubmission(ctx context.Context, id int64) (*models.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateSubmissionStatus(ctx context.Context, id int64, status models.SubmissionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	return nil
}

func (m *MemoryStore) FinalizeSubmission(ctx context.Context, sub *models.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[sub.ID]
	if !ok {
		return ErrNotFound
	}
	s.Status = sub.Status
	s.JudgedAt = sub.JudgedAt
	s.ExecutionTimeMs = sub.ExecutionTimeMs
	s.MemoryUsedMB = sub.MemoryUsedMB
	s.PointsEarned = sub.PointsEarned
	s.TestCasesPassed = sub.TestCasesPassed
	s.TotalTestCases = sub.TotalTestCases
	s.JudgeOutput = append([]byte(nil), sub.JudgeOutput...)
	return nil
}

func (m *MemoryStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]*models.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Submission
	for _, s := range m.submissions {
		if filter.ContestID != 0 && s.ContestID != filter.ContestID {
			continue
		}
		if filter.TeamID != 0 && s.TeamID != filter.TeamID {
			continue
		}
		if filter.ProblemID != 0 && s.ProblemID != filter.ProblemID {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

func (m *MemoryStore) CountPendingSubmissions(ctx context.Context, contestID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.submissions {
		if s.ContestID == contestID && !s.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListPendingSubmissions(ctx context.Context, contestID int64) ([]*models.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Submission
	for _, s := range m.submissions {
		if s.ContestID == contestID && !s.Status.Terminal() {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertTeamScore(ctx context.Context, score *models.TeamScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *score
	cp.UpdatedAt = time.Now()
	m.teamScores[scoreKey{score.ContestID, score.TeamID, score.ProblemID}] = &cp
	return nil
}

func (m *MemoryStore) GetTeamScore(ctx context.Context, contestID, teamID, problemID int64) (*models.TeamScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.teamScores[scoreKey{contestID, teamID, problemID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListTeamScores(ctx context.Context, contestID, teamID int64) ([]*models.TeamScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.TeamScore
	for k, s := range m.teamScores {
		if k.contestID == contestID && (teamID == 0 || k.teamID == teamID) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProblemID < out[j].ProblemID })
	return out, nil
}

func (m *MemoryStore) UpsertContestResult(ctx context.Context, result *models.ContestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *result
	cp.UpdatedAt = time.Now()
	m.results[resultKey{result.ContestID, result.TeamID}] = &cp
	return nil
}

func (m *MemoryStore) ListContestResults(ctx context.Context, contestID int64) ([]*models.ContestResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ContestResult
	for k, r := range m.results {
		if k.contestID == contestID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamID < out[j].TeamID })
	return out, nil
}

func (m *MemoryStore) SaveFrozenLeaderboard(ctx context.Context, contestID int64, rows []*models.ContestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]*models.ContestResult, 0, len(rows))
	for _, r := range rows {
		cp := *r
		snapshot = append(snapshot, &cp)
	}
	m.frozen[contestID] = snapshot
	return nil
}

func (m *MemoryStore) LoadFrozenLeaderboard(ctx context.Context, contestID int64) ([]*models.ContestResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.frozen[contestID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*models.ContestResult, 0, len(snapshot))
	for _, r := range snapshot {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) DeleteFrozenLeaderboard(ctx context.Context, contestID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.frozen, contestID)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
