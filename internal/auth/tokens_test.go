package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codearena/codearena/internal/models"
)

func TestManager_TeamTokenRoundTrip(t *testing.T) {
	m, err := NewManager("test-secret", time.Hour)
	require.NoError(t, err)

	team := &models.Team{ID: 42, ContestID: 7, Name: "gophers"}
	token, err := m.IssueTeamToken(team)
	require.NoError(t, err)

	claims, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, RoleTeam, claims.Role)
	assert.Equal(t, int64(42), claims.TeamID)
	assert.Equal(t, int64(7), claims.ContestID)
}

func TestManager_AdminToken(t *testing.T) {
	m, err := NewManager("test-secret", time.Hour)
	require.NoError(t, err)

	token, err := m.IssueAdminToken("root")
	require.NoError(t, err)

	claims, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "root", claims.Subject)
	assert.Zero(t, claims.TeamID)
}

func TestManager_RejectsWrongSecret(t *testing.T) {
	issuer, err := NewManager("secret-a", time.Hour)
	require.NoError(t, err)
	verifier, err := NewManager("secret-b", time.Hour)
	require.NoError(t, err)

	token, err := issuer.IssueTeamToken(&models.Team{ID: 1, ContestID: 1})
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_RejectsExpiredToken(t *testing.T) {
	m, err := NewManager("test-secret", time.Nanosecond)
	require.NoError(t, err)
	// NewManager floors non-positive TTLs, so build a short one directly.
	m.ttl = -time.Minute

	token, err := m.IssueTeamToken(&models.Team{ID: 1, ContestID: 1})
	require.NoError(t, err)

	_, err = m.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestManager_RejectsGarbage(t *testing.T) {
	m, err := NewManager("test-secret", time.Hour)
	require.NoError(t, err)

	_, err = m.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewManager_RequiresSecret(t *testing.T) {
	_, err := NewManager("", time.Hour)
	assert.Error(t, err)
}
