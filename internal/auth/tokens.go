// Package auth issues and verifies the signed tokens teams and admins
// present on the HTTP and WebSocket surfaces.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codearena/codearena/internal/models"
)

// Role distinguishes team sockets from admin sockets.
type Role string

const (
	RoleTeam  Role = "team"
	RoleAdmin Role = "admin"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
)

// Claims is the token payload. Team tokens carry the team's contest so
// the event gateway can restrict room joins.
type Claims struct {
	Role      Role  `json:"role"`
	TeamID    int64 `json:"team_id,omitempty"`
	ContestID int64 `json:"contest_id,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and verifies HS256 tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

// NewManager creates a token manager. The secret must be non-empty.
func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &Manager{secret: []byte(secret), ttl: ttl}, nil
}

// IssueTeamToken signs a token for a registered team.
func (m *Manager) IssueTeamToken(team *models.Team) (string, error) {
	return m.sign(&Claims{
		Role:      RoleTeam,
		TeamID:    team.ID,
		ContestID: team.ContestID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(team.ID, 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
}

// IssueAdminToken signs an administrative token.
func (m *Manager) IssueAdminToken(adminID string) (string, error) {
	return m.sign(&Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
}

func (m *Manager) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, enforcing the HS256 method.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleTeam && claims.Role != RoleAdmin {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
