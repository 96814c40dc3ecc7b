// Package ws exposes the event bus over WebSocket. Each socket
// authenticates with a signed token and is joined to the rooms its role
// allows: a team socket gets its own room plus its contest's public room,
// an admin socket gets the admin room and any contest room it asks for.
package ws

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/codearena/codearena/internal/auth"
	"github.com/codearena/codearena/internal/events"
)

// GatewayConfig holds socket tuning.
type GatewayConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	// AllowedOrigins whitelists browser origins; empty allows all, for
	// deployments where the frontend origin is unknown at build time.
	AllowedOrigins []string
}

// DefaultGatewayConfig returns default socket tuning.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		PingInterval:    54 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
	}
}

// Gateway upgrades HTTP connections and bridges them to bus rooms.
type Gateway struct {
	bus      *events.Bus
	tokens   *auth.Manager
	config   *GatewayConfig
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewGateway creates the WebSocket gateway.
func NewGateway(bus *events.Bus, tokens *auth.Manager, config *GatewayConfig, logger *logrus.Logger) *Gateway {
	if config == nil {
		config = DefaultGatewayConfig()
	}
	g := &Gateway{bus: bus, tokens: tokens, config: config, logger: logger}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handle is the gin handler for the /ws endpoint. Authentication happens
// before the upgrade so a bad token costs a plain 401, not a socket.
func (g *Gateway) Handle(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}
	claims, err := g.tokens.Verify(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	rooms, err := g.roomsFor(claims, c.Query("contest_id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	sub := g.bus.Subscribe(rooms...)
	go g.writePump(conn, sub)
	go g.readPump(conn, sub)
}

// roomsFor maps a token to its allowed rooms. A team socket may only join
// the contest room of its registered contest.
func (g *Gateway) roomsFor(claims *auth.Claims, contestParam string) ([]string, error) {
	switch claims.Role {
	case auth.RoleAdmin:
		rooms := []string{events.RoomAdmins}
		if contestParam != "" {
			contestID, err := strconv.ParseInt(contestParam, 10, 64)
			if err != nil {
				return nil, errInvalidContest
			}
			rooms = append(rooms, events.ContestRoom(contestID))
		}
		return rooms, nil
	case auth.RoleTeam:
		if contestParam != "" {
			contestID, err := strconv.ParseInt(contestParam, 10, 64)
			if err != nil || contestID != claims.ContestID {
				return nil, errForeignContest
			}
		}
		return []string{
			events.TeamRoom(claims.TeamID),
			events.ContestRoom(claims.ContestID),
		}, nil
	}
	return nil, errInvalidContest
}

var (
	errInvalidContest = gatewayError("invalid contest id")
	errForeignContest = gatewayError("token is not valid for this contest")
)

type gatewayError string

func (e gatewayError) Error() string { return string(e) }

// writePump forwards bus messages to the socket and keeps it alive with
// pings. It owns all writes to the connection.
func (g *Gateway) writePump(conn *websocket.Conn, sub *events.Subscription) {
	ticker := time.NewTicker(g.config.PingInterval)
	defer func() {
		ticker.Stop()
		g.bus.Unsubscribe(sub)
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.Channel:
			conn.SetWriteDeadline(time.Now().Add(g.config.WriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(g.config.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames to process pongs and detect closure.
// Inbound payloads are ignored; the socket is broadcast-only.
func (g *Gateway) readPump(conn *websocket.Conn, sub *events.Subscription) {
	defer g.bus.Unsubscribe(sub)
	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(g.config.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(g.config.PongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
