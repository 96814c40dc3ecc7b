package ws

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codearena/codearena/internal/auth"
	"github.com/codearena/codearena/internal/events"
	"github.com/codearena/codearena/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type harness struct {
	bus    *events.Bus
	tokens *auth.Manager
	server *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := events.NewBus(nil)
	tokens, err := auth.NewManager("ws-test-secret", time.Hour)
	require.NoError(t, err)

	gateway := NewGateway(bus, tokens, nil, testLogger())
	router := gin.New()
	router.GET("/ws", gateway.Handle)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		bus.Close()
	})
	return &harness{bus: bus, tokens: tokens, server: server}
}

func (h *harness) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?" + query
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(query), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *events.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg events.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func waitForRoom(t *testing.T, bus *events.Bus, room string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bus.RoomSize(room) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no subscriber joined room %s", room)
}

func TestGateway_TeamReceivesItsRoomMessages(t *testing.T) {
	h := newHarness(t)
	token, err := h.tokens.IssueTeamToken(&models.Team{ID: 5, ContestID: 3})
	require.NoError(t, err)

	conn := h.dial(t, "token="+token)
	waitForRoom(t, h.bus, events.TeamRoom(5))

	h.bus.Publish([]string{events.TeamRoom(5)},
		events.NewMessage(events.MessageQueued, map[string]int{"position": 1}))

	msg := readMessage(t, conn)
	assert.Equal(t, events.MessageQueued, msg.Type)
}

func TestGateway_TeamAlsoJoinsItsContestRoom(t *testing.T) {
	h := newHarness(t)
	token, err := h.tokens.IssueTeamToken(&models.Team{ID: 5, ContestID: 3})
	require.NoError(t, err)

	conn := h.dial(t, "token="+token)
	waitForRoom(t, h.bus, events.ContestRoom(3))

	h.bus.Publish([]string{events.ContestRoom(3)},
		events.NewMessage(events.MessageLeaderboardUpdate, nil))

	msg := readMessage(t, conn)
	assert.Equal(t, events.MessageLeaderboardUpdate, msg.Type)
}

func TestGateway_TeamCannotJoinForeignContest(t *testing.T) {
	h := newHarness(t)
	token, err := h.tokens.IssueTeamToken(&models.Team{ID: 5, ContestID: 3})
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("token="+token+"&contest_id=9"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGateway_RejectsMissingToken(t *testing.T) {
	h := newHarness(t)
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_AdminReceivesAdminBroadcasts(t *testing.T) {
	h := newHarness(t)
	token, err := h.tokens.IssueAdminToken("root")
	require.NoError(t, err)

	conn := h.dial(t, "token="+token)
	waitForRoom(t, h.bus, events.RoomAdmins)

	h.bus.Publish([]string{events.RoomAdmins},
		events.NewMessage(events.MessageContestStarted, nil))

	msg := readMessage(t, conn)
	assert.Equal(t, events.MessageContestStarted, msg.Type)
}

func TestGateway_AdminMayJoinAnyContestRoom(t *testing.T) {
	h := newHarness(t)
	token, err := h.tokens.IssueAdminToken("root")
	require.NoError(t, err)

	conn := h.dial(t, "token="+token+"&contest_id=12")
	waitForRoom(t, h.bus, events.ContestRoom(12))

	h.bus.Publish([]string{events.ContestRoom(12)},
		events.NewMessage(events.MessageContestFrozen, nil))

	msg := readMessage(t, conn)
	assert.Equal(t, events.MessageContestFrozen, msg.Type)
}
