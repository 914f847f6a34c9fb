package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore-backend/internal/domain"
	"chatcore-backend/internal/presence"
	"chatcore-backend/internal/realtime"
	"chatcore-backend/internal/repository/memory"
	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/metrics"
)

func testConfig() Config {
	return Config{
		MaxConnections:  16,
		PingInterval:    30 * time.Second,
		WriteWait:       2 * time.Second,
		MaxMessageSize:  64 * 1024,
		SendBuffer:      64,
		EventsPerSecond: 100,
		EventBurst:      100,
	}
}

type hubFixture struct {
	hub     *Hub
	server  *httptest.Server
	offline chan string
}

func newHubFixture(t *testing.T, cfg Config) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := memory.New()
	for _, id := range []string{"alice", "bob"} {
		db.PutUser(&domain.User{ID: id, Name: strings.ToUpper(id[:1]) + id[1:]})
	}

	registry := presence.NewRegistry()
	pusher := NewPusher(registry, nil)
	router := NewRouter(newServices(db, pusher, registry))
	m := metrics.NewMetricsWithRegistry("chat-service-test", prometheus.NewRegistry())

	f := &hubFixture{offline: make(chan string, 4)}
	f.hub = NewHub(cfg, registry, pusher, router, m, func(_ context.Context, userID string) {
		f.offline <- userID
	})

	engine := gin.New()
	engine.GET("/ws", func(c *gin.Context) {
		if user := c.Query("user"); user != "" {
			c.Set("user_id", user)
		}
		f.hub.ServeWS(c)
	})
	f.server = httptest.NewServer(engine)
	t.Cleanup(func() {
		f.hub.Shutdown()
		f.server.Close()
	})
	return f
}

func (f *hubFixture) dial(user string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	if user != "" {
		url += "?user=" + user
	}
	return websocket.DefaultDialer.Dial(url, nil)
}

func (f *hubFixture) connect(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := f.dial(user)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one carries event and satisfies match
func readUntil(t *testing.T, conn *websocket.Conn, event string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env realtime.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event && (match == nil || match(env.Data)) {
			return env.Data
		}
	}
}

func onlineIs(want ...string) func(json.RawMessage) bool {
	return func(data json.RawMessage) bool {
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return false
		}
		return assert.ObjectsAreEqual(want, ids)
	}
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := realtime.Encode(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func TestHub_PresenceAndDelivery(t *testing.T) {
	f := newHubFixture(t, testConfig())

	alice := f.connect(t, "alice")
	readUntil(t, alice, realtime.EventOnlineUser, onlineIs("alice"))

	bob := f.connect(t, "bob")
	readUntil(t, bob, realtime.EventOnlineUser, onlineIs("alice", "bob"))
	readUntil(t, alice, realtime.EventOnlineUser, onlineIs("alice", "bob"))

	send(t, alice, realtime.EventNewMessage, map[string]string{"receiver": "bob", "text": "hello"})

	data := readUntil(t, bob, realtime.EventMessage, nil)
	var thread struct {
		Messages []struct {
			Text     string `json:"text"`
			SenderID string `json:"msgByUserId"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(data, &thread))
	require.Len(t, thread.Messages, 1)
	assert.Equal(t, "hello", thread.Messages[0].Text)
	readUntil(t, alice, realtime.EventMessage, nil)

	require.NoError(t, bob.Close())
	readUntil(t, alice, realtime.EventOnlineUser, onlineIs("alice"))

	select {
	case user := <-f.offline:
		assert.Equal(t, "bob", user)
	case <-time.After(3 * time.Second):
		t.Fatal("offline hook did not run")
	}
}

func TestHub_SecondConnectionGetsSnapshot(t *testing.T) {
	f := newHubFixture(t, testConfig())

	first := f.connect(t, "alice")
	readUntil(t, first, realtime.EventOnlineUser, onlineIs("alice"))

	second := f.connect(t, "alice")
	readUntil(t, second, realtime.EventOnlineUser, onlineIs("alice"))

	require.NoError(t, second.Close())
	select {
	case user := <-f.offline:
		t.Fatalf("offline hook ran for %s while a connection remains", user)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHub_RejectsOverCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	f := newHubFixture(t, cfg)

	alice := f.connect(t, "alice")
	readUntil(t, alice, realtime.EventOnlineUser, onlineIs("alice"))

	_, resp, err := f.dial("bob")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_RejectsUnauthenticated(t *testing.T) {
	f := newHubFixture(t, testConfig())

	_, resp, err := f.dial("")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_RateLimitsInboundEvents(t *testing.T) {
	cfg := testConfig()
	cfg.EventsPerSecond = 0.001
	cfg.EventBurst = 1
	f := newHubFixture(t, cfg)

	alice := f.connect(t, "alice")
	send(t, alice, realtime.EventSidebar, nil)
	send(t, alice, realtime.EventSidebar, nil)

	readUntil(t, alice, realtime.EventConversation, nil)
	data := readUntil(t, alice, realtime.EventError, nil)

	var payload realtime.ErrorPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, string(apperrors.ErrCodeRateLimitExceeded), payload.Code)
}
