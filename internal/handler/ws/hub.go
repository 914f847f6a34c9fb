// Package ws serves the realtime websocket endpoint: one authenticated connection per client
// carrying {event, data} envelopes in both directions.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatcore-backend/internal/middleware"
	"chatcore-backend/internal/presence"
	"chatcore-backend/internal/realtime"
	"chatcore-backend/pkg/constants"
	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/metrics"
	"chatcore-backend/pkg/response"
)

// Config holds connection limits and timings
type Config struct {
	MaxConnections  int
	PingInterval    time.Duration
	WriteWait       time.Duration
	MaxMessageSize  int64
	SendBuffer      int
	EventsPerSecond float64
	EventBurst      int
	AllowedOrigins  map[string]bool
}

// Hub accepts websocket connections and keeps the presence registry in sync with them
type Hub struct {
	cfg       Config
	registry  *presence.Registry
	pusher    *Pusher
	router    *Router
	metrics   *metrics.Metrics
	semaphore chan struct{}
	upgrader  websocket.Upgrader

	// onOffline runs when a user's last local connection goes away
	onOffline func(ctx context.Context, userID string)
}

// NewHub creates a new hub. onOffline may be nil.
func NewHub(cfg Config, registry *presence.Registry, pusher *Pusher, router *Router, m *metrics.Metrics, onOffline func(ctx context.Context, userID string)) *Hub {
	h := &Hub{
		cfg:       cfg,
		registry:  registry,
		pusher:    pusher,
		router:    router,
		metrics:   m,
		semaphore: make(chan struct{}, cfg.MaxConnections),
		onOffline: onOffline,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
	return h
}

// ServeWS upgrades an authenticated request (user_id set by the auth middleware)
func (h *Hub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		h.metrics.RecordWebSocketRejected("capacity")
		logger.Warn("WebSocket connection limit reached", zap.Int("max_connections", h.cfg.MaxConnections))
		response.ServiceUnavailable(c, "Too many connections")
		return
	}

	userID := c.GetString("user_id")
	if userID == "" {
		<-h.semaphore
		h.metrics.RecordWebSocketRejected("unauthorized")
		response.Unauthorized(c, "Unauthorized")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		h.metrics.RecordWebSocketRejected("upgrade_failed")
		logger.Warn("WebSocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	client := newClient(h, conn, userID)
	h.connect(client)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) connect(c *Client) {
	first := h.registry.Register(c.userID, c)
	h.refreshGauges()
	logger.FromContext(c.ctx).Debug("WebSocket connected", zap.Bool("first_connection", first))

	if first {
		h.broadcastOnline(c.ctx)
		return
	}
	c.Reply(realtime.EventOnlineUser, h.registry.Snapshot(c.ctx))
}

func (h *Hub) disconnect(c *Client) {
	last := h.registry.Unregister(c.userID, c)
	<-h.semaphore
	h.refreshGauges()
	logger.FromContext(c.ctx).Debug("WebSocket disconnected", zap.Bool("last_connection", last))

	if !last {
		return
	}
	// c.ctx is about to be cancelled; cleanup gets its own deadline
	ctx, cancel := context.WithTimeout(logger.WithConnection(context.Background(), c.userID, c.id), constants.DefaultTimeout)
	defer cancel()
	if h.onOffline != nil {
		h.onOffline(ctx, c.userID)
	}
	h.broadcastOnline(ctx)
}

func (h *Hub) broadcastOnline(ctx context.Context) {
	h.pusher.Broadcast(ctx, realtime.EventOnlineUser, h.registry.Snapshot(ctx))
}

func (h *Hub) refreshGauges() {
	h.metrics.SetWebSocketConnections(h.registry.ConnectionCount())
	metrics.OnlineUsers.Set(float64(len(h.registry.LocalUsers())))
}

// OnlineCount returns the number of users online on any instance
func (h *Hub) OnlineCount(ctx context.Context) int {
	return len(h.registry.Snapshot(ctx))
}

// Shutdown closes every local connection
func (h *Hub) Shutdown() {
	for _, conn := range h.registry.All() {
		if c, ok := conn.(*Client); ok {
			c.close()
		}
	}
}
