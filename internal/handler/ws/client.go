package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chatcore-backend/internal/realtime"
	"chatcore-backend/pkg/constants"
	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/metrics"
)

// Client is one authenticated websocket connection.
// Its inbound events are handled one at a time, in arrival order.
type Client struct {
	id      string
	userID  string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(logger.WithConnection(context.Background(), userID, id))
	return &Client{
		id:      id,
		userID:  userID,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, hub.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(hub.cfg.EventsPerSecond), hub.cfg.EventBurst),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) UserID() string { return c.userID }

// Send queues frame without blocking. A full buffer drops the frame.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		metrics.ClientFramesDroppedTotal.WithLabelValues("closed").Inc()
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.ClientFramesDroppedTotal.WithLabelValues("buffer_full").Inc()
		logger.FromContext(c.ctx).Warn("Send buffer full, dropping frame")
		return false
	}
}

// Reply sends event to this connection only
func (c *Client) Reply(event string, data any) {
	frame, err := realtime.Encode(event, data)
	if err != nil {
		metrics.ClientFramesDroppedTotal.WithLabelValues("encode").Inc()
		logger.FromContext(c.ctx).Error("Failed to encode reply", zap.String("event", event), zap.Error(err))
		return
	}
	c.Send(frame)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// readPump reads frames until the connection fails, dispatching each through the router
func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(constants.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(constants.PongWait))
	})

	for {
		messageType, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.FromContext(c.ctx).Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			metrics.InboundEventsTotal.WithLabelValues("", "rate_limited").Inc()
			Fail(c.ctx, c, realtime.EventError, apperrors.RateLimitExceededError())
			continue
		}
		c.hub.router.Dispatch(c.ctx, c, frame)
	}
}

// writePump drains the send buffer and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			deadline := time.Now().Add(c.hub.cfg.WriteWait)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}
