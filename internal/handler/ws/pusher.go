package ws

import (
	"context"

	"go.uber.org/zap"

	"chatcore-backend/internal/presence"
	"chatcore-backend/internal/realtime"
	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/metrics"
)

// Pusher implements realtime.Emitter over the presence registry.
// Frames are encoded once, delivered to local connections and, with a relay, to every other instance.
type Pusher struct {
	registry *presence.Registry
	relay    *Relay
}

// NewPusher creates a pusher; relay may be nil for a single instance
func NewPusher(registry *presence.Registry, relay *Relay) *Pusher {
	return &Pusher{registry: registry, relay: relay}
}

func (p *Pusher) ToUser(ctx context.Context, userID, event string, data any) {
	p.ToUsers(ctx, []string{userID}, event, data)
}

func (p *Pusher) ToUsers(ctx context.Context, userIDs []string, event string, data any) {
	ids := realtime.Unique(userIDs...)
	if len(ids) == 0 {
		return
	}
	frame, ok := p.encode(ctx, event, data)
	if !ok {
		return
	}
	p.deliver(ids, false, frame)
	metrics.OutboundPushesTotal.WithLabelValues(event).Inc()

	if p.relay != nil {
		p.relay.Publish(ctx, &relayMessage{Users: ids, Frame: frame})
	}
}

func (p *Pusher) Broadcast(ctx context.Context, event string, data any) {
	frame, ok := p.encode(ctx, event, data)
	if !ok {
		return
	}
	p.deliver(nil, true, frame)
	metrics.OutboundPushesTotal.WithLabelValues(event).Inc()

	if p.relay != nil {
		p.relay.Publish(ctx, &relayMessage{Broadcast: true, Frame: frame})
	}
}

// deliver writes frame to the local connections of users, or to every local connection
func (p *Pusher) deliver(users []string, broadcast bool, frame []byte) {
	if broadcast {
		for _, conn := range p.registry.All() {
			conn.Send(frame)
		}
		return
	}
	for _, id := range users {
		for _, conn := range p.registry.Connections(id) {
			conn.Send(frame)
		}
	}
}

// RunRelay delivers pushes published by other instances until ctx is done
func (p *Pusher) RunRelay(ctx context.Context) {
	if p.relay == nil {
		return
	}
	p.relay.Run(ctx, p.deliverRelayed)
}

// deliverRelayed hands a frame published by another instance to local connections
func (p *Pusher) deliverRelayed(msg *relayMessage) {
	p.deliver(msg.Users, msg.Broadcast, msg.Frame)
}

func (p *Pusher) encode(ctx context.Context, event string, data any) ([]byte, bool) {
	frame, err := realtime.Encode(event, data)
	if err != nil {
		metrics.ClientFramesDroppedTotal.WithLabelValues("encode").Inc()
		logger.FromContext(ctx).Error("Failed to encode push", zap.String("event", event), zap.Error(err))
		return nil, false
	}
	return frame, true
}
