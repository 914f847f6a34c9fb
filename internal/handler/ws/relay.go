package ws

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"chatcore-backend/internal/database"
	"chatcore-backend/pkg/constants"
	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/metrics"
)

// relayMessage is one push forwarded between instances. Frame is the already encoded envelope.
type relayMessage struct {
	Origin    string          `json:"origin"`
	Users     []string        `json:"users,omitempty"`
	Broadcast bool            `json:"broadcast,omitempty"`
	Frame     json.RawMessage `json:"frame"`
}

// Relay forwards pushes between instances over Redis Pub/Sub. Each instance delivers
// relayed frames to its own connections and ignores the ones it published.
type Relay struct {
	client     *database.RedisClient
	instanceID string
	channel    string
}

// NewRelay creates a relay on the shared push channel
func NewRelay(client *database.RedisClient, instanceID string) *Relay {
	return &Relay{
		client:     client,
		instanceID: instanceID,
		channel:    constants.PushRelayChannel,
	}
}

// Publish forwards msg to the other instances. Failures only cost remote delivery.
func (r *Relay) Publish(ctx context.Context, msg *relayMessage) {
	msg.Origin = r.instanceID
	payload, err := json.Marshal(msg)
	if err != nil {
		metrics.RelayPublishTotal.WithLabelValues("encode_error").Inc()
		return
	}
	if err := r.client.SafePublish(ctx, r.channel, payload).Err(); err != nil {
		metrics.RelayPublishTotal.WithLabelValues("error").Inc()
		logger.FromContext(ctx).Debug("Failed to relay push", zap.Error(err))
		return
	}
	metrics.RelayPublishTotal.WithLabelValues("success").Inc()
}

// Run subscribes to the channel and hands foreign messages to deliver until ctx is done
func (r *Relay) Run(ctx context.Context, deliver func(msg *relayMessage)) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	logger.Info("Push relay subscribed",
		zap.String("channel", r.channel),
		zap.String("instance_id", r.instanceID))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg relayMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				logger.Warn("Dropping malformed relay message", zap.Error(err))
				continue
			}
			if msg.Origin == r.instanceID {
				continue
			}
			deliver(&msg)
		}
	}
}
