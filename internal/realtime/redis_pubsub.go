package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/provisioning"
)

const (
	channelPrefix  = "provisioning:"
	publishTimeout = 5 * time.Second
)

// Channel returns the Redis channel carrying status updates of a saga.
func Channel(sagaID uuid.UUID) string {
	return channelPrefix + sagaID.String()
}

// RedisPubSub publishes saga status updates to Redis and subscribes to them,
// so every API instance can stream any saga.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for saga status updates.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// PublishStatus publishes an update to the saga's channel.
func (r *RedisPubSub) PublishStatus(ctx context.Context, update provisioning.StatusUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, Channel(update.SagaID), body).Err()
}

// SubscribeSaga subscribes to a saga's channel and calls handler for each update.
// Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeSaga(sagaID uuid.UUID, handler func(update provisioning.StatusUpdate)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, Channel(sagaID))
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var update provisioning.StatusUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
					r.logger.Debug("invalid status payload", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				handler(update)
			}
		}
	}()
	return cancelCtx, nil
}
