package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/orthodoxlms/backend/internal/models"
)

const channelPrefix = "lesson-video:"

// redisPayload is the message published to Redis for cross-instance fan-out.
type redisPayload struct {
	Change models.StateChanged `json:"change"`
	At     int64               `json:"at"`
}

// RedisPubSub implements Bridge using Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for lesson video changes.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// Channel returns the Redis channel for a lesson.
func Channel(lessonID uuid.UUID) string {
	return channelPrefix + lessonID.String()
}

// PublishState publishes a change to the lesson's Redis channel.
func (r *RedisPubSub) PublishState(ctx context.Context, change models.StateChanged) error {
	body, err := json.Marshal(redisPayload{Change: change, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, Channel(change.LessonID), body).Err()
}

// SubscribeLesson subscribes to a lesson's Redis channel and calls handler for
// each change. The returned cancel stops the subscription.
func (r *RedisPubSub) SubscribeLesson(lessonID uuid.UUID, handler func(models.StateChanged)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, Channel(lessonID))
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
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Debug("dropping malformed bridge message", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if p.Change.LessonID != lessonID {
					continue
				}
				handler(p.Change)
			}
		}
	}()
	return cancelCtx, nil
}

var _ Bridge = (*RedisPubSub)(nil)
