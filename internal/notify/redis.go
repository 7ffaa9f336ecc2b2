package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/leaddesk/internal/logx"
	"go.uber.org/zap"
)

// Redis publishes events as JSON on a pub/sub channel so UI servers on other
// replicas see messages written here. Publishing happens on a background
// worker.
type Redis struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
	queue   *sink
}

// RedisOpts holds parameters for creating a Redis publisher.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Logger   *zap.Logger
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOpts) (*Redis, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("notify: redis addr is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("notify: redis channel is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("notify: redis ping %s: %w", opts.Addr, err)
	}

	r := &Redis{
		client:  client,
		channel: opts.Channel,
		log:     logx.OrNop(opts.Logger).With(zap.String("component", "notify.redis")),
	}
	r.queue = newSink(sinkBuffer, r.send)
	return r, nil
}

// Publish implements Publisher. It never blocks on redis.
func (r *Redis) Publish(_ context.Context, evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	if !r.queue.offer(evt) {
		r.log.Warn("event dropped", zap.String("event", evt.Type), zap.String("conversation_id", evt.ConversationID))
	}
}

func (r *Redis) send(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		r.log.Warn("marshal event", zap.String("event", evt.Type), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.log.Warn("publish event",
			zap.String("event", evt.Type),
			zap.String("conversation_id", evt.ConversationID),
			zap.Error(err))
	}
}

// Close drains queued events and closes the redis client.
func (r *Redis) Close() error {
	r.queue.close()
	return r.client.Close()
}
