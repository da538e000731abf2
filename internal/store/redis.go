package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/chatmesh/internal/metrics"
)

// NewRedisClient parses redisURL and returns a connected client. The
// moderation cache, routing directory, bus, and auth tokens share it.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	client.AddHook(latencyHook{})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}

// latencyHook records every command and pipeline round trip.
type latencyHook struct{}

func (latencyHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (latencyHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		metrics.RedisLatency.Observe(time.Since(start).Seconds())
		return err
	}
}

func (latencyHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		metrics.RedisLatency.Observe(time.Since(start).Seconds())
		return err
	}
}
