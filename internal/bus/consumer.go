package bus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/cachekey"
	"github.com/eldtechnologies/chatmesh/internal/metrics"
)

// Group is the consumer group reading every server queue.
const Group = "delivery"

const (
	appliedTTL = 24 * time.Hour
	readBatch  = 64
)

// Handler applies one envelope. A returned error leaves the entry pending
// for redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Consumer reads this server's queue.
type Consumer struct {
	rdb      *redis.Client
	keys     cachekey.Space
	serverID string
	stream   string
	block    time.Duration
	logger   zerolog.Logger
}

// NewConsumer creates the consumer of serverID's queue. block bounds each
// blocking read, and with it how long Run takes to notice cancellation.
func NewConsumer(rdb *redis.Client, keys cachekey.Space, serverID string, block time.Duration, logger zerolog.Logger) *Consumer {
	if block <= 0 {
		block = 5 * time.Second
	}
	return &Consumer{
		rdb:      rdb,
		keys:     keys,
		serverID: serverID,
		stream:   StreamKey(keys, serverID),
		block:    block,
		logger:   logger.With().Str("component", "bus_consumer").Str("stream", StreamKey(keys, serverID)).Logger(),
	}
}

// Declare creates the queue and its consumer group. Calling it again is a
// no-op.
func (c *Consumer) Declare(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return apperr.Transient(err, "declare queue")
	}
	return nil
}

// Run declares the queue, replays entries left pending by a previous run,
// then applies new entries until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	if err := c.Declare(ctx); err != nil {
		return err
	}

	replayPending := true
	for ctx.Err() == nil {
		if replayPending {
			failed, err := c.drainPending(ctx, handler)
			if err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("pending replay failed")
			}
			replayPending = failed || err != nil
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    Group,
			Consumer: c.serverID,
			Streams:  []string{c.stream, ">"},
			Count:    readBatch,
			Block:    c.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error().Err(err).Msg("queue read failed")
			c.pause(ctx)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				if !c.process(ctx, msg, handler) {
					replayPending = true
				}
			}
		}
		if replayPending {
			c.pause(ctx)
		}
	}
	return nil
}

// drainPending re-applies entries delivered to this consumer but never
// acknowledged. It reports whether any entry is still pending afterwards.
func (c *Consumer) drainPending(ctx context.Context, handler Handler) (bool, error) {
	start := "0"
	failed := false
	for {
		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    Group,
			Consumer: c.serverID,
			Streams:  []string{c.stream, start},
			Count:    readBatch,
			Block:    -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return failed, nil
		}
		if err != nil {
			return failed, err
		}

		n := 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				n++
				if !c.process(ctx, msg, handler) {
					failed = true
				}
				start = msg.ID
			}
		}
		if n == 0 {
			return failed, nil
		}
	}
}

// process applies one entry and reports whether it was acknowledged.
func (c *Consumer) process(ctx context.Context, msg redis.XMessage, handler Handler) bool {
	raw, _ := msg.Values[fieldEnvelope].(string)
	env, err := decode([]byte(raw))
	if err != nil {
		// Undecodable entries can never succeed.
		c.logger.Error().Err(err).Str("entry_id", msg.ID).Msg("dropping malformed envelope")
		metrics.BusEventsConsumed.WithLabelValues("failed").Inc()
		return c.ack(ctx, msg.ID)
	}

	// The marker is written only once the handler succeeded, so an entry
	// interrupted before its ack is applied again rather than skipped.
	appliedKey := c.keys.Key(cachekey.BusApplied, c.serverID, env.IdempotencyKey())
	seen, err := c.rdb.Exists(ctx, appliedKey).Result()
	if err != nil {
		c.logger.Warn().Err(err).Str("entry_id", msg.ID).Msg("dedupe check failed")
		return false
	}
	if seen > 0 {
		metrics.BusEventsConsumed.WithLabelValues("duplicate").Inc()
		return c.ack(ctx, msg.ID)
	}

	if err := handler(ctx, env); err != nil {
		c.logger.Warn().
			Err(err).
			Str("entry_id", msg.ID).
			Str("kind", string(env.Kind)).
			Int64("message_id", env.MessageID).
			Msg("envelope handler failed")
		metrics.BusEventsConsumed.WithLabelValues("failed").Inc()
		return false
	}

	if err := c.rdb.Set(ctx, appliedKey, msg.ID, appliedTTL).Err(); err != nil {
		c.logger.Warn().Err(err).Str("entry_id", msg.ID).Msg("record applied envelope")
	}
	metrics.BusEventsConsumed.WithLabelValues("applied").Inc()
	return c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) bool {
	if err := c.rdb.XAck(ctx, c.stream, Group, id).Err(); err != nil {
		c.logger.Warn().Err(err).Str("entry_id", id).Msg("ack failed")
		return false
	}
	return true
}

func (c *Consumer) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
	}
}
