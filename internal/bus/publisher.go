package bus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/cachekey"
	"github.com/eldtechnologies/chatmesh/internal/metrics"
)

const (
	fieldRoutingKey = "rk"
	fieldEnvelope   = "env"

	// streamMaxLen bounds each server queue; trimming is approximate.
	streamMaxLen = 100_000
)

// StreamKey returns the queue of one server instance.
func StreamKey(keys cachekey.Space, serverID string) string {
	return keys.Key(cachekey.UserMsg, serverID)
}

// Publisher appends envelopes to the queue of the server that holds the
// recipient.
type Publisher struct {
	rdb     *redis.Client
	keys    cachekey.Space
	retries int
	initial time.Duration
	logger  zerolog.Logger
}

// NewPublisher creates a publisher that retries each publish up to retries
// times.
func NewPublisher(rdb *redis.Client, keys cachekey.Space, retries int, logger zerolog.Logger) *Publisher {
	return &Publisher{
		rdb:     rdb,
		keys:    keys,
		retries: retries,
		initial: 50 * time.Millisecond,
		logger:  logger.With().Str("component", "bus_publisher").Logger(),
	}
}

// Publish enqueues env on serverID's stream. When all retries fail the
// failure is counted and returned as Transient.
func (p *Publisher) Publish(ctx context.Context, serverID string, env Envelope) error {
	data, err := encode(env)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInvalidArgument, "encode envelope")
	}

	args := &redis.XAddArgs{
		Stream: StreamKey(p.keys, serverID),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			fieldRoutingKey: env.RoutingKey(),
			fieldEnvelope:   data,
		},
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.retries)), ctx)

	err = backoff.Retry(func() error {
		return p.rdb.XAdd(ctx, args).Err()
	}, policy)
	if err != nil {
		metrics.BusPublishFailures.Inc()
		p.logger.Error().
			Err(err).
			Str("server_id", serverID).
			Str("kind", string(env.Kind)).
			Int64("message_id", env.MessageID).
			Str("rk", env.RoutingKey()).
			Msg("bus publish failed")
		return apperr.Transient(err, "bus publish")
	}
	return nil
}
