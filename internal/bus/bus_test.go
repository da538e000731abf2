package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatmesh/internal/cachekey"
)

type recorder struct {
	mu   sync.Mutex
	envs []Envelope
	fail map[string]int // idempotency key -> failures left
}

func (r *recorder) handle(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[env.IdempotencyKey()] > 0 {
		r.fail[env.IdempotencyKey()]--
		return errors.New("recipient busy")
	}
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func setup(t *testing.T) (*redis.Client, cachekey.Space) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, cachekey.New("test")
}

func runConsumer(t *testing.T, c *Consumer, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestEnvelopeKeys(t *testing.T) {
	env := Envelope{Kind: KindMessage, RecipientID: 42, MessageID: 7}
	assert.Equal(t, "42", env.RoutingKey())
	assert.Equal(t, "7:message:42", env.IdempotencyKey())

	bcast := Envelope{Kind: KindAnnouncement, MessageID: 7}
	assert.Equal(t, Broadcast, bcast.RoutingKey())

	data, err := encode(env)
	require.NoError(t, err)
	back, err := decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, back.MessageID)
	assert.Equal(t, env.Kind, back.Kind)
}

func TestDeclareIsIdempotent(t *testing.T) {
	rdb, keys := setup(t)
	c := NewConsumer(rdb, keys, "server-a", 10*time.Millisecond, zerolog.Nop())

	require.NoError(t, c.Declare(context.Background()))
	require.NoError(t, c.Declare(context.Background()))
}

func TestPublishConsume(t *testing.T) {
	ctx := context.Background()
	rdb, keys := setup(t)

	pub := NewPublisher(rdb, keys, 2, zerolog.Nop())
	c := NewConsumer(rdb, keys, "server-b", 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, c.Declare(ctx))

	rec := &recorder{}
	runConsumer(t, c, rec.handle)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, pub.Publish(ctx, "server-b", Envelope{
			Kind:        KindMessage,
			RecipientID: 10,
			MessageID:   i,
			SessionID:   1,
			Payload:     []byte(`{"type":"message"}`),
		}))
	}

	require.Eventually(t, func() bool { return rec.count() == 3 }, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, env := range rec.envs {
		assert.Equal(t, int64(i+1), env.MessageID, "queue preserves publish order")
		assert.Equal(t, `{"type":"message"}`, string(env.Payload))
	}
}

func TestDuplicatesAppliedOnce(t *testing.T) {
	ctx := context.Background()
	rdb, keys := setup(t)

	pub := NewPublisher(rdb, keys, 0, zerolog.Nop())
	c := NewConsumer(rdb, keys, "server-a", 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, c.Declare(ctx))

	rec := &recorder{}
	runConsumer(t, c, rec.handle)

	env := Envelope{Kind: KindRecall, RecipientID: 5, MessageID: 99}
	require.NoError(t, pub.Publish(ctx, "server-a", env))
	require.NoError(t, pub.Publish(ctx, "server-a", env))
	// Same message, different recipient: a distinct delivery.
	env.RecipientID = 6
	require.NoError(t, pub.Publish(ctx, "server-a", env))

	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, rec.count())

	pending, err := rdb.XPending(ctx, StreamKey(keys, "server-a"), Group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count, "duplicates are acknowledged")
}

func TestFailedHandlerIsRetried(t *testing.T) {
	ctx := context.Background()
	rdb, keys := setup(t)

	pub := NewPublisher(rdb, keys, 0, zerolog.Nop())
	c := NewConsumer(rdb, keys, "server-a", 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, c.Declare(ctx))

	env := Envelope{Kind: KindMessage, RecipientID: 1, MessageID: 1}
	rec := &recorder{fail: map[string]int{env.IdempotencyKey(): 1}}
	runConsumer(t, c, rec.handle)

	require.NoError(t, pub.Publish(ctx, "server-a", env))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestPendingReplayAfterCrash(t *testing.T) {
	ctx := context.Background()
	rdb, keys := setup(t)

	pub := NewPublisher(rdb, keys, 0, zerolog.Nop())
	c := NewConsumer(rdb, keys, "server-a", 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, c.Declare(ctx))

	require.NoError(t, pub.Publish(ctx, "server-a", Envelope{Kind: KindMessage, RecipientID: 1, MessageID: 1}))

	// A previous run read the entry and died before acknowledging it.
	_, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: "server-a",
		Streams:  []string{StreamKey(keys, "server-a"), ">"},
		Block:    -1,
	}).Result()
	require.NoError(t, err)

	rec := &recorder{}
	runConsumer(t, c, rec.handle)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestAppliedMarkerFollowsHandler(t *testing.T) {
	ctx := context.Background()
	rdb, keys := setup(t)

	pub := NewPublisher(rdb, keys, 0, zerolog.Nop())
	c := NewConsumer(rdb, keys, "server-a", 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, c.Declare(ctx))

	env := Envelope{Kind: KindMessage, RecipientID: 1, MessageID: 9}
	applied := keys.Key(cachekey.BusApplied, "server-a", env.IdempotencyKey())

	var mu sync.Mutex
	var markedDuringHandler []int64
	attempts := 0
	runConsumer(t, c, func(ctx context.Context, _ Envelope) error {
		n, err := rdb.Exists(ctx, applied).Result()
		mu.Lock()
		defer mu.Unlock()
		markedDuringHandler = append(markedDuringHandler, n)
		attempts++
		if attempts == 1 || err != nil {
			return errors.New("recipient busy")
		}
		return nil
	})

	require.NoError(t, pub.Publish(ctx, "server-a", env))
	require.Eventually(t, func() bool {
		n, err := rdb.Exists(ctx, applied).Result()
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []int64{0, 0}, markedDuringHandler, "no marker exists while the envelope is unapplied")
}
