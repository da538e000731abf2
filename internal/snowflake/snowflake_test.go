package snowflake

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
)

// fakeClock is a manually advanced clock; sleeping advances it.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newFakeGenerator(t *testing.T, machine int64) (*Generator, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: Epoch.Add(time.Hour)}
	g, err := New(machine, WithClock(clock.Now), WithSleep(clock.Sleep))
	require.NoError(t, err)
	return g, clock
}

func TestNewRejectsBadMachineID(t *testing.T) {
	_, err := New(-1)
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument))

	_, err = New(MaxMachineID + 1)
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument))
}

func TestNextMonotonic(t *testing.T) {
	g, err := New(3)
	require.NoError(t, err)

	prev := int64(-1)
	for i := 0; i < 10000; i++ {
		id, err := g.Next()
		require.NoError(t, err)
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestNextConcurrentUnique(t *testing.T) {
	g, err := New(1)
	require.NoError(t, err)

	const workers = 8
	const perWorker = 2000

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				id, err := g.Next()
				if err != nil {
					t.Error(err)
					return
				}
				local = append(local, id)
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestSequenceExhaustionWaitsForNextMillisecond(t *testing.T) {
	g, clock := newFakeGenerator(t, 5)
	start := clock.Now()

	var last int64
	for i := 0; i <= maxSequence; i++ {
		id, err := g.Next()
		require.NoError(t, err)
		last = id
	}
	assert.Equal(t, start, clock.Now(), "4096 ids fit in one millisecond")

	id, err := g.Next()
	require.NoError(t, err)
	assert.Greater(t, id, last)
	assert.Equal(t, start.Add(time.Millisecond), clock.Now())
	assert.Equal(t, int64(0), Decompose(id).Sequence)
}

func TestClockRegression(t *testing.T) {
	t.Run("small regression waits", func(t *testing.T) {
		g, clock := newFakeGenerator(t, 2)
		first, err := g.Next()
		require.NoError(t, err)

		clock.Set(clock.Now().Add(-2 * time.Millisecond))
		second, err := g.Next()
		require.NoError(t, err)
		assert.Greater(t, second, first)
	})

	t.Run("large regression fails fast", func(t *testing.T) {
		g, clock := newFakeGenerator(t, 2)
		_, err := g.Next()
		require.NoError(t, err)

		clock.Set(clock.Now().Add(-time.Second))
		_, err = g.Next()
		assert.True(t, apperr.Is(err, apperr.KindClockRegression))

		clock.Set(clock.Now().Add(2 * time.Second))
		_, err = g.Next()
		assert.NoError(t, err, "allocator recovers once the clock catches up")
	})
}

func TestDecompose(t *testing.T) {
	g, clock := newFakeGenerator(t, 77)
	id, err := g.Next()
	require.NoError(t, err)

	parts := Decompose(id)
	assert.Equal(t, int64(77), parts.MachineID)
	assert.Equal(t, int64(0), parts.Sequence)
	assert.True(t, parts.Time.Equal(clock.Now().Truncate(time.Millisecond)))
}
