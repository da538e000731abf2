package membership

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/cachekey"
	"github.com/eldtechnologies/chatmesh/internal/models"
	"github.com/eldtechnologies/chatmesh/internal/moderation"
	"github.com/eldtechnologies/chatmesh/internal/store"
)

type counter struct{ n atomic.Int64 }

func (c *counter) Next() (int64, error) { return c.n.Add(1000), nil }

type fixture struct {
	svc   *Service
	store *store.SQLiteStore
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cache := moderation.New(rdb, cachekey.New("test"), zerolog.Nop())
	return &fixture{
		svc:   NewService(st, cache, &counter{}, zerolog.Nop()),
		store: st,
		mr:    mr,
	}
}

func (f *fixture) session(t *testing.T, owner int64) *models.Session {
	t.Helper()
	sess, err := f.svc.CreateSession(context.Background(), "general", owner)
	require.NoError(t, err)
	return sess
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.session(t, 1)
	assert.Equal(t, int64(1), sess.Size)

	ok, err := f.svc.CanModerate(ctx, sess.ID, 1)
	require.NoError(t, err)
	assert.True(t, ok, "owner moderates")

	_, err = f.svc.CreateSession(ctx, "   ", 1)
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument))
}

func TestConcurrentJoinsMatchSize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 1)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			assert.NoError(t, f.svc.Join(ctx, sess.ID, uid))
		}(int64(100 + i))
	}
	wg.Wait()

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	members, err := f.svc.Members(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n+1), got.Size)
	assert.Len(t, members, n+1)
}

func TestJoinPolicies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 1)

	require.NoError(t, f.svc.Join(ctx, sess.ID, 2))

	err := f.svc.Join(ctx, sess.ID, 2)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	err = f.svc.Join(ctx, 424242, 2)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	require.NoError(t, f.svc.Ban(ctx, sess.ID, 0, time.Now().Add(time.Hour)))
	err = f.svc.Join(ctx, sess.ID, 3)
	assert.True(t, apperr.Is(err, apperr.KindPermissionDenied))
}

func TestLeaveThenSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 1)
	require.NoError(t, f.svc.Join(ctx, sess.ID, 2))

	require.NoError(t, f.svc.Leave(ctx, sess.ID, 2))

	member, err := f.svc.IsMember(ctx, sess.ID, 2)
	require.NoError(t, err)
	assert.False(t, member, "leaving users are not members")

	got, _ := f.store.GetSession(ctx, sess.ID)
	assert.Equal(t, int64(2), got.Size, "size changes only at finalization")

	rels, err := f.svc.GetRelations(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.True(t, rels[0].LeavingToProcess)

	sweeper := NewSweeper(f.store, time.Hour, 1, zerolog.Nop())
	n, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ = f.store.GetSession(ctx, sess.ID)
	assert.Equal(t, int64(1), got.Size)

	err = f.svc.Leave(ctx, sess.ID, 2)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestSweeperBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 1)

	for uid := int64(2); uid <= 6; uid++ {
		require.NoError(t, f.svc.Join(ctx, sess.ID, uid))
		require.NoError(t, f.svc.Leave(ctx, sess.ID, uid))
	}

	sweeper := NewSweeper(f.store, time.Hour, 2, zerolog.Nop())
	n, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got, _ := f.store.GetSession(ctx, sess.ID)
	assert.Equal(t, int64(1), got.Size)
}

func TestSweeperRun(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := f.session(t, 1)
	require.NoError(t, f.svc.Join(ctx, sess.ID, 2))
	require.NoError(t, f.svc.Leave(ctx, sess.ID, 2))

	done := make(chan error, 1)
	go func() { done <- NewSweeper(f.store, 10*time.Millisecond, 10, zerolog.Nop()).Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.store.GetSession(context.Background(), sess.ID)
		return err == nil && got.Size == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestMuteAndLift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 1)
	require.NoError(t, f.svc.Join(ctx, sess.ID, 2))

	until := time.Now().Add(time.Minute)
	require.NoError(t, f.svc.Mute(ctx, sess.ID, 2, until))

	rel, err := f.svc.Relation(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.NotNil(t, rel.MutedUntil)
	assert.True(t, f.mr.Exists("test:mute:"+cachekey.ID(sess.ID)+":2"))

	require.NoError(t, f.svc.Mute(ctx, sess.ID, 2, time.Time{}))
	rel, _ = f.svc.Relation(ctx, sess.ID, 2)
	assert.Nil(t, rel.MutedUntil)
	assert.False(t, f.mr.Exists("test:mute:"+cachekey.ID(sess.ID)+":2"))

	err = f.svc.Mute(ctx, sess.ID, 99, until)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestServerAdminModerates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 1)

	require.NoError(t, f.store.CreateUser(ctx, &models.User{ID: 50, Name: "root", PasswordHash: "x", IsAdmin: true}))
	require.NoError(t, f.store.CreateUser(ctx, &models.User{ID: 51, Name: "bob", PasswordHash: "x"}))

	ok, err := f.svc.CanModerate(ctx, sess.ID, 50)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.CanModerate(ctx, sess.ID, 51)
	require.NoError(t, err)
	assert.False(t, ok)
}
