package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatmesh/internal/cachekey"
	"github.com/eldtechnologies/chatmesh/internal/models"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, cachekey.New("test"), zerolog.Nop()), mr
}

func TestMuteExpires(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	until := time.Now().Add(time.Minute)
	require.NoError(t, c.SetMute(ctx, 1, 2, &until))
	assert.True(t, mr.Exists("test:mute:1:2"))

	st, err := c.Check(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, st.Muted)
	assert.True(t, st.Blocked())

	other, err := c.Check(ctx, 1, 3)
	require.NoError(t, err)
	assert.False(t, other.Blocked())

	mr.FastForward(61 * time.Second)

	st, err = c.Check(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, st.Muted)
}

func TestSessionWideEntries(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	until := time.Now().Add(time.Hour)
	require.NoError(t, c.SetBan(ctx, 5, 0, &until))
	assert.True(t, mr.Exists("test:ban:5:all"))

	st, err := c.Check(ctx, 5, 42)
	require.NoError(t, err)
	assert.True(t, st.Banned)
	assert.False(t, st.Muted)
}

func TestPastDeadlineClears(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	until := time.Now().Add(time.Hour)
	require.NoError(t, c.SetServerBan(ctx, 9, &until))
	assert.True(t, mr.Exists("test:server_ban:9"))

	past := time.Now().Add(-time.Second)
	require.NoError(t, c.SetServerBan(ctx, 9, &past))
	assert.False(t, mr.Exists("test:server_ban:9"))

	require.NoError(t, c.SetServerBan(ctx, 9, &until))
	require.NoError(t, c.SetServerBan(ctx, 9, nil))
	banned, err := c.ServerBanned(ctx, 9)
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)
	rel := &models.SessionRelation{SessionID: 3, UserID: 4, MutedUntil: &future, BannedUntil: &past}
	sess := &models.Session{ID: 3, BannedUntil: &future}

	c.Restore(ctx, rel, sess)

	assert.True(t, mr.Exists("test:mute:3:4"))
	assert.False(t, mr.Exists("test:ban:3:4"))
	assert.True(t, mr.Exists("test:ban:3:all"))
	assert.False(t, mr.Exists("test:mute:3:all"))
}

func TestFailedLogins(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	for i := int64(1); i <= 3; i++ {
		n, err := c.RegisterFailedLogin(ctx, 7, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	n, err := c.FailedLogins(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	mr.FastForward(2 * time.Minute)
	n, err = c.FailedLogins(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = c.RegisterFailedLogin(ctx, 7, time.Minute)
	require.NoError(t, err)
	c.ClearFailedLogins(ctx, 7)
	n, _ = c.FailedLogins(ctx, 7)
	assert.Zero(t, n)
}

func TestAllowSend(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	for i := 0; i < 3; i++ {
		ok, err := c.AllowSend(ctx, 1, 3, 10*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := c.AllowSend(ctx, 1, 3, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(11 * time.Second)
	ok, err = c.AllowSend(ctx, 1, 3, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AllowSend(ctx, 2, 0, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "zero limit disables the check")
}

func TestUnavailableCacheIsTransient(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	_, err := c.Check(context.Background(), 1, 1)
	assert.Error(t, err)
}
