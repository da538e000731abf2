package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/cachekey"
	"github.com/eldtechnologies/chatmesh/internal/config"
	"github.com/eldtechnologies/chatmesh/internal/crypto"
	"github.com/eldtechnologies/chatmesh/internal/models"
	"github.com/eldtechnologies/chatmesh/internal/moderation"
	"github.com/eldtechnologies/chatmesh/internal/store"
)

type counter struct {
	mu sync.Mutex
	n  int64
}

func (c *counter) Next() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return 1000 + c.n, nil
}

// captureNotifier keeps the last code sent to each user.
type captureNotifier struct {
	mu    sync.Mutex
	codes map[int64]string
	fail  bool
}

func (n *captureNotifier) SendVerification(_ context.Context, user *models.User, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("smtp down")
	}
	n.codes[user.ID] = code
	return nil
}

type fixture struct {
	svc      *Service
	st       store.DataStore
	mr       *miniredis.Miniredis
	cache    *moderation.Cache
	runtime  *config.Runtime
	notifier *captureNotifier
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	keys := cachekey.New("test")
	cache := moderation.New(rdb, keys, zerolog.Nop())
	runtime := config.NewRuntime(config.Flags{})
	notifier := &captureNotifier{codes: map[int64]string{}}

	return &fixture{
		svc:      NewService(st, rdb, keys, cache, &counter{}, runtime, notifier, opts, zerolog.Nop()),
		st:       st,
		mr:       mr,
		cache:    cache,
		runtime:  runtime,
		notifier: notifier,
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	user, err := f.svc.Register(ctx, "alice", "alice@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), user.ID)
	assert.False(t, user.Verified)
	assert.NotEqual(t, "correct horse", user.PasswordHash)
	assert.Len(t, f.notifier.codes[user.ID], 6)
	assert.True(t, f.mr.Exists("test:verify:1001"))

	t.Run("duplicate name", func(t *testing.T) {
		_, err := f.svc.Register(ctx, "alice", "", "another pass")
		assert.True(t, apperr.Is(err, apperr.KindConflict))
	})

	tests := []struct {
		name, user, email, password string
	}{
		{"short name", "al", "", "long enough"},
		{"bad characters", "al ice", "", "long enough"},
		{"bad email", "bob", "not-an-email", "long enough"},
		{"short password", "bob", "", "short"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(ctx, tt.user, tt.email, tt.password)
			assert.True(t, apperr.Is(err, apperr.KindInvalidArgument))
		})
	}

	t.Run("notifier failure keeps the account", func(t *testing.T) {
		f.notifier.fail = true
		defer func() { f.notifier.fail = false }()
		u, err := f.svc.Register(ctx, "carol", "", "long enough")
		require.NoError(t, err)
		got, err := f.st.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.NotNil(t, got)
	})
}

func TestVerify(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	user, err := f.svc.Register(ctx, "alice", "", "correct horse")
	require.NoError(t, err)

	err = f.svc.Verify(ctx, user.ID, "not-it")
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument))

	require.NoError(t, f.svc.Verify(ctx, user.ID, f.notifier.codes[user.ID]))
	got, err := f.st.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.Verified)

	err = f.svc.Verify(ctx, user.ID, f.notifier.codes[user.ID])
	assert.True(t, apperr.Is(err, apperr.KindExpired), "codes are single use")

	err = f.svc.ResendVerification(ctx, user.ID)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestVerificationCodeExpires(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	user, err := f.svc.Register(ctx, "alice", "", "correct horse")
	require.NoError(t, err)

	f.mr.FastForward(VerificationTTL + time.Second)
	err = f.svc.Verify(ctx, user.ID, f.notifier.codes[user.ID])
	assert.True(t, apperr.Is(err, apperr.KindExpired))

	require.NoError(t, f.svc.ResendVerification(ctx, user.ID))
	require.NoError(t, f.svc.Verify(ctx, user.ID, f.notifier.codes[user.ID]))
}

func TestLoginAndResolve(t *testing.T) {
	f := newFixture(t, Options{TokenTTL: time.Hour})
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "alice", "", "correct horse")
	require.NoError(t, err)

	user, token, err := f.svc.Login(ctx, "alice", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Name)
	assert.Len(t, token, 64)

	uid, err := f.svc.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, uid)

	t.Run("token expiry", func(t *testing.T) {
		_, token, err := f.svc.Login(ctx, "alice", "correct horse")
		require.NoError(t, err)
		f.mr.FastForward(time.Hour + time.Second)
		_, err = f.svc.Resolve(ctx, token)
		assert.True(t, apperr.Is(err, apperr.KindPermissionDenied))
	})

	t.Run("logout", func(t *testing.T) {
		_, token, err := f.svc.Login(ctx, "alice", "correct horse")
		require.NoError(t, err)
		require.NoError(t, f.svc.Logout(ctx, token))
		_, err = f.svc.Resolve(ctx, token)
		assert.True(t, apperr.Is(err, apperr.KindPermissionDenied))
	})

	t.Run("unknown name and wrong password look alike", func(t *testing.T) {
		_, _, err1 := f.svc.Login(ctx, "nobody", "correct horse")
		_, _, err2 := f.svc.Login(ctx, "alice", "wrong horse")
		require.Error(t, err1)
		require.Error(t, err2)
		assert.Equal(t, err1.Error(), err2.Error())
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := f.svc.Resolve(ctx, "")
		assert.True(t, apperr.Is(err, apperr.KindPermissionDenied))
	})
}

func TestLoginLockout(t *testing.T) {
	f := newFixture(t, Options{FailedLoginLimit: 3, FailedLoginWindow: time.Minute})
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "alice", "", "correct horse")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := f.svc.Login(ctx, "alice", "wrong")
		require.Error(t, err)
	}

	_, _, err = f.svc.Login(ctx, "alice", "correct horse")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many failed logins")

	f.mr.FastForward(time.Minute + time.Second)
	_, _, err = f.svc.Login(ctx, "alice", "correct horse")
	require.NoError(t, err)
}

func TestLoginSuccessClearsFailures(t *testing.T) {
	f := newFixture(t, Options{FailedLoginLimit: 3, FailedLoginWindow: time.Minute})
	ctx := context.Background()

	user, err := f.svc.Register(ctx, "alice", "", "correct horse")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, err := f.svc.Login(ctx, "alice", "wrong")
		require.Error(t, err)
	}
	_, _, err = f.svc.Login(ctx, "alice", "correct horse")
	require.NoError(t, err)

	n, err := f.cache.FailedLogins(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoginPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("server ban", func(t *testing.T) {
		f := newFixture(t, Options{})
		user, err := f.svc.Register(ctx, "alice", "", "correct horse")
		require.NoError(t, err)
		until := time.Now().Add(time.Hour)
		require.NoError(t, f.cache.SetServerBan(ctx, user.ID, &until))

		_, _, err = f.svc.Login(ctx, "alice", "correct horse")
		assert.True(t, apperr.Is(err, apperr.KindPermissionDenied))
	})

	t.Run("maintenance admits admins only", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, err := f.svc.Register(ctx, "alice", "", "correct horse")
		require.NoError(t, err)
		f.runtime.Update(func(fl *config.Flags) { fl.MaintenanceMode = true })

		_, _, err = f.svc.Login(ctx, "alice", "correct horse")
		assert.True(t, apperr.Is(err, apperr.KindPermissionDenied))

		hash, err := f.svc.store.GetUserByName(ctx, "alice")
		require.NoError(t, err)
		require.NoError(t, f.st.CreateUser(ctx, &models.User{ID: 9, Name: "root", PasswordHash: hash.PasswordHash, IsAdmin: true}))
		_, _, err = f.svc.Login(ctx, "root", "correct horse")
		assert.NoError(t, err)
	})

	t.Run("verification required", func(t *testing.T) {
		f := newFixture(t, Options{RequireVerification: true})
		user, err := f.svc.Register(ctx, "alice", "", "correct horse")
		require.NoError(t, err)

		_, _, err = f.svc.Login(ctx, "alice", "correct horse")
		assert.True(t, apperr.Is(err, apperr.KindPermissionDenied))

		require.NoError(t, f.svc.Verify(ctx, user.ID, f.notifier.codes[user.ID]))
		_, _, err = f.svc.Login(ctx, "alice", "correct horse")
		assert.NoError(t, err)
	})
}

func TestPublishKey(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	alice, err := f.svc.Register(ctx, "alice", "", "correct horse")
	require.NoError(t, err)
	bob, err := f.svc.Register(ctx, "bob", "", "correct horse")
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubB64 := base64.StdEncoding.EncodeToString(pub)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, crypto.KeyProofPayload(alice.ID, pubB64)))

	// A proof made for alice cannot publish the key for bob.
	err = f.svc.PublishKey(ctx, bob.ID, pubB64, sig)
	assert.True(t, apperr.Is(err, apperr.KindInvalidArgument))

	require.NoError(t, f.svc.PublishKey(ctx, alice.ID, pubB64, sig))

	p, err := f.svc.Profile(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Name)
	assert.Equal(t, pubB64, p.PublicKey)

	p, err = f.svc.Profile(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, p.PublicKey)

	_, err = f.svc.Profile(ctx, 9999)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
