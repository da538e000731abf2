package actor

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/eldtechnologies/chatmesh/internal/auth"
	"github.com/eldtechnologies/chatmesh/internal/bus"
	"github.com/eldtechnologies/chatmesh/internal/cachekey"
	"github.com/eldtechnologies/chatmesh/internal/config"
	"github.com/eldtechnologies/chatmesh/internal/delivery"
	"github.com/eldtechnologies/chatmesh/internal/directory"
	"github.com/eldtechnologies/chatmesh/internal/membership"
	"github.com/eldtechnologies/chatmesh/internal/models"
	"github.com/eldtechnologies/chatmesh/internal/moderation"
	"github.com/eldtechnologies/chatmesh/internal/snowflake"
	"github.com/eldtechnologies/chatmesh/internal/store"
)

// fakeTransport is an in-memory Transport. Frames sent by the test are read
// by the actor; frames written by the actor are collected.
type fakeTransport struct {
	in      chan []byte
	out     chan []byte
	stalled atomic.Bool // writes block until the transport closes
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	closes  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	if t.stalled.Load() {
		<-t.closed
		return io.ErrClosedPipe
	}
	select {
	case t.out <- append([]byte(nil), data...):
		return nil
	case <-t.closed:
		return io.ErrClosedPipe
	}
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closes++
	t.mu.Unlock()
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// hangup simulates the client going away.
func (t *fakeTransport) hangup() {
	t.once.Do(func() { close(t.closed) })
}

func (t *fakeTransport) send(tb testing.TB, id, typ string, data any) {
	tb.Helper()
	raw, err := json.Marshal(data)
	require.NoError(tb, err)
	frame, err := json.Marshal(Request{ID: id, Type: typ, Data: raw})
	require.NoError(tb, err)
	t.in <- frame
}

type frame struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *ReplyError     `json:"error"`
}

// next returns the next written frame.
func (t *fakeTransport) next(tb testing.TB) frame {
	tb.Helper()
	select {
	case data := <-t.out:
		var f frame
		require.NoError(tb, json.Unmarshal(data, &f))
		return f
	case <-time.After(2 * time.Second):
		tb.Fatal("no frame written")
	}
	return frame{}
}

// reply returns the next reply frame with the given request ID, skipping
// pushes.
func (t *fakeTransport) reply(tb testing.TB, id string) frame {
	tb.Helper()
	for {
		f := t.next(tb)
		if f.Type == FrameReply && f.ID == id {
			return f
		}
	}
}

type stack struct {
	deps  *Deps
	st    store.DataStore
	mr    *miniredis.Miniredis
	dir   *directory.Directory
	auth  *auth.Service
	ids   *snowflake.Generator
	hub   *Hub
	users map[string]int64
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "actor.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ids, err := snowflake.New(3)
	require.NoError(t, err)

	keys := cachekey.New("test")
	cache := moderation.New(rdb, keys, zerolog.Nop())
	runtime := config.NewRuntime(config.Flags{RecallWindow: time.Minute})
	members := membership.NewService(st, cache, ids, zerolog.Nop())
	dir := directory.New(rdb, keys, time.Minute, zerolog.Nop())
	hub := NewHub()
	authSvc := auth.NewService(st, rdb, keys, cache, ids, runtime, auth.LogNotifier{Logger: zerolog.Nop()}, auth.Options{}, zerolog.Nop())
	svc := delivery.New(delivery.Config{
		ServerID:   "server-1",
		Store:      st,
		Members:    members,
		Moderation: cache,
		IDs:        ids,
		Router:     dir,
		Bus:        bus.NewPublisher(rdb, keys, 1, zerolog.Nop()),
		Hub:        hub,
		Runtime:    runtime,
		Logger:     zerolog.Nop(),
	})

	s := &stack{
		deps: &Deps{
			ServerID:          "server-1",
			Auth:              authSvc,
			Delivery:          svc,
			Members:           members,
			Directory:         dir,
			Hub:               hub,
			HeartbeatInterval: time.Hour,
			Logger:            zerolog.Nop(),
		},
		st:    st,
		mr:    mr,
		dir:   dir,
		auth:  authSvc,
		ids:   ids,
		hub:   hub,
		users: map[string]int64{},
	}
	for _, name := range []string{"alice", "bob"} {
		u, err := authSvc.Register(ctx, name, "", "correct horse")
		require.NoError(t, err)
		s.users[name] = u.ID
	}
	return s
}

// start runs a new actor and returns its transport and Run's result channel.
func (s *stack) start(t *testing.T) (*Actor, *fakeTransport, <-chan error) {
	t.Helper()
	tr := newFakeTransport()
	a := New(s.deps, tr)
	errc := make(chan error, 1)
	go func() { errc <- a.Run(context.Background()) }()
	t.Cleanup(a.Close)
	return a, tr, errc
}

func (s *stack) login(t *testing.T, tr *fakeTransport, name string) {
	t.Helper()
	tr.send(t, "login-"+name, ReqLogin, LoginData{Name: name, Password: "correct horse"})
	r := tr.reply(t, "login-"+name)
	require.True(t, r.OK, "login failed: %+v", r.Error)
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	s := newStack(t)
	a, tr, _ := s.start(t)

	tr.send(t, "1", ReqSend, SendData{SessionID: 1})
	r := tr.reply(t, "1")
	assert.False(t, r.OK)
	require.NotNil(t, r.Error)
	assert.Equal(t, "permission_denied", r.Error.Code)
	assert.Equal(t, StateUnauthenticated, a.State())

	tr.send(t, "2", ReqPing, nil)
	assert.True(t, tr.reply(t, "2").OK)

	s.login(t, tr, "alice")
	assert.Equal(t, StateAuthenticated, a.State())
	assert.Equal(t, s.users["alice"], a.UserID())
}

func TestLoginRegistersAndCleanupUnregisters(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	a, tr, errc := s.start(t)
	s.login(t, tr, "alice")

	server, ok, err := s.dir.Lookup(ctx, s.users["alice"])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "server-1", server)
	assert.Equal(t, 1, s.hub.Count())

	t.Run("second login conflicts", func(t *testing.T) {
		tr.send(t, "again", ReqLogin, LoginData{Name: "alice", Password: "correct horse"})
		r := tr.reply(t, "again")
		require.NotNil(t, r.Error)
		assert.Equal(t, "conflict", r.Error.Code)
	})

	tr.hangup()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not stop")
	}

	<-a.Done()
	assert.Equal(t, StateClosing, a.State())
	assert.Zero(t, s.hub.Count())
	_, ok, err = s.dir.Lookup(ctx, s.users["alice"])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupRunsOnce(t *testing.T) {
	s := newStack(t)
	a, tr, errc := s.start(t)
	s.login(t, tr, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Close()
		}()
	}
	tr.hangup()
	wg.Wait()

	<-errc
	<-a.Done()
	assert.Equal(t, 1, tr.closeCount())
	assert.Zero(t, s.hub.Count())
}

func TestCloseBeforeRun(t *testing.T) {
	s := newStack(t)
	tr := newFakeTransport()
	a := New(s.deps, tr)
	a.Close()
	a.Close()

	<-a.Done()
	assert.Equal(t, 1, tr.closeCount())
	assert.Error(t, a.Run(context.Background()), "a closed actor cannot run")
}

func TestShutdownUnregisters(t *testing.T) {
	s := newStack(t)
	tr := newFakeTransport()
	a := New(s.deps, tr)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	s.login(t, tr, "alice")
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("actor ignored shutdown")
	}
	_, ok, err := s.dir.Lookup(context.Background(), s.users["alice"])
	require.NoError(t, err)
	assert.False(t, ok, "no stale directory entry after shutdown")
}

func TestProtocolErrorClosesConnection(t *testing.T) {
	s := newStack(t)
	_, tr, errc := s.start(t)

	tr.in <- []byte("{not json")
	r := tr.next(t)
	require.NotNil(t, r.Error)
	assert.Equal(t, "invalid_argument", r.Error.Code)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrProtocol)
	case <-time.After(2 * time.Second):
		t.Fatal("actor kept running after a malformed frame")
	}
}

func TestUnknownRequestKeepsConnection(t *testing.T) {
	s := newStack(t)
	a, tr, _ := s.start(t)
	s.login(t, tr, "alice")

	tr.send(t, "x", "teleport", nil)
	r := tr.reply(t, "x")
	require.NotNil(t, r.Error)
	assert.Equal(t, "invalid_argument", r.Error.Code)
	assert.Equal(t, StateAuthenticated, a.State())
}

func TestChatBetweenActors(t *testing.T) {
	s := newStack(t)
	_, alice, _ := s.start(t)
	_, bob, _ := s.start(t)
	s.login(t, alice, "alice")
	s.login(t, bob, "bob")

	alice.send(t, "c", ReqCreateSession, CreateSessionData{Name: "lobby"})
	r := alice.reply(t, "c")
	require.True(t, r.OK)
	var sess struct {
		ID int64 `json:"id,string"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &sess))

	bob.send(t, "j", ReqJoin, SessionData{SessionID: sess.ID})
	require.True(t, bob.reply(t, "j").OK)

	alice.send(t, "s", ReqSend, SendData{
		SessionID: sess.ID,
		Bundle:    models.Bundle{{Type: models.UnitText, Text: "hi bob"}},
	})
	sent := alice.reply(t, "s")
	require.True(t, sent.OK, "%+v", sent.Error)
	var res SendResult
	require.NoError(t, json.Unmarshal(sent.Data, &res))

	push := bob.next(t)
	assert.Equal(t, delivery.PushMessage, push.Type)
	assert.Contains(t, string(push.Data), "hi bob")

	t.Run("fetch", func(t *testing.T) {
		bob.send(t, "f", ReqFetch, FetchData{SessionID: sess.ID, Limit: 10})
		r := bob.reply(t, "f")
		require.True(t, r.OK)
		var fr FetchResult
		require.NoError(t, json.Unmarshal(r.Data, &fr))
		require.Len(t, fr.Messages, 1)
		assert.Equal(t, res.MessageID, fr.Messages[0].MessageID)
		assert.False(t, fr.More)

		bob.send(t, "f2", ReqFetch, FetchData{SessionID: sess.ID, After: res.MessageID})
		r = bob.reply(t, "f2")
		require.True(t, r.OK)
		fr = FetchResult{}
		require.NoError(t, json.Unmarshal(r.Data, &fr))
		assert.Empty(t, fr.Messages, "after skips the message already received")
	})

	t.Run("recall", func(t *testing.T) {
		alice.send(t, "r", ReqRecall, RecallData{MessageID: res.MessageID})
		require.True(t, alice.reply(t, "r").OK)
		assert.Equal(t, delivery.PushRecall, bob.next(t).Type)
	})

	t.Run("moderation needs rights", func(t *testing.T) {
		bob.send(t, "m", ReqMute, ModerateData{SessionID: sess.ID, UserID: s.users["alice"], Until: time.Now().Add(time.Minute)})
		r := bob.reply(t, "m")
		require.NotNil(t, r.Error)
		assert.Equal(t, "permission_denied", r.Error.Code)

		alice.send(t, "m2", ReqMute, ModerateData{SessionID: sess.ID, UserID: s.users["bob"], Until: time.Now().Add(time.Minute)})
		require.True(t, alice.reply(t, "m2").OK)

		bob.send(t, "s2", ReqSend, SendData{SessionID: sess.ID, Bundle: models.Bundle{{Type: models.UnitText, Text: "hey"}}})
		r = bob.reply(t, "s2")
		require.NotNil(t, r.Error)
		assert.Equal(t, "permission_denied", r.Error.Code)
	})

	t.Run("relations", func(t *testing.T) {
		bob.send(t, "rel", ReqRelations, nil)
		r := bob.reply(t, "rel")
		require.True(t, r.OK)
		assert.Contains(t, string(r.Data), itoa(sess.ID))
	})
}

func TestOrderingGuard(t *testing.T) {
	s := newStack(t)
	a, tr, _ := s.start(t)
	s.login(t, tr, "alice")

	push := func(sessionID, messageID int64) delivery.Push {
		p, err := delivery.NewPush(delivery.PushMessage, sessionID, messageID, map[string]string{"n": itoa(messageID)})
		require.NoError(t, err)
		return p
	}

	require.True(t, a.enqueuePush(push(7, 20)))
	require.True(t, a.enqueuePush(push(7, 10)))
	require.True(t, a.enqueuePush(push(7, 20)))
	require.True(t, a.enqueuePush(push(8, 5)))

	f := tr.next(t)
	assert.Equal(t, delivery.PushMessage, f.Type)
	assert.Contains(t, string(f.Data), `"20"`)

	f = tr.next(t)
	assert.Equal(t, delivery.PushResync, f.Type, "an older ID is replaced by a resync")
	assert.Contains(t, string(f.Data), `"7"`)

	f = tr.next(t)
	assert.Equal(t, delivery.PushMessage, f.Type, "the duplicate is dropped")
	assert.Contains(t, string(f.Data), `"5"`)
}

func TestSlowConsumerIsClosed(t *testing.T) {
	defer func(d time.Duration) { writeWait = d }(writeWait)
	writeWait = 50 * time.Millisecond

	s := newStack(t)
	s.deps.OutboundBuffer = 2
	tr := newFakeTransport()
	a := New(s.deps, tr)
	errc := make(chan error, 1)
	go func() { errc <- a.Run(context.Background()) }()
	s.login(t, tr, "alice")

	// Stall the writer, then overflow the buffer.
	tr.stalled.Store(true)
	p, err := delivery.NewPush(delivery.PushAnnouncement, 0, 1, "x")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		s.hub.Deliver(s.users["alice"], p)
	}

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrSlowConsumer)
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer was not closed")
	}
	assert.Zero(t, s.hub.Count())
}

func TestHeartbeatReclaimsLostLease(t *testing.T) {
	s := newStack(t)
	s.deps.HeartbeatInterval = 20 * time.Millisecond
	_, tr, _ := s.start(t)
	s.login(t, tr, "alice")

	uid := s.users["alice"]
	s.mr.Del(cachekey.New("test").UserServerKey(uid))

	require.Eventually(t, func() bool {
		_, ok, err := s.dir.Lookup(context.Background(), uid)
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatLeavesOtherServerEntry(t *testing.T) {
	s := newStack(t)
	s.deps.HeartbeatInterval = 20 * time.Millisecond
	_, tr, _ := s.start(t)
	s.login(t, tr, "alice")

	uid := s.users["alice"]
	ctx := context.Background()
	require.NoError(t, s.dir.Register(ctx, uid, "server-elsewhere", 0))

	time.Sleep(100 * time.Millisecond) // several heartbeat intervals
	server, ok, err := s.dir.Lookup(ctx, uid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "server-elsewhere", server)
}

func TestMultiDeviceKeepsLease(t *testing.T) {
	s := newStack(t)
	phone, trPhone, _ := s.start(t)
	_, trLaptop, _ := s.start(t)
	s.login(t, trPhone, "alice")
	s.login(t, trLaptop, "alice")
	assert.Equal(t, 2, s.hub.Count())

	phone.Close()
	<-phone.Done()

	assert.True(t, s.hub.Online(s.users["alice"]))
	_, ok, err := s.dir.Lookup(context.Background(), s.users["alice"])
	require.NoError(t, err)
	assert.True(t, ok, "the remaining device keeps the user routable")
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
