// Package actor runs one client connection: a state machine that turns
// client frames into service calls and writes replies and pushes back.
//
// Each actor owns three goroutines. The reader parses nothing; it only
// moves frames from the transport to the inbound channel. The loop (the
// goroutine calling Run) handles requests one at a time and runs the
// directory heartbeat. The writer drains the outbound channel, which is fed
// by replies and by local delivery through the Hub.
package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/auth"
	"github.com/eldtechnologies/chatmesh/internal/delivery"
	"github.com/eldtechnologies/chatmesh/internal/membership"
	"github.com/eldtechnologies/chatmesh/internal/metrics"
	"github.com/eldtechnologies/chatmesh/internal/models"
)

// State of an actor. Transitions only move forward.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	ErrClosed       = errors.New("actor closed")
	ErrShutdown     = errors.New("server shutting down")
	ErrSlowConsumer = errors.New("outbound buffer full")
	ErrProtocol     = errors.New("malformed frame")
)

const (
	defaultOutbound  = 256
	defaultFetch     = 200
	maxFetch         = 1000
	requestTimeout   = 15 * time.Second
	unregisterWithin = 5 * time.Second
)

// Registry is the routing directory as seen by an actor.
// *directory.Directory implements it.
type Registry interface {
	Register(ctx context.Context, userID int64, serverID string, ttl time.Duration) error
	Heartbeat(ctx context.Context, userID int64, serverID string) (bool, error)
	Claim(ctx context.Context, userID int64, serverID string) (bool, error)
	Unregister(ctx context.Context, userID int64, serverID string) error
}

// Deps are the collaborators shared by every actor on a server.
type Deps struct {
	ServerID          string
	Auth              *auth.Service
	Delivery          *delivery.Service
	Members           *membership.Service
	Directory         Registry
	Hub               *Hub
	HeartbeatInterval time.Duration
	OutboundBuffer    int
	Logger            zerolog.Logger
}

type outFrame struct {
	push *delivery.Push
	data []byte
}

// Actor serves one connection.
type Actor struct {
	id        string
	deps      *Deps
	transport Transport

	state   atomic.Int32
	userID  atomic.Int64
	running atomic.Bool

	inbound  chan []byte
	outbound chan outFrame
	outMu    sync.RWMutex // guards outClosed against concurrent enqueue
	// outClosed is set once outbound is closed.
	outClosed bool

	// highWater is the largest message ID written per session. Only the
	// writer goroutine touches it.
	highWater map[int64]int64

	ctx         context.Context
	cancel      context.CancelCauseFunc
	cleanupOnce sync.Once
	writerDone  chan struct{}
	done        chan struct{}
	logger      zerolog.Logger
}

// New creates an actor for transport. Nothing is read until Run.
func New(deps *Deps, transport Transport) *Actor {
	size := deps.OutboundBuffer
	if size <= 0 {
		size = defaultOutbound
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	id := ulid.Make().String()

	metrics.ActiveConnections.Inc()
	return &Actor{
		id:         id,
		deps:       deps,
		transport:  transport,
		inbound:    make(chan []byte),
		outbound:   make(chan outFrame, size),
		highWater:  make(map[int64]int64),
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
		logger:     deps.Logger.With().Str("component", "actor").Str("conn_id", id).Logger(),
	}
}

// ID returns the connection ID.
func (a *Actor) ID() string { return a.id }

// State returns the current state.
func (a *Actor) State() State { return State(a.state.Load()) }

// UserID returns the authenticated user, or 0.
func (a *Actor) UserID() int64 { return a.userID.Load() }

// Done is closed after cleanup has run.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Run serves the connection until the client goes away, a protocol or
// write error occurs, Close is called, or ctx is cancelled. Cleanup has run
// when Run returns. The returned error is the cause of termination.
func (a *Actor) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("actor already running")
	}
	stop := context.AfterFunc(ctx, func() { a.cancel(ErrShutdown) })
	defer stop()
	defer a.cleanup()

	go a.readLoop()
	go a.writeLoop()

	interval := a.deps.HeartbeatInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	a.logger.Debug().Msg("connection opened")
	for {
		select {
		case <-a.ctx.Done():
			return context.Cause(a.ctx)
		case raw := <-a.inbound:
			a.handle(raw)
		case <-heartbeat.C:
			a.heartbeat()
		}
	}
}

// Close terminates the actor. It is safe to call any number of times from
// any goroutine.
func (a *Actor) Close() {
	a.cancel(ErrClosed)
	if !a.running.Load() {
		a.cleanup()
	}
}

func (a *Actor) readLoop() {
	for {
		data, err := a.transport.ReadMessage(a.ctx)
		if err != nil {
			a.cancel(fmt.Errorf("read: %w", err))
			return
		}
		select {
		case a.inbound <- data:
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Actor) writeLoop() {
	defer close(a.writerDone)

	var ping <-chan time.Time
	p, canPing := a.transport.(pinger)
	if canPing {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case f, ok := <-a.outbound:
			if !ok {
				return
			}
			data := a.render(f)
			if data == nil {
				continue
			}
			if err := a.transport.WriteMessage(data); err != nil {
				a.cancel(fmt.Errorf("write: %w", err))
				return
			}
		case <-ping:
			if err := p.Ping(); err != nil {
				a.cancel(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

// render applies the per-session ordering guard. A message push at or
// below the session's high-water mark is never written: a duplicate is
// dropped and an older message is replaced by a resync frame so the client
// fetches the gap.
func (a *Actor) render(f outFrame) []byte {
	if f.push == nil {
		return f.data
	}
	p := f.push
	if p.Type != delivery.PushMessage || p.SessionID == 0 {
		return p.Body
	}

	mark := a.highWater[p.SessionID]
	switch {
	case p.MessageID == mark:
		return nil
	case p.MessageID < mark:
		resync, err := delivery.NewPush(delivery.PushResync, p.SessionID, 0, delivery.ResyncNotice{SessionID: p.SessionID})
		if err != nil {
			return nil
		}
		a.logger.Debug().
			Int64("session_id", p.SessionID).
			Int64("message_id", p.MessageID).
			Int64("high_water", mark).
			Msg("out-of-order push replaced by resync")
		return resync.Body
	}
	a.highWater[p.SessionID] = p.MessageID
	return p.Body
}

// enqueuePush is called by the Hub from delivery goroutines.
func (a *Actor) enqueuePush(p delivery.Push) bool {
	if a.State() != StateAuthenticated {
		return false
	}
	return a.enqueue(outFrame{push: &p})
}

func (a *Actor) enqueue(f outFrame) bool {
	a.outMu.RLock()
	defer a.outMu.RUnlock()
	if a.outClosed {
		return false
	}
	select {
	case a.outbound <- f:
		return true
	default:
		a.cancel(ErrSlowConsumer)
		return false
	}
}

func (a *Actor) reply(r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		a.logger.Error().Err(err).Str("request_id", r.ID).Msg("encode reply")
		return
	}
	a.enqueue(outFrame{data: data})
}

// heartbeat keeps the directory lease alive. A lost lease is taken back
// only when no other server holds the user; another device logged in
// elsewhere keeps the entry.
func (a *Actor) heartbeat() {
	if a.State() != StateAuthenticated {
		return
	}
	ctx, cancel := context.WithTimeout(a.ctx, requestTimeout)
	defer cancel()

	userID := a.UserID()
	owned, err := a.deps.Directory.Heartbeat(ctx, userID, a.deps.ServerID)
	if err != nil {
		a.logger.Warn().Err(err).Int64("user_id", userID).Msg("heartbeat failed")
		return
	}
	if owned {
		return
	}
	claimed, err := a.deps.Directory.Claim(ctx, userID, a.deps.ServerID)
	if err != nil {
		a.logger.Warn().Err(err).Int64("user_id", userID).Msg("re-register failed")
		return
	}
	if claimed {
		a.logger.Warn().Int64("user_id", userID).Msg("directory lease lost, re-registered")
		return
	}
	a.logger.Debug().Int64("user_id", userID).Msg("user is routed to another server")
}

// authenticate moves the actor into StateAuthenticated and makes the user
// reachable here.
func (a *Actor) authenticate(ctx context.Context, user *models.User) {
	a.userID.Store(user.ID)
	a.state.Store(int32(StateAuthenticated))
	a.deps.Hub.Attach(user.ID, a)
	if err := a.deps.Directory.Register(ctx, user.ID, a.deps.ServerID, 0); err != nil {
		// Local pushes still work; remote senders fall back to fetch.
		a.logger.Warn().Err(err).Int64("user_id", user.ID).Msg("directory register failed")
	}
	a.logger.Info().Int64("user_id", user.ID).Msg("connection authenticated")
}

// cleanup runs exactly once, whichever exit path gets here first.
func (a *Actor) cleanup() {
	a.cleanupOnce.Do(func() {
		prev := State(a.state.Swap(int32(StateClosing)))
		a.cancel(ErrClosed)

		if prev == StateAuthenticated {
			userID := a.UserID()
			if !a.deps.Hub.Detach(userID, a) {
				ctx, cancel := context.WithTimeout(context.Background(), unregisterWithin)
				if err := a.deps.Directory.Unregister(ctx, userID, a.deps.ServerID); err != nil {
					a.logger.Warn().Err(err).Int64("user_id", userID).Msg("directory unregister failed")
				}
				cancel()
			}
		}

		a.outMu.Lock()
		a.outClosed = true
		close(a.outbound)
		a.outMu.Unlock()

		if a.running.Load() {
			select {
			case <-a.writerDone:
			case <-time.After(writeWait):
			}
		}
		a.transport.Close()

		metrics.ActiveConnections.Dec()
		close(a.done)
		a.logger.Debug().
			AnErr("cause", context.Cause(a.ctx)).
			Str("state", prev.String()).
			Msg("connection closed")
	})
}

// handle processes one client frame. Requests run on a context detached
// from shutdown so a request in flight when the server stops still
// completes; the loop notices the shutdown afterwards.
func (a *Actor) handle(raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil || req.Type == "" {
		a.reply(errReply(req.ID, apperr.InvalidArgument("malformed frame")))
		metrics.ActorRequests.WithLabelValues("invalid", "protocol_error").Inc()
		a.cancel(ErrProtocol)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(a.ctx), requestTimeout)
	defer cancel()

	data, err := a.dispatch(ctx, req)
	if err != nil {
		code, _ := apperr.Public(err)
		metrics.ActorRequests.WithLabelValues(req.Type, code).Inc()
		if kind := apperr.KindOf(err); kind == apperr.KindInternal || kind == apperr.KindTransient {
			a.logger.Error().Err(err).Str("type", req.Type).Msg("request failed")
		}
		a.reply(errReply(req.ID, err))
		return
	}
	metrics.ActorRequests.WithLabelValues(req.Type, "ok").Inc()
	a.reply(okReply(req.ID, data))
}

var preAuth = map[string]bool{
	ReqLogin:    true,
	ReqRegister: true,
	ReqVerify:   true,
	ReqPing:     true,
}

func (a *Actor) dispatch(ctx context.Context, req Request) (any, error) {
	if a.State() != StateAuthenticated && !preAuth[req.Type] {
		return nil, apperr.PermissionDenied("login required")
	}
	switch req.Type {
	case ReqLogin:
		return a.login(ctx, req.Data)
	case ReqRegister:
		d, err := decode[RegisterData](req.Data)
		if err != nil {
			return nil, err
		}
		return a.deps.Auth.Register(ctx, d.Name, d.Email, d.Password)
	case ReqVerify:
		d, err := decode[VerifyData](req.Data)
		if err != nil {
			return nil, err
		}
		return nil, a.deps.Auth.Verify(ctx, d.UserID, d.Code)
	case ReqPing:
		return PingResult{Time: time.Now().UTC()}, nil
	}

	userID := a.UserID()
	switch req.Type {
	case ReqSend:
		d, err := decode[SendData](req.Data)
		if err != nil {
			return nil, err
		}
		id, err := a.deps.Delivery.Send(ctx, d.SessionID, userID, d.Bundle, d.IsEncrypted)
		if err != nil {
			return nil, err
		}
		return SendResult{MessageID: id}, nil
	case ReqRecall:
		d, err := decode[RecallData](req.Data)
		if err != nil {
			return nil, err
		}
		return nil, a.deps.Delivery.Recall(ctx, d.MessageID, userID)
	case ReqFetch:
		return a.fetch(ctx, req.Data)
	case ReqJoin:
		d, err := decode[SessionData](req.Data)
		if err != nil {
			return nil, err
		}
		return nil, a.deps.Members.Join(ctx, d.SessionID, userID)
	case ReqLeave:
		d, err := decode[SessionData](req.Data)
		if err != nil {
			return nil, err
		}
		return nil, a.deps.Members.Leave(ctx, d.SessionID, userID)
	case ReqCreateSession:
		d, err := decode[CreateSessionData](req.Data)
		if err != nil {
			return nil, err
		}
		return a.deps.Members.CreateSession(ctx, d.Name, userID)
	case ReqMute, ReqBan:
		return nil, a.moderate(ctx, req.Type, req.Data)
	case ReqRelations:
		rels, err := a.deps.Members.GetRelations(ctx, userID)
		if err != nil {
			return nil, err
		}
		if rels == nil {
			rels = []models.SessionRelation{}
		}
		return rels, nil
	case ReqAnnouncements:
		d, err := decode[AnnouncementsData](req.Data)
		if err != nil {
			return nil, err
		}
		return a.deps.Delivery.FetchAnnouncements(ctx, d.Since)
	case ReqPublishKey:
		d, err := decode[PublishKeyData](req.Data)
		if err != nil {
			return nil, err
		}
		return nil, a.deps.Auth.PublishKey(ctx, userID, d.PublicKey, d.Signature)
	case ReqProfile:
		d, err := decode[ProfileData](req.Data)
		if err != nil {
			return nil, err
		}
		return a.deps.Auth.Profile(ctx, d.UserID)
	}
	return nil, apperr.InvalidArgument("unknown request type %q", req.Type)
}

func (a *Actor) login(ctx context.Context, raw json.RawMessage) (any, error) {
	if a.State() == StateAuthenticated {
		return nil, apperr.Conflict("already logged in")
	}
	d, err := decode[LoginData](raw)
	if err != nil {
		return nil, err
	}

	if d.Token != "" {
		user, err := a.deps.Auth.ResolveUser(ctx, d.Token)
		if err != nil {
			return nil, err
		}
		a.authenticate(ctx, user)
		return LoginResult{User: user}, nil
	}

	user, token, err := a.deps.Auth.Login(ctx, d.Name, d.Password)
	if err != nil {
		return nil, err
	}
	a.authenticate(ctx, user)
	return LoginResult{User: user, Token: token}, nil
}

func (a *Actor) fetch(ctx context.Context, raw json.RawMessage) (any, error) {
	d, err := decode[FetchData](raw)
	if err != nil {
		return nil, err
	}
	limit := d.Limit
	if limit <= 0 {
		limit = defaultFetch
	}
	if limit > maxFetch {
		limit = maxFetch
	}

	seq, err := a.deps.Delivery.FetchSince(ctx, d.SessionID, a.UserID(), d.Since, d.After)
	if err != nil {
		return nil, err
	}
	msgs, err := delivery.Collect(seq, limit+1)
	if err != nil {
		return nil, err
	}
	res := FetchResult{Messages: msgs}
	if len(msgs) > limit {
		res.Messages, res.More = msgs[:limit], true
	}
	return res, nil
}

func (a *Actor) moderate(ctx context.Context, kind string, raw json.RawMessage) error {
	d, err := decode[ModerateData](raw)
	if err != nil {
		return err
	}
	actorID := a.UserID()
	allowed, err := a.deps.Members.CanModerate(ctx, d.SessionID, actorID)
	if err != nil {
		return err
	}
	if !allowed {
		return apperr.PermissionDenied("user %d may not moderate session %d", actorID, d.SessionID)
	}
	if kind == ReqBan {
		return a.deps.Members.Ban(ctx, d.SessionID, d.UserID, d.Until)
	}
	return a.deps.Members.Mute(ctx, d.SessionID, d.UserID, d.Until)
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, apperr.InvalidArgument("invalid request data: %v", err)
	}
	return v, nil
}
