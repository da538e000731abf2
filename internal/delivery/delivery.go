// Package delivery validates, persists, and fans out chat messages.
//
// A send is durable once InsertMessage commits. Everything after that point
// (hooks, local pushes, bus publishes) is best effort: failures are logged
// and the recipient catches up with FetchSince.
package delivery

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/bus"
	"github.com/eldtechnologies/chatmesh/internal/config"
	"github.com/eldtechnologies/chatmesh/internal/membership"
	"github.com/eldtechnologies/chatmesh/internal/metrics"
	"github.com/eldtechnologies/chatmesh/internal/models"
	"github.com/eldtechnologies/chatmesh/internal/moderation"
	"github.com/eldtechnologies/chatmesh/internal/snowflake"
	"github.com/eldtechnologies/chatmesh/internal/store"
)

// Bundle limits.
const (
	MaxUnits     = 32
	MaxTextBytes = 16 << 10
)

// Router resolves which server holds a user. *directory.Directory implements it.
type Router interface {
	Lookup(ctx context.Context, userID int64) (string, bool, error)
	LiveServers(ctx context.Context) ([]string, error)
}

// Publisher forwards envelopes to other servers. *bus.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, serverID string, env bus.Envelope) error
}

// Config wires a Service.
type Config struct {
	ServerID   string
	Store      store.DataStore
	Members    *membership.Service
	Moderation *moderation.Cache
	IDs        membership.IDGenerator
	Router     Router
	Bus        Publisher
	Hub        LocalHub
	Runtime    *config.Runtime

	SendRateLimit  int
	SendRateWindow time.Duration
	PersistRetries int

	Logger zerolog.Logger
}

// Service is the message delivery service.
type Service struct {
	serverID   string
	store      store.DataStore
	members    *membership.Service
	moderation *moderation.Cache
	ids        membership.IDGenerator
	router     Router
	bus        Publisher
	hub        LocalHub
	runtime    *config.Runtime

	sendRateLimit  int
	sendRateWindow time.Duration
	persistRetries int

	hooks  []MessageHook
	now    func() time.Time
	logger zerolog.Logger
}

// DefaultPersistRetries applies when Config.PersistRetries is not positive.
const DefaultPersistRetries = 3

// New creates a delivery service.
func New(cfg Config) *Service {
	if cfg.PersistRetries <= 0 {
		cfg.PersistRetries = DefaultPersistRetries
	}
	return &Service{
		serverID:       cfg.ServerID,
		store:          cfg.Store,
		members:        cfg.Members,
		moderation:     cfg.Moderation,
		ids:            cfg.IDs,
		router:         cfg.Router,
		bus:            cfg.Bus,
		hub:            cfg.Hub,
		runtime:        cfg.Runtime,
		sendRateLimit:  cfg.SendRateLimit,
		sendRateWindow: cfg.SendRateWindow,
		persistRetries: cfg.PersistRetries,
		now:            time.Now,
		logger:         cfg.Logger.With().Str("component", "delivery").Logger(),
	}
}

// AddHook registers a hook. Hooks must be added before the service handles
// traffic.
func (s *Service) AddHook(h MessageHook) {
	s.hooks = append(s.hooks, h)
}

// Send persists a message from senderID to sessionID and fans it out to the
// other members. It returns the new message ID.
func (s *Service) Send(ctx context.Context, sessionID, senderID int64, bundle models.Bundle, isEncrypted bool) (int64, error) {
	flags := s.runtime.Snapshot()
	if flags.MaintenanceMode {
		return 0, s.reject("maintenance", apperr.PermissionDenied("server is in maintenance mode"))
	}
	if err := ValidateBundle(bundle, isEncrypted); err != nil {
		return 0, s.reject("invalid", err)
	}

	rel, err := s.store.GetRelation(ctx, sessionID, senderID)
	if err != nil {
		return 0, err
	}
	if !rel.Active() {
		return 0, s.reject("not_member", apperr.PermissionDenied("user %d is not a member of session %d", senderID, sessionID))
	}

	if err := s.checkModeration(ctx, rel); err != nil {
		return 0, err
	}

	allowed, err := s.moderation.AllowSend(ctx, senderID, s.sendRateLimit, s.sendRateWindow)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rate limiter unavailable")
	} else if !allowed {
		return 0, s.reject("rate_limited", apperr.PermissionDenied("sending too fast"))
	}

	sender := senderID
	rec := &models.MessageRecord{
		SessionID:   sessionID,
		SenderID:    &sender,
		Bundle:      bundle,
		IsEncrypted: isEncrypted,
	}
	if err := s.persist(ctx, rec); err != nil {
		s.logger.Error().Err(err).Int64("session_id", sessionID).Int64("sender_id", senderID).Msg("message not persisted")
		return 0, err
	}
	metrics.MessagesSent.WithLabelValues(strconv.FormatBool(isEncrypted)).Inc()

	out, deliver := s.runHooks(ctx, rec)
	if !deliver {
		s.logger.Info().Int64("message_id", rec.MessageID).Msg("fan-out vetoed by hook")
		return rec.MessageID, nil
	}

	push, err := NewPush(PushMessage, sessionID, rec.MessageID, out)
	if err != nil {
		s.logger.Error().Err(err).Int64("message_id", rec.MessageID).Msg("encode push")
		return rec.MessageID, nil
	}
	s.fanout(ctx, push, senderID)

	return rec.MessageID, nil
}

func (s *Service) reject(reason string, err error) error {
	metrics.SendRejected.WithLabelValues(reason).Inc()
	return err
}

// checkModeration consults the cache first. A clean cache result is
// confirmed against the relation and session rows so an evicted or never
// written entry cannot let a muted sender through.
func (s *Service) checkModeration(ctx context.Context, rel *models.SessionRelation) error {
	status, err := s.moderation.Check(ctx, rel.SessionID, rel.UserID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("moderation cache unavailable, using store")
	}
	if status.ServerBanned {
		return s.reject("server_banned", apperr.PermissionDenied("user %d is banned from this server", rel.UserID))
	}
	if status.Banned {
		return s.reject("banned", apperr.PermissionDenied("user %d is banned from session %d", rel.UserID, rel.SessionID))
	}
	if status.Muted {
		return s.reject("muted", apperr.PermissionDenied("user %d is muted in session %d", rel.UserID, rel.SessionID))
	}

	sess, err := s.store.GetSession(ctx, rel.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return apperr.NotFound("session %d not found", rel.SessionID)
	}

	now := s.now()
	banned := models.ActiveUntil(rel.BannedUntil, now) || models.ActiveUntil(sess.BannedUntil, now)
	muted := models.ActiveUntil(rel.MutedUntil, now) || models.ActiveUntil(sess.MutedUntil, now)
	if banned || muted {
		s.moderation.Restore(ctx, rel, sess)
	}
	if banned {
		return s.reject("banned", apperr.PermissionDenied("user %d is banned from session %d", rel.UserID, rel.SessionID))
	}
	if muted {
		return s.reject("muted", apperr.PermissionDenied("user %d is muted in session %d", rel.UserID, rel.SessionID))
	}
	return nil
}

// persist inserts rec, retrying transient store failures.
func (s *Service) persist(ctx context.Context, rec *models.MessageRecord) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.persistRetries)), ctx)

	return backoff.Retry(func() error {
		err := s.store.InsertMessage(ctx, rec, s.nextID)
		if err != nil && !apperr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// nextID allocates a message ID; the record time is the ID's own timestamp
// so time order and ID order agree.
func (s *Service) nextID() (int64, time.Time, error) {
	id, err := s.ids.Next()
	if err != nil {
		return 0, time.Time{}, err
	}
	return id, snowflake.Decompose(id).Time, nil
}

// fanout pushes to every current member of the push's session except
// exclude.
func (s *Service) fanout(ctx context.Context, push Push, exclude int64) {
	rels, err := s.store.ListMembers(ctx, push.SessionID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("session_id", push.SessionID).Msg("fan-out skipped, members unavailable")
		return
	}

	recipients := mapset.NewThreadUnsafeSet[int64]()
	for _, rel := range rels {
		if rel.Active() {
			recipients.Add(rel.UserID)
		}
	}
	recipients.Remove(exclude)

	for _, uid := range recipients.ToSlice() {
		s.deliverTo(ctx, uid, push)
	}
}

// deliverTo routes one push: local connection, else the server named by the
// directory, else nowhere (the recipient catches up from the store).
func (s *Service) deliverTo(ctx context.Context, userID int64, push Push) {
	if s.hub.Deliver(userID, push) {
		metrics.FanoutDeliveries.WithLabelValues("local").Inc()
		return
	}

	serverID, ok, err := s.router.Lookup(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("directory lookup failed")
	}
	// An entry naming this server without a local connection is stale.
	if !ok || serverID == s.serverID {
		metrics.FanoutDeliveries.WithLabelValues("offline").Inc()
		return
	}

	env := bus.Envelope{
		Kind:        bus.Kind(push.Type),
		RecipientID: userID,
		MessageID:   push.MessageID,
		SessionID:   push.SessionID,
		Payload:     push.Body,
	}
	if err := s.bus.Publish(ctx, serverID, env); err != nil {
		metrics.FanoutDeliveries.WithLabelValues("offline").Inc()
		return
	}
	metrics.FanoutDeliveries.WithLabelValues("bus").Inc()
}

// HandleEnvelope applies an envelope from this server's queue. Recipients
// no longer connected here are skipped.
func (s *Service) HandleEnvelope(ctx context.Context, env bus.Envelope) error {
	push := Push{
		Type:      string(env.Kind),
		SessionID: env.SessionID,
		MessageID: env.MessageID,
		Body:      env.Payload,
	}
	if env.RecipientID == 0 {
		n := s.hub.Broadcast(push)
		s.logger.Debug().Int("connections", n).Str("kind", string(env.Kind)).Msg("broadcast applied")
		return nil
	}
	if !s.hub.Deliver(env.RecipientID, push) {
		s.logger.Debug().Int64("user_id", env.RecipientID).Int64("message_id", env.MessageID).Msg("recipient no longer local")
	}
	return nil
}

// ValidateBundle checks the shape of a bundle. Encrypted bundles carry
// opaque text and are only size-checked.
func ValidateBundle(bundle models.Bundle, isEncrypted bool) error {
	if len(bundle) == 0 {
		return apperr.InvalidArgument("bundle is empty")
	}
	if len(bundle) > MaxUnits {
		return apperr.InvalidArgument("bundle has more than %d units", MaxUnits)
	}
	size := 0
	for i, u := range bundle {
		size += len(u.Text)
		switch u.Type {
		case models.UnitText, "":
			if u.Text == "" {
				return apperr.InvalidArgument("unit %d: text is empty", i)
			}
		case models.UnitImage, models.UnitFile:
			if u.Ref == "" && !isEncrypted {
				return apperr.InvalidArgument("unit %d: %s needs a ref", i, u.Type)
			}
		default:
			return apperr.InvalidArgument("unit %d: unknown type %q", i, u.Type)
		}
	}
	if size > MaxTextBytes {
		return apperr.InvalidArgument("bundle text exceeds %d bytes", MaxTextBytes)
	}
	return nil
}
