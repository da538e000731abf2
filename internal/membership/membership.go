// Package membership manages sessions and the users that belong to them.
//
// Joins take effect immediately. Leaves are two-phase: Leave flags the
// relation and returns, and the Sweeper removes flagged relations and
// decrements the session size in the background.
package membership

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/models"
	"github.com/eldtechnologies/chatmesh/internal/moderation"
	"github.com/eldtechnologies/chatmesh/internal/store"
)

// IDGenerator allocates unique IDs. *snowflake.Generator implements it.
type IDGenerator interface {
	Next() (int64, error)
}

// Service implements session membership and moderation.
type Service struct {
	store  store.DataStore
	cache  *moderation.Cache
	ids    IDGenerator
	now    func() time.Time
	logger zerolog.Logger
}

// NewService creates a membership service.
func NewService(st store.DataStore, cache *moderation.Cache, ids IDGenerator, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		cache:  cache,
		ids:    ids,
		now:    time.Now,
		logger: logger.With().Str("component", "membership").Logger(),
	}
}

// CreateSession creates a session owned by ownerID.
func (s *Service) CreateSession(ctx context.Context, name string, ownerID int64) (*models.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 128 {
		return nil, apperr.InvalidArgument("session name must be 1-128 characters")
	}
	id, err := s.ids.Next()
	if err != nil {
		return nil, err
	}

	sess := &models.Session{ID: id, Name: name}
	if err := s.store.CreateSession(ctx, sess, ownerID); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("session_id", id).Int64("owner_id", ownerID).Msg("session created")
	return sess, nil
}

// Join adds userID to sessionID. Re-joining while a leave is pending cancels
// the leave.
func (s *Service) Join(ctx context.Context, sessionID, userID int64) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return apperr.NotFound("session %d not found", sessionID)
	}
	now := s.now()
	if models.ActiveUntil(sess.BannedUntil, now) {
		return apperr.PermissionDenied("session %d is closed to new members", sessionID)
	}

	status, err := s.cache.Check(ctx, sessionID, userID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("moderation cache unavailable on join")
	}
	if status.Banned || status.ServerBanned {
		return apperr.PermissionDenied("user %d is banned", userID)
	}

	rejoined, err := s.store.Join(ctx, sessionID, userID, models.RoleMember)
	if err != nil {
		return err
	}
	s.logger.Debug().
		Int64("session_id", sessionID).
		Int64("user_id", userID).
		Bool("rejoined", rejoined).
		Msg("joined session")
	return nil
}

// Leave flags the relation for removal. The session size is unchanged until
// the sweeper finalizes it.
func (s *Service) Leave(ctx context.Context, sessionID, userID int64) error {
	return s.store.MarkLeaving(ctx, sessionID, userID)
}

// Mute silences userID in sessionID until the given time. userID 0 mutes
// the whole session. A zero or past until lifts the mute.
func (s *Service) Mute(ctx context.Context, sessionID, userID int64, until time.Time) error {
	return s.moderate(ctx, store.ModerationMute, sessionID, userID, until)
}

// Ban blocks userID from sending in and joining sessionID until the given
// time. userID 0 closes the session. A zero or past until lifts the ban.
func (s *Service) Ban(ctx context.Context, sessionID, userID int64, until time.Time) error {
	return s.moderate(ctx, store.ModerationBan, sessionID, userID, until)
}

func (s *Service) moderate(ctx context.Context, kind store.Moderation, sessionID, userID int64, until time.Time) error {
	var deadline *time.Time
	if !until.IsZero() && until.After(s.now()) {
		u := until.UTC()
		deadline = &u
	}

	var err error
	if userID == 0 {
		err = s.store.SetSessionModeration(ctx, sessionID, kind, deadline)
	} else {
		err = s.store.SetRelationModeration(ctx, sessionID, userID, kind, deadline)
	}
	if err != nil {
		return err
	}

	// The store is authoritative; a failed cache write is repaired on the
	// next send through Restore.
	if kind == store.ModerationBan {
		s.cache.SetBan(ctx, sessionID, userID, deadline)
	} else {
		s.cache.SetMute(ctx, sessionID, userID, deadline)
	}

	s.logger.Info().
		Str("kind", kind.String()).
		Int64("session_id", sessionID).
		Int64("user_id", userID).
		Bool("lifted", deadline == nil).
		Msg("moderation updated")
	return nil
}

// GetRelations returns every session relation of userID, including ones
// with a pending leave.
func (s *Service) GetRelations(ctx context.Context, userID int64) ([]models.SessionRelation, error) {
	return s.store.ListRelations(ctx, userID)
}

// Members returns the relations of sessionID that are not leaving.
func (s *Service) Members(ctx context.Context, sessionID int64) ([]models.SessionRelation, error) {
	rels, err := s.store.ListMembers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	active := rels[:0]
	for _, rel := range rels {
		if !rel.LeavingToProcess {
			active = append(active, rel)
		}
	}
	return active, nil
}

// Relation returns the relation of userID in sessionID, or nil.
func (s *Service) Relation(ctx context.Context, sessionID, userID int64) (*models.SessionRelation, error) {
	return s.store.GetRelation(ctx, sessionID, userID)
}

// IsMember reports whether userID is a current member of sessionID.
func (s *Service) IsMember(ctx context.Context, sessionID, userID int64) (bool, error) {
	rel, err := s.store.GetRelation(ctx, sessionID, userID)
	if err != nil {
		return false, err
	}
	return rel.Active(), nil
}

// CanModerate reports whether actorID may moderate sessionID: a session
// owner or admin, or a server administrator.
func (s *Service) CanModerate(ctx context.Context, sessionID, actorID int64) (bool, error) {
	rel, err := s.store.GetRelation(ctx, sessionID, actorID)
	if err != nil {
		return false, err
	}
	if rel.CanModerate() {
		return true, nil
	}
	user, err := s.store.GetUserByID(ctx, actorID)
	if err != nil {
		return false, err
	}
	return user != nil && user.IsAdmin, nil
}
