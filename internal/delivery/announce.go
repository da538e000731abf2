package delivery

import (
	"context"
	"strings"
	"time"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/bus"
	"github.com/eldtechnologies/chatmesh/internal/models"
)

const maxAnnouncements = 200

// Announce publishes a server-wide announcement. Only server administrators
// may announce. Connected users everywhere receive it live; everyone else
// reads it with FetchAnnouncements.
func (s *Service) Announce(ctx context.Context, publisherID int64, title, content string) (*models.Announcement, error) {
	user, err := s.store.GetUserByID(ctx, publisherID)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsAdmin {
		return nil, apperr.PermissionDenied("user %d may not publish announcements", publisherID)
	}
	return s.publishAnnouncement(ctx, publisherID, title, content)
}

// AnnounceAsSystem publishes an announcement on behalf of the operator.
func (s *Service) AnnounceAsSystem(ctx context.Context, title, content string) (*models.Announcement, error) {
	return s.publishAnnouncement(ctx, 0, title, content)
}

func (s *Service) publishAnnouncement(ctx context.Context, publisherID int64, title, content string) (*models.Announcement, error) {
	title, content = strings.TrimSpace(title), strings.TrimSpace(content)
	if title == "" || content == "" {
		return nil, apperr.InvalidArgument("title and content are required")
	}
	if len(content) > MaxTextBytes {
		return nil, apperr.InvalidArgument("content exceeds %d bytes", MaxTextBytes)
	}

	id, at, err := s.nextID()
	if err != nil {
		return nil, err
	}
	a := &models.Announcement{
		ID:          id,
		Title:       title,
		Content:     content,
		PublisherID: publisherID,
		CreatedAt:   at,
	}
	if err := s.store.InsertAnnouncement(ctx, a); err != nil {
		return nil, err
	}

	push, err := NewPush(PushAnnouncement, 0, a.ID, a)
	if err != nil {
		return a, nil
	}
	local := s.hub.Broadcast(push)

	servers, err := s.router.LiveServers(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Int64("announcement_id", a.ID).Msg("announcement not forwarded, server list unavailable")
		return a, nil
	}
	env := bus.Envelope{Kind: bus.KindAnnouncement, MessageID: a.ID, Payload: push.Body}
	for _, serverID := range servers {
		if serverID == s.serverID {
			continue
		}
		s.bus.Publish(ctx, serverID, env)
	}

	s.logger.Info().
		Int64("announcement_id", a.ID).
		Int("local_connections", local).
		Int("servers", len(servers)).
		Msg("announcement published")
	return a, nil
}

// FetchAnnouncements returns announcements created after since, oldest first.
func (s *Service) FetchAnnouncements(ctx context.Context, since time.Time) ([]models.Announcement, error) {
	out, err := s.store.ListAnnouncementsSince(ctx, since, maxAnnouncements)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Announcement{}
	}
	return out, nil
}
