package delivery

import (
	"context"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/metrics"
)

// Recall marks a message as recalled and notifies the session. The sender,
// session owners and admins, and server administrators may recall, but only
// within the recall window.
func (s *Service) Recall(ctx context.Context, messageID, requesterID int64) error {
	rec, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if rec == nil {
		return apperr.NotFound("message %d not found", messageID)
	}

	isSender := rec.SenderID != nil && *rec.SenderID == requesterID
	if !isSender {
		privileged, err := s.members.CanModerate(ctx, rec.SessionID, requesterID)
		if err != nil {
			return err
		}
		if !privileged {
			return apperr.PermissionDenied("user %d may not recall message %d", requesterID, messageID)
		}
	}

	window := s.runtime.Snapshot().RecallWindow
	if s.now().Sub(rec.Time) > window {
		return apperr.Expired("message %d is older than the %s recall window", messageID, window)
	}

	changed, err := s.store.SetRecalled(ctx, messageID)
	if err != nil {
		return err
	}
	if !changed {
		return apperr.Conflict("message %d is already recalled", messageID)
	}
	metrics.MessagesRecalled.Inc()

	s.logger.Info().
		Int64("message_id", messageID).
		Int64("session_id", rec.SessionID).
		Int64("requester_id", requesterID).
		Msg("message recalled")

	push, err := NewPush(PushRecall, rec.SessionID, messageID, RecallNotice{
		MessageID: messageID,
		SessionID: rec.SessionID,
	})
	if err != nil {
		return nil
	}
	// The requester's own devices learn the outcome from the reply.
	s.fanout(ctx, push, requesterID)
	return nil
}
