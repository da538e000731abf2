package delivery

import (
	"context"

	"github.com/eldtechnologies/chatmesh/internal/models"
)

// Decision is a hook's verdict on a persisted message.
type Decision struct {
	// Veto suppresses fan-out. The record stays persisted and fetchable.
	Veto bool
	// Bundle, when non-nil, replaces the bundle of the fanned-out copy.
	Bundle models.Bundle
}

// MessageHook observes every message after it is persisted and before it is
// fanned out.
type MessageHook interface {
	OnMessage(ctx context.Context, rec *models.MessageRecord) (Decision, error)
}

// HookFunc adapts a function to MessageHook.
type HookFunc func(ctx context.Context, rec *models.MessageRecord) (Decision, error)

func (f HookFunc) OnMessage(ctx context.Context, rec *models.MessageRecord) (Decision, error) {
	return f(ctx, rec)
}

// runHooks applies hooks in registration order. The first veto wins; a
// failing hook is logged and skipped.
func (s *Service) runHooks(ctx context.Context, rec *models.MessageRecord) (models.MessageRecord, bool) {
	out := *rec
	for _, h := range s.hooks {
		d, err := h.OnMessage(ctx, &out)
		if err != nil {
			s.logger.Warn().Err(err).Int64("message_id", rec.MessageID).Msg("message hook failed")
			continue
		}
		if d.Veto {
			return out, false
		}
		if d.Bundle != nil {
			out.Bundle = d.Bundle
		}
	}
	return out, true
}
