package delivery

import (
	"context"
	"iter"
	"time"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/models"
)

// FetchPageSize is the number of records read per store round trip.
const FetchPageSize = 100

// FetchSince returns the non-recalled messages of sessionID sent after
// since with IDs above afterID, in message ID order. Many IDs share one
// millisecond, so callers resuming a page pass the last message ID they
// received as afterID rather than its time. Membership is checked
// immediately; records are read lazily in pages as the sequence is ranged
// over. Each range over the sequence starts again from the beginning.
func (s *Service) FetchSince(ctx context.Context, sessionID, userID int64, since time.Time, afterID int64) (iter.Seq2[models.MessageRecord, error], error) {
	member, err := s.members.IsMember(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, apperr.PermissionDenied("user %d is not a member of session %d", userID, sessionID)
	}

	if retention := s.runtime.Snapshot().AutoCleanAfter; retention > 0 {
		if horizon := s.now().Add(-retention); since.Before(horizon) {
			since = horizon
		}
	}

	return func(yield func(models.MessageRecord, error) bool) {
		cursor := afterID
		for {
			page, err := s.store.ListMessagesSince(ctx, sessionID, since, cursor, FetchPageSize)
			if err != nil {
				yield(models.MessageRecord{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
				cursor = rec.MessageID
			}
			if len(page) < FetchPageSize {
				return
			}
		}
	}, nil
}

// Collect drains a fetch sequence into a slice, stopping at limit records
// when limit is positive.
func Collect(seq iter.Seq2[models.MessageRecord, error], limit int) ([]models.MessageRecord, error) {
	out := []models.MessageRecord{}
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
