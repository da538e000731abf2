package membership

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatmesh/internal/metrics"
	"github.com/eldtechnologies/chatmesh/internal/store"
)

// Sweeper finalizes pending leaves. A leave becomes visible in the session
// size within one interval of being requested.
type Sweeper struct {
	store    store.DataStore
	interval time.Duration
	batch    int
	logger   zerolog.Logger
}

// NewSweeper creates a sweeper that finalizes up to batch leaves per
// transaction round.
func NewSweeper(st store.DataStore, interval time.Duration, batch int, logger zerolog.Logger) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		store:    st,
		interval: interval,
		batch:    batch,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("leave sweeper started")

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("leave sweep failed")
			}
		case <-ctx.Done():
			s.logger.Info().Msg("leave sweeper stopping")
			return nil
		}
	}
}

// RunOnce finalizes every leave pending at the time of the call and returns
// how many were removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		done, err := s.store.FinalizeLeaves(ctx, s.batch)
		total += len(done)
		metrics.LeavesFinalized.Add(float64(len(done)))
		for _, rel := range done {
			s.logger.Debug().
				Int64("session_id", rel.SessionID).
				Int64("user_id", rel.UserID).
				Msg("leave finalized")
		}
		if err != nil {
			return total, err
		}
		if len(done) < s.batch {
			return total, nil
		}
	}
}
