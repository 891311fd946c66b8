package scheduler

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/lifecycle"
	"github.com/gridspot/gridspot-backend/internal/models"
	"github.com/gridspot/gridspot-backend/internal/store"
)

// Sweeper is the background reclamation loop. It fails running tasks whose
// assigned provider stopped reporting progress, and downgrades providers
// that went silent so the matcher stops offering them work.
type Sweeper struct {
	store       store.Store
	lifecycle   *lifecycle.Manager
	logger      *zap.Logger
	interval    time.Duration
	staleAfter  time.Duration // running task with no report for this long is reclaimed
	silentAfter time.Duration // provider unheard for this long is marked unreachable
}

// NewSweeper creates a sweeper with the given policy values.
func NewSweeper(st store.Store, lm *lifecycle.Manager, interval, staleAfter, silentAfter time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:       st,
		lifecycle:   lm,
		logger:      logger.Named("sweeper"),
		interval:    interval,
		staleAfter:  staleAfter,
		silentAfter: silentAfter,
	}
}

// Run blocks until ctx is cancelled, sweeping on a jittered ticker so
// multiple orchestrator instances don't stampede the store in lockstep.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval + jitterUpTo(s.interval/10))
	defer ticker.Stop()

	s.logger.Info("Stale-task sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("stale_after", s.staleAfter),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stale-task sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// jitterUpTo returns a random duration in [0, limit), or zero when the
// limit is too small to jitter.
func jitterUpTo(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit)))
}

// SweepOnce performs one reclamation pass. Exported so tests (and an
// operator endpoint, if ever wanted) can trigger it deterministically.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	stale, err := s.store.ListStaleRunning(ctx, now.Add(-s.staleAfter))
	if err != nil {
		s.logger.Error("Failed to list stale tasks", zap.Error(err))
	} else {
		for _, task := range stale {
			// FailStale re-reads under lock and skips tasks that reached
			// a terminal state between the scan and this call.
			if err := s.lifecycle.FailStale(ctx, task.ID); err != nil {
				s.logger.Error("Failed to reclaim stale task",
					zap.String("task_id", task.ID.String()),
					zap.Error(err),
				)
				continue
			}
			s.logger.Warn("Stale task reclaimed",
				zap.String("task_id", task.ID.String()),
				zap.String("provider_id", task.AssignedProvider),
				zap.Time("last_update", task.LastUpdate),
			)
		}
	}

	silent, err := s.store.ListSilentProviders(ctx, now.Add(-s.silentAfter))
	if err != nil {
		s.logger.Error("Failed to list silent providers", zap.Error(err))
		return
	}
	for _, provider := range silent {
		if err := s.store.MarkProviderStatus(ctx, provider.ID, models.ProviderUnreachable); err != nil {
			s.logger.Error("Failed to mark provider unreachable",
				zap.String("provider_id", provider.ID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Warn("Provider marked unreachable",
			zap.String("provider_id", provider.ID),
			zap.Time("last_seen", provider.LastSeenAt),
		)
	}
}
