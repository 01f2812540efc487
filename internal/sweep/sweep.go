// Package sweep deletes bulletins whose end date has passed.
package sweep

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
)

// Repo is the bulletin collection as seen by the sweeper.
type Repo interface {
	List(ctx context.Context) ([]domain.Bulletin, error)
	DeleteBatch(ctx context.Context, ids []string) (int, error)
}

type Sweeper struct {
	repo    Repo
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

func New(repo Repo, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sweeper{repo: repo, clock: clock, logger: logger, metrics: metrics}
}

// Expired lists the bulletins whose end date is at or before now, taken once
// before the collection is read.
func (s *Sweeper) Expired(ctx context.Context) ([]domain.Bulletin, error) {
	now := s.clock.Now().UTC()
	bulletins, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bulletins: %w", err)
	}
	var expired []domain.Bulletin
	for _, b := range bulletins {
		if b.Expired(now) {
			expired = append(expired, b)
		}
	}
	return expired, nil
}

// SweepExpired deletes every expired bulletin in a single batch and returns
// how many were removed. Nothing is written when no bulletin has expired.
// Concurrent sweeps may overlap; deleting an already-deleted bulletin is a
// no-op.
func (s *Sweeper) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.Expired(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep expired bulletins: %w", err)
	}
	if len(expired) == 0 {
		s.logger.Debug("no expired bulletins")
		return 0, nil
	}

	ids := make([]string, 0, len(expired))
	for _, b := range expired {
		ids = append(ids, b.ID)
	}
	deleted, err := s.repo.DeleteBatch(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("sweep expired bulletins: %w", err)
	}
	s.metrics.BulletinsSwept.Add(float64(deleted))
	s.logger.Info("expired bulletins deleted", "count", deleted)
	return deleted, nil
}
