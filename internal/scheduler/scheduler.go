// Package scheduler settles rounds on a cron schedule once they have ended.
package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/coinwar/settlement-engine/internal/engine"
	"github.com/coinwar/settlement-engine/internal/metrics"
	"github.com/coinwar/settlement-engine/internal/model"
	"github.com/coinwar/settlement-engine/internal/oracle"
)

// Settler is the part of the engine the scheduler drives.
type Settler interface {
	SettleRound(ctx context.Context, src oracle.Source) (*model.Round, error)
}

// Scheduler runs Tick on a cron spec. Overlapping ticks are skipped.
type Scheduler struct {
	cron    *cron.Cron
	settler Settler
	source  oracle.Source
}

// New creates a scheduler whose specs carry a leading seconds field.
func New(settler Settler, src oracle.Source) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		settler: settler,
		source:  src,
	}
}

// Add registers the settlement job. Jobs run with ctx.
func (s *Scheduler) Add(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.Tick(ctx)
	})
	return err
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	slog.Info("settlement scheduler started", "jobs", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("settlement scheduler stopped")
}

// Tick settles the current round when it is due. It returns the newly
// opened round, or nil when nothing was due.
func (s *Scheduler) Tick(ctx context.Context) *model.Round {
	next, err := s.settler.SettleRound(ctx, s.source)
	switch {
	case err == nil:
		metrics.SchedulerRuns.WithLabelValues("settled").Inc()
		slog.Info("round settled", "next_round", next.ID, "ends", next.EndTime)
		return next
	case errors.Is(err, engine.ErrRoundInProgress), errors.Is(err, engine.ErrNoRound):
		metrics.SchedulerRuns.WithLabelValues("idle").Inc()
		return nil
	default:
		metrics.SchedulerRuns.WithLabelValues("error").Inc()
		slog.Error("scheduled settlement failed", "err", err)
		return nil
	}
}
