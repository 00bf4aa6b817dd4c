package distribution

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reward-distributor/internal/model"
)

// SnapshotSource supplies fresh producer figures before each batch.
type SnapshotSource interface {
	Snapshot(ctx context.Context) ([]model.Producer, error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Interval between scheduled runs. Zero disables the ticker; runs then
	// only happen on Trigger.
	Interval time.Duration
	// EnsureSession runs before each batch, typically to re-establish an
	// invalidated session. An error skips the run.
	EnsureSession func(ctx context.Context) error
	// OnResult receives every completed batch.
	OnResult func(ctx context.Context, res *model.BatchRunResult)
}

// Scheduler runs snapshot-then-batch on a ticker and on demand.
type Scheduler struct {
	orch    *Orchestrator
	feed    SnapshotSource
	cfg     SchedulerConfig
	trigger chan struct{}
}

// NewScheduler creates a Scheduler.
func NewScheduler(orch *Orchestrator, feed SnapshotSource, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		orch:    orch,
		feed:    feed,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests a run as soon as possible. It returns false if a request
// is already queued.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if s.cfg.Interval > 0 {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	zap.L().Info("scheduler: started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("scheduler: stopped")
			return nil
		case <-tick:
		case <-s.trigger:
		}

		if _, err := s.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrBatchInProgress) {
				zap.L().Warn("scheduler: batch in progress, run dropped")
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			zap.L().Error("scheduler: run failed", zap.Error(err))
		}
	}
}

// RunOnce fetches a snapshot and runs one batch over it.
func (s *Scheduler) RunOnce(ctx context.Context) (*model.BatchRunResult, error) {
	if s.orch.InProgress() {
		return nil, ErrBatchInProgress
	}
	if s.cfg.EnsureSession != nil {
		if err := s.cfg.EnsureSession(ctx); err != nil {
			return nil, eris.Wrap(err, "scheduler: ensure session")
		}
	}

	producers, err := s.feed.Snapshot(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: fetch snapshot")
	}

	res, err := s.orch.RunBatch(ctx, producers)
	if err != nil {
		return nil, err
	}
	if s.cfg.OnResult != nil {
		s.cfg.OnResult(ctx, res)
	}
	return res, nil
}
