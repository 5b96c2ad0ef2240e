package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ChallengeSweeper deletes expired credential challenges.
type ChallengeSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// BucketSweeper drops idle in-process rate-limit buckets.
type BucketSweeper interface {
	Sweep() int
}

type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		logger:  logger,
		timeout: 30 * time.Second,
	}
}

// AddChallengeSweep schedules the expired-challenge cleanup.
func (s *Scheduler) AddChallengeSweep(schedule string, sweeper ChallengeSweeper) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		n, err := sweeper.SweepExpired(ctx)
		if err != nil {
			s.logger.Error("challenge sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.logger.Info("challenge sweep removed expired challenges", zap.Int64("count", n))
		}
	})
	if err != nil {
		return err
	}
	s.logger.Info("scheduled challenge sweep", zap.String("schedule", schedule))
	return nil
}

func (s *Scheduler) AddBucketSweep(schedule string, sweeper BucketSweeper) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if n := sweeper.Sweep(); n > 0 {
			s.logger.Debug("rate limit buckets dropped", zap.Int("count", n))
		}
	})
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling; the returned context is done once running jobs
// finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
