// Package jobs schedules the relay's periodic maintenance sweeps:
// SessionLog retention and rate-limiter window cleanup, each driven
// by its own cron schedule.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"relay/internal/ratelimit"
	"relay/internal/store"
)

// SweeperConfig holds the cron schedules and retention window.
type SweeperConfig struct {
	LogRetentionSchedule   string // e.g. "0 3 * * *"
	RateLimitSweepSchedule string // e.g. "*/5 * * * *"
	LogRetentionDays       int
}

// Sweeper owns the relay's background cron.Cron instance.
type Sweeper struct {
	logs    store.LogStore
	limiter *ratelimit.Limiter
	config  SweeperConfig
	cron    *cron.Cron
	log     *zap.Logger
}

func NewSweeper(logs store.LogStore, limiter *ratelimit.Limiter, config SweeperConfig, log *zap.Logger) *Sweeper {
	return &Sweeper{logs: logs, limiter: limiter, config: config, cron: cron.New(), log: log}
}

// Start schedules both sweeps and starts the cron loop.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.config.LogRetentionSchedule, s.runLogRetention); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.config.RateLimitSweepSchedule, s.runRateLimitSweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop, waiting for any in-flight job.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) runLogRetention() {
	cutoff := time.Now().AddDate(0, 0, -s.config.LogRetentionDays)
	n, err := s.logs.DeleteOlderThan(context.Background(), cutoff)
	if err != nil {
		if s.log != nil {
			s.log.Warn("jobs: log retention sweep failed", zap.Error(err))
		}
		return
	}
	if s.log != nil && n > 0 {
		s.log.Info("jobs: log retention sweep deleted rows", zap.Int64("count", n))
	}
}

func (s *Sweeper) runRateLimitSweep() {
	n := s.limiter.Sweep()
	if s.log != nil && n > 0 {
		s.log.Debug("jobs: rate limiter sweep removed expired windows", zap.Int("count", n))
	}
}
