// Package scheduler runs periodic background tasks on a quartz scheduler.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/reugn/go-quartz/job"
	quartzlogger "github.com/reugn/go-quartz/logger"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

// Errors
var (
	ErrNotStarted  = errors.New("scheduler is not started")
	ErrBadInterval = errors.New("interval must be positive")
)

// Task is one unit of periodic work
type Task func(ctx context.Context) error

// Scheduler wraps a quartz scheduler with zap logging
type Scheduler struct {
	mu          sync.Mutex
	quartz      quartz.Scheduler
	started     bool
	stopTimeout time.Duration
	logger      *zap.Logger
}

// New creates a stopped scheduler
func New(logger *zap.Logger, stopTimeout time.Duration) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	q, err := quartz.NewStdScheduler(quartz.WithLogger(quartzlogger.NewSimpleLogger(nil, quartzlogger.LevelOff)))
	if err != nil {
		return nil, err
	}
	return &Scheduler{quartz: q, stopTimeout: stopTimeout, logger: logger}, nil
}

// Start begins firing scheduled tasks
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.quartz.Start(ctx)
	s.started = s.quartz.IsStarted()
	s.logger.Info("Scheduler started")
}

// Every runs task each interval under name. Errors are logged, never fatal.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return ErrBadInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}

	fn := job.NewFunctionJob[bool](func(ctx context.Context) (bool, error) {
		start := time.Now()
		if err := task(ctx); err != nil {
			s.logger.Warn("Scheduled task failed",
				zap.String("task", name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
			return false, err
		}
		s.logger.Debug("Scheduled task finished",
			zap.String("task", name),
			zap.Duration("duration", time.Since(start)))
		return true, nil
	})
	detail := quartz.NewJobDetail(fn, quartz.NewJobKey(name))
	if err := s.quartz.ScheduleJob(detail, quartz.NewSimpleTrigger(interval)); err != nil {
		return err
	}
	s.logger.Info("Task scheduled", zap.String("task", name), zap.Duration("interval", interval))
	return nil
}

// Stop halts the scheduler and waits for running tasks up to the stop timeout
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	_ = s.quartz.Clear()
	s.quartz.Stop()
	s.started = false

	if s.stopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stopTimeout)
		defer cancel()
	}
	s.quartz.Wait(ctx)
	s.logger.Info("Scheduler stopped")
}
