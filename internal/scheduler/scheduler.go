// Package scheduler runs a pipeline on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// JobRunner runs one scheduled activation under the given run id.
type JobRunner interface {
	RunJob(ctx context.Context, runID string) error
}

// RunnerFunc adapts a function to JobRunner.
type RunnerFunc func(ctx context.Context, runID string) error

// RunJob calls f.
func (f RunnerFunc) RunJob(ctx context.Context, runID string) error { return f(ctx, runID) }

// Stats counts activations since the scheduler was created.
type Stats struct {
	Activations int
	Runs        int
	Failed      int
	Skipped     int
	LastRunID   string
	LastRunAt   time.Time
	LastError   string
}

// Scheduler fires a single job at each activation of a cron schedule.
// Runs never overlap: an activation arriving while a run is in flight is skipped.
type Scheduler struct {
	schedule cron.Schedule
	expr     string
	runner   JobRunner
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   bool
	runs       sync.WaitGroup
	stats      Stats
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression (or an @descriptor).
func ParseSchedule(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return s, nil
}

// New creates a Scheduler for expr. logger may be nil.
func New(expr string, runner JobRunner, logger *slog.Logger) (*Scheduler, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedule: schedule,
		expr:     expr,
		runner:   runner,
		logger:   logger.With(slog.String("schedule", expr)),
		now:      time.Now,
	}, nil
}

// Next returns the first activation strictly after from.
func (s *Scheduler) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.logger.Info("scheduler started", slog.Time("next_run", s.Next(s.now())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		next := s.Next(s.now())
		if next.IsZero() {
			s.logger.Warn("schedule has no further activations")
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Trigger(ctx)
		}
	}
}

// Trigger performs one activation. It returns false when the activation was
// skipped because a run is still in flight. The run itself proceeds in the
// background; Wait blocks until it finishes.
func (s *Scheduler) Trigger(ctx context.Context) bool {
	s.inflightMu.Lock()
	s.stats.Activations++
	if s.inflight {
		s.stats.Skipped++
		s.inflightMu.Unlock()
		s.logger.Warn("previous run still in flight, skipping activation")
		return false
	}
	s.inflight = true
	s.runs.Add(1)
	s.inflightMu.Unlock()

	runID := uuid.NewString()
	go func() {
		defer s.runs.Done()
		s.run(ctx, runID)
	}()
	return true
}

func (s *Scheduler) run(ctx context.Context, runID string) {
	logger := s.logger.With(slog.String("run_id", runID))
	logger.Info("running scheduled pipeline")

	start := s.now()
	err := s.runner.RunJob(ctx, runID)

	s.inflightMu.Lock()
	s.inflight = false
	s.stats.Runs++
	s.stats.LastRunID = runID
	s.stats.LastRunAt = start
	s.stats.LastError = ""
	if err != nil {
		s.stats.Failed++
		s.stats.LastError = err.Error()
	}
	s.inflightMu.Unlock()

	if err != nil {
		logger.Error("scheduled run failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("scheduled run finished", slog.Duration("elapsed", s.now().Sub(start)))
}

// Wait blocks until the in-flight run, if any, has finished.
func (s *Scheduler) Wait() {
	s.runs.Wait()
}

// Stats returns a copy of the activation counters.
func (s *Scheduler) Stats() Stats {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return s.stats
}

// Stop ends the scheduling loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.Wait()

	s.logger.Info("scheduler stopped")
	return nil
}
