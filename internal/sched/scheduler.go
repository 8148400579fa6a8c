// Package sched runs the pipeline's periodic work. Tasks are bounded tick
// callbacks; the scheduler either interleaves them on one goroutine or
// gives each its own.
package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/famish99/fifoplayd/internal/config"
)

// Task is one periodic callback. Run must return promptly.
type Task struct {
	Name   string
	Period time.Duration
	Run    func(ctx context.Context) error
}

// Handle starts and stops a registered task without touching the loop
type Handle struct {
	name    string
	enabled atomic.Bool
	runs    atomic.Int64
	errs    atomic.Int64

	// running is held for the duration of each invocation
	running sync.Mutex
}

// Start enables the task from its next period
func (h *Handle) Start() { h.enabled.Store(true) }

// Stop cancels future invocations. A run in progress completes.
func (h *Handle) Stop() { h.enabled.Store(false) }

// Wait blocks until an invocation in progress has returned. Together with
// Stop it guarantees the task is quiet. It must not be called from the
// task itself.
func (h *Handle) Wait() {
	h.running.Lock()
	h.running.Unlock()
}

// Enabled reports whether the task is scheduled
func (h *Handle) Enabled() bool { return h.enabled.Load() }

// Runs counts completed invocations
func (h *Handle) Runs() int64 { return h.runs.Load() }

// Errors counts invocations that returned an error
func (h *Handle) Errors() int64 { return h.errs.Load() }

// Name returns the task name
func (h *Handle) Name() string { return h.name }

type entry struct {
	task   Task
	handle *Handle
	next   time.Time
}

type service struct {
	name string
	run  func(ctx context.Context) error
}

// Scheduler owns the periodic tasks and background services of a pipeline
type Scheduler struct {
	mu       sync.Mutex
	mode     config.SchedulerMode
	entries  []*entry
	services []service
	running  bool
	logger   zerolog.Logger
}

// New creates a scheduler in the given mode
func New(mode config.SchedulerMode, logger zerolog.Logger) *Scheduler {
	return &Scheduler{mode: mode, logger: logger}
}

// Mode returns the concurrency shape
func (s *Scheduler) Mode() config.SchedulerMode {
	return s.mode
}

// Add registers a task. Tasks must be added before Run.
func (s *Scheduler) Add(t Task, enabled bool) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		panic("sched: Add after Run")
	}

	h := &Handle{name: t.Name}
	h.enabled.Store(enabled)
	s.entries = append(s.entries, &entry{task: t, handle: h})
	return h
}

// Go registers a long-running service, such as a blocking input reader.
// Services run on their own goroutine in both modes.
func (s *Scheduler) Go(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		panic("sched: Go after Run")
	}
	s.services = append(s.services, service{name: name, run: run})
}

// Run drives every task until ctx is done. Task errors are logged and
// counted; they never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	entries, services := s.entries, s.services
	s.mu.Unlock()

	s.logger.Info().Str("mode", string(s.mode)).Int("tasks", len(entries)).Int("services", len(services)).Msg("scheduler started")

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		g.Go(func() error {
			err := svc.run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Str("service", svc.name).Msg("service stopped")
				return err
			}
			return nil
		})
	}

	if s.mode == config.SchedCooperative {
		g.Go(func() error { return s.cooperative(gctx, entries) })
	} else {
		for _, e := range entries {
			g.Go(func() error { return s.concurrent(gctx, e) })
		}
	}

	err := g.Wait()
	for _, e := range entries {
		s.logger.Debug().Str("task", e.handle.Name()).Int64("runs", e.handle.Runs()).Int64("errors", e.handle.Errors()).Msg("task totals")
	}
	s.logger.Info().Msg("scheduler stopped")
	return err
}

// cooperative interleaves every task on the calling goroutine
func (s *Scheduler) cooperative(ctx context.Context, entries []*entry) error {
	now := time.Now()
	for _, e := range entries {
		e.next = now
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		now = time.Now()
		wake := now.Add(time.Second)
		for _, e := range entries {
			if !now.Before(e.next) {
				if e.handle.Enabled() {
					s.invoke(ctx, e)
				}
				e.next = e.next.Add(e.task.Period)
				if e.next.Before(now) {
					// Fell behind; skip the missed periods rather than bursting
					e.next = now.Add(e.task.Period)
				}
			}
			if e.next.Before(wake) {
				wake = e.next
			}
		}

		timer.Reset(time.Until(wake))
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// concurrent runs one task on its own ticker
func (s *Scheduler) concurrent(ctx context.Context, e *entry) error {
	ticker := time.NewTicker(e.task.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if e.handle.Enabled() {
				s.invoke(ctx, e)
			}
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, e *entry) {
	e.handle.running.Lock()
	defer e.handle.running.Unlock()
	// Re-checked under the lock so a run never starts after Stop and Wait
	if !e.handle.Enabled() {
		return
	}
	err := e.task.Run(ctx)
	e.handle.runs.Add(1)
	if err != nil {
		// First few failures at warn, the rest at trace
		if e.handle.errs.Add(1) <= 3 {
			s.logger.Warn().Err(err).Str("task", e.task.Name).Msg("task failed")
		} else {
			s.logger.Trace().Err(err).Str("task", e.task.Name).Msg("task failed")
		}
	}
}
