// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler runs the periodic background jobs: the daily
// subscriber DMs, the daily broadcast, the stat-cache warmer, and
// retention expiry. A single logical timeline, second resolution,
// drives every job; each job is guarded against overlapping its own
// previous run and a failure in one job never stops the others.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshstats/meshstats/lib/clock"
	"github.com/meshstats/meshstats/lib/cron"
)

// JobFunc is the work a scheduled job performs. A returned error is
// logged and recorded for the health endpoint; it never stops the
// scheduler or the job's future runs.
type JobFunc func(ctx context.Context) error

// Job is a point-in-time snapshot of one job's status, as surfaced by
// Status for the health endpoint.
type Job struct {
	Name      string
	LastRun   time.Time
	NextRun   time.Time
	LastError string
	Running   bool
}

type jobState struct {
	mu        sync.Mutex
	schedule  cron.Schedule
	fn        JobFunc
	running   bool
	lastRun   time.Time
	nextRun   time.Time
	lastError string
}

// Scheduler runs registered jobs on their cron schedules.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	jobs  map[string]*jobState
	order []string
}

// New builds an empty Scheduler. Register jobs with AddJob before
// calling Run.
func New(c clock.Clock, logger *slog.Logger) *Scheduler {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:  c,
		logger: logger,
		jobs:   make(map[string]*jobState),
	}
}

// AddJob registers a job under name on the given 5-field cron
// expression (UTC). Must be called before Run.
func (s *Scheduler) AddJob(name, cronExpr string, fn JobFunc) error {
	schedule, err := cron.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", name, err)
	}
	next, err := schedule.Next(s.clock.Now())
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}
	s.jobs[name] = &jobState{schedule: schedule, fn: fn, nextRun: next}
	s.order = append(s.order, name)
	return nil
}

// Run drives the scheduler until ctx is cancelled. Blocks.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every due, not-already-running job once, in registration
// order. Jobs run synchronously on the scheduler's own goroutine: a
// slow job delays the next job's check until it returns, which is
// acceptable for this small, infrequent job set.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, name := range order {
		s.mu.Lock()
		job := s.jobs[name]
		s.mu.Unlock()

		job.mu.Lock()
		due := !now.Before(job.nextRun) && !job.running
		if due {
			job.running = true
		}
		job.mu.Unlock()
		if !due {
			continue
		}

		s.runJob(ctx, name, job, now)
	}
}

func (s *Scheduler) runJob(ctx context.Context, name string, job *jobState, fireTime time.Time) {
	err := job.fn(ctx)
	next, nextErr := job.schedule.Next(s.clock.Now())

	job.mu.Lock()
	defer job.mu.Unlock()
	job.running = false
	job.lastRun = fireTime
	if err != nil {
		job.lastError = err.Error()
		s.logger.Error("scheduled job failed", "job", name, "error", err)
	} else {
		job.lastError = ""
	}
	if nextErr != nil {
		s.logger.Error("scheduled job has no next fire time", "job", name, "error", nextErr)
		return
	}
	job.nextRun = next
}

// Status returns a snapshot of every registered job, in registration
// order.
func (s *Scheduler) Status() []Job {
	s.mu.Lock()
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	out := make([]Job, 0, len(order))
	for _, name := range order {
		s.mu.Lock()
		job := s.jobs[name]
		s.mu.Unlock()

		job.mu.Lock()
		out = append(out, Job{
			Name:      name,
			LastRun:   job.lastRun,
			NextRun:   job.nextRun,
			LastError: job.lastError,
			Running:   job.running,
		})
		job.mu.Unlock()
	}
	return out
}
