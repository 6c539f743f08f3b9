// Package cron fires named jobs on cron schedules. A tick is skipped while
// the previous run of the same job is still active.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	rcron "github.com/robfig/cron/v3"
)

// Job is a scheduled function. Schedule accepts standard five-field cron
// expressions and descriptors such as "@hourly" or "@every 5m".
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)

	running atomic.Bool
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if strings.TrimSpace(j.Schedule) == "" {
		return errors.New("cron job requires a schedule")
	}
	if j.Run == nil {
		return errors.New("cron job requires a function")
	}
	return nil
}

// Validate checks that expr parses as a schedule.
func Validate(expr string) error {
	if _, err := rcron.ParseStandard(strings.TrimSpace(expr)); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Scheduler runs jobs until Stop is called.
type Scheduler struct {
	c    *rcron.Cron
	log  *slog.Logger
	jobs []*Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
}

func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{c: rcron.New(), log: log.With("component", "cron"), ctx: ctx, cancel: cancel}
}

// Add registers job. It must be called before Start.
func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	if _, err := s.c.AddFunc(strings.TrimSpace(job.Schedule), func() { s.fire(job) }); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *Scheduler) fire(j *Job) {
	if !j.running.CompareAndSwap(false, true) {
		s.log.Debug("cron tick skipped, previous run active", "job", j.Name)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer j.running.Store(false)
	if s.ctx.Err() != nil {
		return
	}
	j.Run(s.ctx)
}

// Start launches the scheduler in the background.
func (s *Scheduler) Start() {
	s.start.Do(s.c.Start)
}

// Stop halts scheduling, cancels running jobs' context and waits for them
// to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.c.Stop()
	s.cancel()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
