// Package supervisor runs a fixed set of workers as child processes,
// respawns them when they crash and restarts them all on request.
//
// Every deliberate stop is tagged with the current restart epoch. An exit
// observed while a worker's stop tag equals the current epoch is the
// expected result of that stop; any other exit is a crash. Exit and
// respawn events are handled by a single loop goroutine so decisions for
// a worker are made one at a time.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loykin/redeployr/internal/history"
	"github.com/loykin/redeployr/internal/metrics"
	"github.com/loykin/redeployr/internal/process"
)

var (
	// ErrSpawn wraps failures to launch a worker command.
	ErrSpawn = errors.New("spawn failed")
	// ErrKillTimeout is reported when a worker survived SIGKILL.
	ErrKillTimeout = process.ErrKillTimeout
	ErrClosed      = errors.New("supervisor stopped")
	ErrStarted     = errors.New("supervisor already started")
)

type handle struct {
	spec      process.Spec
	proc      *process.Process
	state     State
	stopEpoch uint64 // epoch of the deliberate stop in progress; 0 when none
	restarts  int    // crash respawns
	starts    int
	streak    int // consecutive crashes, drives backoff
	startedAt time.Time
	lastErr   error
}

type exitEvent struct {
	h    *handle
	proc *process.Process
}

type respawnEvent struct {
	h     *handle
	epoch uint64
	proc  *process.Process
}

// Supervisor owns the workers. The zero value is not usable; use New.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	mu         sync.Mutex
	handles    []*handle
	byName     map[string]*handle
	epoch      uint64
	cycles     uint64
	restarting bool
	started    bool
	closed     bool

	events   chan any
	quit     chan struct{}
	quitOnce sync.Once
	loopDone chan struct{}

	// cycle is held for the duration of a restart cycle and by StopAll
	// before it tears the loop down.
	cycle chan struct{}
	sf    singleflight.Group
}

// New validates specs and builds a supervisor. Workers are not started.
func New(specs []process.Spec, opts Options) (*Supervisor, error) {
	opts.defaults()
	s := &Supervisor{
		opts:     opts,
		log:      opts.Logger,
		byName:   make(map[string]*handle, len(specs)),
		events:   make(chan any, 64),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		cycle:    make(chan struct{}, 1),
	}
	for _, sp := range specs {
		if sp.Name == "" {
			return nil, errors.New("worker name is required")
		}
		if _, dup := s.byName[sp.Name]; dup {
			return nil, fmt.Errorf("duplicate worker name %q", sp.Name)
		}
		h := &handle{spec: sp, state: Stopped}
		s.handles = append(s.handles, h)
		s.byName[sp.Name] = h
	}
	return s, nil
}

// StartAll reaps orphans left by a previous run and spawns every worker.
// A worker that fails to spawn is left Stopped; the others still start and
// all spawn errors are returned joined.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	s.mu.Unlock()

	go s.loop()

	for _, h := range s.handles {
		pid, err := process.ReapOrphan(h.spec.PIDFile, s.opts.StopGrace, s.opts.KillWait)
		if err != nil {
			s.log.Warn("orphan check failed", "worker", h.spec.Name, "pid_file", h.spec.PIDFile, "error", err)
		} else if pid > 0 {
			s.log.Warn("reaped orphaned worker", "worker", h.spec.Name, "pid", pid)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, h := range s.handles {
		if s.closed {
			errs = append(errs, ErrClosed)
			break
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.spawnLocked(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RestartAll stops every worker and starts it again. Concurrent callers
// share one cycle. Cancelling ctx abandons the wait, not the cycle.
func (s *Supervisor) RestartAll(ctx context.Context) error {
	ch := s.sf.DoChan("restart-all", func() (any, error) {
		return nil, s.restartAll(context.WithoutCancel(ctx))
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) restartAll(ctx context.Context) error {
	select {
	case s.cycle <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.cycle }()

	begin := time.Now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.epoch++
	epoch := s.epoch
	for _, h := range s.handles {
		h.stopEpoch = epoch
		if h.state.alive() {
			s.setStateLocked(h, Stopping)
		}
	}
	s.restarting = true
	s.mu.Unlock()
	s.log.Info("restarting all workers", "epoch", epoch)

	errs := make([]error, len(s.handles))
	var wg sync.WaitGroup
	for i, h := range s.handles {
		wg.Add(1)
		go func(i int, h *handle) {
			defer wg.Done()
			errs[i] = s.cycleWorker(h)
		}(i, h)
	}
	wg.Wait()

	s.mu.Lock()
	s.restarting = false
	s.cycles++
	s.mu.Unlock()

	took := time.Since(begin)
	metrics.ObserveRestartCycle(took.Seconds())
	err := errors.Join(errs...)
	if err != nil {
		s.log.Error("restart cycle finished with errors", "epoch", epoch, "duration", took, "error", err)
	} else {
		s.log.Info("restart cycle complete", "epoch", epoch, "duration", took)
	}
	return err
}

// cycleWorker stops one worker and spawns it again unless the supervisor
// was stopped meanwhile.
func (s *Supervisor) cycleWorker(h *handle) error {
	s.mu.Lock()
	p := h.proc
	s.mu.Unlock()

	var stopErr error
	if p != nil {
		stopErr = p.Stop(s.opts.StopGrace, s.opts.KillWait)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p != nil && stopErr == nil && h.proc == p && h.state == Stopping {
		s.recordStopLocked(h, p)
	}
	if s.closed {
		return nil
	}
	if stopErr != nil {
		h.lastErr = stopErr
		s.setStateLocked(h, Stopped)
		s.log.Error("worker did not stop; not respawning", "worker", h.spec.Name, "error", stopErr)
		return stopErr
	}
	s.setStateLocked(h, Stopped)
	h.streak = 0
	return s.spawnLocked(h)
}

// StopAll stops every worker and shuts the supervisor down. Once ctx is
// done, workers still running are sent SIGKILL without further waiting.
// An in-flight restart cycle is not allowed to respawn anything.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.loopDoneIfStarted()
		return nil
	}
	s.closed = true
	s.epoch++
	type target struct {
		h *handle
		p *process.Process
	}
	var targets []target
	for _, h := range s.handles {
		h.stopEpoch = s.epoch
		if h.proc != nil && h.state.alive() {
			s.setStateLocked(h, Stopping)
			targets = append(targets, target{h, h.proc})
		} else {
			s.setStateLocked(h, Stopped)
		}
	}
	s.mu.Unlock()
	s.log.Info("stopping all workers", "count", len(targets))

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			err := t.p.Stop(s.opts.StopGrace, s.opts.KillWait)
			s.mu.Lock()
			if err != nil {
				t.h.lastErr = err
			} else if t.h.proc == t.p {
				s.recordStopLocked(t.h, t.p)
			}
			s.setStateLocked(t.h, Stopped)
			s.mu.Unlock()
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(t)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		for _, t := range targets {
			t.p.Kill()
		}
		mu.Lock()
		errs = append(errs, ctx.Err())
		mu.Unlock()
	}

	// wait out a restart cycle that is still stopping workers
	select {
	case s.cycle <- struct{}{}:
		<-s.cycle
	case <-ctx.Done():
	}

	s.quitOnce.Do(func() { close(s.quit) })
	<-s.loopDoneIfStarted()

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(errs...)
}

func (s *Supervisor) loopDoneIfStarted() <-chan struct{} {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		c := make(chan struct{})
		close(c)
		return c
	}
	return s.loopDone
}

// spawnLocked launches a fresh process for h. The caller holds s.mu.
func (s *Supervisor) spawnLocked(h *handle) error {
	name := h.spec.Name
	s.setStateLocked(h, Starting)
	p := process.New(h.spec, s.opts.Output)
	if err := p.Start(s.opts.Env.Merge(h.spec.EnvOverrides())); err != nil {
		h.lastErr = fmt.Errorf("%w: %s: %v", ErrSpawn, name, err)
		s.setStateLocked(h, Stopped)
		s.log.Error("worker spawn failed", "worker", name, "command", h.spec.Command, "error", err)
		return h.lastErr
	}
	if err := p.PIDFileErr(); err != nil {
		s.log.Warn("worker pid file not written; orphan reaping disabled for this run", "worker", name, "error", err)
	}
	h.proc = p
	h.stopEpoch = 0
	h.starts++
	h.startedAt = time.Now()
	s.setStateLocked(h, Running)
	metrics.IncStart(name)
	s.publish(history.EventStart, h, p.PID(), "")
	s.log.Info("worker started", "worker", name, "pid", p.PID(), "port", h.spec.Port)

	go func() {
		<-p.Done()
		s.post(exitEvent{h: h, proc: p})
	}()
	return nil
}

func (s *Supervisor) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *Supervisor) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.events:
			switch ev := ev.(type) {
			case exitEvent:
				s.onExit(ev)
			case respawnEvent:
				s.onRespawn(ev)
			}
		}
	}
}

func (s *Supervisor) onExit(ev exitEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := ev.h
	if s.closed || h.proc != ev.proc {
		return
	}
	if h.stopEpoch != 0 && h.stopEpoch == s.epoch {
		// expected result of a deliberate stop; the stopper owns the state
		return
	}

	exitErr := ev.proc.ExitErr()
	if exitErr == nil {
		exitErr = errors.New("exited with status 0")
	}
	if time.Since(h.startedAt) >= s.opts.StableAfter {
		h.streak = 0
	}
	h.streak++
	h.restarts++
	h.lastErr = exitErr
	s.setStateLocked(h, Crashed)
	metrics.IncRestart(h.spec.Name)
	s.publish(history.EventCrash, h, ev.proc.PID(), exitErr.Error())

	delay := s.opts.Backoff.NextDelay(h.streak)
	s.log.Warn("worker exited unexpectedly; respawning",
		"worker", h.spec.Name, "pid", ev.proc.PID(), "error", exitErr, "restarts", h.restarts, "delay", delay)

	next := respawnEvent{h: h, epoch: s.epoch, proc: ev.proc}
	if delay <= 0 {
		go s.post(next)
		return
	}
	time.AfterFunc(delay, func() { s.post(next) })
}

func (s *Supervisor) onRespawn(ev respawnEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := ev.h
	if s.closed || ev.epoch != s.epoch || h.proc != ev.proc || h.state != Crashed {
		return
	}
	_ = s.spawnLocked(h)
}

func (s *Supervisor) setStateLocked(h *handle, to State) {
	from := h.state
	if from == to {
		return
	}
	h.state = to
	metrics.RecordStateTransition(h.spec.Name, from.String(), to.String())
}

func (s *Supervisor) recordStopLocked(h *handle, p *process.Process) {
	metrics.IncStop(h.spec.Name)
	s.publish(history.EventStop, h, p.PID(), "")
	s.log.Info("worker stopped", "worker", h.spec.Name, "pid", p.PID())
}

// publish hands an event to the history sinks without holding up the caller.
func (s *Supervisor) publish(t history.EventType, h *handle, pid int, errText string) {
	if len(s.opts.History) == 0 {
		return
	}
	e := history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			Name:     h.spec.Name,
			PID:      pid,
			Status:   h.state.String(),
			Restarts: h.restarts,
			Error:    errText,
		},
	}
	go history.Publish(context.Background(), s.log, s.opts.History, e)
}
