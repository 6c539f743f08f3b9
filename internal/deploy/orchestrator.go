// Package deploy drives the verify, pull, build and restart pipeline. At
// most one attempt runs at a time; triggers arriving while the pipeline is
// busy are rejected, never queued.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/redeployr/internal/auth"
	"github.com/loykin/redeployr/internal/build"
	"github.com/loykin/redeployr/internal/history"
	"github.com/loykin/redeployr/internal/metrics"
	"github.com/loykin/redeployr/internal/source"
	"github.com/loykin/redeployr/internal/webhook"
)

// Puller updates the working directory to the tracked branch.
type Puller interface {
	Pull(ctx context.Context) (source.Result, error)
}

// Builder builds the working directory.
type Builder interface {
	Build(ctx context.Context, root, mode string) build.Report
}

// Restarter cycles every worker.
type Restarter interface {
	RestartAll(ctx context.Context) error
}

// Config holds the orchestrator settings.
type Config struct {
	Secret          string
	ManualToken     string
	ManualTokenHash string
	Branch          string
	RepoPath        string
	BuildMode       string
	PullTimeout     time.Duration
	BuildTimeout    time.Duration
	DeliveryTTL     time.Duration
	KeepAttempts    int
}

// Options carries the ambient collaborators.
type Options struct {
	Logger  *slog.Logger
	History []history.Sink
}

var ErrNoRestarter = errors.New("deploy: restarter is required")

// Orchestrator runs deploy attempts.
type Orchestrator struct {
	cfg       Config
	puller    Puller
	builder   Builder
	restarter Restarter
	log       *slog.Logger
	sinks     []history.Sink

	state      atomic.Int32
	deliveries *webhook.Deliveries
	recent     *ring

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders wg.Add against Close so no restart starts after Close.
	mu     sync.Mutex
	closed bool
}

// New builds an orchestrator. A nil puller or builder turns that stage into
// a no-op.
func New(cfg Config, puller Puller, builder Builder, restarter Restarter, opts Options) (*Orchestrator, error) {
	if restarter == nil {
		return nil, ErrNoRestarter
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		puller:     puller,
		builder:    builder,
		restarter:  restarter,
		log:        log.With("component", "deploy"),
		sinks:      opts.History,
		deliveries: webhook.NewDeliveries(cfg.DeliveryTTL),
		recent:     newRing(cfg.KeepAttempts),
		base:       base,
		cancel:     cancel,
	}, nil
}

func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Recent returns up to n attempts, newest first.
func (o *Orchestrator) Recent(n int) []Attempt { return o.recent.last(n) }

// Wait blocks until any background restart has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Close rejects further triggers, aborts in-flight pull and build stages and
// waits for a background restart to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

const msgShuttingDown = "shutting down"

func entryState(k TriggerKind) State {
	switch k {
	case TriggerDevChange, TriggerAdmin:
		return Restarting
	case TriggerSchedule:
		return Pulling
	default:
		return Verifying
	}
}

// Handle runs one attempt for t and returns its outcome. Pull and build run
// under the orchestrator's own lifetime, so a caller that goes away does not
// abort them. A successful attempt returns as soon as the restart has been
// decided; the restart itself completes in the background.
func (o *Orchestrator) Handle(ctx context.Context, t Trigger) Attempt {
	a := Attempt{
		ID:         uuid.NewString(),
		Trigger:    t.Kind,
		Actor:      t.Actor,
		DeliveryID: t.DeliveryID,
		StartedAt:  time.Now(),
	}
	if o.isClosed() {
		return o.finish(a, OutcomeBusy, msgShuttingDown, nil)
	}
	if !o.state.CompareAndSwap(int32(Idle), int32(entryState(t.Kind))) {
		return o.finish(a, OutcomeBusy, "another deploy is in progress", nil)
	}

	outcome, msg, err := o.run(&a, t)
	if outcome != OutcomeSuccess {
		o.state.Store(int32(Idle))
		if outcome == OutcomePullFailed || outcome == OutcomeBuildFailed {
			o.deliveries.Release(t.DeliveryID)
		}
		return o.finish(a, outcome, msg, err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.state.Store(int32(Idle))
		return o.finish(a, OutcomeBusy, msgShuttingDown, nil)
	}
	o.wg.Add(1)
	o.mu.Unlock()
	a = o.finish(a, OutcomeSuccess, msg, nil)
	go o.restart(ctx, a)
	return a
}

// run advances the state machine up to the restart decision.
func (o *Orchestrator) run(a *Attempt, t Trigger) (Outcome, string, error) {
	switch t.Kind {
	case TriggerPush:
		if out, msg, err := o.verifyPush(a, t); out != "" {
			return out, msg, err
		}
		return o.pullAndBuild(a, false)
	case TriggerManualToken:
		if !auth.CheckToken(t.Token, o.cfg.ManualToken, o.cfg.ManualTokenHash) {
			return OutcomeSignatureInvalid, "restart token rejected", auth.ErrInvalidCredentials
		}
		o.state.Store(int32(Restarting))
		return OutcomeSuccess, "restart requested with token", nil
	case TriggerSchedule:
		a.Branch = o.cfg.Branch
		return o.pullAndBuild(a, true)
	case TriggerDevChange, TriggerAdmin:
		return OutcomeSuccess, "restart requested", nil
	default:
		return OutcomeSkipped, fmt.Sprintf("unknown trigger %q", t.Kind), nil
	}
}

// verifyPush returns a terminal outcome, or "" when the push should deploy.
func (o *Orchestrator) verifyPush(a *Attempt, t Trigger) (Outcome, string, error) {
	if err := webhook.Check(t.Body, t.Signature, o.cfg.Secret); err != nil {
		return OutcomeSignatureInvalid, "signature rejected", err
	}
	switch t.Event {
	case "ping":
		return OutcomeSkipped, "ping", nil
	case "", "push":
	default:
		return OutcomeSkipped, fmt.Sprintf("ignored %s event", t.Event), nil
	}
	push, err := webhook.ParsePush(t.Body)
	if err != nil {
		return OutcomeSkipped, "unreadable push payload", err
	}
	a.Branch = push.Branch
	a.Commit = push.After
	if push.Branch == "" || push.Branch != o.cfg.Branch {
		return OutcomeSkipped, fmt.Sprintf("push to %s, tracking %s", push.Ref, o.cfg.Branch), nil
	}
	if push.Deleted {
		return OutcomeSkipped, "tracked branch deleted", nil
	}
	if !o.deliveries.Claim(t.DeliveryID) {
		return OutcomeSkipped, "duplicate delivery " + t.DeliveryID, nil
	}
	return "", "", nil
}

func (o *Orchestrator) pullAndBuild(a *Attempt, requireChange bool) (Outcome, string, error) {
	if o.puller != nil {
		o.state.Store(int32(Pulling))
		ctx, cancel := o.stageContext(o.cfg.PullTimeout)
		begin := time.Now()
		res, err := o.puller.Pull(ctx)
		cancel()
		metrics.ObserveStage("pull", time.Since(begin).Seconds())
		if err != nil {
			return OutcomePullFailed, "pull failed", err
		}
		a.Before, a.Commit = res.Before, res.After
		if requireChange && !res.Changed {
			return OutcomeSkipped, "no new commits", nil
		}
	}

	if o.builder != nil {
		o.state.Store(int32(Building))
		ctx, cancel := o.stageContext(o.cfg.BuildTimeout)
		rep := o.builder.Build(ctx, o.cfg.RepoPath, o.cfg.BuildMode)
		cancel()
		metrics.ObserveStage("build", rep.Duration.Seconds())
		if !rep.Success {
			a.Diagnostics = rep.Diagnostics
			return OutcomeBuildFailed, "build failed", rep.Err()
		}
	}

	o.state.Store(int32(Restarting))
	return OutcomeSuccess, "deploying " + shortSHA(a.Commit), nil
}

func (o *Orchestrator) stageContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(o.base, timeout)
	}
	return context.WithCancel(o.base)
}

func (o *Orchestrator) restart(ctx context.Context, a Attempt) {
	defer o.wg.Done()
	defer o.state.Store(int32(Idle))

	begin := time.Now()
	err := o.restarter.RestartAll(context.WithoutCancel(ctx))
	metrics.ObserveStage("restart", time.Since(begin).Seconds())
	o.recent.update(a.ID, func(r *Attempt) {
		r.RestartDone = true
		if err != nil {
			r.RestartError = err.Error()
		}
	})
	if err != nil {
		o.log.Error("restart failed", "attempt_id", a.ID, "trigger", a.Trigger, "error", err)
		return
	}
	o.log.Info("restart complete", "attempt_id", a.ID, "trigger", a.Trigger, "duration", time.Since(begin))
}

func (o *Orchestrator) finish(a Attempt, outcome Outcome, msg string, err error) Attempt {
	a.Outcome = outcome
	a.Message = msg
	if err != nil {
		a.Err = err.Error()
	}
	a.FinishedAt = time.Now()

	metrics.IncDeployAttempt(string(a.Trigger), string(outcome))
	attrs := []any{
		"attempt_id", a.ID,
		"trigger", a.Trigger,
		"outcome", outcome,
		"branch", a.Branch,
		"commit", shortSHA(a.Commit),
		"message", msg,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	switch outcome {
	case OutcomePullFailed, OutcomeBuildFailed:
		for _, d := range a.Diagnostics {
			o.log.Error("build diagnostic", "attempt_id", a.ID, "line", d.Line, "text", d.Text)
		}
		o.log.Error("deploy attempt failed", attrs...)
	case OutcomeSignatureInvalid, OutcomeBusy:
		o.log.Warn("deploy attempt rejected", attrs...)
	default:
		o.log.Info("deploy attempt", attrs...)
	}

	o.recent.add(a)
	if len(o.sinks) > 0 {
		go history.Publish(context.Background(), o.log, o.sinks, history.Event{
			Type:       history.EventDeploy,
			OccurredAt: a.FinishedAt,
			Record: history.Record{
				Status:    string(outcome),
				AttemptID: a.ID,
				Trigger:   string(a.Trigger),
				Branch:    a.Branch,
				Commit:    a.Commit,
				Error:     a.Err,
			},
		})
	}
	return a
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
