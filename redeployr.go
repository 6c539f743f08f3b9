// Package redeployr runs a small set of web workers behind one front port
// and redeploys them when their repository changes.
package redeployr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/redeployr/internal/auth"
	"github.com/loykin/redeployr/internal/build"
	"github.com/loykin/redeployr/internal/config"
	"github.com/loykin/redeployr/internal/cron"
	"github.com/loykin/redeployr/internal/deploy"
	"github.com/loykin/redeployr/internal/devwatch"
	"github.com/loykin/redeployr/internal/env"
	"github.com/loykin/redeployr/internal/history"
	"github.com/loykin/redeployr/internal/history/factory"
	"github.com/loykin/redeployr/internal/logger"
	"github.com/loykin/redeployr/internal/metrics"
	"github.com/loykin/redeployr/internal/process"
	"github.com/loykin/redeployr/internal/proxy"
	"github.com/loykin/redeployr/internal/server"
	"github.com/loykin/redeployr/internal/source"
	"github.com/loykin/redeployr/internal/supervisor"
	itls "github.com/loykin/redeployr/internal/tls"
)

// Re-export types embedders need. These are aliases so conversions are zero-cost.

type Config = config.Config

type Attempt = deploy.Attempt

type Trigger = deploy.Trigger

type WorkerStatus = supervisor.WorkerStatus

type HistorySink = history.Sink

const (
	TriggerPush      = deploy.TriggerPush
	TriggerDevChange = deploy.TriggerDevChange
	TriggerSchedule  = deploy.TriggerSchedule
	TriggerAdmin     = deploy.TriggerAdmin
)

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Options carries collaborators that are not part of the configuration file.
type Options struct {
	// Logger overrides the logger built from the [log] section.
	Logger *slog.Logger
	// Console receives the supervisor log and tagged worker output.
	// Defaults to os.Stderr.
	Console io.Writer
	// Registerer receives the Prometheus collectors when metrics are
	// enabled. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// History adds sinks to those built from [history] sinks.
	History []HistorySink
}

// Redeployr owns every long-running component.
type Redeployr struct {
	cfg *config.Config
	log *slog.Logger

	sinks   []history.Sink
	sup     *supervisor.Supervisor
	proxy   *proxy.Router
	orch    *deploy.Orchestrator
	sched   *cron.Scheduler
	watcher *devwatch.Watcher
	usage   *metrics.UsageCollector
	router  *server.Router
	srv     *http.Server

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	bg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// New builds every component from cfg without starting anything.
func New(cfg *config.Config, opts Options) (*Redeployr, error) {
	if cfg == nil {
		return nil, errors.New("redeployr: config is required")
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	log := opts.Logger
	if log == nil {
		log = logger.New(cfg.LoggerConfig(), console)
	}

	r := &Redeployr{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			history.CloseAll(r.sinks)
		}
	}()

	sinks, err := factory.NewSinks(cfg.History.Sinks)
	if err != nil {
		return nil, err
	}
	r.sinks = append(sinks, opts.History...)

	if cfg.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		r.usage = metrics.NewUsageCollector(metrics.UsageConfig{Enabled: cfg.Metrics.Usage, Interval: cfg.Metrics.UsageInterval})
		if err := r.usage.RegisterMetrics(reg); err != nil {
			return nil, fmt.Errorf("register usage metrics: %w", err)
		}
	}

	globals, err := cfg.GlobalEnv()
	if err != nil {
		return nil, err
	}
	e := env.New()
	e.FromOS()
	e = e.WithPairs(globals)

	r.sup, err = supervisor.New(cfg.WorkerSpecs(), supervisor.Options{
		StopGrace:   cfg.Supervisor.StopGrace,
		KillWait:    cfg.Supervisor.KillWait,
		StableAfter: cfg.Supervisor.StableAfter,
		Backoff:     supervisor.Backoff{Initial: cfg.Supervisor.CrashBackoff, Max: cfg.Supervisor.CrashBackoffMax},
		Env:         e,
		Output:      process.Output{Stdout: console, Stderr: console},
		Logger:      log.With("component", "supervisor"),
		History:     r.sinks,
	})
	if err != nil {
		return nil, err
	}

	r.proxy, err = proxy.New(cfg.ProxyRoutes(), cfg.Ports(), log)
	if err != nil {
		return nil, err
	}

	runner, err := build.NewRunner(cfg.Deploy.BuildCommand, cfg.Deploy.DiagnosticPatterns, cfg.Deploy.BuildTimeout, globals)
	if err != nil {
		return nil, err
	}
	var puller deploy.Puller
	if cfg.Deploy.RepoPath != "" && cfg.Deploy.Branch != "" {
		puller = source.Updater{Dir: cfg.Deploy.RepoPath, Remote: cfg.Deploy.Remote, Branch: cfg.Deploy.Branch}
	}
	r.orch, err = deploy.New(deploy.Config{
		Secret:          cfg.Deploy.Secret,
		ManualToken:     cfg.Deploy.ManualToken,
		ManualTokenHash: cfg.Deploy.ManualTokenHash,
		Branch:          cfg.Deploy.Branch,
		RepoPath:        cfg.Deploy.RepoPath,
		BuildMode:       cfg.Deploy.BuildMode,
		PullTimeout:     cfg.Deploy.PullTimeout,
		BuildTimeout:    cfg.Deploy.BuildTimeout,
		DeliveryTTL:     cfg.Deploy.DeliveryTTL,
		KeepAttempts:    cfg.Deploy.KeepAttempts,
	}, puller, runner, r.sup, deploy.Options{Logger: log, History: r.sinks})
	if err != nil {
		return nil, err
	}

	if cfg.Deploy.PollSchedule != "" {
		r.sched = cron.NewScheduler(log)
		if err := r.sched.Add(&cron.Job{
			Name:     "poll",
			Schedule: cfg.Deploy.PollSchedule,
			Run: func(ctx context.Context) {
				r.orch.Handle(ctx, deploy.Trigger{Kind: deploy.TriggerSchedule, Actor: "cron"})
			},
		}); err != nil {
			return nil, err
		}
	}

	if cfg.Development() && len(cfg.Dev.Paths) > 0 {
		r.watcher, err = devwatch.New(cfg.Dev, log)
		if err != nil {
			return nil, err
		}
	}

	var mw *auth.Middleware
	if cfg.Admin.JWTSecret != "" {
		svc, err := auth.NewService(cfg.Admin)
		if err != nil {
			return nil, err
		}
		mw = auth.NewMiddleware(svc)
	} else {
		log.Warn("admin API is unauthenticated; set admin.jwt_secret to require tokens")
	}

	r.router = server.NewRouter(r.sup, r.orch, r.proxy, server.Options{
		BasePath:     cfg.Server.BasePath,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RateLimit:    cfg.Deploy.RateLimit,
		Burst:        cfg.Deploy.Burst,
		Metrics:      cfg.Metrics.Enabled,
		Auth:         mw,
		Logger:       log,
	})
	r.srv = server.NewServer(cfg.Server, r.router.Handler())
	tlsCfg, err := itls.SetupTLS(cfg.Server)
	if err != nil {
		return nil, err
	}
	r.srv.TLSConfig = tlsCfg

	ok = true
	return r, nil
}

// Handler is the front handler: admin API and webhook under the base path,
// every other request proxied to a worker. Embedders that serve it
// themselves call Start instead of Run.
func (r *Redeployr) Handler() http.Handler { return r.srv.Handler }

func (r *Redeployr) Logger() *slog.Logger { return r.log }

// Status lists every worker.
func (r *Redeployr) Status(withUsage bool) []WorkerStatus { return r.sup.Status(withUsage) }

// Deploy runs one deploy attempt synchronously. Only the restart after a
// successful build runs in the background.
func (r *Redeployr) Deploy(ctx context.Context, t Trigger) Attempt { return r.orch.Handle(ctx, t) }

// Recent returns up to n recent deploy attempts, newest first.
func (r *Redeployr) Recent(n int) []Attempt { return r.orch.Recent(n) }

// RestartAll cycles every worker without pulling or building.
func (r *Redeployr) RestartAll(ctx context.Context) error { return r.sup.RestartAll(ctx) }

// Start spawns the workers and the background triggers. It does not listen.
func (r *Redeployr) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("redeployr: already started")
	}
	r.started = true
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.mu.Unlock()

	r.log.Info("starting workers", "workers", r.sup.Names(), "mode", r.cfg.Mode)
	if err := r.sup.StartAll(ctx); err != nil {
		r.log.Error("some workers failed to start", "error", err)
	}

	if r.usage != nil {
		r.usage.Start(bgCtx, r.sup.PIDs)
	}
	if r.sched != nil {
		r.sched.Start()
		r.log.Info("polling repository", "schedule", r.cfg.Deploy.PollSchedule)
	}
	if r.watcher != nil {
		r.bg.Add(1)
		go func() {
			defer r.bg.Done()
			err := r.watcher.Run(bgCtx, func(changed []string) {
				r.orch.Handle(bgCtx, deploy.Trigger{Kind: deploy.TriggerDevChange, Actor: changed[0]})
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("file watcher stopped", "error", err)
			}
		}()
		r.log.Info("watching for changes", "paths", r.cfg.Dev.Paths)
	}
	return nil
}

// Serve accepts front connections on ln until Shutdown.
func (r *Redeployr) Serve(ln net.Listener) error {
	var err error
	if r.srv.TLSConfig != nil {
		err = r.srv.ServeTLS(ln, "", "")
	} else {
		err = r.srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run starts everything, listens on server.listen and blocks until ctx is
// done, then shuts down within supervisor.shutdown_timeout.
func (r *Redeployr) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.srv.Addr, err)
	}
	if err := r.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	r.log.Info("listening", "addr", ln.Addr().String(), "base_path", r.cfg.Server.BasePath, "tls", r.srv.TLSConfig != nil)

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.Serve(ln) }()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			r.log.Error("front server failed", "error", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout())
	defer cancel()
	return errors.Join(err, r.Shutdown(sctx))
}

func (r *Redeployr) shutdownTimeout() time.Duration {
	if d := r.cfg.Supervisor.ShutdownTimeout; d > 0 {
		return d
	}
	return 15 * time.Second
}

// Shutdown stops triggers, waits for an in-flight deploy, stops every
// worker and closes the front server. Safe to call more than once.
func (r *Redeployr) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.log.Info("shutting down")
		var errs []error

		r.mu.Lock()
		if r.cancel != nil {
			r.cancel()
		}
		r.mu.Unlock()

		// aborts an in-flight pull or build so triggers return promptly
		r.orch.Close()
		if r.sched != nil {
			if err := r.sched.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		r.bg.Wait()
		r.orch.Wait()
		if r.usage != nil {
			r.usage.Stop()
		}

		if err := r.sup.StopAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		}
		if err := r.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("front server: %w", err))
		}
		history.CloseAll(r.sinks)
		r.stopErr = errors.Join(errs...)
	})
	return r.stopErr
}
