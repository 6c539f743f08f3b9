package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/loykin/redeployr/internal/auth"
	"github.com/loykin/redeployr/internal/config"
	"github.com/loykin/redeployr/internal/deploy"
	"github.com/loykin/redeployr/internal/metrics"
	"github.com/loykin/redeployr/internal/supervisor"
)

// Supervisor is the read side of the process supervisor.
type Supervisor interface {
	Status(withUsage bool) []supervisor.WorkerStatus
	Worker(name string) (supervisor.WorkerStatus, bool)
}

// Orchestrator accepts deploy triggers.
type Orchestrator interface {
	Handle(ctx context.Context, t deploy.Trigger) deploy.Attempt
	State() deploy.State
	Recent(n int) []deploy.Attempt
}

// Options configures the front router.
type Options struct {
	BasePath     string
	MaxBodyBytes int64
	RateLimit    float64 // webhook requests per second; 0 disables limiting
	Burst        int
	Metrics      bool
	Auth         *auth.Middleware
	Logger       *slog.Logger
}

// Router serves the admin API and webhook endpoint under BasePath and
// forwards every other request to the worker proxy.
//
//	POST {base}/hook          webhook (signature or restart token)
//	GET  {base}/healthz       liveness, unauthenticated
//	GET  {base}/status        workers and orchestrator state (?usage=1 samples CPU/RSS)
//	GET  {base}/status/:name  one worker
//	GET  {base}/deployments   recent attempts (?limit=N)
//	POST {base}/restart       restart all workers
//	GET  {base}/metrics       Prometheus metrics when enabled
type Router struct {
	sup      Supervisor
	orch     Orchestrator
	front    http.Handler
	opts     Options
	basePath string
	limiter  *rate.Limiter
	log      *slog.Logger
}

func NewRouter(sup Supervisor, orch Orchestrator, front http.Handler, opts Options) *Router {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		sup:      sup,
		orch:     orch,
		front:    front,
		opts:     opts,
		basePath: normalizeBasePath(opts.BasePath),
		log:      log.With("component", "server"),
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return r
}

// Handler returns an http.Handler powered by gin.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.RedirectTrailingSlash = false
	g.RedirectFixedPath = false
	g.Use(gin.Recovery())

	group := g.Group(r.basePath)
	group.POST("/hook", r.handleHook)
	group.GET("/healthz", r.handleHealth)
	if r.opts.Metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	admin := group.Group("", r.opts.Auth.GinAuth())
	admin.GET("/status", r.opts.Auth.GinRequireRole(auth.RoleViewer), r.handleStatus)
	admin.GET("/status/:name", r.opts.Auth.GinRequireRole(auth.RoleViewer), r.handleWorker)
	admin.GET("/deployments", r.opts.Auth.GinRequireRole(auth.RoleViewer), r.handleDeployments)
	admin.POST("/restart", r.opts.Auth.GinRequireRole(auth.RoleOperator), r.handleRestart)

	if r.front != nil {
		g.NoRoute(gin.WrapH(r.front))
	}
	return g
}

// NewServer builds the front HTTP server. WriteTimeout stays zero so
// proxied responses can stream.
func NewServer(cfg config.ServerConfig, h http.Handler) *http.Server {
	readHeader := cfg.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = 10 * time.Second
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 120 * time.Second
	}
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		ReadHeaderTimeout: readHeader,
		IdleTimeout:       idle,
	}
}

// --- Handlers ---

type hookResp struct {
	ID          string             `json:"id"`
	Outcome     deploy.Outcome     `json:"outcome"`
	Trigger     deploy.TriggerKind `json:"trigger"`
	Branch      string             `json:"branch,omitempty"`
	Commit      string             `json:"commit,omitempty"`
	Message     string             `json:"message,omitempty"`
	Diagnostics []string           `json:"diagnostics,omitempty"`
}

func attemptResp(a deploy.Attempt) hookResp {
	out := hookResp{
		ID:      a.ID,
		Outcome: a.Outcome,
		Trigger: a.Trigger,
		Branch:  a.Branch,
		Commit:  a.Commit,
		Message: a.Message,
	}
	for _, d := range a.Diagnostics {
		out.Diagnostics = append(out.Diagnostics, d.Text)
	}
	return out
}

func (r *Router) handleHook(c *gin.Context) {
	if r.limiter != nil && !r.limiter.Allow() {
		r.log.Warn("webhook rate limited", "remote", c.ClientIP())
		writeError(c, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, r.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(c, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	a := r.orch.Handle(c.Request.Context(), deploy.TriggerFromRequest(c.Request.Header, body))
	writeJSON(c, a.HTTPStatus(), attemptResp(a))
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "deploy_state": r.orch.State().String()})
}

type statusResp struct {
	DeployState string                    `json:"deploy_state"`
	Workers     []supervisor.WorkerStatus `json:"workers"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, statusResp{
		DeployState: r.orch.State().String(),
		Workers:     r.sup.Status(queryBool(c, "usage")),
	})
}

func (r *Router) handleWorker(c *gin.Context) {
	ws, ok := r.sup.Worker(c.Param("name"))
	if !ok {
		writeError(c, http.StatusNotFound, "unknown worker "+c.Param("name"))
		return
	}
	writeJSON(c, http.StatusOK, ws)
}

func (r *Router) handleDeployments(c *gin.Context) {
	limit, ok := queryLimit(c, defaultDeploymentsLimit)
	if !ok {
		writeError(c, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	writeJSON(c, http.StatusOK, r.orch.Recent(limit))
}

func (r *Router) handleRestart(c *gin.Context) {
	a := r.orch.Handle(c.Request.Context(), deploy.Trigger{Kind: deploy.TriggerAdmin, Actor: actorOf(c)})
	writeJSON(c, a.HTTPStatus(), attemptResp(a))
}
