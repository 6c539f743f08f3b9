package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/redeployr"
	"github.com/loykin/redeployr/internal/auth"
	"github.com/loykin/redeployr/internal/config"
	"github.com/loykin/redeployr/internal/webhook"
	"github.com/loykin/redeployr/pkg/client"
)

const defaultAPIURL = client.DefaultBaseURL

// apiClient is the part of pkg/client the commands use.
type apiClient interface {
	Status(ctx context.Context, withUsage bool) (*client.Status, error)
	Worker(ctx context.Context, name string) (*client.WorkerStatus, error)
	Deployments(ctx context.Context, limit int) ([]client.Deployment, error)
	Restart(ctx context.Context) (*client.HookResult, error)
	Redeploy(ctx context.Context, restartToken string) (*client.HookResult, error)
	Deliver(ctx context.Context, payload []byte, headers http.Header) (*client.HookResult, error)
}

func cmdServe(ctx context.Context, configPath string) error {
	if configPath == "" {
		return errors.New("--config is required")
	}
	cfg, err := redeployr.LoadConfig(configPath)
	if err != nil {
		return err
	}
	r, err := redeployr.New(cfg, redeployr.Options{})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return r.Run(ctx)
}

func cmdCheck(w io.Writer, configPath string) error {
	if configPath == "" {
		return errors.New("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "%s: ok (%s mode)\n", configPath, cfg.Mode)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "WORKER\tPORT\tCOMMAND")
	for _, wk := range cfg.Workers {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", wk.Name, wk.Port, wk.Command)
	}
	_, _ = fmt.Fprintln(tw, "ROUTE\tWORKER\t")
	for _, rt := range cfg.Routes {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t\n", rt.Prefix, rt.Worker)
	}
	_ = tw.Flush()
	if cfg.Deploy.BuildCommand != "" {
		_, _ = fmt.Fprintf(w, "build: %s (mode %s)\n", cfg.Deploy.BuildCommand, cfg.Deploy.BuildMode)
	}
	if cfg.Deploy.PollSchedule != "" {
		_, _ = fmt.Fprintf(w, "poll: %s\n", cfg.Deploy.PollSchedule)
	}
	if cfg.Admin.JWTSecret == "" {
		_, _ = fmt.Fprintln(w, "warning: admin API is unauthenticated (admin.jwt_secret is empty)")
	}
	return nil
}

// apiURL prefers --api-url, then the listen address and base path of
// --config, then the default.
func apiURL(g *GlobalFlags, f *APIFlags) string {
	if f.URL != "" {
		return f.URL
	}
	if g.ConfigPath == "" {
		return defaultAPIURL
	}
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return defaultAPIURL
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return defaultAPIURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	scheme := "http"
	if cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, port) + cfg.Server.BasePath
}

func newClient(g *GlobalFlags, f *APIFlags) *client.Client {
	return client.New(client.Config{
		BaseURL:  apiURL(g, f),
		Token:    f.Token,
		Timeout:  f.Timeout,
		Insecure: f.Insecure,
	})
}

func cmdStatus(ctx context.Context, w io.Writer, c apiClient, name string, usage, asJSON bool) error {
	if name != "" {
		ws, err := c.Worker(ctx, name)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(w, ws)
		}
		printWorkers(w, []client.WorkerStatus{*ws}, false)
		return nil
	}
	st, err := c.Status(ctx, usage)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(w, st)
	}
	_, _ = fmt.Fprintf(w, "deploy: %s\n", st.DeployState)
	printWorkers(w, st.Workers, usage)
	return nil
}

func printWorkers(w io.Writer, ws []client.WorkerStatus, usage bool) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	header := "NAME\tSTATE\tPID\tPORT\tRESTARTS\tUPTIME\tERROR"
	if usage {
		header += "\tCPU%\tRSS"
	}
	_, _ = fmt.Fprintln(tw, header)
	for _, s := range ws {
		uptime := "-"
		if !s.StartedAt.IsZero() && s.PID > 0 {
			uptime = time.Since(s.StartedAt).Truncate(time.Second).String()
		}
		line := fmt.Sprintf("%s\t%s\t%d\t%d\t%d\t%s\t%s", s.Name, s.State, s.PID, s.Port, s.Restarts, uptime, dash(s.LastError))
		if usage {
			line += fmt.Sprintf("\t%.1f\t%s", s.CPUPercent, humanBytes(s.RSSBytes))
		}
		_, _ = fmt.Fprintln(tw, line)
	}
	_ = tw.Flush()
}

func cmdDeployments(ctx context.Context, w io.Writer, c apiClient, limit int, asJSON bool) error {
	ds, err := c.Deployments(ctx, limit)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(w, ds)
	}
	if len(ds) == 0 {
		_, _ = fmt.Fprintln(w, "no deployments yet")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tTRIGGER\tOUTCOME\tCOMMIT\tRESTART\tMESSAGE")
	for _, d := range ds {
		restart := "-"
		switch {
		case d.RestartError != "":
			restart = "failed"
		case d.RestartDone:
			restart = "done"
		case d.Outcome == "success":
			restart = "pending"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.StartedAt.Local().Format(time.DateTime), d.Trigger, d.Outcome, dash(shortSHA(d.Commit)), restart, dash(d.Message))
		for _, diag := range d.Diagnostics {
			_, _ = fmt.Fprintf(tw, "\t\t\t\t\t  %s\n", diag.Text)
		}
	}
	return tw.Flush()
}

func cmdRestart(ctx context.Context, w io.Writer, c apiClient, asJSON bool) error {
	res, err := c.Restart(ctx)
	return printHookResult(w, res, err, asJSON)
}

func cmdRedeploy(ctx context.Context, w io.Writer, c apiClient, restartToken string, asJSON bool) error {
	res, err := c.Redeploy(ctx, restartToken)
	return printHookResult(w, res, err, asJSON)
}

func printHookResult(w io.Writer, res *client.HookResult, err error, asJSON bool) error {
	if res == nil {
		return err
	}
	if asJSON {
		if perr := printJSON(w, res); perr != nil {
			return perr
		}
		return err
	}
	_, _ = fmt.Fprintf(w, "%s: %s", res.Outcome, dash(res.Message))
	if res.Commit != "" {
		_, _ = fmt.Fprintf(w, " (%s)", shortSHA(res.Commit))
	}
	_, _ = fmt.Fprintln(w)
	for _, d := range res.Diagnostics {
		_, _ = fmt.Fprintf(w, "  %s\n", d)
	}
	return err
}

// loadOptional loads the config when a path is given; commands that only
// need a secret fall back to flags without one.
func loadOptional(path string) (*config.Config, error) {
	if path == "" {
		return nil, nil
	}
	return config.Load(path)
}

func cmdTokenIssue(w io.Writer, configPath string, f TokenFlags) error {
	cfg := auth.Config{JWTSecret: f.Secret, TokenTTL: f.TTL}
	if f.Secret == "" {
		c, err := loadOptional(configPath)
		if err != nil {
			return err
		}
		if c == nil || c.Admin.JWTSecret == "" {
			return errors.New("no signing secret: pass --secret or set admin.jwt_secret in --config")
		}
		cfg = c.Admin
		if f.TTL > 0 {
			cfg.TokenTTL = f.TTL
		}
	}
	for _, r := range f.Roles {
		if r != auth.RoleViewer && r != auth.RoleOperator {
			return fmt.Errorf("unknown role %q (want %s or %s)", r, auth.RoleViewer, auth.RoleOperator)
		}
	}
	svc, err := auth.NewService(cfg)
	if err != nil {
		return err
	}
	tok, err := svc.Issue(f.Subject, f.Roles, 0)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, tok.Value)
	return nil
}

func cmdTokenHash(w io.Writer, token string, cost int) error {
	h, err := auth.HashToken(token, cost)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, h)
	return nil
}

func cmdSign(ctx context.Context, w io.Writer, configPath, payloadPath string, f SignFlags, c apiClient) error {
	body, err := os.ReadFile(payloadPath)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	secret := f.Secret
	if secret == "" {
		cfg, err := loadOptional(configPath)
		if err != nil {
			return err
		}
		if cfg == nil || cfg.Deploy.Secret == "" {
			return errors.New("no webhook secret: pass --secret or set deploy.secret in --config")
		}
		secret = cfg.Deploy.Secret
	}
	sig := webhook.Sign(body, secret)
	if c == nil {
		_, _ = fmt.Fprintf(w, "%s: %s\n", webhook.HeaderSignature, sig)
		return nil
	}

	delivery := f.Delivery
	if delivery == "" {
		delivery = uuid.NewString()
	}
	h := http.Header{}
	h.Set(webhook.HeaderSignature, sig)
	h.Set(webhook.HeaderEvent, f.Event)
	h.Set(webhook.HeaderDelivery, delivery)
	h.Set("Content-Type", "application/json")
	res, err := c.Deliver(ctx, body, h)
	return printHookResult(w, res, err, false)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
