package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/redeployr/internal/auth"
	"github.com/loykin/redeployr/internal/cron"
	"github.com/loykin/redeployr/internal/devwatch"
	"github.com/loykin/redeployr/internal/logger"
	"github.com/loykin/redeployr/internal/process"
	"github.com/loykin/redeployr/internal/proxy"
)

// ErrInvalid wraps every configuration problem found at startup.
var ErrInvalid = errors.New("invalid configuration")

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"

	EnvPrefix       = "REDEPLOYR"
	DefaultBasePath = "/_redeployr"
	DefaultListen   = ":8080"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Mode       string           `mapstructure:"mode"`
	Env        []string         `mapstructure:"env"`
	EnvFiles   []string         `mapstructure:"env_files"`
	Server     ServerConfig     `mapstructure:"server"`
	Workers    []WorkerConfig   `mapstructure:"workers"`
	Routes     []RouteConfig    `mapstructure:"routes"`
	Deploy     DeployConfig     `mapstructure:"deploy"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Admin      auth.Config      `mapstructure:"admin"`
	History    HistoryConfig    `mapstructure:"history"`
	Dev        devwatch.Config  `mapstructure:"dev"`
}

type ServerConfig struct {
	Listen            string        `mapstructure:"listen"`
	BasePath          string        `mapstructure:"base_path"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	TLS               *TLSConfig    `mapstructure:"tls"`
	TLSMinVersion     string        `mapstructure:"tls_min_version"`
	TLSMaxVersion     string        `mapstructure:"tls_max_version"`
}

type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type WorkerConfig struct {
	Name    string         `mapstructure:"name"`
	Command string         `mapstructure:"command"`
	Port    int            `mapstructure:"port"`
	Env     []string       `mapstructure:"env"`
	WorkDir string         `mapstructure:"workdir"`
	PIDFile string         `mapstructure:"pidfile"`
	Log     *LogFileConfig `mapstructure:"log"`
}

type RouteConfig struct {
	Prefix string `mapstructure:"prefix"`
	Worker string `mapstructure:"worker"`
}

type DeployConfig struct {
	Secret             string        `mapstructure:"secret"`
	ManualToken        string        `mapstructure:"manual_token"`
	ManualTokenHash    string        `mapstructure:"manual_token_hash"`
	RepoPath           string        `mapstructure:"repo_path"`
	Remote             string        `mapstructure:"remote"`
	Branch             string        `mapstructure:"branch"`
	BuildCommand       string        `mapstructure:"build_command"`
	BuildMode          string        `mapstructure:"build_mode"`
	DiagnosticPatterns []string      `mapstructure:"diagnostic_patterns"`
	PullTimeout        time.Duration `mapstructure:"pull_timeout"`
	BuildTimeout       time.Duration `mapstructure:"build_timeout"`
	PollSchedule       string        `mapstructure:"poll_schedule"`
	RateLimit          float64       `mapstructure:"rate_limit"` // webhook requests per second; 0 disables
	Burst              int           `mapstructure:"burst"`
	DeliveryTTL        time.Duration `mapstructure:"delivery_ttl"`
	KeepAttempts       int           `mapstructure:"keep_attempts"`
}

type SupervisorConfig struct {
	StopGrace       time.Duration `mapstructure:"stop_grace"`
	KillWait        time.Duration `mapstructure:"kill_wait"`
	StableAfter     time.Duration `mapstructure:"stable_after"`
	CrashBackoff    time.Duration `mapstructure:"crash_backoff"`
	CrashBackoffMax time.Duration `mapstructure:"crash_backoff_max"`
	PIDDir          string        `mapstructure:"pid_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures the supervisor log and the default rotation for
// worker output files.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	File       string `mapstructure:"file"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// LogFileConfig overrides worker output files per worker.
type LogFileConfig struct {
	Dir        string `mapstructure:"dir"`
	Stdout     string `mapstructure:"stdout"`
	Stderr     string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Usage         bool          `mapstructure:"usage"`
	UsageInterval time.Duration `mapstructure:"usage_interval"`
}

// HistoryConfig lists sink DSNs, e.g. "sqlite:///var/lib/redeployr/history.db"
// or "clickhouse://localhost:9000/default".
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

// Config is a loaded and validated configuration.
type Config struct {
	FileConfig
	Path string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", ModeProduction)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("deploy.secret", "")
	v.SetDefault("deploy.manual_token", "")
	v.SetDefault("deploy.manual_token_hash", "")
	v.SetDefault("deploy.repo_path", "")
	v.SetDefault("deploy.remote", "origin")
	v.SetDefault("deploy.branch", "")
	v.SetDefault("deploy.build_command", "")
	v.SetDefault("deploy.build_mode", "")
	v.SetDefault("deploy.pull_timeout", "2m")
	v.SetDefault("deploy.build_timeout", "10m")
	v.SetDefault("deploy.poll_schedule", "")
	v.SetDefault("deploy.rate_limit", 1.0)
	v.SetDefault("deploy.burst", 5)
	v.SetDefault("deploy.delivery_ttl", "1h")
	v.SetDefault("deploy.keep_attempts", 50)
	v.SetDefault("supervisor.stop_grace", "5s")
	v.SetDefault("supervisor.kill_wait", "2s")
	v.SetDefault("supervisor.stable_after", "30s")
	v.SetDefault("supervisor.shutdown_timeout", "15s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.usage_interval", "10s")
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.token_ttl", "24h")
	v.SetDefault("dev.debounce", "300ms")
	return v
}

// Load reads the TOML file at path, applies REDEPLOYR_* environment
// overrides and validates the result. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c := &Config{FileConfig: fc, Path: path}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Deploy.BuildMode == "" {
		c.Deploy.BuildMode = c.Mode
	}
	c.Server.BasePath = "/" + strings.Trim(c.Server.BasePath, "/")
	if len(c.Routes) == 0 {
		c.Routes = c.defaultRoutes()
	}
	if c.Dev.Debounce <= 0 {
		c.Dev.Debounce = devwatch.DefaultDebounce
	}
	if len(c.Dev.Paths) == 0 && c.Deploy.RepoPath != "" {
		c.Dev.Paths = []string{c.Deploy.RepoPath}
	}
}

// defaultRoutes sends /webhook to the "webhook" worker and everything else
// to "app", or everything to the only worker when there is just one.
func (c *Config) defaultRoutes() []RouteConfig {
	names := map[string]bool{}
	for _, w := range c.Workers {
		names[w.Name] = true
	}
	var routes []RouteConfig
	if names["webhook"] {
		routes = append(routes, RouteConfig{Prefix: "/webhook", Worker: "webhook"})
	}
	switch {
	case names["app"]:
		routes = append(routes, RouteConfig{Prefix: "/", Worker: "app"})
	case len(c.Workers) == 1:
		routes = append(routes, RouteConfig{Prefix: "/", Worker: c.Workers[0].Name})
	}
	return routes
}

// Validate reports every problem at once, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if c.Mode != ModeDevelopment && c.Mode != ModeProduction {
		add("mode must be %q or %q, got %q", ModeDevelopment, ModeProduction, c.Mode)
	}

	if len(c.Workers) == 0 {
		add("no workers configured")
	}
	names := map[string]bool{}
	ports := map[int]string{}
	for i, w := range c.Workers {
		switch {
		case w.Name == "":
			add("workers[%d]: name is required", i)
		case names[w.Name]:
			add("workers[%d]: duplicate worker name %q", i, w.Name)
		}
		names[w.Name] = true
		if strings.TrimSpace(w.Command) == "" {
			add("worker %q: command is required", w.Name)
		}
		if w.Port <= 0 || w.Port > 65535 {
			add("worker %q: port %d out of range", w.Name, w.Port)
		} else if other, dup := ports[w.Port]; dup {
			add("worker %q: port %d already used by %q", w.Name, w.Port, other)
		} else {
			ports[w.Port] = w.Name
		}
	}
	if lp := listenPort(c.Server.Listen); lp > 0 {
		if other, dup := ports[lp]; dup {
			add("server.listen port %d collides with worker %q", lp, other)
		}
	}

	if len(c.Routes) == 0 && len(c.Workers) > 0 {
		add("no routes configured and no default applies")
	}
	prefixes := map[string]bool{}
	for _, r := range c.Routes {
		if !strings.HasPrefix(r.Prefix, "/") {
			add("route %q: prefix must start with /", r.Prefix)
		}
		if !names[r.Worker] {
			add("route %q: unknown worker %q", r.Prefix, r.Worker)
		}
		if prefixes[r.Prefix] {
			add("route %q: duplicate prefix", r.Prefix)
		}
		prefixes[r.Prefix] = true
	}
	if c.Server.BasePath == "/" {
		add("server.base_path must not be /")
	}

	if c.Mode == ModeProduction {
		if c.Deploy.Secret == "" {
			add("deploy.secret is required in production")
		}
		if c.Deploy.RepoPath == "" {
			add("deploy.repo_path is required in production")
		}
		if c.Deploy.Branch == "" {
			add("deploy.branch is required in production")
		}
	}
	if h := c.Deploy.ManualTokenHash; h != "" && !strings.HasPrefix(h, "$2") {
		add("deploy.manual_token_hash is not a bcrypt hash")
	}
	for _, p := range c.Deploy.DiagnosticPatterns {
		if _, err := regexp.Compile(p); err != nil {
			add("deploy.diagnostic_patterns: %v", err)
		}
	}
	if c.Deploy.PollSchedule != "" {
		if err := cron.Validate(c.Deploy.PollSchedule); err != nil {
			add("deploy.poll_schedule: %v", err)
		}
		if c.Deploy.Branch == "" || c.Deploy.RepoPath == "" {
			add("deploy.poll_schedule requires deploy.repo_path and deploy.branch")
		}
	}
	if c.Deploy.RateLimit < 0 {
		add("deploy.rate_limit must not be negative")
	}
	if c.Supervisor.CrashBackoffMax > 0 && c.Supervisor.CrashBackoffMax < c.Supervisor.CrashBackoff {
		add("supervisor.crash_backoff_max is below supervisor.crash_backoff")
	}
	if t := c.Server.TLS; t != nil && t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		add("server.tls: cert_file and key_file must be set together")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

func (c *Config) Development() bool { return c.Mode == ModeDevelopment }

// LoggerConfig returns the supervisor logger settings.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Color:  c.Log.Color,
		Output: c.Log.File,
		File:   c.baseFileConfig(),
	}
}

func (c *Config) baseFileConfig() logger.FileConfig {
	return logger.FileConfig{
		Dir:        c.Log.Dir,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// WorkerSpecs converts worker entries into process specs. Per-worker log
// settings override the global [log] rotation settings.
func (c *Config) WorkerSpecs() []process.Spec {
	out := make([]process.Spec, 0, len(c.Workers))
	for _, w := range c.Workers {
		logCfg := c.baseFileConfig()
		if l := w.Log; l != nil {
			if l.Dir != "" {
				logCfg.Dir = l.Dir
			}
			if l.Stdout != "" {
				logCfg.StdoutPath = l.Stdout
			}
			if l.Stderr != "" {
				logCfg.StderrPath = l.Stderr
			}
			if l.MaxSizeMB != 0 {
				logCfg.MaxSizeMB = l.MaxSizeMB
			}
			if l.MaxBackups != 0 {
				logCfg.MaxBackups = l.MaxBackups
			}
			if l.MaxAgeDays != 0 {
				logCfg.MaxAgeDays = l.MaxAgeDays
			}
			if l.Compress {
				logCfg.Compress = true
			}
		}
		pidFile := w.PIDFile
		if pidFile == "" && c.Supervisor.PIDDir != "" {
			pidFile = filepath.Join(c.Supervisor.PIDDir, w.Name+".pid")
		}
		out = append(out, process.Spec{
			Name:    w.Name,
			Command: w.Command,
			WorkDir: w.WorkDir,
			Port:    w.Port,
			Env:     w.Env,
			PIDFile: pidFile,
			Log:     logCfg,
		})
	}
	return out
}

func (c *Config) ProxyRoutes() []proxy.Route {
	out := make([]proxy.Route, 0, len(c.Routes))
	for _, r := range c.Routes {
		out = append(out, proxy.Route{Prefix: r.Prefix, Worker: r.Worker})
	}
	return out
}

func (c *Config) Ports() map[string]int {
	out := make(map[string]int, len(c.Workers))
	for _, w := range c.Workers {
		out[w.Name] = w.Port
	}
	return out
}

// GlobalEnv merges env_files in order, then the top-level env list.
// Relative env file paths resolve against the config file's directory.
func (c *Config) GlobalEnv() ([]string, error) {
	m := map[string]string{}
	for _, p := range c.EnvFiles {
		if !filepath.IsAbs(p) && c.Path != "" {
			p = filepath.Join(filepath.Dir(c.Path), p)
		}
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines. Blank lines and # comments are skipped,
// as is a leading "export ". Matching surrounding quotes are removed.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			if n := len(v); n >= 2 && (v[0] == '"' || v[0] == '\'') && v[n-1] == v[0] {
				v = v[1 : n-1]
			}
			m[k] = v
		}
	}
	return m, nil
}
