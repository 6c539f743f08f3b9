package supervisor

import (
	"io"
	"log/slog"
	"time"

	"github.com/loykin/redeployr/internal/env"
	"github.com/loykin/redeployr/internal/history"
	"github.com/loykin/redeployr/internal/process"
)

const (
	DefaultStopGrace   = 5 * time.Second
	DefaultKillWait    = 2 * time.Second
	DefaultStableAfter = 30 * time.Second
)

// Backoff delays crash respawns. The zero value respawns immediately.
type Backoff struct {
	Initial time.Duration `mapstructure:"initial"`
	Max     time.Duration `mapstructure:"max"`
}

// NextDelay returns the delay before respawn number attempt (1-based) of a
// crash streak: Initial doubled per attempt, capped at Max.
func (b Backoff) NextDelay(attempt int) time.Duration {
	if b.Initial <= 0 || attempt <= 0 {
		return 0
	}
	limit := b.Max
	if limit < b.Initial {
		limit = b.Initial
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return d
}

type Options struct {
	// StopGrace is how long a worker may take to exit after SIGTERM.
	StopGrace time.Duration
	// KillWait bounds the wait for the reap after SIGKILL.
	KillWait time.Duration
	// StableAfter resets a worker's crash streak once it has run this long.
	StableAfter time.Duration
	Backoff     Backoff

	Env     *env.Env
	Output  process.Output
	Logger  *slog.Logger
	History []history.Sink
}

func (o *Options) defaults() {
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.KillWait <= 0 {
		o.KillWait = DefaultKillWait
	}
	if o.StableAfter <= 0 {
		o.StableAfter = DefaultStableAfter
	}
	if o.Env == nil {
		o.Env = env.New()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}
