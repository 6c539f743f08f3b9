package process

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/loykin/redeployr/internal/logger"
)

// Spec describes one supervised worker. It is immutable once the
// supervisor is built.
type Spec struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`  // command line; run through /bin/sh when it needs a shell
	WorkDir string            `json:"work_dir"` // optional working dir
	Port    int               `json:"port"`     // local listen port, exported as PORT
	Env     []string          `json:"env"`      // K=V overrides on top of the supervisor env
	PIDFile string            `json:"pid_file"` // optional; enables orphan reaping after a supervisor crash
	Log     logger.FileConfig `json:"log"`      // optional rotated copies of stdout/stderr
}

// EnvOverrides returns the worker's env overrides with PORT appended.
func (s Spec) EnvOverrides() []string {
	out := append([]string(nil), s.Env...)
	if s.Port > 0 {
		out = append(out, "PORT="+strconv.Itoa(s.Port))
	}
	return out
}

// Command constructs an *exec.Cmd for a command line bound to ctx. It
// avoids a shell when the line is a plain argv, honors an explicit
// "sh -c ..." without double-wrapping, and otherwise runs /bin/sh -c.
// The child is placed in its own process group; cancelling ctx kills the group.
func Command(ctx context.Context, line string) *exec.Cmd {
	var cmd *exec.Cmd
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		// #nosec G204
		cmd = exec.CommandContext(ctx, "/bin/true")
	case hasExplicitShell(line):
		// #nosec G204
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", stripShell(line))
	case strings.ContainsAny(line, "|&;<>*?`$\"'(){}[]~"):
		// #nosec G204
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", line)
	default:
		parts := strings.Fields(line)
		// #nosec G204
		cmd = exec.CommandContext(ctx, parts[0], parts[1:]...)
	}
	setProcessGroup(cmd)
	return cmd
}

var shellPrefixes = []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}

func hasExplicitShell(line string) bool {
	for _, p := range shellPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// stripShell returns the script after "-c ", without one pair of
// enclosing quotes.
func stripShell(line string) string {
	for _, p := range shellPrefixes {
		if after, ok := strings.CutPrefix(line, p); ok {
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return after
		}
	}
	return line
}
