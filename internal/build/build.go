// Package build runs the project's build command and reports compiler and
// bundler errors as data.
package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/redeployr/internal/process"
)

// ErrBuild is wrapped by Report.Err for failed builds.
var ErrBuild = errors.New("build failed")

// DefaultPatterns match common compiler and bundler error lines: generic
// "error:" prefixes, rustc/esbuild style "[ERROR]" markers and TypeScript codes.
var DefaultPatterns = []string{
	`(?i)^\s*error\b`,
	`(?i)\berror(\[\w+\])?:`,
	`\[ERROR\]`,
	`\bTS\d{4,5}:`,
}

const (
	maxOutput     = 64 << 10
	maxDiagnostic = 1 << 10
)

// Diagnostic is one error line reported by the build.
type Diagnostic struct {
	Line int    `json:"line"` // 1-based line in the combined output; 0 for synthesized entries
	Text string `json:"text"`
}

// Report is the outcome of one build. Success is derived from Diagnostics:
// a failing exit status or a timeout adds a diagnostic of its own.
type Report struct {
	Success     bool          `json:"success"`
	Diagnostics []Diagnostic  `json:"diagnostics,omitempty"`
	ExitCode    int           `json:"exit_code"`
	Duration    time.Duration `json:"duration"`
	Output      string        `json:"-"` // tail of combined stdout/stderr
}

// Err returns nil for a successful build and an ErrBuild-wrapping error
// naming the first diagnostic otherwise.
func (r Report) Err() error {
	if r.Success {
		return nil
	}
	if len(r.Diagnostics) == 0 {
		return ErrBuild
	}
	return fmt.Errorf("%w: %d diagnostic(s), first: %s", ErrBuild, len(r.Diagnostics), r.Diagnostics[0].Text)
}

// Runner runs one build command.
type Runner struct {
	command  string
	patterns []*regexp.Regexp
	timeout  time.Duration
	env      []string
}

// NewRunner compiles the diagnostic patterns; nil patterns select
// DefaultPatterns. A zero timeout means no limit beyond ctx.
func NewRunner(command string, patterns []string, timeout time.Duration, env []string) (*Runner, error) {
	if patterns == nil {
		patterns = DefaultPatterns
	}
	r := &Runner{command: strings.TrimSpace(command), timeout: timeout, env: env}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("diagnostic pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func (r *Runner) Command() string { return r.command }

// Build runs the command in root with MODE=mode. An empty command is a
// successful no-op build.
func (r *Runner) Build(ctx context.Context, root, mode string) Report {
	begin := time.Now()
	if r.command == "" {
		return Report{Success: true}
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var out bytes.Buffer
	cmd := process.Command(ctx, r.command)
	cmd.Dir = root
	cmd.Env = append(append(os.Environ(), r.env...), "MODE="+mode)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	rep := Report{Duration: time.Since(begin)}
	rep.Diagnostics = r.scan(out.Bytes())
	var ee *exec.ExitError
	switch {
	case ctx.Err() != nil:
		rep.ExitCode = -1
		rep.Diagnostics = append(rep.Diagnostics, Diagnostic{Text: fmt.Sprintf("build interrupted after %s: %v", rep.Duration.Round(time.Millisecond), ctx.Err())})
	case errors.As(err, &ee):
		rep.ExitCode = ee.ExitCode()
		rep.Diagnostics = append(rep.Diagnostics, Diagnostic{Text: fmt.Sprintf("build command exited with status %d", rep.ExitCode)})
	case err != nil:
		rep.ExitCode = -1
		rep.Diagnostics = append(rep.Diagnostics, Diagnostic{Text: "build command could not run: " + err.Error()})
	}
	rep.Success = len(rep.Diagnostics) == 0
	rep.Output = tail(out.Bytes(), maxOutput)
	return rep
}

// scan matches every output line against the diagnostic patterns. Lines have
// no length limit; the recorded text of a long line is truncated.
func (r *Runner) scan(output []byte) []Diagnostic {
	var diags []Diagnostic
	n := 0
	for len(output) > 0 {
		var line []byte
		if k := bytes.IndexByte(output, '\n'); k >= 0 {
			line, output = output[:k], output[k+1:]
		} else {
			line, output = output, nil
		}
		n++
		text := strings.TrimRight(string(line), "\r")
		for _, re := range r.patterns {
			if re.MatchString(text) {
				diags = append(diags, Diagnostic{Line: n, Text: clip(strings.TrimSpace(text), maxDiagnostic)})
				break
			}
		}
	}
	return diags
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
