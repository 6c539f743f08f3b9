package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/redeployr/internal/detector"
	"github.com/loykin/redeployr/internal/logger"
)

var (
	// ErrKillTimeout is returned by Stop when the process group survived SIGKILL
	// for longer than the reap window.
	ErrKillTimeout = errors.New("process did not exit after SIGKILL")
	ErrStarted     = errors.New("process already started")
)

// Output names the host-side destinations worker output is forwarded to.
// Each line is tagged with the worker name. Nil streams are dropped.
type Output struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Status is a point-in-time view of one process instance.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitErr   string    `json:"exit_error,omitempty"`
}

// Process is a single run of a worker command. A Process is started at most
// once; the supervisor creates a new one for every spawn.
type Process struct {
	spec Spec
	out  Output

	mu      sync.Mutex
	cmd     *exec.Cmd
	status  Status
	exitErr error
	pidErr  error
	closers []io.Closer
	done    chan struct{} // closed once cmd.Wait has returned and output is flushed
}

func New(spec Spec, out Output) *Process {
	return &Process{spec: spec, out: out, done: make(chan struct{}), status: Status{Name: spec.Name}}
}

func (p *Process) Spec() Spec { return p.spec }

// Start launches the command with the given environment, forwards its
// output, writes the PID file and begins waiting for exit in the background.
func (p *Process) Start(env []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return ErrStarted
	}

	cmd := Command(context.Background(), p.spec.Command)
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	stdout, stderr, closers, err := p.writers()
	if err != nil {
		return err
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return err
	}
	p.cmd = cmd
	p.closers = closers
	p.status.Running = true
	p.status.PID = cmd.Process.Pid
	p.status.StartedAt = time.Now()
	if err := detector.WritePIDFile(p.spec.PIDFile, cmd.Process.Pid, p.spec.Name); err != nil {
		p.pidErr = fmt.Errorf("write pid file %s: %w", p.spec.PIDFile, err)
	}

	go p.wait(cmd)
	return nil
}

func (p *Process) writers() (io.Writer, io.Writer, []io.Closer, error) {
	var closers []io.Closer
	var outs, errs []io.Writer
	if p.out.Stdout != nil {
		w := logger.NewPrefixWriter(p.out.Stdout, p.spec.Name)
		outs = append(outs, w)
		closers = append(closers, w)
	}
	if p.out.Stderr != nil {
		w := logger.NewPrefixWriter(p.out.Stderr, p.spec.Name)
		errs = append(errs, w)
		closers = append(closers, w)
	}
	if p.spec.Log.Enabled() {
		ow, ew, err := p.spec.Log.Writers(p.spec.Name)
		if err != nil {
			closeAll(closers)
			return nil, nil, nil, err
		}
		if ow != nil {
			outs = append(outs, ow)
			closers = append(closers, ow)
		}
		if ew != nil {
			errs = append(errs, ew)
			closers = append(closers, ew)
		}
	}
	return combine(outs), combine(errs), closers, nil
}

func combine(ws []io.Writer) io.Writer {
	switch len(ws) {
	case 0:
		return nil
	case 1:
		return ws[0]
	default:
		return io.MultiWriter(ws...)
	}
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

// wait is the only caller of cmd.Wait.
func (p *Process) wait(cmd *exec.Cmd) {
	err := cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	if err != nil {
		p.status.ExitErr = err.Error()
	}
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()

	closeAll(closers)
	if p.spec.PIDFile != "" {
		_ = os.Remove(p.spec.PIDFile)
	}
	close(p.done)
}

// Done is closed after the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the error from cmd.Wait; nil for a clean exit or while running.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.PID
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stop sends SIGTERM to the process group, waits up to grace for exit, then
// sends SIGKILL and waits up to killWait for the reap. Safe to call
// concurrently and on an already exited process.
func (p *Process) Stop(grace, killWait time.Duration) error {
	pid := p.PID()
	if pid == 0 || p.exited() {
		return nil
	}
	_ = killGroup(pid, syscall.SIGTERM)
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	_ = killGroup(pid, syscall.SIGKILL)
	select {
	case <-p.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("%w: %s (pid %d)", ErrKillTimeout, p.spec.Name, pid)
	}
}

// Kill sends SIGKILL to the process group without waiting.
func (p *Process) Kill() {
	if pid := p.PID(); pid > 0 && !p.exited() {
		_ = killGroup(pid, syscall.SIGKILL)
	}
}

// PIDFileErr reports why the PID file could not be written by Start. The
// process runs regardless, but cannot be reaped after a supervisor crash.
func (p *Process) PIDFileErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pidErr
}

// ReapOrphan kills a worker left running by a previous supervisor, as named by
// its PID file: SIGTERM to its group, then SIGKILL after grace. It returns
// once the process is gone, or ErrKillTimeout if it outlives killWait. The
// PID is 0 when none was alive.
func ReapOrphan(pidFile string, grace, killWait time.Duration) (int, error) {
	if pidFile == "" {
		return 0, nil
	}
	pid, err := detector.PIDFileDetector{PIDFile: pidFile}.PID()
	if err != nil {
		return 0, err
	}
	defer func() { _ = os.Remove(pidFile) }()
	if pid == 0 {
		return 0, nil
	}
	_ = killGroup(pid, syscall.SIGTERM)
	if gone(pid, grace) {
		return pid, nil
	}
	_ = killGroup(pid, syscall.SIGKILL)
	if gone(pid, killWait) {
		return pid, nil
	}
	return pid, fmt.Errorf("orphan %d: %w", pid, ErrKillTimeout)
}

// gone polls until pid no longer exists or d elapses.
func gone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !pidAlive(pid) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}
