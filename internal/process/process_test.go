package process

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/redeployr/internal/detector"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func waitDone(t *testing.T, p *Process, d time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(d):
		t.Fatalf("process %s did not exit within %s", p.Spec().Name, d)
	}
}

func TestCommand_Forms(t *testing.T) {
	requireUnix(t)
	cases := []struct {
		line string
		args []string
	}{
		{"", []string{"/bin/true"}},
		{"sleep 1", []string{"sleep", "1"}},
		{"sh -c 'echo hi'", []string{"/bin/sh", "-c", "echo hi"}},
		{"echo $HOME", []string{"/bin/sh", "-c", "echo $HOME"}},
		{"a | b", []string{"/bin/sh", "-c", "a | b"}},
	}
	for _, tc := range cases {
		cmd := Command(t.Context(), tc.line)
		assert.Equal(t, tc.args, cmd.Args, tc.line)
		require.NotNil(t, cmd.SysProcAttr)
		assert.True(t, cmd.SysProcAttr.Setpgid)
	}
}

func TestSpec_EnvOverridesAddsPort(t *testing.T) {
	s := Spec{Env: []string{"A=1"}, Port: 4000}
	assert.Equal(t, []string{"A=1", "PORT=4000"}, s.EnvOverrides())
	assert.Equal(t, []string{"A=1"}, s.Env, "spec env must not be mutated")
	assert.Empty(t, Spec{}.EnvOverrides())
}

func TestProcess_OutputPrefixedAndExitRecorded(t *testing.T) {
	requireUnix(t)
	out := &syncBuffer{}
	errOut := &syncBuffer{}
	p := New(Spec{Name: "app", Command: "sh -c 'echo hello; echo oops 1>&2; exit 3'"}, Output{Stdout: out, Stderr: errOut})
	require.NoError(t, p.Start(nil))
	waitDone(t, p, 3*time.Second)

	assert.Equal(t, "[app] hello\n", out.String())
	assert.Equal(t, "[app] oops\n", errOut.String())
	var ee *exec.ExitError
	require.True(t, errors.As(p.ExitErr(), &ee))
	assert.Equal(t, 3, ee.ExitCode())

	st := p.Snapshot()
	assert.False(t, st.Running)
	assert.NotZero(t, st.PID)
	assert.NotEmpty(t, st.ExitErr)
	assert.ErrorIs(t, p.Start(nil), ErrStarted)
}

func TestProcess_EnvAndWorkDir(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	out := &syncBuffer{}
	p := New(Spec{Name: "w", Command: `sh -c 'echo "$PORT $(pwd)"'`, WorkDir: dir}, Output{Stdout: out})
	require.NoError(t, p.Start([]string{"PORT=4321", "PATH=" + os.Getenv("PATH")}))
	waitDone(t, p, 3*time.Second)

	real, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got := strings.TrimPrefix(strings.TrimSpace(out.String()), "[w] ")
	assert.Contains(t, []string{"4321 " + dir, "4321 " + real}, got)
}

func TestProcess_StopGraceful(t *testing.T) {
	requireUnix(t)
	pidfile := filepath.Join(t.TempDir(), "app.pid")
	p := New(Spec{Name: "app", Command: "sleep 30", PIDFile: pidfile}, Output{})
	require.NoError(t, p.Start(nil))
	require.NoError(t, p.PIDFileErr())

	pid, meta, err := detector.ReadPIDFile(pidfile)
	require.NoError(t, err)
	assert.Equal(t, p.PID(), pid)
	assert.Equal(t, "app", meta.Worker)

	start := time.Now()
	require.NoError(t, p.Stop(2*time.Second, time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
	_, err = os.Stat(pidfile)
	assert.True(t, os.IsNotExist(err), "pid file removed after exit")
	require.NoError(t, p.Stop(time.Second, time.Second), "stop after exit is a no-op")
}

func TestProcess_StopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "stubborn", Command: `sh -c 'trap "" TERM; sleep 30'`}, Output{})
	require.NoError(t, p.Start(nil))
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop(300*time.Millisecond, 2*time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	waitDone(t, p, time.Second)
}

func TestProcess_StopKillsGroupChildren(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	childPIDFile := filepath.Join(dir, "child")
	p := New(Spec{Name: "tree", Command: "sh -c 'sleep 30 & echo $! > " + childPIDFile + "; wait'"}, Output{})
	require.NoError(t, p.Start(nil))

	var child int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(childPIDFile)
		if err != nil {
			return false
		}
		child, err = strconv.Atoi(strings.TrimSpace(string(b)))
		return err == nil && child > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, p.Stop(time.Second, time.Second))
	assert.Eventually(t, func() bool { return !pidAlive(child) }, 2*time.Second, 20*time.Millisecond)
}

func TestProcess_StartFailure(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "bad", Command: "/nonexistent/binary-xyz"}, Output{})
	require.Error(t, p.Start(nil))
	assert.Zero(t, p.PID())
	require.NoError(t, p.Stop(time.Second, time.Second))
}

func TestReapOrphan(t *testing.T) {
	requireUnix(t)
	// #nosec G204
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	exited := make(chan struct{})
	go func() { _ = cmd.Wait(); close(exited) }()

	pidfile := filepath.Join(t.TempDir(), "orphan.pid")
	require.NoError(t, detector.WritePIDFile(pidfile, cmd.Process.Pid, "app"))

	pid, err := ReapOrphan(pidfile, time.Second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, pid)
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("orphan not reaped")
	}
	_, err = os.Stat(pidfile)
	assert.True(t, os.IsNotExist(err))

	pid, err = ReapOrphan(filepath.Join(t.TempDir(), "missing.pid"), time.Second, time.Second)
	require.NoError(t, err)
	assert.Zero(t, pid)
}

func TestReapOrphan_KillsWhenTermIgnored(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	ready := filepath.Join(dir, "ready")
	// #nosec G204
	cmd := exec.Command("sh", "-c", "trap '' TERM; touch "+ready+"; exec sleep 30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	go func() { _ = cmd.Wait() }()
	require.Eventually(t, func() bool {
		_, err := os.Stat(ready)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	pidfile := filepath.Join(dir, "orphan.pid")
	require.NoError(t, detector.WritePIDFile(pidfile, cmd.Process.Pid, "app"))

	start := time.Now()
	pid, err := ReapOrphan(pidfile, 200*time.Millisecond, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, pid)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond, "SIGTERM was ignored")
	assert.False(t, pidAlive(pid), "orphan is gone when ReapOrphan returns")
}

func TestStart_ReportsPIDFileError(t *testing.T) {
	requireUnix(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	p := New(Spec{Name: "app", Command: "sleep 30", PIDFile: filepath.Join(blocker, "app.pid")}, Output{})
	require.NoError(t, p.Start(nil), "the worker runs without its pid file")
	err := p.PIDFileErr()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.pid")
	require.NoError(t, p.Stop(time.Second, time.Second))
}
