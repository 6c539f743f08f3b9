//go:build !windows

// Package detector records worker PIDs on disk and answers whether a recorded
// process is still the one that was started.
package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidAlive returns true if a process with given pid exists (or EPERM).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// PIDMeta is stored on the third line of a PID file.
type PIDMeta struct {
	StartUnix int64  `json:"start_unix"`
	Worker    string `json:"worker,omitempty"`
}

// WritePIDFile records pid, an empty second line and the process start
// time so a later reader can tell a reused PID from the original process.
func WritePIDFile(path string, pid int, worker string) error {
	if path == "" || pid <= 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	mb, err := json.Marshal(PIDMeta{StartUnix: ProcStartUnix(pid), Worker: worker})
	if err != nil {
		return err
	}
	content := strings.Join([]string{strconv.Itoa(pid), "", string(mb)}, "\n") + "\n"
	return os.WriteFile(path, []byte(content), 0o600)
}

// ReadPIDFile parses a PID file. Meta is zero for single-line files.
func ReadPIDFile(path string) (int, PIDMeta, error) {
	var meta PIDMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, meta, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, meta, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	for _, ln := range lines[1:] {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		var m PIDMeta
		if json.Unmarshal([]byte(ln), &m) == nil && m.StartUnix > 0 {
			meta = m
		}
	}
	return pid, meta, nil
}

// PIDFileDetector detects a process via a PID file.
type PIDFileDetector struct {
	PIDFile string
}

// PID returns the recorded PID when the process it names is still the one
// that wrote the file, or 0 otherwise.
func (d PIDFileDetector) PID() (int, error) {
	pid, meta, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if meta.StartUnix > 0 {
		cur := ProcStartUnix(pid)
		if cur > 0 && cur != meta.StartUnix {
			return 0, nil // PID reused; not our process
		}
	}
	if !pidAlive(pid) {
		return 0, nil
	}
	return pid, nil
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, err := d.PID()
	return pid > 0, err
}
