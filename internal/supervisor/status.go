package supervisor

import (
	"time"

	"github.com/loykin/redeployr/internal/metrics"
)

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	PID        int       `json:"pid,omitempty"`
	Port       int       `json:"port,omitempty"`
	Restarts   int       `json:"restarts"`
	Starts     int       `json:"starts"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	RSSBytes   uint64    `json:"rss_bytes,omitempty"`
	CPUPercent float64   `json:"cpu_percent,omitempty"`
}

// Status lists every worker in configuration order. Resource usage is
// sampled for running workers only when withUsage is set.
func (s *Supervisor) Status(withUsage bool) []WorkerStatus {
	s.mu.Lock()
	out := make([]WorkerStatus, 0, len(s.handles))
	for _, h := range s.handles {
		ws := WorkerStatus{
			Name:     h.spec.Name,
			State:    h.state.String(),
			Port:     h.spec.Port,
			Restarts: h.restarts,
			Starts:   h.starts,
		}
		if h.proc != nil && h.state.alive() {
			ws.PID = h.proc.PID()
			ws.StartedAt = h.startedAt
		}
		if h.lastErr != nil {
			ws.LastError = h.lastErr.Error()
		}
		out = append(out, ws)
	}
	s.mu.Unlock()

	if withUsage {
		for i := range out {
			if out[i].PID == 0 {
				continue
			}
			if u, err := metrics.SampleUsage(int32(out[i].PID)); err == nil {
				out[i].RSSBytes = u.RSSBytes
				out[i].CPUPercent = u.CPUPercent
			}
		}
	}
	return out
}

// Worker returns the status of a single worker.
func (s *Supervisor) Worker(name string) (WorkerStatus, bool) {
	for _, ws := range s.Status(false) {
		if ws.Name == name {
			return ws, true
		}
	}
	return WorkerStatus{}, false
}

// PIDs maps running workers to their PIDs, for usage sampling.
func (s *Supervisor) PIDs() map[string]int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int32, len(s.handles))
	for _, h := range s.handles {
		if h.proc != nil && h.state == Running {
			out[h.spec.Name] = int32(h.proc.PID())
		}
	}
	return out
}

// Epoch is the current restart epoch. It grows by one per restart cycle and
// once more when the supervisor stops.
func (s *Supervisor) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Cycles counts completed restart cycles.
func (s *Supervisor) Cycles() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

// Restarting reports whether a restart cycle is in progress.
func (s *Supervisor) Restarting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarting
}

// Names returns worker names in configuration order.
func (s *Supervisor) Names() []string {
	out := make([]string, len(s.handles))
	for i, h := range s.handles {
		out[i] = h.spec.Name
	}
	return out
}
