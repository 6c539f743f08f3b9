package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a worker process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleUsage reads CPU and memory for pid.
func SampleUsage(pid int32) (Usage, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u := Usage{PID: pid, RSSBytes: mem.RSS, Timestamp: time.Now()}
	// CPUPercent is averaged over the process lifetime.
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if n, err := proc.NumFDs(); err == nil {
		u.NumFDs = n
	}
	return u, nil
}

// UsageConfig controls periodic worker resource sampling.
type UsageConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// UsageCollector periodically samples worker processes and exports gauges
// labelled by worker name. Labels of workers that disappeared are removed.
type UsageCollector struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	latest map[string]Usage

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
	fds     *prometheus.GaugeVec
}

func NewUsageCollector(cfg UsageConfig) *UsageCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		}, []string{"worker"})
	}
	return &UsageCollector{
		enabled:  cfg.Enabled,
		interval: interval,
		latest:   make(map[string]Usage),
		stopCh:   make(chan struct{}),
		cpu:      gauge("cpu_percent", "CPU usage percentage of the worker process."),
		rss:      gauge("memory_rss_bytes", "Resident memory of the worker process."),
		threads:  gauge("num_threads", "Thread count of the worker process."),
		fds:      gauge("num_fds", "Open file descriptors of the worker process."),
	}
}

func (c *UsageCollector) Enabled() bool { return c.enabled }

// RegisterMetrics registers the usage gauges; a no-op when disabled.
func (c *UsageCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, col := range []prometheus.Collector{c.cpu, c.rss, c.threads, c.fds} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the PIDs returned by pids every interval until ctx is done
// or Stop is called.
func (c *UsageCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(pids())
			}
		}
	}()
}

func (c *UsageCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every worker in pids.
func (c *UsageCollector) Collect(pids map[string]int32) {
	samples := make(map[string]Usage, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := SampleUsage(pid)
		if err != nil {
			slog.Debug("usage sample failed", "worker", name, "pid", pid, "error", err)
			continue
		}
		samples[name] = u
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.latest {
		if _, ok := samples[name]; !ok {
			delete(c.latest, name)
			c.cpu.DeleteLabelValues(name)
			c.rss.DeleteLabelValues(name)
			c.threads.DeleteLabelValues(name)
			c.fds.DeleteLabelValues(name)
		}
	}
	for name, u := range samples {
		c.latest[name] = u
		c.cpu.WithLabelValues(name).Set(u.CPUPercent)
		c.rss.WithLabelValues(name).Set(float64(u.RSSBytes))
		c.threads.WithLabelValues(name).Set(float64(u.NumThreads))
		if u.NumFDs > 0 {
			c.fds.WithLabelValues(name).Set(float64(u.NumFDs))
		}
	}
}

// Latest returns the most recent sample for a worker.
func (c *UsageCollector) Latest(name string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[name]
	return u, ok
}
