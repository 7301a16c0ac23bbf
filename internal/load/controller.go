// Package load monitors host resource usage and derives a concurrency
// target for the pipeline. Distinct high/low watermarks keep the target from
// oscillating on marginal single-sample noise.
package load

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newswatch/ingest/internal/telemetry"
)

// Snapshot is an immutable point-in-time resource reading.
type Snapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryUsedBytes uint64    `json:"memory_used_bytes"`
	Overloaded      bool      `json:"overloaded"`
}

// Sampler reads current host usage. Implementations must be safe to call
// from the controller's background loop.
type Sampler interface {
	Usage() (cpuPercent float64, memoryUsedBytes uint64, err error)
}

// Config controls watermarks and worker bounds.
type Config struct {
	MinWorkers      int
	MaxWorkers      int
	HighCPUPercent  float64
	LowCPUPercent   float64
	HighMemoryBytes uint64
	LowMemoryBytes  uint64
	Interval        time.Duration
	HistorySize     int
}

const (
	defaultInterval    = 30 * time.Second
	defaultHistorySize = 100
)

// Controller periodically samples resource usage and maintains the
// recommended worker count. It never touches in-flight work; the
// orchestrator reads the target on its next dispatch cycle.
type Controller struct {
	cfg     Config
	sampler Sampler
	logger  *zap.Logger
	clock   func() time.Time

	mu          sync.Mutex
	target      int
	overloaded  bool
	history     []Snapshot
	mitigations []func()
}

// NewController builds a Controller starting at MaxWorkers.
func NewController(cfg Config, sampler Sampler, logger *zap.Logger) *Controller {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg,
		sampler: sampler,
		logger:  logger,
		clock:   time.Now,
		target:  cfg.MaxWorkers,
	}
}

// Run samples on a fixed interval until the context ends. Sampling runs
// independently of item processing.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sample()
		}
	}
}

// Sample takes one reading, applies hysteresis to the worker target, and
// returns the snapshot. A sampler failure degrades to the minimum worker
// count rather than stopping the pipeline.
func (c *Controller) Sample() Snapshot {
	cpuPct, memUsed, err := c.sampler.Usage()

	c.mu.Lock()

	snap := Snapshot{Timestamp: c.clock()}
	if err != nil {
		c.logger.Warn("resource sampling failed, degrading to minimum workers", zap.Error(err))
		c.target = c.cfg.MinWorkers
		snap.Overloaded = true
	} else {
		snap.CPUPercent = cpuPct
		snap.MemoryUsedBytes = memUsed
		snap.Overloaded = c.adjustLocked(cpuPct, memUsed)
	}
	c.overloaded = snap.Overloaded

	c.history = append(c.history, snap)
	if len(c.history) > c.cfg.HistorySize {
		c.history = c.history[len(c.history)-c.cfg.HistorySize:]
	}

	target := c.target
	overloaded := c.overloaded
	var mitigations []func()
	if overloaded {
		mitigations = append(mitigations, c.mitigations...)
	}
	c.mu.Unlock()

	telemetry.SetWorkerTarget(target)
	telemetry.SetOverloaded(overloaded)

	for _, mitigate := range mitigations {
		mitigate()
	}
	return snap
}

// adjustLocked applies the hysteresis rule and reports overload.
// Caller must hold c.mu.
func (c *Controller) adjustLocked(cpuPct float64, memUsed uint64) bool {
	high := cpuPct >= c.cfg.HighCPUPercent ||
		(c.cfg.HighMemoryBytes > 0 && memUsed >= c.cfg.HighMemoryBytes)
	if high {
		if c.target > c.cfg.MinWorkers {
			c.target--
			c.logger.Warn("reducing worker target under load",
				zap.Int("target", c.target),
				zap.Float64("cpu_percent", cpuPct),
				zap.Uint64("memory_used_bytes", memUsed))
		}
		return true
	}

	low := cpuPct <= c.cfg.LowCPUPercent &&
		(c.cfg.LowMemoryBytes == 0 || memUsed <= c.cfg.LowMemoryBytes)
	if low && c.target < c.cfg.MaxWorkers {
		c.target++
		c.logger.Info("raising worker target, headroom available",
			zap.Int("target", c.target))
	}
	return false
}

// RecommendedConcurrency returns the current worker target.
func (c *Controller) RecommendedConcurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Overloaded reports whether the latest sample breached a high watermark.
func (c *Controller) Overloaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overloaded
}

// RegisterMitigation adds a callback invoked on every overloaded sample
// (evict caches, shrink queues). Callbacks run outside the controller lock.
func (c *Controller) RegisterMitigation(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mitigations = append(c.mitigations, fn)
}

// History returns a copy of the rolling snapshot window, oldest first.
func (c *Controller) History() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Snapshot(nil), c.history...)
}

// Report summarizes the rolling window for the status API.
type Report struct {
	Current         *Snapshot `json:"current,omitempty"`
	AverageCPU      float64   `json:"average_cpu_percent"`
	PeakCPU         float64   `json:"peak_cpu_percent"`
	AverageMemory   uint64    `json:"average_memory_bytes"`
	PeakMemory      uint64    `json:"peak_memory_bytes"`
	WorkerTarget    int       `json:"worker_target"`
	Overloaded      bool      `json:"overloaded"`
	SamplesRetained int       `json:"samples_retained"`
}

// Summarize computes averages and peaks over the retained history.
func (c *Controller) Summarize() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := Report{
		WorkerTarget:    c.target,
		Overloaded:      c.overloaded,
		SamplesRetained: len(c.history),
	}
	if len(c.history) == 0 {
		return r
	}

	var cpuSum float64
	var memSum uint64
	for _, s := range c.history {
		cpuSum += s.CPUPercent
		memSum += s.MemoryUsedBytes
		if s.CPUPercent > r.PeakCPU {
			r.PeakCPU = s.CPUPercent
		}
		if s.MemoryUsedBytes > r.PeakMemory {
			r.PeakMemory = s.MemoryUsedBytes
		}
	}
	r.AverageCPU = cpuSum / float64(len(c.history))
	r.AverageMemory = memSum / uint64(len(c.history))
	latest := c.history[len(c.history)-1]
	r.Current = &latest
	return r
}
