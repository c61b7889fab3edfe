// Package monitor samples host resource usage and raises alert events
// when usage crosses configured thresholds.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/events"
	"github.com/ultron-agent/ultrond/internal/metrics"
	"github.com/ultron-agent/ultrond/internal/model"
)

// Config defines monitor behavior. Thresholds are percentages; a zero
// threshold disables its alert.
type Config struct {
	Interval        time.Duration
	CPUThreshold    float64
	MemoryThreshold float64
	AlertCooldown   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = 5 * time.Minute
	}
	return c
}

// Alert is the payload of a system alert event
type Alert struct {
	Resource  string    `json:"resource"`
	Usage     float64   `json:"usage"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// Monitor periodically samples CPU and memory usage
type Monitor struct {
	logger *zap.Logger
	bus    *events.Bus
	cfg    Config

	mu        sync.RWMutex
	latest    *model.SystemStats
	lastAlert map[string]time.Time

	stop chan struct{}
	done chan struct{}
}

// New creates a monitor. The bus is optional; without it alerts are only
// logged.
func New(bus *events.Bus, cfg Config, logger *zap.Logger) *Monitor {
	return &Monitor{
		logger:    logger.Named("monitor"),
		bus:       bus,
		cfg:       cfg.withDefaults(),
		lastAlert: make(map[string]time.Time),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the sampling loop
func (m *Monitor) Start(ctx context.Context) error {
	m.logger.Info("Starting system monitor",
		zap.Duration("interval", m.cfg.Interval))
	go m.loop(ctx)
	return nil
}

// Stop stops the sampling loop
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// Latest returns the most recent sample, or nil before the first one
func (m *Monitor) Latest() *model.SystemStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.latest == nil {
		return nil
	}
	stats := *m.latest
	return &stats
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(cpuPercent) == 0 {
		m.logger.Error("Failed to get CPU usage", zap.Error(err))
		return
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		m.logger.Error("Failed to get memory usage", zap.Error(err))
		return
	}

	stats := &model.SystemStats{
		CPUUsage:    cpuPercent[0],
		MemoryUsage: memInfo.UsedPercent,
		MemoryTotal: memInfo.Total,
		MemoryUsed:  memInfo.Used,
		CollectedAt: time.Now(),
	}

	m.mu.Lock()
	m.latest = stats
	m.mu.Unlock()

	metrics.SystemCPUUsage.Set(stats.CPUUsage)
	metrics.SystemMemoryUsage.Set(stats.MemoryUsage)

	m.logger.Debug("Sampled system usage",
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage))

	m.check(ctx, "cpu", stats.CPUUsage, m.cfg.CPUThreshold)
	m.check(ctx, "memory", stats.MemoryUsage, m.cfg.MemoryThreshold)
}

// check raises an alert event when usage exceeds the threshold, at most
// once per cooldown window per resource.
func (m *Monitor) check(ctx context.Context, resource string, usage, threshold float64) {
	if threshold <= 0 || usage < threshold {
		return
	}

	now := time.Now()
	m.mu.Lock()
	if last, ok := m.lastAlert[resource]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlert[resource] = now
	m.mu.Unlock()

	m.logger.Warn("Resource usage above threshold",
		zap.String("resource", resource),
		zap.Float64("usage", usage),
		zap.Float64("threshold", threshold))

	if m.bus == nil {
		return
	}
	alert := Alert{
		Resource:  resource,
		Usage:     usage,
		Threshold: threshold,
		Timestamp: now,
	}
	if err := m.bus.Emit(ctx, "system.alert."+resource, alert); err != nil {
		m.logger.Error("Failed to emit alert event", zap.Error(err))
	}
}
