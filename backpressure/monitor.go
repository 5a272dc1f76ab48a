// Package backpressure samples system and pipeline load into a single
// load factor and publishes throttle adjustments that the planner and the
// rate limiters consult.
package backpressure

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews-sub002/metrics"
)

// Throttle levels by load factor.
const (
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

// Snapshot is one published adjustment. Consumers always act on the latest
// snapshot; stale ones are dropped.
type Snapshot struct {
	LoadFactor float64
	Level      string

	// BatchWindow is the effective batch_processing limiter window.
	BatchWindow time.Duration

	// PauseBatching tells the planner to skip batch creation entirely.
	PauseBatching bool

	// DatabaseMaxScale multiplies the database limiter budget; 0.5 when
	// average response time degrades past the threshold.
	DatabaseMaxScale float64

	At time.Time
}

// Config tunes the monitor.
type Config struct {
	Interval        time.Duration
	ErrorRateWeight float64

	// SlowResponseThreshold triggers the database budget halving.
	SlowResponseThreshold time.Duration
}

// DefaultConfig matches the production cadence.
func DefaultConfig() Config {
	return Config{
		Interval:              30 * time.Second,
		ErrorRateWeight:       2.0,
		SlowResponseThreshold: 5 * time.Second,
	}
}

// DepthFunc reports the pending article backlog.
type DepthFunc func(ctx context.Context) (int64, error)

// ErrorRateFunc reports the recent processing error rate in [0, 1].
type ErrorRateFunc func(ctx context.Context, window time.Duration) (float64, error)

// Monitor runs the sampling loop. Produced snapshots are available through
// Latest and the Updates channel.
type Monitor struct {
	cfg    Config
	depth  DepthFunc
	errs   ErrorRateFunc
	sink   *metrics.Sink
	logger *logrus.Entry

	latest  atomic.Pointer[Snapshot]
	updates chan Snapshot

	mu        sync.Mutex
	outcomes  []outcome
	latencies []latency
}

type outcome struct {
	at time.Time
	ok bool
}

type latency struct {
	at time.Time
	d  time.Duration
}

// NewMonitor creates a monitor. depth and errs may be nil; the matching
// signals then read as zero.
func NewMonitor(cfg Config, depth DepthFunc, errs ErrorRateFunc, sink *metrics.Sink, logger *logrus.Entry) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ErrorRateWeight <= 0 {
		cfg.ErrorRateWeight = 2.0
	}
	if cfg.SlowResponseThreshold <= 0 {
		cfg.SlowResponseThreshold = 5 * time.Second
	}
	m := &Monitor{
		cfg:     cfg,
		depth:   depth,
		errs:    errs,
		sink:    sink,
		logger:  logger,
		updates: make(chan Snapshot, 8),
	}
	initial := m.adjust(0)
	m.latest.Store(&initial)
	return m
}

// Updates returns the snapshot channel. Sends never block; consumers that
// fall behind miss intermediate snapshots and read Latest instead.
func (m *Monitor) Updates() <-chan Snapshot { return m.updates }

// Latest returns the most recent snapshot.
func (m *Monitor) Latest() Snapshot { return *m.latest.Load() }

// LoadFactor returns the latest load factor. Satisfies the rate limiter's
// load provider.
func (m *Monitor) LoadFactor() float64 { return m.latest.Load().LoadFactor }

// RecordOutcome feeds the 5-minute success-rate signal.
func (m *Monitor) RecordOutcome(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome{at: time.Now(), ok: ok})
	m.pruneLocked()
}

// RecordDBLatency feeds the average-response-time signal.
func (m *Monitor) RecordDBLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, latency{at: time.Now(), d: d})
	m.pruneLocked()
}

// pruneLocked drops observations older than five minutes.
func (m *Monitor) pruneLocked() {
	cutoff := time.Now().Add(-5 * time.Minute)
	i := 0
	for ; i < len(m.outcomes) && m.outcomes[i].at.Before(cutoff); i++ {
	}
	m.outcomes = m.outcomes[i:]
	j := 0
	for ; j < len(m.latencies) && m.latencies[j].at.Before(cutoff); j++ {
	}
	m.latencies = m.latencies[j:]
}

// Run samples on interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// sample computes the load factor and publishes an adjustment snapshot.
func (m *Monitor) sample(ctx context.Context) {
	load := m.computeLoad(ctx)
	snap := m.adjust(load)
	m.latest.Store(&snap)

	select {
	case m.updates <- snap:
	default:
	}

	if m.sink != nil {
		m.sink.Gauge("backpressure.load_factor", load, nil)
		m.sink.Incr("backpressure.adjustments", 1, map[string]string{"level": snap.Level})
	}
	if snap.Level != LevelLow {
		m.logger.WithFields(logrus.Fields{
			"load_factor":  load,
			"level":        snap.Level,
			"batch_window": snap.BatchWindow,
			"paused":       snap.PauseBatching,
		}).Info("backpressure adjustment")
	}
}

// computeLoad returns the clamped mean of the normalized signals.
func (m *Monitor) computeLoad(ctx context.Context) float64 {
	signals := []float64{
		m.cpuSignal(),
		m.memSignal(),
		m.ioWaitSignal(),
	}

	if m.depth != nil {
		if depth, err := m.depth(ctx); err == nil {
			signals = append(signals, clamp01(float64(depth)/1000.0))
		} else {
			m.logger.WithError(err).Warn("failed to sample queue depth")
		}
	}
	if m.errs != nil {
		if rate, err := m.errs(ctx, 5*time.Minute); err == nil {
			signals = append(signals, clamp01(rate*m.cfg.ErrorRateWeight))
		} else {
			m.logger.WithError(err).Warn("failed to sample error rate")
		}
	}
	signals = append(signals, 1.0-m.successRate())

	var sum float64
	for _, s := range signals {
		sum += s
	}
	return clamp01(sum / float64(len(signals)))
}

func (m *Monitor) cpuSignal() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return clamp01(percents[0] / 100.0)
}

func (m *Monitor) memSignal() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return clamp01(vm.UsedPercent / 100.0)
}

func (m *Monitor) ioWaitSignal() float64 {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return 0
	}
	t := times[0]
	total := t.User + t.System + t.Idle + t.Iowait + t.Nice + t.Irq + t.Softirq + t.Steal
	if total <= 0 {
		return 0
	}
	return clamp01(t.Iowait / total)
}

// successRate returns the 5-minute success ratio, defaulting to 1 with no
// observations.
func (m *Monitor) successRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	if len(m.outcomes) == 0 {
		return 1.0
	}
	ok := 0
	for _, o := range m.outcomes {
		if o.ok {
			ok++
		}
	}
	return float64(ok) / float64(len(m.outcomes))
}

// avgDBLatency returns the mean observed database response time.
func (m *Monitor) avgDBLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	if len(m.latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, l := range m.latencies {
		sum += l.d
	}
	return sum / time.Duration(len(m.latencies))
}

// adjust maps a load factor to the effective throttle settings.
func (m *Monitor) adjust(load float64) Snapshot {
	snap := Snapshot{
		LoadFactor:       load,
		DatabaseMaxScale: 1.0,
		At:               time.Now().UTC(),
	}
	switch {
	case load >= 0.9:
		snap.Level = LevelCritical
		snap.PauseBatching = true
		snap.BatchWindow = 120 * time.Second
	case load >= 0.7:
		snap.Level = LevelHigh
		snap.BatchWindow = 120 * time.Second
	case load >= 0.5:
		snap.Level = LevelMedium
		snap.BatchWindow = 80 * time.Second
	default:
		snap.Level = LevelLow
		snap.BatchWindow = 60 * time.Second
	}
	if m.avgDBLatency() > m.cfg.SlowResponseThreshold {
		snap.DatabaseMaxScale = 0.5
	}
	return snap
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
