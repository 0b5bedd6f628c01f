package syncbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	ComponentLegacyStore = "legacy_store"
	ComponentCloudStore  = "cloud_store"
	ComponentSyncQueue   = "sync_queue"
	ComponentResolver    = "conflict_resolver"
)

const disconnectStreak = 3

type HealthMonitorOptions struct {
	Interval           time.Duration
	ProbeTimeout       time.Duration
	Legacy             StoreAdapter
	Cloud              StoreAdapter
	ProbeTable         string
	Queue              *SyncQueue
	Alerts             *AlertManager
	PendingResolutions func() int
	// OnBandChange fires outside the monitor's lock whenever the health band
	// moves while the monitor is running.
	OnBandChange func(HealthStatus)
	Logger       *slog.Logger
}

// HealthMonitor keeps a 0-100 system score and per-component status. The score
// moves on real outcomes only: applied operations nudge it up, conflicts and
// errors pull it down, and each failed probe check on a store costs 10 points.
type HealthMonitor struct {
	interval           time.Duration
	probeTimeout       time.Duration
	legacy             StoreAdapter
	cloud              StoreAdapter
	probeTable         string
	queue              *SyncQueue
	alerts             *AlertManager
	pendingResolutions func() int
	onBandChange       func(HealthStatus)
	logger             *slog.Logger

	mu         sync.Mutex
	score      int
	running    bool
	lastBand   HealthStatus
	components map[string]ComponentHealth
	streaks    map[string]int
}

func NewHealthMonitor(opts HealthMonitorOptions) *HealthMonitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PendingResolutions == nil {
		opts.PendingResolutions = func() int { return 0 }
	}
	return &HealthMonitor{
		interval:           opts.Interval,
		probeTimeout:       opts.ProbeTimeout,
		legacy:             opts.Legacy,
		cloud:              opts.Cloud,
		probeTable:         opts.ProbeTable,
		queue:              opts.Queue,
		alerts:             opts.Alerts,
		pendingResolutions: opts.PendingResolutions,
		onBandChange:       opts.OnBandChange,
		logger:             opts.Logger,
		score:              100,
		lastBand:           HealthHealthy,
		components: map[string]ComponentHealth{
			ComponentLegacyStore: {Status: StatusDisconnected},
			ComponentCloudStore:  {Status: StatusDisconnected},
			ComponentSyncQueue:   {Status: StatusConnected},
			ComponentResolver:    {Status: StatusConnected},
		},
		streaks: map[string]int{},
	}
}

// SetRunning flips the monitor between live scoring and the offline band.
func (m *HealthMonitor) SetRunning(running bool) {
	m.mu.Lock()
	m.running = running
	if running {
		m.lastBand = m.bandLocked()
	} else {
		m.lastBand = HealthOffline
	}
	m.mu.Unlock()
}

// RecordSuccess credits one applied operation.
func (m *HealthMonitor) RecordSuccess() { m.adjust(1) }

// RecordConflict debits a detected conflict.
func (m *HealthMonitor) RecordConflict() { m.adjust(-2) }

// RecordError debits a failed operation or probe check.
func (m *HealthMonitor) RecordError() { m.adjust(-10) }

// RecordCritical debits a store outage or initialization failure.
func (m *HealthMonitor) RecordCritical() { m.adjust(-20) }

func (m *HealthMonitor) adjust(delta int) {
	m.mu.Lock()
	m.score = clampScore(m.score + delta)
	band, changed := m.evaluateBandLocked()
	m.mu.Unlock()
	m.notifyBand(band, changed)
}

func (m *HealthMonitor) notifyBand(band HealthStatus, changed bool) {
	if changed && m.onBandChange != nil {
		m.onBandChange(band)
	}
}

// Run probes the stores every interval until the context is cancelled. One
// probe fires immediately so reports are populated right after startup.
func (m *HealthMonitor) Run(ctx context.Context) {
	m.probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// probe runs two checks per store: the adapter's own connected flag and a
// round-trip read. Each failed check costs 10 points; three consecutive
// failing cycles mark the store disconnected.
func (m *HealthMonitor) probe(ctx context.Context) {
	m.probeStore(ctx, ComponentLegacyStore, m.legacy)
	m.probeStore(ctx, ComponentCloudStore, m.cloud)
	m.refreshDerived()
}

func (m *HealthMonitor) probeStore(ctx context.Context, name string, store StoreAdapter) {
	if store == nil {
		return
	}
	failures := 0
	var latency time.Duration
	if !store.IsConnected() {
		failures++
	}
	// One deadline covers both round-trips so a hung store cannot stall the
	// probe cycle past the timeout.
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	elapsed, err := store.Ping(probeCtx)
	if err != nil {
		failures++
	} else {
		latency = elapsed
		if m.probeTable != "" {
			if _, err := store.Count(probeCtx, m.probeTable); err != nil {
				failures++
			}
		}
	}
	cancel()

	var band HealthStatus
	var changed bool
	m.mu.Lock()
	comp := m.components[name]
	if failures == 0 {
		m.streaks[name] = 0
		comp.Status = StatusConnected
		comp.LatencyMs = latency.Milliseconds()
		comp.LastSuccessAt = time.Now().UTC()
	} else {
		m.streaks[name]++
		comp.ErrorCount += failures
		if m.streaks[name] >= disconnectStreak {
			comp.Status = StatusDisconnected
		} else {
			comp.Status = StatusError
		}
		m.score = clampScore(m.score - 10*failures)
		band, changed = m.evaluateBandLocked()
	}
	m.components[name] = comp
	streak := m.streaks[name]
	m.mu.Unlock()
	m.notifyBand(band, changed)

	if failures > 0 {
		m.logger.Warn("store probe failed",
			"component", name, "failedChecks", failures, "streak", streak)
	}
}

// refreshDerived updates the queue and resolver entries from their live
// counters. Neither has a connection to probe.
func (m *HealthMonitor) refreshDerived() {
	var queueErrors, pending int
	if m.queue != nil {
		stats := m.queue.Stats()
		queueErrors = stats.Parked
	}
	pending = m.pendingResolutions()

	m.mu.Lock()
	queueComp := m.components[ComponentSyncQueue]
	queueComp.Status = StatusConnected
	queueComp.ErrorCount = queueErrors
	queueComp.LastSuccessAt = time.Now().UTC()
	m.components[ComponentSyncQueue] = queueComp

	resolverComp := m.components[ComponentResolver]
	resolverComp.Status = StatusConnected
	resolverComp.ErrorCount = pending
	resolverComp.LastSuccessAt = time.Now().UTC()
	m.components[ComponentResolver] = resolverComp
	m.mu.Unlock()
}

// evaluateBandLocked raises one alert per downward band transition and reports
// whether the band moved so callers can notify after releasing the lock.
// Returning to a better band resets silently; the next degradation alerts
// again.
func (m *HealthMonitor) evaluateBandLocked() (HealthStatus, bool) {
	if !m.running {
		return m.lastBand, false
	}
	band := m.bandLocked()
	if band == m.lastBand {
		return band, false
	}
	prev := m.lastBand
	m.lastBand = band
	if m.alerts == nil {
		return band, true
	}
	switch band {
	case HealthCritical:
		m.alerts.Raise(SeverityCritical, "health_monitor",
			fmt.Sprintf("system health critical (score %d)", m.score))
	case HealthWarning:
		if prev == HealthHealthy {
			m.alerts.Raise(SeverityWarning, "health_monitor",
				fmt.Sprintf("system health degraded (score %d)", m.score))
		}
	}
	return band, true
}

func (m *HealthMonitor) bandLocked() HealthStatus {
	if !m.running {
		return HealthOffline
	}
	switch {
	case m.score < 20:
		return HealthCritical
	case m.score < 50:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// Score reports the current health score.
func (m *HealthMonitor) Score() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.score
}

// Report assembles the on-demand aggregate view.
func (m *HealthMonitor) Report() SystemHealthReport {
	active := 0
	if m.alerts != nil {
		active = m.alerts.ActiveCount()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	components := make(map[string]ComponentHealth, len(m.components))
	for name, comp := range m.components {
		components[name] = comp
	}
	return SystemHealthReport{
		Status:       m.bandLocked(),
		Score:        m.score,
		Components:   components,
		ActiveAlerts: active,
		GeneratedAt:  time.Now().UTC(),
	}
}
