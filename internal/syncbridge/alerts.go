package syncbridge

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type AlertManagerOptions struct {
	Retention       time.Duration
	MaxAlerts       int
	CleanupInterval time.Duration
	OnCreated       func(Alert)
	Logger          *slog.Logger
}

// AlertManager owns the alert lifecycle: raised unacknowledged, then
// acknowledged, then resolved, never reopened. A recurring condition raises a
// fresh alert; severity never changes after creation.
type AlertManager struct {
	retention       time.Duration
	maxAlerts       int
	cleanupInterval time.Duration
	onCreated       func(Alert)
	logger          *slog.Logger

	mu     sync.Mutex
	alerts map[string]*Alert
}

func NewAlertManager(opts AlertManagerOptions) *AlertManager {
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.MaxAlerts <= 0 {
		opts.MaxAlerts = 1000
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &AlertManager{
		retention:       opts.Retention,
		maxAlerts:       opts.MaxAlerts,
		cleanupInterval: opts.CleanupInterval,
		onCreated:       opts.OnCreated,
		logger:          opts.Logger,
		alerts:          map[string]*Alert{},
	}
}

func (m *AlertManager) Raise(severity Severity, source, message string) Alert {
	alert := Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Source:    source,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.alerts[alert.ID] = &alert
	m.mu.Unlock()

	m.logger.Info("alert raised",
		"id", alert.ID, "severity", string(severity), "source", source, "message", message)
	if m.onCreated != nil {
		m.onCreated(alert)
	}
	return alert
}

func (m *AlertManager) Acknowledge(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	if alert.Resolved {
		return ErrInvalidState
	}
	alert.Acknowledged = true
	return nil
}

// Resolve closes an acknowledged alert. Resolving an unacknowledged alert is
// rejected: the lifecycle is strictly unack -> acknowledged -> resolved.
func (m *AlertManager) Resolve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	if alert.Resolved {
		return nil
	}
	if !alert.Acknowledged {
		return ErrInvalidState
	}
	alert.Resolved = true
	return nil
}

// Active lists unresolved alerts, newest first.
func (m *AlertManager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		if !alert.Resolved {
			out = append(out, *alert)
		}
	}
	sortAlerts(out)
	return out
}

// All lists every retained alert, newest first.
func (m *AlertManager) All() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		out = append(out, *alert)
	}
	sortAlerts(out)
	return out
}

func (m *AlertManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, alert := range m.alerts {
		if !alert.Resolved {
			count++
		}
	}
	return count
}

// RunCleanup periodically prunes resolved alerts past the retention window
// and enforces the retained-alert cap. Runs until the context is cancelled.
func (m *AlertManager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.prune(time.Now().UTC())
		}
	}
}

func (m *AlertManager) prune(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, alert := range m.alerts {
		if alert.Resolved && now.Sub(alert.CreatedAt) > m.retention {
			delete(m.alerts, id)
		}
	}
	if len(m.alerts) <= m.maxAlerts {
		return
	}
	// Over cap: drop oldest resolved alerts first, then oldest overall.
	all := make([]*Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		all = append(all, alert)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Resolved != all[j].Resolved {
			return all[i].Resolved
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	for _, alert := range all {
		if len(m.alerts) <= m.maxAlerts {
			break
		}
		delete(m.alerts, alert.ID)
	}
}

func sortAlerts(alerts []Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].ID < alerts[j].ID
		}
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
}
