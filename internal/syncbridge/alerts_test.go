package syncbridge

import (
	"errors"
	"testing"
	"time"
)

func TestAlertLifecycle(t *testing.T) {
	m := NewAlertManager(AlertManagerOptions{})
	alert := m.Raise(SeverityWarning, "health_monitor", "score dropped")

	if alert.Acknowledged || alert.Resolved {
		t.Fatal("new alerts start unacknowledged and unresolved")
	}

	// Resolving before acknowledging is rejected.
	if err := m.Resolve(alert.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resolve before ack: err = %v, want ErrInvalidState", err)
	}
	if err := m.Acknowledge(alert.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if err := m.Resolve(alert.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	all := m.All()
	if len(all) != 1 || !all[0].Resolved || !all[0].Acknowledged {
		t.Fatalf("alert state = %+v", all)
	}
	if active := m.Active(); len(active) != 0 {
		t.Fatalf("active = %d after resolve", len(active))
	}

	// Resolved alerts never reopen; acknowledging one is invalid.
	if err := m.Acknowledge(alert.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("ack after resolve: err = %v, want ErrInvalidState", err)
	}
}

func TestAlertUnknownID(t *testing.T) {
	m := NewAlertManager(AlertManagerOptions{})
	if err := m.Acknowledge("nope"); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("err = %v, want ErrAlertNotFound", err)
	}
	if err := m.Resolve("nope"); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("err = %v, want ErrAlertNotFound", err)
	}
}

func TestAlertOnCreatedHook(t *testing.T) {
	var created []Alert
	m := NewAlertManager(AlertManagerOptions{
		OnCreated: func(a Alert) { created = append(created, a) },
	})
	m.Raise(SeverityInfo, "capture", "fallback to polling")
	m.Raise(SeverityCritical, "engine", "initialization failed")

	if len(created) != 2 {
		t.Fatalf("hook fired %d times", len(created))
	}
	if created[1].Severity != SeverityCritical {
		t.Fatalf("severity = %s", created[1].Severity)
	}
}

func TestAlertPruneKeepsUnresolved(t *testing.T) {
	m := NewAlertManager(AlertManagerOptions{Retention: time.Hour, MaxAlerts: 100})
	kept := m.Raise(SeverityError, "sync_queue", "still broken")
	gone := m.Raise(SeverityWarning, "health_monitor", "old and fixed")
	if err := m.Acknowledge(gone.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := m.Resolve(gone.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	m.prune(time.Now().UTC().Add(2 * time.Hour))

	all := m.All()
	if len(all) != 1 || all[0].ID != kept.ID {
		t.Fatalf("retained = %+v, want only the unresolved alert", all)
	}
}

func TestAlertCapDropsResolvedFirst(t *testing.T) {
	m := NewAlertManager(AlertManagerOptions{Retention: 24 * time.Hour, MaxAlerts: 2})
	resolved := m.Raise(SeverityInfo, "a", "done")
	_ = m.Acknowledge(resolved.ID)
	_ = m.Resolve(resolved.ID)
	open1 := m.Raise(SeverityWarning, "b", "open")
	open2 := m.Raise(SeverityWarning, "c", "open")

	m.prune(time.Now().UTC())

	all := m.All()
	if len(all) != 2 {
		t.Fatalf("retained %d alerts, want 2", len(all))
	}
	for _, a := range all {
		if a.ID != open1.ID && a.ID != open2.ID {
			t.Fatalf("unexpected survivor %+v", a)
		}
	}
}
