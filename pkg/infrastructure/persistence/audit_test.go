package persistence

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestAudit(t *testing.T) *AuditStore {
	t.Helper()
	s, err := NewAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewAuditStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAuditAppendAndRecent(t *testing.T) {
	s := newTestAudit(t)

	entries := []AuditEntry{
		{Kind: "command.executed", Source: "router", Actor: "U1", Subject: "status"},
		{Kind: "command.denied", Source: "router", Actor: "U2", Subject: "arm cam1"},
		{Kind: "relay.event.dispatched", Source: "poller", Subject: "1001"},
	}
	for _, e := range entries {
		if err := s.Append(e); err != nil {
			t.Fatalf("Append(%s) error = %v", e.Kind, err)
		}
	}

	got, err := s.Recent(10, "")
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent() returned %d rows, want 3", len(got))
	}
	// Newest first.
	if got[0].Kind != "relay.event.dispatched" {
		t.Errorf("newest row kind = %q", got[0].Kind)
	}
	if got[0].TS.IsZero() {
		t.Error("Append should stamp the row timestamp")
	}
}

func TestAuditRecentKindPrefix(t *testing.T) {
	s := newTestAudit(t)

	for _, kind := range []string{"command.executed", "command.denied", "relay.event.dropped"} {
		if err := s.Append(AuditEntry{Kind: kind, Source: "test"}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Recent(10, "command.")
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(command.) returned %d rows, want 2", len(got))
	}
	for _, e := range got {
		if e.Kind != "command.executed" && e.Kind != "command.denied" {
			t.Errorf("unexpected kind %q", e.Kind)
		}
	}
}

func TestAuditCountSince(t *testing.T) {
	s := newTestAudit(t)

	old := AuditEntry{Kind: "relay.event.dispatched", Source: "poller",
		TS: time.Now().Add(-2 * time.Hour)}
	fresh := AuditEntry{Kind: "relay.event.dispatched", Source: "poller"}
	if err := s.Append(old); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(fresh); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountSince(time.Now().Add(-time.Hour), "relay.")
	if err != nil {
		t.Fatalf("CountSince() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CountSince() = %d, want 1", n)
	}
}

func TestAuditHealth(t *testing.T) {
	s := newTestAudit(t)
	if err := s.Health(); err != nil {
		t.Errorf("Health() = %v", err)
	}
}
