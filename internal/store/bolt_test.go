package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vigil/vigil/internal/model"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.db")
	s, err := Open(path, 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStore_SourceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	src := model.LogSourceConfig{
		SourceName:       "nginx-access",
		Path:             "/var/log/nginx/access.log",
		SourceType:       model.SourceTypeFile,
		Enabled:          true,
		PollingIntervalS: 1.0,
		BatchSize:        100,
		Priority:         5,
		Status:           model.SourceStatusActive,
	}
	if err := s.PutSource(ctx, src); err != nil {
		t.Fatalf("PutSource: %v", err)
	}

	got, err := s.GetSource(ctx, "nginx-access")
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if got == nil || got.Path != src.Path {
		t.Fatalf("GetSource returned %+v, want path %q", got, src.Path)
	}

	list, err := s.ListSources(ctx)
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListSources len = %d, want 1", len(list))
	}

	if err := s.DeleteSource(ctx, "nginx-access"); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	got, err = s.GetSource(ctx, "nginx-access")
	if err != nil {
		t.Fatalf("GetSource after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("GetSource after delete = %+v, want nil", got)
	}
}

func TestBoltStore_AuditChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e1 := model.AuditEntry{ID: "a1", EventType: "source_updated", Timestamp: base, Action: "create"}
	e2 := model.AuditEntry{ID: "a2", EventType: "source_updated", Timestamp: base.Add(time.Second), Action: "update"}

	if err := s.AppendAudit(ctx, e1); err != nil {
		t.Fatalf("AppendAudit e1: %v", err)
	}
	if err := s.AppendAudit(ctx, e2); err != nil {
		t.Fatalf("AppendAudit e2: %v", err)
	}

	entries, err := s.ListAudit(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListAudit len = %d, want 2", len(entries))
	}
	if entries[0].Hash == "" || entries[1].Hash == "" {
		t.Fatal("expected both entries to carry a computed hash")
	}
	if entries[1].HashPrev != entries[0].Hash {
		t.Fatalf("entries[1].HashPrev = %q, want %q", entries[1].HashPrev, entries[0].Hash)
	}

	last, err := s.LastAuditHash(ctx)
	if err != nil {
		t.Fatalf("LastAuditHash: %v", err)
	}
	if last != entries[1].Hash {
		t.Fatalf("LastAuditHash = %q, want %q", last, entries[1].Hash)
	}
}

func TestBoltStore_PruneAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := model.AuditEntry{ID: "old", Timestamp: time.Now().AddDate(0, 0, -40)}
	recent := model.AuditEntry{ID: "recent", Timestamp: time.Now()}
	if err := s.AppendAudit(ctx, old); err != nil {
		t.Fatalf("AppendAudit old: %v", err)
	}
	if err := s.AppendAudit(ctx, recent); err != nil {
		t.Fatalf("AppendAudit recent: %v", err)
	}

	deleted, err := s.PruneAudit(ctx, time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("PruneAudit: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("PruneAudit deleted = %d, want 1", deleted)
	}

	entries, err := s.ListAudit(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "recent" {
		t.Fatalf("ListAudit after prune = %+v, want only %q", entries, "recent")
	}
}

func TestBoltStore_UserRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := UserRecord{Username: "alice", PasswordHash: "hash", Role: model.RoleAdmin}
	if err := s.PutUser(ctx, u); err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	got, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got == nil || got.Role != model.RoleAdmin {
		t.Fatalf("GetUser returned %+v", got)
	}

	miss, err := s.GetUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetUser(nobody): %v", err)
	}
	if miss != nil {
		t.Fatalf("GetUser(nobody) = %+v, want nil", miss)
	}
}
