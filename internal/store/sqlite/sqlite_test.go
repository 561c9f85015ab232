package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loykin/tailvisor/internal/process"
	"github.com/loykin/tailvisor/internal/store"
)

func TestSQLiteSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = s.Close() }()

	empty, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(empty.Processes) != 0 || empty.Counter != 0 {
		t.Fatalf("expected empty snapshot, got %+v", empty)
	}

	want := store.Snapshot{
		Processes: []process.Durable{
			{ID: 2, Name: "api", Dir: "/srv/api", Command: "./api", User: "svc", Status: process.StatusRunning, Timestamp: 10, Autostart: true},
			{ID: 7, Name: "cron", Command: "sleep 1", User: "svc", Status: process.Exited(-1), Timestamp: 20},
		},
		Counter: 8,
	}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Counter != 8 || len(got.Processes) != 2 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	for i := range want.Processes {
		if got.Processes[i] != want.Processes[i] {
			t.Fatalf("row %d: got %+v want %+v", i, got.Processes[i], want.Processes[i])
		}
	}

	// a later save replaces rows instead of merging
	if err := s.Save(ctx, store.Snapshot{Processes: want.Processes[1:], Counter: 9}); err != nil {
		t.Fatalf("save 2: %v", err)
	}
	got, _ = s.Load(ctx)
	if got.Counter != 9 || len(got.Processes) != 1 || got.Processes[0].ID != 7 {
		t.Fatalf("replace failed: %+v", got)
	}
}

func TestSQLiteEmptyPath(t *testing.T) {
	if _, err := New(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
