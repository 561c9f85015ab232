package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/tailvisor/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	events := []history.Event{
		{Type: history.EventSpawn, OccurredAt: base, ID: 5, Name: "web", PID: 100},
		{Type: history.EventExit, OccurredAt: base.Add(time.Second), ID: 5, Name: "web", PID: 100, ExitCode: 1},
		{Type: history.EventSpawn, OccurredAt: base.Add(2 * time.Second), ID: 5, Name: "web", PID: 101, Message: "autostart"},
		{Type: history.EventSpawn, OccurredAt: base, ID: 6, Name: "other", PID: 200},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}

	n, err := sink.Count(ctx, 5, history.EventSpawn)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 spawn events for id 5, got %d", n)
	}

	recent, err := sink.Recent(ctx, 5, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 events, got %d", len(recent))
	}
	if recent[0].PID != 101 || recent[0].Message != "autostart" || recent[0].Type != history.EventSpawn {
		t.Fatalf("newest event wrong: %+v", recent[0])
	}
	if recent[1].Type != history.EventExit || recent[1].ExitCode != 1 || recent[1].ID != 5 {
		t.Fatalf("second event wrong: %+v", recent[1])
	}

	all, err := sink.Recent(ctx, 6, 0)
	if err != nil || len(all) != 1 || all[0].Name != "other" {
		t.Fatalf("recent for id 6: %v %+v", err, all)
	}
}

func TestSQLiteSink_ReopenKeepsRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := sink.Send(context.Background(), history.Event{Type: history.EventKill, ID: 1, Name: "a"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = sink.Close()

	sink, err = New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(context.Background(), 1, history.EventKill)
	if err != nil || n != 1 {
		t.Fatalf("count after reopen: %d %v", n, err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("sqlite://"); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
