package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/tailvisor/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() { _ = c.Terminate(context.Background()) }()

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	sink, err := New(dsn)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	now := time.Now().UTC()
	if err := sink.Send(ctx, history.Event{Type: history.EventSpawn, OccurredAt: now, ID: 1, Name: "a", PID: 10}); err != nil {
		t.Fatalf("send spawn: %v", err)
	}
	if err := sink.Send(ctx, history.Event{Type: history.EventCrashLoop, OccurredAt: now.Add(time.Second), ID: 1, Name: "a", ExitCode: 2, Message: "exited too quickly"}); err != nil {
		t.Fatalf("send crashloop: %v", err)
	}

	n, err := sink.Count(ctx, 1, history.EventCrashLoop)
	if err != nil || n != 1 {
		t.Fatalf("count: %d %v", n, err)
	}
	recent, err := sink.Recent(ctx, 1, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(recent))
	}
}
