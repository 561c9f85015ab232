//go:build !windows

package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/tailvisor/internal/manager"
	"github.com/loykin/tailvisor/internal/privilege"
	"github.com/loykin/tailvisor/internal/process"
	"github.com/loykin/tailvisor/internal/server"
)

type selfResolver struct{}

func (selfResolver) Resolve(name string) (privilege.Identity, error) {
	if name != "svc" {
		return privilege.Identity{}, fmt.Errorf("%w: %s", privilege.ErrUnknownUser, name)
	}
	return privilege.Identity{Username: name, UID: uint32(os.Getuid()), GID: uint32(os.Getgid())}, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startDaemon(t *testing.T) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := mng.NewManager(mng.Options{
		ReadTimeout: 20 * time.Millisecond,
		StopGrace:   time.Second,
		Process:     process.Options{Wrapper: process.WrapperShell},
	})
	m.SetResolver(selfResolver{})
	srv := httptest.NewServer(server.NewRouter(m, "/api").Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	c, err := New(Config{BaseURL: srv.URL + "/api"})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLifecycleAgainstDaemon(t *testing.T) {
	c := startDaemon(t)
	ctx := context.Background()

	id, err := c.Create(ctx, CreateRequest{Command: "echo hello; sleep 30", User: "svc", Name: "greeter"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	eventually(t, "log output", func() bool {
		out, err := c.Log(ctx, id)
		return err == nil && strings.Contains(string(out), "hello")
	})

	list, err := c.List(ctx)
	if err != nil || len(list) != 1 || list[0].Name != "greeter" || !list[0].Status.Running() {
		t.Fatalf("list: %+v err=%v", list, err)
	}

	if _, err := c.Create(ctx, CreateRequest{Command: "true", User: "nobody-here"}); err == nil {
		t.Fatal("expected unknown user error")
	} else {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
			t.Fatalf("unknown user: %v", err)
		}
	}

	if err := c.Kill(ctx, id); err != nil {
		t.Fatalf("kill: %v", err)
	}
	eventually(t, "exit after kill", func() bool {
		list, err := c.List(ctx)
		return err == nil && len(list) == 1 && !list[0].Status.Running()
	})

	newID, err := c.Update(ctx, id, CreateRequest{Command: "echo patched; sleep 30", User: "svc", Name: "greeter"})
	if err != nil || newID <= id {
		t.Fatalf("update: id=%d err=%v", newID, err)
	}
	if err := c.Restart(ctx, newID); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := c.Delete(ctx, newID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.Log(ctx, newID); err == nil {
		t.Fatal("expected 404 after delete")
	}
}

func TestTailAgainstDaemon(t *testing.T) {
	c := startDaemon(t)
	ctx := context.Background()

	id, err := c.Create(ctx, CreateRequest{Command: "echo first; sleep 0.5; echo second; sleep 30", User: "svc"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	eventually(t, "first line", func() bool {
		out, _ := c.Log(ctx, id)
		return strings.Contains(string(out), "first")
	})

	tailCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- c.Tail(tailCtx, id, true, &out) }()

	eventually(t, "tail output", func() bool {
		s := out.String()
		return strings.Contains(s, "first") && strings.Contains(s, "second")
	})
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("tail returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not stop on cancel")
	}

	if err := c.Tail(ctx, 999, false, &out); err == nil {
		t.Fatal("expected error for unknown process")
	}
}
