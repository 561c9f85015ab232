//go:build !windows

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loykin/tailvisor"
	"github.com/loykin/tailvisor/internal/process"
	tlsconf "github.com/loykin/tailvisor/internal/tls"
	"github.com/loykin/tailvisor/pkg/client"
)

func startDaemon(t *testing.T) *tailvisor.Daemon {
	t.Helper()
	cfg, err := tailvisor.LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Supervisor.Wrapper = process.WrapperShell
	cfg.Supervisor.ReadTimeout = 20 * time.Millisecond
	cfg.Supervisor.StopGrace = time.Second
	cfg.Store.Path = filepath.Join(t.TempDir(), "cfg.json")
	d, err := tailvisor.Start(context.Background(), cfg, io.Discard)
	if err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

// run executes the CLI with args against the daemon and returns stdout.
func run(t *testing.T, d *tailvisor.Daemon, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append(args, "--api-url", d.URL()))
	err := root.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, d *tailvisor.Daemon, args ...string) string {
	t.Helper()
	out, err := run(t, d, args...)
	if err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestProcessCommands(t *testing.T) {
	d := startDaemon(t)

	out := mustRun(t, d, "new", "--command", "echo from-cli; sleep 30", "--name", "cli")
	id, err := strconv.ParseUint(strings.TrimSpace(out), 10, 64)
	if err != nil {
		t.Fatalf("new printed %q", out)
	}
	sid := strconv.FormatUint(id, 10)

	waitFor(t, "log", func() bool {
		out, err := run(t, d, "log", sid)
		return err == nil && strings.Contains(out, "from-cli")
	})

	table := mustRun(t, d, "list")
	if !strings.Contains(table, "ID") || !strings.Contains(table, "cli") || !strings.Contains(table, "running") {
		t.Fatalf("list table:\n%s", table)
	}

	var procs []client.Process
	if err := json.Unmarshal([]byte(mustRun(t, d, "list", "--json")), &procs); err != nil {
		t.Fatalf("list --json: %v", err)
	}
	if len(procs) != 1 || procs[0].ID != id || procs[0].Dir == "" || procs[0].User == "" {
		t.Fatalf("list --json: %+v", procs)
	}

	if got := mustRun(t, d, "kill", sid); strings.TrimSpace(got) != "ok" {
		t.Fatalf("kill printed %q", got)
	}
	mustRun(t, d, "restart", sid)

	out = mustRun(t, d, "update", sid, "--command", "sleep 30")
	newID, err := strconv.ParseUint(strings.TrimSpace(out), 10, 64)
	if err != nil || newID <= id {
		t.Fatalf("update printed %q", out)
	}
	mustRun(t, d, "delete", strconv.FormatUint(newID, 10))

	if _, err := run(t, d, "log", strconv.FormatUint(newID, 10)); err == nil {
		t.Fatal("expected error for deleted process")
	}
}

func TestCommandArgErrors(t *testing.T) {
	d := startDaemon(t)
	cases := [][]string{
		{"new"},
		{"log"},
		{"log", "abc"},
		{"kill", "-1"},
		{"delete", "1", "2"},
		{"log", "99"},
		{"new", "--command", "true", "--user", "no-such-user-here"},
	}
	for _, args := range cases {
		if _, err := run(t, d, args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestTailCommand(t *testing.T) {
	d := startDaemon(t)
	out := mustRun(t, d, "new", "--command", "echo tail-me; sleep 30")
	sid := strings.TrimSpace(out)
	waitFor(t, "output", func() bool {
		out, _ := run(t, d, "log", sid)
		return strings.Contains(out, "tail-me")
	})

	ctx, cancel := context.WithCancel(context.Background())
	root := buildRoot()
	var buf syncBuffer
	root.SetOut(&buf)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"tail", sid, "--history", "--api-url", d.URL()})
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	waitFor(t, "tail history", func() bool { return strings.Contains(buf.String(), "tail-me") })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("tail: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not return after cancel")
	}
}

func TestClientCertificateFlags(t *testing.T) {
	dir := t.TempDir()
	cert, key := filepath.Join(dir, "ops.crt"), filepath.Join(dir, "ops.key")
	if err := tlsconf.GenerateSelfSignedCert(tlsconf.CertConfig{
		CommonName: "ops", Organization: "tailvisor", NotAfter: time.Now().Add(time.Hour),
		CertPath: cert, KeyPath: key, ClientAuth: true,
	}); err != nil {
		t.Fatal(err)
	}
	cfg, err := tailvisor.LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Supervisor.Wrapper = process.WrapperShell
	cfg.Store.Path = filepath.Join(dir, "cfg.json")
	cfg.Server.TLS.Enabled = true
	cfg.Server.TLS.Dir = filepath.Join(dir, "tls")
	cfg.Server.TLS.AutoGenerate = true
	cfg.Server.TLS.ClientCA = cert
	d, err := tailvisor.Start(context.Background(), cfg, io.Discard)
	if err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	_, _, ca := cfg.Server.TLS.CertPaths()

	if _, err := run(t, d, "list", "--ca", ca); err == nil {
		t.Fatal("list without --cert succeeded")
	}
	if _, err := run(t, d, "list", "--ca", ca, "--cert", cert); err == nil {
		t.Fatal("--cert without --key succeeded")
	}
	out := mustRun(t, d, "list", "--ca", ca, "--cert", cert, "--key", key)
	if !strings.HasPrefix(out, "ID") {
		t.Fatalf("list output %q", out)
	}
}

func TestDaemonArgs(t *testing.T) {
	got := daemonArgs([]string{"serve", "cfg.toml", "--daemonize", "--pidfile", "/run/t.pid", "--daemonize=true"})
	want := []string{"serve", "cfg.toml", "--pidfile", "/run/t.pid"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("got %v", got)
	}
}

func TestHashPassword(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader("s3cret\n"))
	root.SetArgs([]string{"hash-password"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "$2") {
		t.Fatalf("not a bcrypt hash: %q", out.String())
	}

	root = buildRoot()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(""))
	root.SetArgs([]string{"hash-password"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for empty password")
	}
}
