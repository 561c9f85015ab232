//go:build !windows

package tailvisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/tailvisor/internal/auth"
	"github.com/loykin/tailvisor/internal/privilege"
	"github.com/loykin/tailvisor/internal/process"
	tlsconf "github.com/loykin/tailvisor/internal/tls"
	"github.com/loykin/tailvisor/pkg/client"
)

func testConfig(t *testing.T, dir string) *Config {
	t.Helper()
	c, err := LoadConfig("")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	c.Server.Listen = "127.0.0.1:0"
	c.Supervisor.Wrapper = process.WrapperShell
	c.Supervisor.ReadTimeout = 20 * time.Millisecond
	c.Supervisor.StopGrace = time.Second
	c.Store.Path = filepath.Join(dir, "cfg.json")
	c.Metrics.Enabled = true
	return c
}

func startDaemon(t *testing.T, c *Config) (*Daemon, *client.Client) {
	t.Helper()
	d, err := Start(context.Background(), c, io.Discard)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cl, err := client.New(client.Config{BaseURL: d.URL(), Timeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	return d, cl
}

func stop(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func currentUser(t *testing.T) string {
	t.Helper()
	me, err := privilege.CurrentUsername()
	if err != nil {
		t.Skipf("no current user: %v", err)
	}
	return me
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

func TestDaemonSurvivesRestart(t *testing.T) {
	me, err := privilege.CurrentUsername()
	if err != nil {
		t.Skipf("no current user: %v", err)
	}
	dir := t.TempDir()
	ctx := context.Background()

	d, cl := startDaemon(t, testConfig(t, dir))
	id, err := cl.Create(ctx, client.CreateRequest{Command: "echo up; sleep 30", User: me, Name: "svc", Autostart: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	oneshot, err := cl.Create(ctx, client.CreateRequest{Command: "exit 4", User: me, Name: "oneshot"})
	if err != nil {
		t.Fatalf("create oneshot: %v", err)
	}
	waitFor(t, "output", func() bool {
		out, _ := cl.Log(ctx, id)
		return strings.Contains(string(out), "up")
	})
	stop(t, d)

	d2, cl2 := startDaemon(t, testConfig(t, dir))
	defer stop(t, d2)

	list, err := cl2.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 restored records, got %+v", list)
	}
	byID := map[uint64]client.Process{}
	for _, p := range list {
		byID[p.ID] = p
	}
	if byID[oneshot].Status.Running() || byID[oneshot].Autostart {
		t.Fatalf("oneshot should stay exited: %+v", byID[oneshot])
	}
	waitFor(t, "autostart relaunch", func() bool {
		out, _ := cl2.Log(ctx, id)
		return strings.Contains(string(out), "up")
	})

	next, err := cl2.Create(ctx, client.CreateRequest{Command: "true", User: me})
	if err != nil {
		t.Fatalf("create after restore: %v", err)
	}
	if next <= oneshot {
		t.Fatalf("identifier reused: %d <= %d", next, oneshot)
	}
}

func TestDaemonServesMetrics(t *testing.T) {
	c := testConfig(t, t.TempDir())
	c.Metrics.ResourceInterval = 50 * time.Millisecond
	d, cl := startDaemon(t, c)
	defer stop(t, d)

	id, err := cl.Create(context.Background(), client.CreateRequest{Command: "sleep 30", User: currentUser(t), Name: "sleeper"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	want := fmt.Sprintf(`tailvisor_process_memory_rss_bytes{id="%d",name="sleeper"}`, id)

	scrape := func() (int, []byte) {
		resp, err := http.Get("http://" + d.Addr().String() + "/metrics")
		if err != nil {
			t.Fatalf("metrics: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, body
	}
	code, body := scrape()
	if code != http.StatusOK || !bytes.Contains(body, []byte("tailvisor_registry_processes")) {
		t.Fatalf("metrics status=%d body=%s", code, body)
	}
	waitFor(t, "resource sample", func() bool {
		_, body := scrape()
		return bytes.Contains(body, []byte(want))
	})
}

func TestDaemonTLS(t *testing.T) {
	dir := t.TempDir()
	c := testConfig(t, dir)
	c.Server.TLS.Enabled = true
	c.Server.TLS.Dir = filepath.Join(dir, "tls")
	c.Server.TLS.AutoGenerate = true
	d, err := Start(context.Background(), c, io.Discard)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop(t, d)
	if !strings.HasPrefix(d.URL(), "https://") {
		t.Fatalf("url %s", d.URL())
	}

	_, _, ca := c.Server.TLS.CertPaths()
	cl, err := client.New(client.Config{BaseURL: d.URL(), TLS: &client.TLSClientConfig{Enabled: true, CACert: ca}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cl.List(context.Background()); err != nil {
		t.Fatalf("list over tls: %v", err)
	}
}

func TestDaemonMutualTLS(t *testing.T) {
	dir := t.TempDir()
	clientCert, clientKey := filepath.Join(dir, "ops.crt"), filepath.Join(dir, "ops.key")
	if err := tlsconf.GenerateSelfSignedCert(tlsconf.CertConfig{
		CommonName: "ops", Organization: "tailvisor", NotAfter: time.Now().Add(time.Hour),
		CertPath: clientCert, KeyPath: clientKey, ClientAuth: true,
	}); err != nil {
		t.Fatal(err)
	}
	c := testConfig(t, dir)
	c.Server.TLS.Enabled = true
	c.Server.TLS.Dir = filepath.Join(dir, "tls")
	c.Server.TLS.AutoGenerate = true
	c.Server.TLS.ClientCA = clientCert
	d, err := Start(context.Background(), c, io.Discard)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop(t, d)
	_, _, ca := c.Server.TLS.CertPaths()

	anon, err := client.New(client.Config{BaseURL: d.URL(), TLS: &client.TLSClientConfig{Enabled: true, CACert: ca}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := anon.List(context.Background()); err == nil {
		t.Fatal("list without a client certificate succeeded")
	}

	ops, err := client.New(client.Config{BaseURL: d.URL(), TLS: &client.TLSClientConfig{
		Enabled: true, CACert: ca, ClientCert: clientCert, ClientKey: clientKey,
	}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ops.List(context.Background()); err != nil {
		t.Fatalf("list with client certificate: %v", err)
	}
}

func TestStartFailsOnBadStore(t *testing.T) {
	c := testConfig(t, t.TempDir())
	c.Store.Type = "postgres"
	c.Store.DSN = "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1"
	if _, err := Start(context.Background(), c, io.Discard); err == nil {
		t.Fatal("expected store error")
	}
}

func TestStartKeepsUnreadableSnapshot(t *testing.T) {
	c := testConfig(t, t.TempDir())
	truncated := []byte(`{"processes":[{"id":7,"name":"web"`)
	if err := os.WriteFile(c.Store.Path, truncated, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Start(context.Background(), c, io.Discard); err == nil {
		t.Fatal("expected restore error")
	}
	got, err := os.ReadFile(c.Store.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, truncated) {
		t.Fatalf("snapshot was rewritten: %s", got)
	}
}

func TestDaemonURLUsesCleanBasePath(t *testing.T) {
	c := testConfig(t, t.TempDir())
	c.Server.BasePath = "api/"
	d, cl := startDaemon(t, c)
	defer stop(t, d)
	if !strings.HasSuffix(d.URL(), "/api") {
		t.Fatalf("url %s", d.URL())
	}
	if _, err := cl.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
}

func TestManagerFacade(t *testing.T) {
	m := New(Options{ReadTimeout: 20 * time.Millisecond, Process: process.Options{Wrapper: process.WrapperShell}})
	defer func() { _ = m.Shutdown(context.Background()) }()
	if _, err := m.Create(context.Background(), Spec{Command: "true"}); err == nil {
		t.Fatal("expected invalid spec")
	}
	if err := m.Kill(42); err == nil {
		t.Fatal("expected unknown process")
	}
	if len(m.List()) != 0 {
		t.Fatal("expected empty registry")
	}
	if m.Handler("/api") == nil {
		t.Fatal("nil handler")
	}
}

func TestDaemonAuth(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	c := testConfig(t, t.TempDir())
	c.Server.Auth.Enabled = true
	c.Server.Auth.Users = []auth.UserConfig{{Username: "ops", PasswordHash: hash}}
	d, err := Start(context.Background(), c, io.Discard)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop(t, d)

	anon, _ := client.New(client.Config{BaseURL: d.URL()})
	_, err = anon.List(context.Background())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous list: %v", err)
	}

	ops, _ := client.New(client.Config{BaseURL: d.URL(), Username: "ops", Password: "s3cret"})
	if _, err := ops.List(context.Background()); err != nil {
		t.Fatalf("authenticated list: %v", err)
	}
}
