// Package tailvisor supervises long-running shell commands over HTTP: it
// spawns them under a chosen user, keeps a bounded log of their output,
// streams it live over websockets and restarts them when autostart is on.
package tailvisor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/tailvisor/internal/auth"
	cfg "github.com/loykin/tailvisor/internal/config"
	"github.com/loykin/tailvisor/internal/history"
	historyfactory "github.com/loykin/tailvisor/internal/history/factory"
	"github.com/loykin/tailvisor/internal/logger"
	"github.com/loykin/tailvisor/internal/manager"
	"github.com/loykin/tailvisor/internal/metrics"
	"github.com/loykin/tailvisor/internal/process"
	iapi "github.com/loykin/tailvisor/internal/server"
	"github.com/loykin/tailvisor/internal/store"
	storefactory "github.com/loykin/tailvisor/internal/store/factory"
	tlsconf "github.com/loykin/tailvisor/internal/tls"
)

// Re-export core types for external consumers.

type Spec = process.Spec

type Status = process.Status

type Info = process.Info

type Options = manager.Options

type Config = cfg.Config

type Store = store.Store

type HistorySink = history.Sink

var (
	ErrUnknownProcess = manager.ErrUnknownProcess
	ErrUnknownUser    = manager.ErrUnknownUser
	ErrInvalidSpec    = manager.ErrInvalidSpec
	ErrNotStarted     = manager.ErrNotStarted
	ErrShuttingDown   = manager.ErrShuttingDown
	ErrNotRestored    = manager.ErrNotRestored
)

// Manager is a thin facade over the internal registry.
type Manager struct{ inner *manager.Manager }

func New(opts Options) *Manager { return &Manager{inner: manager.NewManager(opts)} }

func (m *Manager) SetLogger(l *slog.Logger)             { m.inner.SetLogger(l) }
func (m *Manager) SetStore(s Store)                     { m.inner.SetStore(s) }
func (m *Manager) SetHistorySinks(sinks ...HistorySink) { m.inner.SetHistorySinks(sinks...) }
func (m *Manager) Create(ctx context.Context, s Spec) (uint64, error) {
	return m.inner.Create(ctx, s)
}
func (m *Manager) List() []Info                                 { return m.inner.List() }
func (m *Manager) Log(id uint64) ([]byte, error)                { return m.inner.Log(id) }
func (m *Manager) Kill(id uint64) error                         { return m.inner.Kill(id) }
func (m *Manager) Restart(ctx context.Context, id uint64) error { return m.inner.Restart(ctx, id) }
func (m *Manager) Delete(ctx context.Context, id uint64) error  { return m.inner.Delete(ctx, id) }
func (m *Manager) Update(ctx context.Context, id uint64, s Spec) (uint64, error) {
	return m.inner.Update(ctx, id, s)
}
func (m *Manager) Restore(ctx context.Context) error  { return m.inner.Restore(ctx) }
func (m *Manager) Shutdown(ctx context.Context) error { return m.inner.Shutdown(ctx) }

// resourceTargets lists running children for the resource sampler.
func (m *Manager) resourceTargets() []metrics.Target {
	var out []metrics.Target
	for _, in := range m.inner.List() {
		if in.Status.Running && in.PID > 0 {
			out = append(out, metrics.Target{ID: in.ID, Name: in.Name, PID: in.PID})
		}
	}
	return out
}

// Handler returns the HTTP API mounted under basePath, ready to embed in
// another server or mux.
func (m *Manager) Handler(basePath string) http.Handler {
	return iapi.NewRouter(m.inner, basePath).Handler()
}

// LoadConfig reads a TOML configuration; see internal/config for the keys.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// OpenStore opens the snapshot backend described by the [store] section.
func OpenStore(ctx context.Context, c storefactory.Config) (Store, error) {
	return storefactory.New(ctx, c)
}

// OpenStoreDSN opens a snapshot backend from a DSN: a JSON file path,
// sqlite://path or postgres://...
func OpenStoreDSN(ctx context.Context, dsn string) (Store, error) {
	return storefactory.NewFromDSN(ctx, dsn)
}

// OpenHistorySinks builds one history sink per DSN (sqlite, postgres,
// clickhouse, opensearch).
func OpenHistorySinks(dsns ...string) ([]HistorySink, error) {
	return historyfactory.NewSinks(dsns)
}

// HashPassword returns a bcrypt hash for a [[server.auth.users]] entry.
func HashPassword(password string) (string, error) { return auth.HashPassword(password, 0) }

// NewHTTPServer starts an HTTP server exposing the API using the given manager.
func NewHTTPServer(addr, basePath string, m *Manager) (*http.Server, net.Addr, error) {
	return iapi.NewServer(addr, m.Handler(basePath))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves the default Prometheus gatherer.
func MetricsHandler() http.Handler { return metrics.Handler() }

// Daemon is a fully wired supervisor built from a Config: logger, snapshot
// store, history sinks, metrics, the API server and optionally a separate
// metrics listener.
type Daemon struct {
	Manager *Manager
	Log     *slog.Logger

	server     *http.Server
	addr       net.Addr
	basePath   string
	secure     bool
	metricsSrv *http.Server
	sampler    *metrics.ResourceSampler
	closers    []io.Closer
}

// Start builds and starts a Daemon. The snapshot is restored before the API
// starts accepting requests. console receives log output when no log file is
// configured; nil means os.Stderr.
func Start(ctx context.Context, c *Config, console io.Writer) (*Daemon, error) {
	log, logCloser, err := logger.New(c.Log, console)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	d := &Daemon{Log: log, closers: []io.Closer{logCloser}}
	ok := false
	defer func() {
		if !ok {
			d.closeAll()
		}
	}()

	st, err := storefactory.New(ctx, c.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sinks, err := historyfactory.NewSinks(c.HistoryDSNs())
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("history sinks: %w", err)
	}

	s := c.Supervisor
	m := New(Options{
		LogCapacity:        s.LogCapacity,
		ReadTimeout:        s.ReadTimeout,
		CrashLoopThreshold: s.CrashLoopThreshold,
		TailQueue:          s.TailQueue,
		StopGrace:          s.StopGrace,
		Process:            s.ProcessOptions(),
	})
	m.SetLogger(log)
	m.SetStore(st)
	if len(sinks) > 0 {
		m.SetHistorySinks(sinks...)
	}
	d.Manager = m

	if err := m.Restore(ctx); err != nil {
		// the manager owns the store from here on
		_ = m.Shutdown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("restore: %w", err)
	}

	router := iapi.NewRouter(m.inner, c.Server.BasePath).WithLogger(log)
	d.basePath = router.BasePath()
	if c.Server.Auth.Enabled {
		svc, err := auth.NewService(c.Server.Auth)
		if err != nil {
			_ = m.Shutdown(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("auth: %w", err)
		}
		router.WithAuth(svc)
	}
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		if c.Metrics.Listen == "" {
			router.WithMetrics(metrics.Handler())
		}
		if c.Metrics.ResourceInterval > 0 {
			d.sampler = metrics.NewResourceSampler(c.Metrics.ResourceInterval, m.resourceTargets, log)
			if err := d.sampler.Register(prometheus.DefaultRegisterer); err != nil {
				log.Warn("failed to register resource metrics", "error", err)
			}
		}
	}

	tlsCfg, err := tlsconf.Setup(c.Server.TLS)
	if err != nil {
		_ = m.Shutdown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("tls: %w", err)
	}
	d.secure = tlsCfg != nil

	if c.Metrics.Enabled && c.Metrics.Listen != "" {
		srv, addr, err := iapi.NewServer(c.Metrics.Listen, metricsMux())
		if err != nil {
			_ = m.Shutdown(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("metrics listen: %w", err)
		}
		d.metricsSrv = srv
		log.Info("serving metrics", "addr", addr.String())
	}

	server, addr, err := iapi.NewTLSServer(c.Server.Listen, router.Handler(), tlsCfg)
	if err != nil {
		if d.metricsSrv != nil {
			_ = d.metricsSrv.Close()
		}
		_ = m.Shutdown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("listen: %w", err)
	}
	d.server, d.addr = server, addr
	if d.sampler != nil {
		d.sampler.Start(context.WithoutCancel(ctx))
	}
	log.Info("tailvisor started", "addr", addr.String(), "base_path", d.basePath, "tls", d.secure, "processes", len(m.List()))
	ok = true
	return d, nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Addr is the bound API address, useful with a ":0" listen address.
func (d *Daemon) Addr() net.Addr { return d.addr }

// URL is the API base URL clients should use.
func (d *Daemon) URL() string {
	scheme := "http"
	if d.secure {
		scheme = "https"
	}
	return scheme + "://" + d.addr.String() + d.basePath
}

// TLSConfig is exposed for callers that need to build a matching client.
func (d *Daemon) TLSConfig() *tls.Config { return d.server.TLSConfig }

// Shutdown stops accepting requests, terminates every child and writes the
// final snapshot.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error
	// hijacked tail connections are not tracked by Shutdown; Close drops them
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := d.server.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		errs = append(errs, err)
	}
	cancel()
	_ = d.server.Close()
	if d.metricsSrv != nil {
		_ = d.metricsSrv.Close()
	}
	if d.sampler != nil {
		d.sampler.Stop()
	}
	if err := d.Manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	d.closeAll()
	return errors.Join(errs...)
}

func (d *Daemon) closeAll() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i].Close()
	}
	d.closers = nil
}
