package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loykin/tailvisor/internal/broadcast"
	"github.com/loykin/tailvisor/internal/history"
	"github.com/loykin/tailvisor/internal/ident"
	"github.com/loykin/tailvisor/internal/logbuf"
	"github.com/loykin/tailvisor/internal/metrics"
	"github.com/loykin/tailvisor/internal/privilege"
	"github.com/loykin/tailvisor/internal/process"
	"github.com/loykin/tailvisor/internal/store"
)

// Options tunes the supervision loops. Zero values take the defaults.
type Options struct {
	LogCapacity        int           // bytes retained per process, default 4000
	ReadTimeout        time.Duration // bounded wait per stream read, default 250ms
	CrashLoopThreshold time.Duration // minimum uptime before an autostart relaunch, default 30s
	TailQueue          int           // per-viewer chunk queue, default 16
	StopGrace          time.Duration // SIGTERM to SIGKILL delay at shutdown, default 5s
	Process            process.Options
}

const (
	DefaultReadTimeout        = 250 * time.Millisecond
	DefaultCrashLoopThreshold = 30 * time.Second
	DefaultStopGrace          = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.LogCapacity <= 0 {
		o.LogCapacity = logbuf.DefaultCapacity
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.CrashLoopThreshold < 0 {
		o.CrashLoopThreshold = 0
	} else if o.CrashLoopThreshold == 0 {
		o.CrashLoopThreshold = DefaultCrashLoopThreshold
	}
	if o.TailQueue <= 0 {
		o.TailQueue = broadcast.DefaultQueue
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	return o
}

// Manager is the process registry. It owns every record and runs one
// supervision loop per active record.
type Manager struct {
	opts Options

	mu    sync.RWMutex
	procs map[uint64]*process.Record

	// serializes restart, update and delete so a record is never replaced
	// while another request is waiting on its loop
	opMu sync.Mutex

	ids   *ident.Counter
	users privilege.Resolver
	log   *slog.Logger

	hmu   sync.RWMutex
	sinks []history.Sink
	hwg   sync.WaitGroup

	persist *persister
	closing atomic.Bool
	loops   sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		opts:  opts.withDefaults(),
		procs: make(map[uint64]*process.Record),
		ids:   ident.NewCounter(),
		users: privilege.System{},
		log:   slog.Default(),
	}
	m.persist = newPersister(m.snapshot, m.log)
	return m
}

// SetLogger replaces the supervisor logger.
func (m *Manager) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	m.log = l
	m.persist.log = l
}

// SetResolver replaces the user resolver, mainly for tests.
func (m *Manager) SetResolver(r privilege.Resolver) {
	if r != nil {
		m.users = r
	}
}

// SetStore configures where snapshots are written. It must be called before
// Restore and before any mutation. Snapshots are only written once Restore
// has loaded the store.
func (m *Manager) SetStore(s store.Store) {
	m.persist.setStore(s)
}

// SetHistorySinks configures external history sinks (ClickHouse, PostgreSQL, etc.).
// Passing nil or no sinks clears the list.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.hmu.Lock()
	m.sinks = append([]history.Sink(nil), sinks...)
	m.hmu.Unlock()
}

// Options returns the effective options.
func (m *Manager) Options() Options { return m.opts }

// Create validates spec, registers a new record and starts its loop.
func (m *Manager) Create(_ context.Context, spec process.Spec) (uint64, error) {
	if err := m.check(spec); err != nil {
		return 0, err
	}
	m.mu.Lock()
	if m.closing.Load() {
		m.mu.Unlock()
		return 0, ErrShuttingDown
	}
	rec := process.NewRecord(m.ids.Next(), spec, m.opts.LogCapacity)
	m.procs[rec.ID()] = rec
	m.startLocked(rec)
	n := len(m.procs)
	m.mu.Unlock()

	metrics.SetRegistryProcesses(n)
	m.persist.Trigger()
	m.log.Info("process created", "id", rec.ID(), "name", rec.Name(), "user", spec.User, "autostart", spec.Autostart)
	return rec.ID(), nil
}

// check validates spec and resolves its user eagerly so that a bad request
// fails before anything is registered.
func (m *Manager) check(spec process.Spec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if _, err := m.users.Resolve(spec.User); err != nil {
		return err
	}
	return nil
}

// Get returns the record for id.
func (m *Manager) Get(id uint64) (*process.Record, error) {
	m.mu.RLock()
	rec, ok := m.procs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProcess, id)
	}
	return rec, nil
}

// List returns a view of every record ordered by identifier.
func (m *Manager) List() []process.Info {
	m.mu.RLock()
	out := make([]process.Info, 0, len(m.procs))
	for _, rec := range m.procs {
		out = append(out, rec.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Log returns the retained output of id.
func (m *Manager) Log(id uint64) ([]byte, error) {
	rec, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return rec.Log().Bytes(), nil
}

// Subscribe attaches a live viewer to id. Only chunks published after the
// call are delivered.
func (m *Manager) Subscribe(id uint64) (*broadcast.Subscription, error) {
	rec, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	bc := rec.Broadcaster()
	if bc == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotStarted, id)
	}
	return bc.Subscribe(), nil
}

// Tail subscribes to id and returns the retained log captured after the
// subscription, so no output falls between history and the live stream.
// Output published in that window may appear in both.
func (m *Manager) Tail(id uint64) (*broadcast.Subscription, []byte, error) {
	sub, err := m.Subscribe(id)
	if err != nil {
		return nil, nil, err
	}
	rec, err := m.Get(id)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	return sub, rec.Log().Bytes(), nil
}

// Kill clears the autostart flag of id and forcibly terminates its child if
// one is running. The loop observes the exit on its own.
func (m *Manager) Kill(id uint64) error {
	rec, err := m.Get(id)
	if err != nil {
		return err
	}
	m.kill(rec)
	m.persist.Trigger()
	return nil
}

func (m *Manager) kill(rec *process.Record) {
	rec.SetAutostart(false)
	pid := rec.PID()
	if pid == 0 {
		return
	}
	if err := process.Signal(pid, syscall.SIGKILL); err != nil {
		m.log.Warn("kill failed", "id", rec.ID(), "name", rec.Name(), "pid", pid, "error", err)
		return
	}
	metrics.IncKill(rec.Name())
	m.emitHistory(history.Event{Type: history.EventKill, ID: rec.ID(), Name: rec.Name(), PID: pid})
	m.log.Info("process killed", "id", rec.ID(), "name", rec.Name(), "pid", pid)
}

// stop kills rec and waits for its loop to finish.
func (m *Manager) stop(ctx context.Context, rec *process.Record) error {
	rec.RequestStop()
	m.kill(rec)
	done := rec.LoopDone()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart stops the active loop of id, if any, and replaces the record with a
// fresh one carrying the same identifier, configuration and autostart flag.
// The new loop starts from a clean status.
func (m *Manager) Restart(ctx context.Context, id uint64) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.closing.Load() {
		return ErrShuttingDown
	}
	old, err := m.Get(id)
	if err != nil {
		return err
	}
	autostart := old.Autostart()
	if old.Active() {
		if err := m.stop(ctx, old); err != nil {
			return err
		}
	}

	fresh := process.NewRecord(id, old.Spec(), m.opts.LogCapacity)
	fresh.SetAutostart(autostart)

	m.mu.Lock()
	if m.closing.Load() {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := m.procs[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownProcess, id)
	}
	m.procs[id] = fresh
	m.startLocked(fresh)
	m.mu.Unlock()

	if bc := old.Broadcaster(); bc != nil {
		bc.Close()
	}
	m.persist.Trigger()
	m.emitHistory(history.Event{Type: history.EventRestart, ID: id, Name: fresh.Name(), Message: "requested"})
	m.log.Info("process restarted", "id", id, "name", fresh.Name())
	return nil
}

// Delete stops id and removes it from the registry. The identifier is never
// reused.
func (m *Manager) Delete(ctx context.Context, id uint64) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.deleteLocked(ctx, id)
}

func (m *Manager) deleteLocked(ctx context.Context, id uint64) error {
	rec, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := m.stop(ctx, rec); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.procs, id)
	n := len(m.procs)
	m.mu.Unlock()

	if bc := rec.Broadcaster(); bc != nil {
		bc.Close()
	}
	metrics.SetRegistryProcesses(n)
	m.persist.Trigger()
	m.emitHistory(history.Event{Type: history.EventDelete, ID: id, Name: rec.Name()})
	m.log.Info("process deleted", "id", id, "name", rec.Name())
	return nil
}

// Update replaces id with a new record built from spec and returns the new
// identifier. spec is validated before the old record is touched.
func (m *Manager) Update(ctx context.Context, id uint64, spec process.Spec) (uint64, error) {
	if err := m.check(spec); err != nil {
		return 0, err
	}
	m.opMu.Lock()
	err := m.deleteLocked(ctx, id)
	m.opMu.Unlock()
	if err != nil {
		return 0, err
	}
	return m.Create(ctx, spec)
}

// Restore loads the last snapshot into an empty registry. Autostart records
// are relaunched; any other record left Running is marked Exited(-1) since
// its OS process did not survive the supervisor.
func (m *Manager) Restore(ctx context.Context) error {
	snap, err := m.persist.load(ctx)
	if err != nil {
		return err
	}
	next := snap.Counter
	m.mu.Lock()
	for _, d := range snap.Processes {
		if d.ID >= next {
			next = d.ID + 1
		}
		rec := process.FromDurable(d, m.opts.LogCapacity)
		m.procs[d.ID] = rec
		if d.Autostart && m.startLocked(rec) {
			continue
		}
		if d.Status.Running {
			rec.SetStatus(process.Exited(-1))
		}
	}
	n := len(m.procs)
	m.mu.Unlock()
	m.ids.Seed(next)

	metrics.SetRegistryProcesses(n)
	m.persist.Trigger()
	m.log.Info("registry restored", "processes", n, "next_id", m.ids.Peek())
	return nil
}

// Shutdown stops accepting mutations, terminates every child (SIGTERM, then
// SIGKILL after the stop grace period), waits for the loops and writes a
// final snapshot. Autostart flags are kept so the next Restore relaunches.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closing.Swap(true) {
		m.mu.Unlock()
		return nil
	}
	recs := make([]*process.Record, 0, len(m.procs))
	for _, rec := range m.procs {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	signalAll := func(sig syscall.Signal) {
		for _, rec := range recs {
			if pid := rec.PID(); pid > 0 {
				_ = process.Signal(pid, sig)
			}
		}
	}
	done := make(chan struct{})
	go func() {
		m.loops.Wait()
		close(done)
	}()

	signalAll(syscall.SIGTERM)
	grace := time.NewTimer(m.opts.StopGrace)
	defer grace.Stop()
	var waitErr error
	select {
	case <-done:
	case <-grace.C:
		m.log.Warn("children still running after grace period, killing", "grace", m.opts.StopGrace)
		signalAll(syscall.SIGKILL)
		select {
		case <-done:
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
	case <-ctx.Done():
		signalAll(syscall.SIGKILL)
		waitErr = ctx.Err()
	}

	for _, rec := range recs {
		if bc := rec.Broadcaster(); bc != nil {
			bc.Close()
		}
	}
	if err := m.persist.Close(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	m.closeSinks()
	return waitErr
}

// Flush writes a snapshot synchronously. It returns ErrNotRestored if a store
// is set but Restore has not loaded it.
func (m *Manager) Flush(ctx context.Context) error {
	return m.persist.Flush(ctx)
}

// startLocked launches the loop for rec and reports whether one is running.
// m.mu must be held.
func (m *Manager) startLocked(rec *process.Record) bool {
	if m.closing.Load() {
		return false
	}
	rec.EnsureBroadcaster(m.opts.TailQueue)
	if !rec.BeginLoop() {
		return rec.Active()
	}
	rec.SetStatus(process.StatusRunning)
	m.loops.Add(1)
	go m.supervise(rec)
	return true
}

func (m *Manager) snapshot() store.Snapshot {
	m.mu.RLock()
	out := make([]process.Durable, 0, len(m.procs))
	for _, rec := range m.procs {
		out = append(out, rec.Durable())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return store.Snapshot{Processes: out, Counter: m.ids.Peek()}
}

func (m *Manager) emitHistory(e history.Event) {
	m.hmu.RLock()
	sinks := m.sinks
	if len(sinks) > 0 {
		m.hwg.Add(1)
	}
	m.hmu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	go func() {
		defer m.hwg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range sinks {
			if err := s.Send(ctx, e); err != nil {
				m.log.Debug("history sink failed", "event", e.Type, "id", e.ID, "error", err)
			}
		}
	}()
}

func (m *Manager) closeSinks() {
	m.hmu.Lock()
	sinks := m.sinks
	m.sinks = nil
	m.hmu.Unlock()
	m.hwg.Wait()
	_ = history.Fanout(sinks).Close()
}
