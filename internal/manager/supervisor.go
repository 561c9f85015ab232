package manager

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/loykin/tailvisor/internal/history"
	"github.com/loykin/tailvisor/internal/ident"
	"github.com/loykin/tailvisor/internal/metrics"
	"github.com/loykin/tailvisor/internal/process"
)

// Lines the supervisor writes into a process's own output.
const (
	RestartLine   = "[pm] autostart was on, restarting process\n"
	CrashLoopLine = "[pm] !!!! exited within %d seconds of starting, will not restart !!!!\n"
	SpawnFailLine = "[pm] failed to spawn child: %v (did you use a privileged user?)\n"
)

const readBufSize = 4096

// supervise is the monitoring loop of one record:
//
//	Starting -> Running -> Exited -> Stopped
//	                          \-> Restarting -> Starting
//
// It returns when the record reaches Stopped.
func (m *Manager) supervise(rec *process.Record) {
	defer m.loops.Done()
	defer rec.EndLoop()
	defer m.persist.Trigger()

	emit := rec.Emit

	for {
		if rec.StopRequested() {
			rec.MarkExited(-1)
			return
		}
		if !m.runOnce(rec, emit) {
			return
		}
		if m.closing.Load() || rec.StopRequested() || !rec.Autostart() {
			return
		}
		uptime := time.Duration(ident.NowMillis()-rec.StartedAt()) * time.Millisecond
		if uptime < m.opts.CrashLoopThreshold {
			emit([]byte(fmt.Sprintf(CrashLoopLine, int(m.opts.CrashLoopThreshold/time.Second))))
			metrics.IncCrashLoop(rec.Name())
			m.emitHistory(history.Event{Type: history.EventCrashLoop, ID: rec.ID(), Name: rec.Name(), ExitCode: rec.Status().ExitCode, Message: "exited too soon after start"})
			m.log.Warn("crash loop detected, not restarting", "id", rec.ID(), "name", rec.Name(), "uptime", uptime)
			return
		}
		emit([]byte(RestartLine))
		metrics.IncRestart(rec.Name())
		m.emitHistory(history.Event{Type: history.EventRestart, ID: rec.ID(), Name: rec.Name(), Message: "autostart"})
		m.log.Info("restarting process", "id", rec.ID(), "name", rec.Name(), "uptime", uptime)
	}
}

// runOnce spawns the child and polls it until it exits. It returns false
// when the child could not be spawned.
func (m *Manager) runOnce(rec *process.Record, emit func([]byte)) bool {
	spec := rec.Spec()
	id, err := m.users.Resolve(spec.User)
	if err != nil {
		m.spawnFailed(rec, err)
		return false
	}
	child, err := process.Spawn(spec, m.opts.Process, id)
	if err != nil {
		m.spawnFailed(rec, err)
		return false
	}
	defer child.Close()

	pid := child.Pid()
	rec.MarkStarted(pid)
	m.persist.Trigger()
	metrics.IncSpawn(rec.Name())
	m.emitHistory(history.Event{Type: history.EventSpawn, ID: rec.ID(), Name: rec.Name(), PID: pid})
	m.log.Info("process spawned", "id", rec.ID(), "name", rec.Name(), "pid", pid)

	// a stop or shutdown that raced with the spawn could not see the pid
	if rec.StopRequested() {
		_ = process.Signal(pid, syscall.SIGKILL)
	} else if m.closing.Load() {
		_ = process.Signal(pid, syscall.SIGTERM)
	}

	code := m.poll(child, emit)
	rec.MarkExited(code)
	metrics.IncExit(rec.Name())
	metrics.ObserveRun(rec.Name(), time.Duration(ident.NowMillis()-rec.StartedAt())*time.Millisecond)
	m.emitHistory(history.Event{Type: history.EventExit, ID: rec.ID(), Name: rec.Name(), PID: pid, ExitCode: code})
	m.log.Info("process exited", "id", rec.ID(), "name", rec.Name(), "pid", pid, "exit_code", code)
	return true
}

// poll reads stdout then stderr with a bounded wait each, then checks for
// exit without blocking, until the child has terminated. Output still
// buffered in the pipes at exit is drained before returning the exit code.
func (m *Manager) poll(child *process.Child, emit func([]byte)) int {
	buf := make([]byte, readBufSize)
	open := [2]bool{true, true}
	timeout := m.opts.ReadTimeout

	for {
		for _, stream := range []int{process.Stdout, process.Stderr} {
			if !open[stream] {
				continue
			}
			n, err := child.Read(stream, buf, timeout)
			if n > 0 {
				emit(buf[:n])
			}
			if err != nil {
				// EOF or a broken pipe; either way nothing more will come
				open[stream] = false
				if !errors.Is(err, io.EOF) {
					m.log.Debug("child stream read failed", "pid", child.Pid(), "stream", stream, "error", err)
				}
			}
		}
		if code, exited := child.Poll(); exited {
			m.drain(child, buf, open, emit)
			return code
		}
		if !open[process.Stdout] && !open[process.Stderr] {
			// both streams closed; avoid spinning until the exit is reaped
			select {
			case <-child.Done():
			case <-time.After(timeout):
			}
		}
	}
}

// drain collects output written just before exit. It stops at EOF or at the
// first read that times out, so a grandchild holding the pipe open cannot
// stall the loop.
func (m *Manager) drain(child *process.Child, buf []byte, open [2]bool, emit func([]byte)) {
	for _, stream := range []int{process.Stdout, process.Stderr} {
		for open[stream] {
			n, err := child.Read(stream, buf, m.opts.ReadTimeout)
			if n > 0 {
				emit(buf[:n])
			}
			if err != nil || n == 0 {
				open[stream] = false
			}
		}
	}
}

// spawnFailed records a child that could not be started. The failure is
// absorbed into the record's status and log; no retry is attempted.
func (m *Manager) spawnFailed(rec *process.Record, err error) {
	line := []byte(fmt.Sprintf(SpawnFailLine, err))
	rec.Log().Reset(line)
	if bc := rec.Broadcaster(); bc != nil {
		bc.Publish(line)
	}
	rec.MarkExited(-1)
	m.emitHistory(history.Event{Type: history.EventExit, ID: rec.ID(), Name: rec.Name(), ExitCode: -1, Message: err.Error()})
	m.log.Error("failed to spawn process", "id", rec.ID(), "name", rec.Name(), "user", rec.Spec().User, "error", err)
}
