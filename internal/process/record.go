package process

import (
	"sync"
	"sync/atomic"

	"github.com/loykin/tailvisor/internal/broadcast"
	"github.com/loykin/tailvisor/internal/ident"
	"github.com/loykin/tailvisor/internal/logbuf"
)

// Record is one supervised command. The registry and the record's monitoring
// loop share it; each field group carries its own lock so that output written
// by one loop never blocks readers of another field.
type Record struct {
	id   uint64
	spec Spec

	mu        sync.RWMutex
	status    Status
	startedAt int64

	pid       atomic.Int64
	autostart atomic.Bool
	stopReq   atomic.Bool

	log *logbuf.Ring

	bcMu sync.RWMutex
	bc   *broadcast.Broadcaster

	loopMu   sync.Mutex
	loopDone chan struct{}
}

// NewRecord returns a record in the Running status stamped with the current
// time, as created by a request.
func NewRecord(id uint64, spec Spec, logCapacity int) *Record {
	r := &Record{id: id, spec: spec, status: StatusRunning, startedAt: ident.NowMillis(), log: logbuf.New(logCapacity)}
	r.autostart.Store(spec.Autostart)
	return r
}

// Durable is the persisted form of a record.
type Durable struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	Dir       string `json:"dir"`
	Command   string `json:"command"`
	User      string `json:"user"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Autostart bool   `json:"autostart"`
}

// FromDurable rebuilds a record from its snapshot form. The log starts empty
// and no broadcast handle exists until a loop is started.
func FromDurable(d Durable, logCapacity int) *Record {
	r := &Record{
		id:        d.ID,
		spec:      Spec{Command: d.Command, User: d.User, Name: d.Name, Dir: d.Dir, Autostart: d.Autostart},
		status:    d.Status,
		startedAt: d.Timestamp,
		log:       logbuf.New(logCapacity),
	}
	r.autostart.Store(d.Autostart)
	return r
}

// Info is a point-in-time view of a record for listing.
type Info struct {
	Durable
	PID     int  `json:"pid"`
	Active  bool `json:"active"`
	Viewers int  `json:"viewers"`
}

func (r *Record) ID() uint64 { return r.id }

// Spec returns the configuration the record was created with. The Autostart
// field reflects the original request; see Autostart for the live flag.
func (r *Record) Spec() Spec { return r.spec }

func (r *Record) Name() string { return r.spec.Name }

func (r *Record) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Record) SetStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// StartedAt returns the last (re)start timestamp in milliseconds.
func (r *Record) StartedAt() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startedAt
}

// MarkStarted records a fresh start: status Running, the given pid and a
// new timestamp.
func (r *Record) MarkStarted(pid int) {
	r.mu.Lock()
	r.status = StatusRunning
	r.startedAt = ident.NowMillis()
	r.mu.Unlock()
	r.pid.Store(int64(pid))
}

// MarkExited records the child's termination and clears the pid.
func (r *Record) MarkExited(code int) {
	r.pid.Store(0)
	r.SetStatus(Exited(code))
}

// PID returns the live OS pid or 0 when no child is running.
func (r *Record) PID() int { return int(r.pid.Load()) }

func (r *Record) Autostart() bool { return r.autostart.Load() }

func (r *Record) SetAutostart(v bool) { r.autostart.Store(v) }

// RequestStop marks the record as being torn down. Its loop kills any child
// it spawns from now on and does not relaunch.
func (r *Record) RequestStop() { r.stopReq.Store(true) }

func (r *Record) StopRequested() bool { return r.stopReq.Load() }

// Log returns the retained output ring.
func (r *Record) Log() *logbuf.Ring { return r.log }

// Broadcaster returns the live output channel, or nil if no loop has ever
// been started for this record.
func (r *Record) Broadcaster() *broadcast.Broadcaster {
	r.bcMu.RLock()
	defer r.bcMu.RUnlock()
	return r.bc
}

// EnsureBroadcaster installs the live output channel on first use and
// returns it.
func (r *Record) EnsureBroadcaster(queue int) *broadcast.Broadcaster {
	r.bcMu.Lock()
	defer r.bcMu.Unlock()
	if r.bc == nil {
		r.bc = broadcast.New(queue)
	}
	return r.bc
}

// Emit appends p to the log and publishes it to live viewers.
func (r *Record) Emit(p []byte) {
	_, _ = r.log.Write(p)
	if bc := r.Broadcaster(); bc != nil {
		bc.Publish(p)
	}
}

// BeginLoop claims the record for a new monitoring loop. It returns false if
// a loop is already active.
func (r *Record) BeginLoop() bool {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.loopDone != nil {
		select {
		case <-r.loopDone:
		default:
			return false
		}
	}
	r.loopDone = make(chan struct{})
	return true
}

// EndLoop marks the active loop as finished.
func (r *Record) EndLoop() {
	r.loopMu.Lock()
	if r.loopDone != nil {
		select {
		case <-r.loopDone:
		default:
			close(r.loopDone)
		}
	}
	r.loopMu.Unlock()
}

// LoopDone returns a channel closed when the current loop ends. It is nil if
// no loop was ever started.
func (r *Record) LoopDone() <-chan struct{} {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	return r.loopDone
}

// Active reports whether a monitoring loop is running.
func (r *Record) Active() bool {
	done := r.LoopDone()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Durable returns the persisted form of the record.
func (r *Record) Durable() Durable {
	r.mu.RLock()
	st, ts := r.status, r.startedAt
	r.mu.RUnlock()
	return Durable{
		ID:        r.id,
		Name:      r.spec.Name,
		Dir:       r.spec.Dir,
		Command:   r.spec.Command,
		User:      r.spec.User,
		Status:    st,
		Timestamp: ts,
		Autostart: r.Autostart(),
	}
}

// Info returns a listing view of the record.
func (r *Record) Info() Info {
	in := Info{Durable: r.Durable(), PID: r.PID(), Active: r.Active()}
	if bc := r.Broadcaster(); bc != nil {
		in.Viewers = bc.Subscribers()
	}
	return in
}
