package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/tailvisor/internal/metrics"
	"github.com/loykin/tailvisor/internal/store"
)

// persister writes registry snapshots in the background. Triggers that
// arrive while a save is in flight collapse into one follow-up save, and a
// failed save is retried after retryDelay or on the next trigger. Nothing is
// written to a store until its snapshot has been loaded, so an unreadable
// snapshot is never replaced by an empty registry.
type persister struct {
	mu     sync.Mutex
	st     store.Store
	loaded bool
	closed bool

	snap       func() store.Snapshot
	log        *slog.Logger
	retryDelay time.Duration

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newPersister(snap func() store.Snapshot, log *slog.Logger) *persister {
	p := &persister{
		snap:       snap,
		log:        log,
		retryDelay: time.Second,
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) setStore(s store.Store) {
	p.mu.Lock()
	p.st = s
	p.loaded = false
	p.mu.Unlock()
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.kick:
			err := p.Flush(context.Background())
			if err != nil && !errors.Is(err, ErrNotRestored) {
				time.AfterFunc(p.retryDelay, p.Trigger)
			}
		case <-p.stop:
			return
		}
	}
}

// Trigger requests an asynchronous save. It never blocks.
func (p *persister) Trigger() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Flush saves the current snapshot synchronously.
func (p *persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked(ctx)
}

func (p *persister) flushLocked(ctx context.Context) error {
	if p.st == nil || p.closed {
		return nil
	}
	if !p.loaded {
		return ErrNotRestored
	}
	if err := p.st.Save(ctx, p.snap()); err != nil {
		metrics.IncSnapshotFailure()
		p.log.Warn("snapshot write failed", "error", err)
		return err
	}
	return nil
}

func (p *persister) load(ctx context.Context) (store.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.st == nil {
		return store.Snapshot{}, nil
	}
	snap, err := p.st.Load(ctx)
	if err != nil {
		return store.Snapshot{}, err
	}
	p.loaded = true
	return snap, nil
}

// Close stops the background writer, performs a final save and closes the
// store. A store whose snapshot was never loaded is closed untouched.
func (p *persister) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.loaded {
		err = p.flushLocked(ctx)
	} else if p.st != nil && !p.closed {
		p.log.Warn("snapshot not written, store was never restored")
	}
	if p.st != nil && !p.closed {
		if cerr := p.st.Close(); err == nil {
			err = cerr
		}
	}
	p.closed = true
	return err
}
