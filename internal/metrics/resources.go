package metrics

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Target is a running child to sample.
type Target struct {
	ID   uint64
	Name string
	PID  int
}

// Usage is the resource usage of a child and all of its descendants.
type Usage struct {
	CPUPercent float64
	RSSBytes   uint64
	Threads    int32
	Processes  int
}

// ResourceSampler periodically reads CPU and memory of every running child
// (the wrapper and everything below it) and exports them as gauges labelled
// by id and name. Samples of children that went away are removed.
type ResourceSampler struct {
	interval time.Duration
	source   func() []Target
	log      *slog.Logger

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec

	mu      sync.Mutex
	handles map[int32]*process.Process // kept between ticks so Percent(0) has a baseline
	labels  map[uint64]string
	last    map[uint64]Usage

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewResourceSampler(interval time.Duration, source func() []Target, log *slog.Logger) *ResourceSampler {
	if log == nil {
		log = slog.Default()
	}
	labels := []string{"id", "name"}
	return &ResourceSampler{
		interval: interval,
		source:   source,
		log:      log,
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tailvisor", Subsystem: "process", Name: "cpu_percent",
			Help: "CPU usage of the child process tree in percent of one core.",
		}, labels),
		rss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tailvisor", Subsystem: "process", Name: "memory_rss_bytes",
			Help: "Resident memory of the child process tree.",
		}, labels),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tailvisor", Subsystem: "process", Name: "threads",
			Help: "Thread count of the child process tree.",
		}, labels),
		handles: map[int32]*process.Process{},
		labels:  map[uint64]string{},
		last:    map[uint64]Usage{},
		stopCh:  make(chan struct{}),
	}
}

// Register adds the sampler's gauges to r. If another sampler registered
// them first, this one takes over the existing vectors.
func (s *ResourceSampler) Register(r prometheus.Registerer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range []**prometheus.GaugeVec{&s.cpu, &s.rss, &s.threads} {
		if err := r.Register(*g); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				*g = existing
			}
		}
	}
	return nil
}

// Start samples every interval until ctx is done or Stop is called.
func (s *ResourceSampler) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				s.SampleOnce(ctx)
			}
		}
	}()
}

func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SampleOnce takes one sample of every target.
func (s *ResourceSampler) SampleOnce(ctx context.Context) {
	targets := s.source()
	s.mu.Lock()
	defer s.mu.Unlock()

	seenPIDs := map[int32]bool{}
	seenIDs := map[uint64]bool{}
	for _, t := range targets {
		if t.PID <= 0 {
			continue
		}
		u, err := s.sampleTree(ctx, int32(t.PID), seenPIDs)
		if err != nil {
			s.log.Debug("resource sample failed", "id", t.ID, "name", t.Name, "pid", t.PID, "error", err)
			continue
		}
		seenIDs[t.ID] = true
		id := strconv.FormatUint(t.ID, 10)
		if old, ok := s.labels[t.ID]; ok && old != t.Name {
			s.deleteLabels(t.ID, old)
		}
		s.labels[t.ID] = t.Name
		s.last[t.ID] = u
		s.cpu.WithLabelValues(id, t.Name).Set(u.CPUPercent)
		s.rss.WithLabelValues(id, t.Name).Set(float64(u.RSSBytes))
		s.threads.WithLabelValues(id, t.Name).Set(float64(u.Threads))
	}
	for id, name := range s.labels {
		if !seenIDs[id] {
			s.deleteLabels(id, name)
			delete(s.labels, id)
			delete(s.last, id)
		}
	}
	for pid := range s.handles {
		if !seenPIDs[pid] {
			delete(s.handles, pid)
		}
	}
}

// Usage returns the latest sample for id.
func (s *ResourceSampler) Usage(id uint64) (Usage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.last[id]
	return u, ok
}

func (s *ResourceSampler) deleteLabels(id uint64, name string) {
	l := strconv.FormatUint(id, 10)
	s.cpu.DeleteLabelValues(l, name)
	s.rss.DeleteLabelValues(l, name)
	s.threads.DeleteLabelValues(l, name)
}

func (s *ResourceSampler) handle(ctx context.Context, pid int32) (*process.Process, error) {
	if p, ok := s.handles[pid]; ok {
		// IsRunning also compares create time, so a reused pid is not mistaken for the old child
		if running, err := p.IsRunningWithContext(ctx); err == nil && running {
			return p, nil
		}
		delete(s.handles, pid)
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	s.handles[pid] = p
	return p, nil
}

// sampleTree sums root and its descendants. Only the root has to exist.
func (s *ResourceSampler) sampleTree(ctx context.Context, root int32, seen map[int32]bool) (Usage, error) {
	var u Usage
	queue := []int32{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if seen[pid] {
			continue
		}
		p, err := s.handle(ctx, pid)
		if err != nil {
			if pid == root {
				return Usage{}, err
			}
			continue
		}
		seen[pid] = true
		u.Processes++
		if pct, err := p.PercentWithContext(ctx, 0); err == nil {
			u.CPUPercent += pct
		}
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			u.RSSBytes += mi.RSS
		}
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			u.Threads += n
		}
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		for _, c := range children {
			queue = append(queue, c.Pid)
		}
	}
	return u, nil
}
