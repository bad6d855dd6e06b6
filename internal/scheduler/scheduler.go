// Package scheduler fires named jobs at fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrDuplicate = errors.New("entry already exists")
	ErrNotFound  = errors.New("entry not found")
)

// Job is the work an entry runs. Its context is not cancelled by Stop.
type Job func(ctx context.Context) error

// EntryInfo is a snapshot of one entry.
type EntryInfo struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec"`
	Interval  time.Duration `json:"interval"`
	Next      time.Time     `json:"next"`
	Last      *time.Time    `json:"last,omitempty"`
	Runs      int64         `json:"runs"`
	Running   bool          `json:"running"`
	LastError string        `json:"last_error,omitempty"`
}

type entry struct {
	name     string
	spec     string
	interval time.Duration
	job      Job
	stop     chan struct{}

	next    time.Time
	last    time.Time
	runs    int64
	running bool
	lastErr string
}

type Scheduler struct {
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Add registers job under name. The interval uses ParseInterval syntax. If
// the scheduler is running the entry starts immediately.
func (s *Scheduler) Add(name, interval string, job Job) error {
	if name == "" {
		return fmt.Errorf("entry name is required")
	}
	d, err := ParseInterval(interval)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrDuplicate)
	}
	e := &entry{
		name:     name,
		spec:     interval,
		interval: d,
		job:      job,
		stop:     make(chan struct{}),
		next:     s.now().Add(d),
	}
	s.entries[name] = e

	if s.ctx != nil {
		s.launch(e)
	}

	s.logger.Info("Schedule entry added", zap.String("name", name), zap.Duration("interval", d))
	return nil
}

// Remove stops future fires of name. A run in progress completes.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	close(e.stop)
	delete(s.entries, name)

	s.logger.Info("Schedule entry removed", zap.String("name", name))
	return nil
}

// List returns all entries sorted by name.
func (s *Scheduler) List() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := EntryInfo{
			Name:      e.name,
			Spec:      e.spec,
			Interval:  e.interval,
			Next:      e.next,
			Runs:      e.runs,
			Running:   e.running,
			LastError: e.lastErr,
		}
		if !e.last.IsZero() {
			last := e.last
			info.Last = &last
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, e := range s.entries {
		e.next = s.now().Add(e.interval)
		s.launch(e)
	}

	s.logger.Info("Scheduler started", zap.Int("entries", len(s.entries)))
	return nil
}

// Stop prevents new fires and waits for running jobs to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.ctx = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(e *entry) {
	ctx := s.ctx
	s.wg.Add(1)
	go s.loop(ctx, e)
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			// stop and tick may be ready together
			if ctx.Err() != nil {
				return
			}
			select {
			case <-e.stop:
				return
			default:
			}
			s.fire(context.WithoutCancel(ctx), e)
		}
	}
}

// fire runs the job inline, so one entry never overlaps itself; ticks that
// arrive meanwhile are dropped.
func (s *Scheduler) fire(ctx context.Context, e *entry) {
	s.mu.Lock()
	e.running = true
	e.last = s.now()
	s.mu.Unlock()

	logger := s.logger.With(zap.String("entry", e.name))
	logger.Debug("Schedule entry firing")

	err := e.job(ctx)

	s.mu.Lock()
	e.running = false
	e.runs++
	e.next = s.now().Add(e.interval)
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		logger.Error("Scheduled job failed", zap.Error(err))
	}
}
