// Package schedule drives recurring sync runs for configured mappings.
//
// Each enabled mapping gets a cron entry firing at its configured interval.
// Fired triggers are funneled through a worker pool so at most MaxConcurrent
// runs execute at once, and a per-mapping state machine guarantees a mapping
// never syncs twice concurrently: triggering an already-running mapping is a
// coalesced no-op.
package schedule

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/syncwell/calbridge/internal/config"
	"github.com/syncwell/calbridge/internal/engine"
)

// queueSize bounds the trigger queue. The running guard keeps at most one
// pending trigger per mapping, so this only matters for very large configs.
const queueSize = 128

// Runner executes a single sync pass for one mapping. *engine.Engine
// satisfies this; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, m config.Mapping) *engine.RunResult
}

// Events receives run lifecycle notifications. The admin server uses this
// to stream activity to connected WebSocket clients.
type Events interface {
	RunStarted(mappingID string)
	RunFinished(res *engine.RunResult)
}

// Config holds scheduler configuration.
type Config struct {
	// DefaultInterval is used for mappings without a configured interval.
	DefaultInterval time.Duration

	// MaxConcurrent caps how many mappings may sync at the same time.
	MaxConcurrent int

	// HistoryKeep is how many recent run results to retain per mapping.
	HistoryKeep int

	// Events receives run lifecycle notifications. Optional.
	Events Events

	// Logger for scheduler activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultInterval: config.DefaultIntervalMinutes * time.Minute,
		MaxConcurrent:   config.DefaultMaxConcurrent,
		HistoryKeep:     config.DefaultHistoryKeep,
		Logger:          log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
	}
}

// MappingStatus is a point-in-time view of one mapping's scheduling state.
type MappingStatus struct {
	Mapping config.Mapping
	Running bool
	LastRun *engine.RunResult
}

// Scheduler owns the cron entries and worker pool behind recurring syncs.
type Scheduler struct {
	runner Runner
	config *Config

	// State machine: a mapping id present in running is mid-sync.
	// All maps below are guarded by mu.
	mu       sync.Mutex
	mappings map[string]config.Mapping
	running  map[string]bool
	entries  map[string]cron.EntryID
	history  map[string][]*engine.RunResult

	cron  *cron.Cron
	queue chan string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler around the given runner.
//
// Use Start() to begin the worker pool and cron triggers.
func New(runner Runner, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = config.DefaultIntervalMinutes * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = config.DefaultMaxConcurrent
	}
	if cfg.HistoryKeep <= 0 {
		cfg.HistoryKeep = config.DefaultHistoryKeep
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		runner:   runner,
		config:   cfg,
		mappings: make(map[string]config.Mapping),
		running:  make(map[string]bool),
		entries:  make(map[string]cron.EntryID),
		history:  make(map[string][]*engine.RunResult),
		cron:     cron.New(),
		queue:    make(chan string, queueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker pool and begins firing interval triggers for
// the given mappings. It returns immediately; use Stop() to shut down.
func (s *Scheduler) Start(mappings []config.Mapping) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.config.MaxConcurrent; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.Reload(mappings)
	s.cron.Start()

	s.config.Logger.Printf("Scheduler started (%d workers, %d mappings)",
		s.config.MaxConcurrent, len(mappings))
	return nil
}

// Stop halts interval triggers, cancels in-flight runs, and waits for the
// worker pool to drain. A cancelled run defers its remaining writes; the
// next run picks them up.
func (s *Scheduler) Stop() {
	s.config.Logger.Println("Stopping scheduler")

	s.cron.Stop()
	s.cancel()
	s.wg.Wait()

	s.config.Logger.Println("Scheduler stopped")
}

// Reload replaces the scheduled mapping set, swapping cron entries for the
// new intervals. Runs already in flight are unaffected; history for
// mappings that no longer exist is dropped.
func (s *Scheduler) Reload(mappings []config.Mapping) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}

	next := make(map[string]config.Mapping, len(mappings))
	for _, m := range mappings {
		next[m.ID] = m
		if !m.IsEnabled() {
			continue
		}

		interval := time.Duration(m.IntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = s.config.DefaultInterval
		}

		id := m.ID
		entry, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			s.Trigger(id)
		})
		if err != nil {
			s.config.Logger.Printf("Error scheduling %s: %v", id, err)
			continue
		}
		s.entries[id] = entry
	}

	for id := range s.history {
		if _, ok := next[id]; !ok {
			delete(s.history, id)
		}
	}
	s.mappings = next
}

// Trigger queues a sync run for the named mappings, or for every mapping
// when no ids are given. It returns the ids actually queued: unknown ids,
// disabled mappings, and mappings already running are skipped.
func (s *Scheduler) Trigger(ids ...string) []string {
	started := make([]string, 0, len(ids))

	if s.ctx.Err() != nil {
		return started
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) == 0 {
		ids = make([]string, 0, len(s.mappings))
		for id := range s.mappings {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	for _, id := range ids {
		m, ok := s.mappings[id]
		if !ok || !m.IsEnabled() || s.running[id] {
			continue
		}

		select {
		case s.queue <- id:
			s.running[id] = true
			started = append(started, id)
		case <-s.ctx.Done():
			return started
		default:
			s.config.Logger.Printf("Warning: trigger queue full, skipping %s", id)
		}
	}
	return started
}

// Status returns the scheduling state of every known mapping, sorted by id.
func (s *Scheduler) Status() []MappingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]MappingStatus, 0, len(s.mappings))
	for id, m := range s.mappings {
		st := MappingStatus{Mapping: m, Running: s.running[id]}
		if h := s.history[id]; len(h) > 0 {
			st.LastRun = h[0]
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Mapping.ID < out[j].Mapping.ID
	})
	return out
}

// History returns the most recent run results for a mapping, newest first.
func (s *Scheduler) History(id string) []*engine.RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.history[id]
	out := make([]*engine.RunResult, len(h))
	copy(out, h)
	return out
}

// worker consumes queued triggers until the scheduler shuts down.
func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case id := <-s.queue:
			s.runOne(id)
		}
	}
}

// runOne executes a sync for one mapping and records the result.
func (s *Scheduler) runOne(id string) {
	s.mu.Lock()
	m, ok := s.mappings[id]
	if !ok {
		// Mapping removed between trigger and execution.
		delete(s.running, id)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.config.Logger.Printf("Run started: %s", id)
	if ev := s.config.Events; ev != nil {
		ev.RunStarted(id)
	}

	res := s.runner.Run(s.ctx, m)

	s.mu.Lock()
	delete(s.running, id)
	hist := append([]*engine.RunResult{res}, s.history[id]...)
	if len(hist) > s.config.HistoryKeep {
		hist = hist[:s.config.HistoryKeep]
	}
	s.history[id] = hist
	s.mu.Unlock()

	s.config.Logger.Printf("Run finished: %s status=%s inserted=%d updated=%d deleted=%d",
		id, res.Status, res.Inserted, res.Updated, res.Deleted)
	if ev := s.config.Events; ev != nil {
		ev.RunFinished(res)
	}
}
