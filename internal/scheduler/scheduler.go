// Package scheduler runs the background maintenance loops: memory GC,
// expired-blacklist sweeps, knowledge-graph cleanup, and the one-shot
// dialogue warm-up after startup.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tsukishiro/yukibot/internal/config"
	"github.com/tsukishiro/yukibot/internal/graphmem"
	"github.com/tsukishiro/yukibot/internal/guard"
	"github.com/tsukishiro/yukibot/internal/memgc"
)

// graphCleanupUserLimit bounds how many subgraphs one cleanup pass touches.
const graphCleanupUserLimit = 10

// Fallback periods when neither the job override nor the config sets one.
const (
	defaultGCInterval        = 12 * time.Hour
	defaultBlacklistInterval = 10 * time.Minute
	defaultGraphInterval     = 4 * time.Hour
)

// Jobs wires the scheduler to the services it drives. Nil services skip
// their loop. The interval fields override the config-derived periods;
// zero keeps the configured value.
type Jobs struct {
	Cfg func() *config.Config

	GC           *memgc.Collector
	Blacklist    *guard.Blacklist
	GraphCleaner *graphmem.Cleaner
	Warmup       *Warmup

	GCInterval        time.Duration
	BlacklistInterval time.Duration
	GraphInterval     time.Duration

	Logger *slog.Logger
}

// Scheduler owns the maintenance goroutines. Safe for concurrent use.
type Scheduler struct {
	jobs   Jobs
	logger *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler; call Start to launch the loops.
func New(jobs Jobs) *Scheduler {
	logger := jobs.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:   jobs,
		logger: logger.With("component", "scheduler"),
		done:   make(chan struct{}),
	}
}

// Start launches one goroutine per configured job plus the warm-up. The
// loops run until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	cfg := s.jobs.Cfg().Bot.Schedule

	if s.jobs.GC != nil {
		interval := s.jobs.GCInterval
		if interval <= 0 {
			interval = time.Duration(cfg.GCHours) * time.Hour
		}
		if interval <= 0 {
			interval = defaultGCInterval
		}
		s.launch(ctx, "memory_gc", interval, s.RunGC)
	}
	if s.jobs.Blacklist != nil {
		interval := s.jobs.BlacklistInterval
		if interval <= 0 {
			interval = time.Duration(cfg.BlacklistMinutes) * time.Minute
		}
		if interval <= 0 {
			interval = defaultBlacklistInterval
		}
		s.launch(ctx, "blacklist_sweep", interval, s.RunBlacklistSweep)
	}
	if s.jobs.GraphCleaner != nil {
		interval := s.jobs.GraphInterval
		if interval <= 0 {
			interval = time.Duration(cfg.GraphCleanupHours) * time.Hour
		}
		if interval <= 0 {
			interval = defaultGraphInterval
		}
		s.launch(ctx, "graph_cleanup", interval, s.RunGraphCleanup)
	}
	if s.jobs.Warmup != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.jobs.Warmup.Run(ctx)
		}()
	}
}

// Stop halts every loop and waits for in-flight jobs to return. Safe to
// call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) launch(ctx context.Context, name string, interval time.Duration, job func(context.Context)) {
	s.logger.Info("job scheduled", "job", name, "interval", interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				job(ctx)
			}
		}
	}()
}

// RunGC sweeps every memory scope once. Also invoked by the manual GC
// command.
func (s *Scheduler) RunGC(ctx context.Context) {
	results := s.jobs.GC.CollectAll(ctx)
	var deleted, compacted int
	for _, r := range results {
		deleted += r.Deleted
		compacted += r.Compacted
	}
	s.logger.Info("scheduled gc finished",
		"scopes", len(results), "deleted", deleted, "compacted", compacted)
}

// RunBlacklistSweep drops expired temp-blacklist rows.
func (s *Scheduler) RunBlacklistSweep(ctx context.Context) {
	n, err := s.jobs.Blacklist.CleanupExpired(ctx)
	if err != nil {
		s.logger.Warn("blacklist sweep failed", "err", err)
		return
	}
	if n > 0 {
		s.logger.Info("blacklist sweep finished", "removed", n)
	}
}

// RunGraphCleanup runs the model-assisted graph dedup/prune pass.
func (s *Scheduler) RunGraphCleanup(ctx context.Context) {
	stats, err := s.jobs.GraphCleaner.CleanupAll(ctx, graphCleanupUserLimit)
	if err != nil {
		s.logger.Warn("graph cleanup failed", "err", err)
		return
	}
	s.logger.Info("graph cleanup finished",
		"users", stats.Users, "merged", stats.Merged, "deleted", stats.Deleted)
}
