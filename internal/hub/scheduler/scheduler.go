// Package scheduler drives the periodic tick: registry reload, git
// pull, candidate scan, dispatch. Ticks never overlap; a tick that
// arrives while the previous one is running is skipped, not queued.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relayhub/relayhub/internal/common/logger"
	"github.com/relayhub/relayhub/internal/events"
	"github.com/relayhub/relayhub/internal/events/bus"
	"github.com/relayhub/relayhub/internal/hub/dispatch"
	"github.com/relayhub/relayhub/internal/hub/gitops"
	"github.com/relayhub/relayhub/internal/hub/registry"
	"github.com/relayhub/relayhub/internal/hub/request"
	"go.uber.org/zap"
)

// Scheduler owns the tick loop. Construct with New, then Start/Stop.
type Scheduler struct {
	interval   time.Duration
	store      *request.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	git        *gitops.Runner
	bus        bus.EventBus
	logger     *logger.Logger

	ticking  atomic.Bool
	lastTick atomic.Int64 // unix nanos, 0 until the first tick completes
	services map[string]struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(interval time.Duration, store *request.Store, reg *registry.Registry,
	d *dispatch.Dispatcher, git *gitops.Runner, b bus.EventBus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		interval:   interval,
		store:      store,
		registry:   reg,
		dispatcher: d,
		git:        git,
		bus:        b,
		logger:     log.WithFields(zap.String("component", "scheduler")),
		services:   make(map[string]struct{}),
	}
}

// Start launches the tick loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop halts the loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// LastTick returns when the last tick completed, zero before the first.
func (s *Scheduler) LastTick() time.Time {
	n := s.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduler pass. Safe to call on demand from any
// goroutine; returns false when a pass is already in flight.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Debug("tick skipped, previous still running")
		return false
	}
	defer s.ticking.Store(false)

	start := time.Now()

	s.reloadRegistry()
	s.pull(ctx)

	candidates, err := s.store.ScanCandidates()
	if err != nil {
		s.logger.Warn("candidate scan failed", zap.Error(err))
		candidates = nil
	}
	dispatched := s.dispatcher.Dispatch(ctx, candidates, false)

	// Commits land as workers finish, so each tick pushes what the
	// previous ones completed.
	s.push(ctx)

	s.lastTick.Store(time.Now().UnixNano())
	events.Emit(s.bus, events.SchedulerTick, "scheduler", events.SchedulerTickPayload{
		At:         start,
		Candidates: len(candidates),
		Dispatched: dispatched,
		DurationMS: time.Since(start).Milliseconds(),
	})
	if dispatched > 0 {
		s.logger.Info("tick dispatched requests",
			zap.Int("candidates", len(candidates)),
			zap.Int("dispatched", dispatched))
	}
	return true
}

// reloadRegistry hot-reloads policy files and emits add/remove events
// for the service delta.
func (s *Scheduler) reloadRegistry() {
	if err := s.registry.Load(); err != nil {
		s.logger.Warn("registry reload failed", zap.Error(err))
		return
	}
	current := make(map[string]struct{})
	for _, name := range s.registry.Services() {
		current[name] = struct{}{}
		if _, known := s.services[name]; !known {
			events.Emit(s.bus, events.ServiceAdded, "scheduler", events.ServicePayload{Name: name})
		}
	}
	for name := range s.services {
		if _, still := current[name]; !still {
			events.Emit(s.bus, events.ServiceRemoved, "scheduler", events.ServicePayload{Name: name})
		}
	}
	s.services = current
}

func (s *Scheduler) pull(ctx context.Context) {
	payload := events.SyncPayload{Root: s.store.Root()}
	if err := s.git.Pull(ctx); err != nil {
		s.logger.Warn("git pull failed", zap.Error(err))
		payload.Error = err.Error()
	}
	events.Emit(s.bus, events.SyncPull, "scheduler", payload)
}

func (s *Scheduler) push(ctx context.Context) {
	payload := events.SyncPayload{Root: s.store.Root()}
	if err := s.git.Push(ctx); err != nil {
		s.logger.Warn("git push failed", zap.Error(err))
		payload.Error = err.Error()
	}
	events.Emit(s.bus, events.SyncPush, "scheduler", payload)
}
