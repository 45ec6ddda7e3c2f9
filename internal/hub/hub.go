// Package hub wires the request store, registry, dispatcher, and
// scheduler into one lifecycle.
package hub

import (
	"context"
	"time"

	"github.com/relayhub/relayhub/internal/common/config"
	"github.com/relayhub/relayhub/internal/common/logger"
	"github.com/relayhub/relayhub/internal/events/bus"
	"github.com/relayhub/relayhub/internal/hub/a2a"
	"github.com/relayhub/relayhub/internal/hub/agent"
	"github.com/relayhub/relayhub/internal/hub/dispatch"
	"github.com/relayhub/relayhub/internal/hub/gitops"
	"github.com/relayhub/relayhub/internal/hub/history"
	"github.com/relayhub/relayhub/internal/hub/registry"
	"github.com/relayhub/relayhub/internal/hub/request"
	"github.com/relayhub/relayhub/internal/hub/scheduler"
	"github.com/relayhub/relayhub/internal/hub/session"
	"go.uber.org/zap"
)

// Hub is the coordination core. Construct with New, then Start/Stop.
type Hub struct {
	cfg        *config.Config
	logger     *logger.Logger
	bus        bus.EventBus
	store      *request.Store
	registry   *registry.Registry
	history    *history.Writer
	sessions   *session.Manager
	git        *gitops.Runner
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
}

func New(cfg *config.Config, b bus.EventBus, log *logger.Logger) *Hub {
	root := cfg.Hub.Dir
	store := request.NewStore(root, log)
	reg := registry.New(root, log)
	hist := history.NewWriter(store.HistoryDir(), log)
	sessions := session.NewManager(store.SessionsDir(), store.CheckpointsDir(), session.Config{
		MaxRequests: cfg.Dispatcher.SessionMaxRequests,
		MaxAge:      cfg.Dispatcher.SessionMaxAge(),
	}, log)
	git := gitops.NewRunner(root, cfg.Hub.GitSync, log)
	executor := agent.NewExecutor(cfg.Dispatcher.AgentCmd, log)
	remotes := a2a.NewPool(log)

	d := dispatch.New(cfg.Dispatcher, store, reg, hist, sessions, git, b, executor, remotes, log)
	sched := scheduler.New(cfg.Dispatcher.PollIntervalDuration(), store, reg, d, git, b, log)

	return &Hub{
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "hub")),
		bus:        b,
		store:      store,
		registry:   reg,
		history:    hist,
		sessions:   sessions,
		git:        git,
		dispatcher: d,
		scheduler:  sched,
	}
}

// Start recovers orphaned in-progress requests, then launches the
// scheduler loop.
func (h *Hub) Start(ctx context.Context) error {
	recovered, err := h.store.RecoverInProgress()
	if err != nil {
		return err
	}
	for _, req := range recovered {
		h.history.Append(history.Record{
			RequestID:  req.ID,
			FromStatus: string(request.StatusInProgress),
			ToStatus:   string(request.StatusPending),
			Actor:      req.Service,
			Detail:     "recovered at startup",
		})
	}
	if len(recovered) > 0 {
		h.logger.Info("recovered in-progress requests", zap.Int("count", len(recovered)))
	}

	if err := h.scheduler.Start(ctx); err != nil {
		return err
	}
	h.logger.Info("hub started",
		zap.String("dir", h.cfg.Hub.Dir),
		zap.Int("workers", h.cfg.Dispatcher.Workers))
	return nil
}

// Stop halts the scheduler and waits for in-flight workers, bounded by
// the grace period. Requests still running stay in-progress on disk and
// are recovered at the next startup.
func (h *Hub) Stop(grace time.Duration) {
	h.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := h.dispatcher.Wait(ctx); err != nil {
		h.logger.Warn("shutdown grace period elapsed with workers in flight")
	}
	h.logger.Info("hub stopped")
}

// TickNow triggers an on-demand scheduler pass.
func (h *Hub) TickNow(ctx context.Context) bool { return h.scheduler.Tick(ctx) }

// Dispatcher exposes the dispatcher for status reporting.
func (h *Hub) Dispatcher() *dispatch.Dispatcher { return h.dispatcher }

// LastTick reports when the scheduler last completed a pass.
func (h *Hub) LastTick() time.Time { return h.scheduler.LastTick() }

// Services lists the registered service names.
func (h *Hub) Services() []string { return h.registry.Services() }
