// Package dispatch admits scanned request candidates against the
// dependency, maintainer, and exclusion rules, then fans the admitted
// ones out to the local executor, the remote client, or the in-process
// command runner.
package dispatch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/relayhub/relayhub/internal/common/config"
	"github.com/relayhub/relayhub/internal/common/logger"
	"github.com/relayhub/relayhub/internal/events/bus"
	"github.com/relayhub/relayhub/internal/hub/a2a"
	"github.com/relayhub/relayhub/internal/hub/agent"
	"github.com/relayhub/relayhub/internal/hub/gitops"
	"github.com/relayhub/relayhub/internal/hub/history"
	"github.com/relayhub/relayhub/internal/hub/registry"
	"github.com/relayhub/relayhub/internal/hub/request"
	"github.com/relayhub/relayhub/internal/hub/session"
	"go.uber.org/zap"
)

// Invoker runs one local agent invocation. Satisfied by agent.Executor.
type Invoker interface {
	Invoke(ctx context.Context, p agent.InvokeParams) (*agent.Result, error)
}

// Remote is the surface of the a2a client pool the dispatcher uses.
type Remote interface {
	Send(ctx context.Context, endpoint string, msg *a2a.Message) (*a2a.Stream, error)
	GetTask(ctx context.Context, endpoint, taskID string) (*a2a.Task, error)
	Invalidate(endpoint string)
}

// Dispatcher owns the exclusion sets and the worker pool. Admission runs
// sequentially on the caller's goroutine; admitted requests execute in
// parallel up to the worker cap.
type Dispatcher struct {
	cfg      config.DispatcherConfig
	store    *request.Store
	registry *registry.Registry
	history  *history.Writer
	sessions *session.Manager
	git      *gitops.Runner
	bus      bus.EventBus
	invoker  Invoker
	remote   Remote
	logger   *logger.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu             sync.Mutex
	activeServices map[string]struct{}
	activeDirs     map[string]struct{}
	inFlight       int
}

func New(cfg config.DispatcherConfig, store *request.Store, reg *registry.Registry,
	hist *history.Writer, sessions *session.Manager, git *gitops.Runner,
	b bus.EventBus, invoker Invoker, remote Remote, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:            cfg,
		store:          store,
		registry:       reg,
		history:        hist,
		sessions:       sessions,
		git:            git,
		bus:            b,
		invoker:        invoker,
		remote:         remote,
		logger:         log.WithFields(zap.String("component", "dispatcher")),
		sem:            semaphore.NewWeighted(int64(cfg.Workers)),
		activeServices: make(map[string]struct{}),
		activeDirs:     make(map[string]struct{}),
	}
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	Workers        int      `json:"workers"`
	InFlight       int      `json:"in_flight"`
	ActiveServices []string `json:"active_services"`
}

func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	services := make([]string, 0, len(d.activeServices))
	for s := range d.activeServices {
		services = append(services, s)
	}
	return Status{Workers: d.cfg.Workers, InFlight: d.inFlight, ActiveServices: services}
}

// Wait blocks until every in-flight worker has finished or the context
// is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admission holds what was reserved for one admitted candidate.
type admission struct {
	req     *request.Request
	policy  *registry.Policy
	service string
	dir     string
}

// Dispatch runs admission over the sorted candidate sequence and fans
// out the admitted requests. Returns the number of candidates admitted.
// With dryRun set no execution happens and all reservations are released
// before returning.
func (d *Dispatcher) Dispatch(ctx context.Context, candidates []*request.Request, dryRun bool) int {
	var admitted []admission
	for _, req := range candidates {
		adm, ok := d.admit(req)
		if !ok {
			continue
		}
		if dryRun {
			admitted = append(admitted, adm)
			continue
		}
		if !d.sem.TryAcquire(1) {
			// Workers are saturated. Release the reservation and stop
			// admitting; the next tick re-picks deferred candidates.
			d.release(adm)
			break
		}
		d.wg.Add(1)
		go d.run(ctx, adm)
		admitted = append(admitted, adm)
	}

	if dryRun {
		for _, adm := range admitted {
			d.release(adm)
		}
	}
	return len(admitted)
}

// admit applies the admission rules in order and reserves the exclusion
// slots on success.
func (d *Dispatcher) admit(req *request.Request) (admission, bool) {
	// Only actionable statuses enter admission; in-progress candidates
	// are already running somewhere.
	if req.Status != request.StatusPending && req.Status != request.StatusApproved {
		return admission{}, false
	}

	deps, err := d.store.DependencyStatus(req)
	if err != nil {
		d.logger.Warn("dependency check failed, deferring",
			zap.String("request_id", req.ID), zap.Error(err))
		return admission{}, false
	}
	if !deps.Ready {
		d.logger.Debug("deferring on unsatisfied dependencies",
			zap.String("request_id", req.ID),
			zap.Strings("pending", deps.Pending))
		return admission{}, false
	}

	policy, err := d.registry.PolicyFor(req.Service)
	if err != nil {
		d.logger.Warn("no registry policy, deferring",
			zap.String("request_id", req.ID), zap.String("service", req.Service))
		return admission{}, false
	}
	switch policy.Maintainer {
	case registry.MaintainerHuman:
		return admission{}, false
	case registry.MaintainerHybrid:
		if req.Status != request.StatusApproved {
			return admission{}, false
		}
	case registry.MaintainerExternal:
		return admission{}, false
	case registry.MaintainerAI:
		// approved counts the same as pending here
	}

	dir := canonicalDir(policy.WorkingDirectory)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.activeServices[req.Service]; busy {
		return admission{}, false
	}
	if dir != "" {
		if _, busy := d.activeDirs[dir]; busy {
			return admission{}, false
		}
	}
	d.activeServices[req.Service] = struct{}{}
	if dir != "" {
		d.activeDirs[dir] = struct{}{}
	}
	d.inFlight++
	return admission{req: req, policy: policy, service: req.Service, dir: dir}, true
}

func (d *Dispatcher) release(adm admission) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.activeServices, adm.service)
	if adm.dir != "" {
		delete(d.activeDirs, adm.dir)
	}
	d.inFlight--
}

// run executes one admitted request on a worker goroutine. Exclusion
// state is always released on return.
func (d *Dispatcher) run(ctx context.Context, adm admission) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	defer d.release(adm)

	start := time.Now()
	req := adm.req
	switch {
	case req.Type == request.TypeCommand:
		d.runCommand(ctx, adm)
	case adm.policy.Remote():
		d.runRemote(ctx, adm)
	default:
		d.runLocal(ctx, adm)
	}
	d.logger.Debug("worker finished",
		zap.String("request_id", req.ID),
		zap.Duration("elapsed", time.Since(start)))
}

// canonicalDir normalizes a working directory so two differently
// spelled paths to the same tree collide in the exclusion set.
func canonicalDir(dir string) string {
	if dir == "" {
		return ""
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return filepath.Clean(dir)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
