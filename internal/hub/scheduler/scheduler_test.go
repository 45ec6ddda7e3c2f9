package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relayhub/relayhub/internal/common/config"
	"github.com/relayhub/relayhub/internal/common/logger"
	"github.com/relayhub/relayhub/internal/events"
	"github.com/relayhub/relayhub/internal/events/bus"
	"github.com/relayhub/relayhub/internal/hub/a2a"
	"github.com/relayhub/relayhub/internal/hub/agent"
	"github.com/relayhub/relayhub/internal/hub/dispatch"
	"github.com/relayhub/relayhub/internal/hub/gitops"
	"github.com/relayhub/relayhub/internal/hub/history"
	"github.com/relayhub/relayhub/internal/hub/registry"
	"github.com/relayhub/relayhub/internal/hub/request"
	"github.com/relayhub/relayhub/internal/hub/session"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

type okInvoker struct{}

func (okInvoker) Invoke(ctx context.Context, p agent.InvokeParams) (*agent.Result, error) {
	return &agent.Result{Success: true}, nil
}

type fixture struct {
	root  string
	store *request.Store
	reg   *registry.Registry
	bus   *bus.MemoryEventBus
	d     *dispatch.Dispatcher
	s     *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := newTestLogger()
	root := t.TempDir()
	store := request.NewStore(root, log)
	reg := registry.New(root, log)
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	git := gitops.NewRunner(root, false, log)
	d := dispatch.New(
		config.DispatcherConfig{Workers: 2, MaxAttempts: 3, RequestTimeout: 30},
		store, reg,
		history.NewWriter(store.HistoryDir(), log),
		session.NewManager(store.SessionsDir(), store.CheckpointsDir(), session.Config{}, log),
		git, b, okInvoker{}, a2a.NewPool(log), log,
	)
	return &fixture{
		root:  root,
		store: store,
		reg:   reg,
		bus:   b,
		d:     d,
		s:     New(time.Hour, store, reg, d, git, b, log),
	}
}

func (f *fixture) writePolicy(t *testing.T, service string) {
	t.Helper()
	dir := filepath.Join(f.root, "registry")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, service+".yaml"), []byte("maintainer: ai\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) writeRequest(t *testing.T, service, id string) {
	t.Helper()
	content := strings.Join([]string{
		"---",
		"id: " + id,
		"from: orchestrator",
		"to: " + service,
		"scope: backend",
		"type: implementation",
		"priority: medium",
		"status: pending",
		"created: 2026-08-01T10:00:00Z",
		"updated: 2026-08-01T10:00:00Z",
		"---",
		"",
		"Do the thing.",
		"",
	}, "\n")
	dir := filepath.Join(f.root, "comms", "inbox", service)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, id+".md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTick_DispatchesCandidates(t *testing.T) {
	f := newFixture(t)
	f.writePolicy(t, "billing")
	f.writeRequest(t, "billing", "req-100")

	var mu sync.Mutex
	var ticks []events.SchedulerTickPayload
	_, err := f.bus.Subscribe(events.SchedulerTick, func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		if p, ok := ev.Data.(events.SchedulerTickPayload); ok {
			ticks = append(ticks, p)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if !f.s.Tick(context.Background()) {
		t.Fatal("tick reported skipped with nothing running")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.d.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) != 1 {
		t.Fatalf("got %d tick events, want 1", len(ticks))
	}
	if ticks[0].Candidates != 1 || ticks[0].Dispatched != 1 {
		t.Fatalf("tick payload = %+v, want 1 candidate, 1 dispatched", ticks[0])
	}
	if f.s.LastTick().IsZero() {
		t.Fatal("LastTick still zero after a completed tick")
	}

	archived, err := f.store.Load(filepath.Join(f.store.ArchiveDir(), "req-100.md"))
	if err != nil {
		t.Fatalf("request not archived: %v", err)
	}
	if archived.Status != request.StatusCompleted {
		t.Fatalf("archived status = %s, want completed", archived.Status)
	}
}

func TestTick_EmitsSyncEvents(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	syncs := make(map[string][]events.SyncPayload)
	for _, kind := range []string{events.SyncPull, events.SyncPush} {
		kind := kind
		if _, err := f.bus.Subscribe(kind, func(ctx context.Context, ev *bus.Event) error {
			mu.Lock()
			defer mu.Unlock()
			if p, ok := ev.Data.(events.SyncPayload); ok {
				syncs[kind] = append(syncs[kind], p)
			}
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	f.s.Tick(context.Background())
	f.s.Tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	for _, kind := range []string{events.SyncPull, events.SyncPush} {
		got := syncs[kind]
		if len(got) != 2 {
			t.Fatalf("%s emitted %d times, want once per tick", kind, len(got))
		}
		if got[0].Root != f.root {
			t.Errorf("%s root = %q, want %q", kind, got[0].Root, f.root)
		}
		if got[0].Error != "" {
			t.Errorf("%s unexpected error %q", kind, got[0].Error)
		}
	}
}

func TestTick_EmitsServiceDelta(t *testing.T) {
	f := newFixture(t)
	f.writePolicy(t, "billing")
	f.writePolicy(t, "invoices")

	var mu sync.Mutex
	delta := make(map[string][]string) // kind -> service names
	for _, kind := range []string{events.ServiceAdded, events.ServiceRemoved} {
		kind := kind
		if _, err := f.bus.Subscribe(kind, func(ctx context.Context, ev *bus.Event) error {
			mu.Lock()
			defer mu.Unlock()
			if p, ok := ev.Data.(events.ServicePayload); ok {
				delta[kind] = append(delta[kind], p.Name)
			}
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	f.s.Tick(context.Background())
	mu.Lock()
	if len(delta[events.ServiceAdded]) != 2 {
		t.Fatalf("added = %v, want both services on first tick", delta[events.ServiceAdded])
	}
	mu.Unlock()

	// Same registry again: no delta.
	f.s.Tick(context.Background())
	mu.Lock()
	if len(delta[events.ServiceAdded]) != 2 || len(delta[events.ServiceRemoved]) != 0 {
		t.Fatalf("unexpected delta on unchanged registry: %v", delta)
	}
	mu.Unlock()

	if err := os.Remove(filepath.Join(f.root, "registry", "invoices.yaml")); err != nil {
		t.Fatal(err)
	}
	f.s.Tick(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if got := delta[events.ServiceRemoved]; len(got) != 1 || got[0] != "invoices" {
		t.Fatalf("removed = %v, want [invoices]", got)
	}
}

func TestTick_SkipsWhileRunning(t *testing.T) {
	f := newFixture(t)

	// The memory bus delivers synchronously, so a subscriber that blocks
	// on sync:pull holds the first tick mid-pass.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	if _, err := f.bus.Subscribe(events.SyncPull, func(ctx context.Context, ev *bus.Event) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan bool, 1)
	go func() { done <- f.s.Tick(context.Background()) }()
	<-entered

	if f.s.Tick(context.Background()) {
		t.Fatal("overlapping tick ran instead of skipping")
	}

	close(release)
	if !<-done {
		t.Fatal("first tick reported skipped")
	}

	// With the pass finished, ticks run again.
	if !f.s.Tick(context.Background()) {
		t.Fatal("tick after release was skipped")
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)

	if err := f.s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Second Start is a no-op, not an error.
	if err := f.s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.s.LastTick().IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("first tick never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.s.Stop()
	f.s.Stop() // idempotent
}
