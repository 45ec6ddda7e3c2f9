package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/relayhub/relayhub/internal/hub/request"
	"go.uber.org/zap"
)

// commandFunc runs one allowlisted command and returns its report text.
type commandFunc func(ctx context.Context, d *Dispatcher, req *request.Request) (string, error)

// Allowlisted commands runnable without an agent.
var commands = map[string]commandFunc{
	"status":      commandStatus,
	"scan":        commandScan,
	"check-inbox": commandCheckInbox,
	"validate":    commandValidate,
}

// runCommand executes a command request in-process and finalizes it
// like a local completion.
func (d *Dispatcher) runCommand(ctx context.Context, adm admission) {
	req := adm.req
	log := d.logger.WithRequestID(req.ID)

	attempt, err := d.store.IncrementAttempts(req)
	if err != nil {
		d.routingFailure(req, fmt.Errorf("advance attempts: %w", err))
		return
	}
	if err := d.claim(req, attempt, false); err != nil {
		d.routingFailure(req, err)
		return
	}

	fn, ok := commands[req.Command]
	if !ok {
		d.routingFailure(req, fmt.Errorf("command %q not allowlisted", req.Command))
		return
	}

	log.Info("running command", zap.String("command", req.Command))
	out, err := fn(ctx, d, req)
	if err != nil {
		d.finalizeFailure(ctx, req, attempt, err.Error(), nil)
		return
	}
	if err := d.sessions.AppendOutput(req.ID, out); err != nil {
		log.Warn("session log write failed", zap.Error(err))
	}
	d.finalizeSuccess(ctx, req, nil)
}

func commandStatus(_ context.Context, d *Dispatcher, _ *request.Request) (string, error) {
	st := d.Status()
	sort.Strings(st.ActiveServices)
	var b strings.Builder
	fmt.Fprintf(&b, "workers: %d\n", st.Workers)
	fmt.Fprintf(&b, "in-flight: %d\n", st.InFlight)
	fmt.Fprintf(&b, "active services: %s\n", strings.Join(st.ActiveServices, ", "))
	fmt.Fprintf(&b, "registered services: %s\n", strings.Join(d.registry.Services(), ", "))
	return b.String(), nil
}

func commandScan(_ context.Context, d *Dispatcher, _ *request.Request) (string, error) {
	reqs, err := d.store.ScanInbox()
	if err != nil {
		return "", fmt.Errorf("scan inboxes: %w", err)
	}
	counts := make(map[request.Status]int)
	for _, r := range reqs {
		counts[r.Status]++
	}
	var b strings.Builder
	fmt.Fprintf(&b, "requests in inboxes: %d\n", len(reqs))
	for _, st := range []request.Status{request.StatusPending, request.StatusApproved,
		request.StatusInProgress, request.StatusFailed, request.StatusRejected} {
		if n := counts[st]; n > 0 {
			fmt.Fprintf(&b, "  %s: %d\n", st, n)
		}
	}
	return b.String(), nil
}

func commandCheckInbox(_ context.Context, d *Dispatcher, req *request.Request) (string, error) {
	reqs, err := d.store.ScanInbox()
	if err != nil {
		return "", fmt.Errorf("scan inboxes: %w", err)
	}
	var b strings.Builder
	n := 0
	for _, r := range reqs {
		if r.Service != req.Service || r.ID == req.ID {
			continue
		}
		fmt.Fprintf(&b, "%s  %s  %s  %s\n", r.ID, r.Priority, r.Status, r.Type)
		n++
	}
	if n == 0 {
		return fmt.Sprintf("inbox for %s is empty\n", req.Service), nil
	}
	return fmt.Sprintf("inbox for %s (%d):\n%s", req.Service, n, b.String()), nil
}

func commandValidate(_ context.Context, d *Dispatcher, _ *request.Request) (string, error) {
	reqs, err := d.store.ScanInbox()
	if err != nil {
		return "", fmt.Errorf("scan inboxes: %w", err)
	}
	var b strings.Builder
	problems := 0
	for _, r := range reqs {
		if _, err := d.registry.PolicyFor(r.Service); err != nil {
			fmt.Fprintf(&b, "%s: service %q not in registry\n", r.ID, r.Service)
			problems++
		}
		deps, err := d.store.DependencyStatus(r)
		if err != nil {
			fmt.Fprintf(&b, "%s: dependency check: %v\n", r.ID, err)
			problems++
		} else if !deps.Ready {
			fmt.Fprintf(&b, "%s: waiting on %s\n", r.ID, strings.Join(deps.Pending, ", "))
		}
	}
	if problems == 0 {
		return fmt.Sprintf("validated %d requests, no problems\n%s", len(reqs), b.String()), nil
	}
	return fmt.Sprintf("validated %d requests, %d problems:\n%s", len(reqs), problems, b.String()), nil
}
