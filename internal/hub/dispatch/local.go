package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/relayhub/relayhub/internal/events"
	"github.com/relayhub/relayhub/internal/hub/agent"
	"github.com/relayhub/relayhub/internal/hub/history"
	"github.com/relayhub/relayhub/internal/hub/request"
	"go.uber.org/zap"
)

// runLocal drives one request through the local agent executor.
func (d *Dispatcher) runLocal(ctx context.Context, adm admission) {
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

	sessionID, fresh := d.sessions.AgentSessionFor(req.Service)
	events.Emit(d.bus, events.SessionStart, "dispatcher", events.SessionPayload{
		RequestID: req.ID,
		Service:   req.Service,
	})

	res, err := d.invoker.Invoke(ctx, agent.InvokeParams{
		Prompt:    d.buildPrompt(req),
		Dir:       adm.policy.WorkingDirectory,
		Timeout:   d.cfg.RequestTimeoutDuration(),
		Model:     d.cfg.Model,
		SessionID: sessionID,
		Resume:    !fresh,
		OnOutput: func(c agent.Chunk) {
			if err := d.sessions.AppendOutput(req.ID, c.Text); err != nil {
				log.Warn("session log write failed", zap.Error(err))
			}
			events.Emit(d.bus, events.SessionOutput, "dispatcher", events.SessionOutputPayload{
				RequestID: req.ID,
				Service:   req.Service,
				Kind:      c.Kind,
				Text:      c.Text,
			})
		},
	})

	switch {
	case err != nil:
		d.finalizeFailure(ctx, req, attempt, err.Error(), nil)
	case !res.Success:
		d.finalizeFailure(ctx, req, attempt, res.ErrorText, res)
	default:
		d.finalizeSuccess(ctx, req, res)
	}
}

// buildPrompt assembles the agent prompt from the directive, the body,
// and any checkpoint left by a prior failed attempt.
func (d *Dispatcher) buildPrompt(req *request.Request) string {
	var b strings.Builder
	if cp := d.sessions.ReadCheckpoint(req.Service, req.ID); cp != "" {
		b.WriteString(cp)
		b.WriteString("\n\n")
	}
	if req.Directive != "" {
		b.WriteString(req.Directive)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.TrimSpace(req.Body))
	return b.String()
}

// claim moves the request to in-progress, records the transition, and
// emits request:claimed.
func (d *Dispatcher) claim(req *request.Request, attempt int, remote bool) error {
	prev := req.Status
	if err := d.store.SetStatus(req, request.StatusInProgress); err != nil {
		return fmt.Errorf("claim %s: %w", req.ID, err)
	}
	d.history.Append(history.Record{
		RequestID:  req.ID,
		FromStatus: string(prev),
		ToStatus:   string(request.StatusInProgress),
		Actor:      req.Service,
	})
	events.Emit(d.bus, events.RequestClaimed, "dispatcher", events.RequestClaimedPayload{
		RequestID: req.ID,
		Service:   req.Service,
		Directive: req.Directive,
		Remote:    remote,
		Attempt:   attempt,
	})
	return nil
}

// finalizeSuccess completes, archives, clears the checkpoint, commits
// the tree, and emits request:completed.
func (d *Dispatcher) finalizeSuccess(ctx context.Context, req *request.Request, res *agent.Result) {
	log := d.logger.WithRequestID(req.ID)

	if err := d.store.SetStatus(req, request.StatusCompleted); err != nil {
		// Leave the request in its prior state for the next tick.
		log.Warn("completion status write failed", zap.Error(err))
		return
	}
	if err := d.store.Archive(req); err != nil {
		log.Warn("archive failed", zap.Error(err))
	}
	d.sessions.ClearCheckpoint(req.Service, req.ID)

	rec := history.Record{
		RequestID:  req.ID,
		FromStatus: string(request.StatusInProgress),
		ToStatus:   string(request.StatusCompleted),
		Actor:      req.Service,
	}
	var payload events.RequestCompletedPayload
	payload.RequestID = req.ID
	payload.Service = req.Service
	if res != nil {
		rec.DurationMS = res.DurationMS
		rec.CostUSD = res.CostUSD
		rec.Turns = res.NumTurns
		if res.Tokens != (agent.TokenUsage{}) {
			rec.TokenUsage = &history.TokenUsage{
				InputTokens:  res.Tokens.InputTokens,
				OutputTokens: res.Tokens.OutputTokens,
			}
		}
		if len(res.ModelUsage) > 0 {
			rec.ModelUsage = make(map[string]int64, len(res.ModelUsage))
			for model, u := range res.ModelUsage {
				rec.ModelUsage[model] = u.InputTokens + u.OutputTokens
			}
		}
		if d.cfg.MaxBudgetUSD > 0 && res.CostUSD > d.cfg.MaxBudgetUSD {
			rec.Detail = fmt.Sprintf("over budget: $%.4f > $%.4f", res.CostUSD, d.cfg.MaxBudgetUSD)
			log.Warn("invocation exceeded budget cap",
				zap.Float64("cost_usd", res.CostUSD),
				zap.Float64("cap_usd", d.cfg.MaxBudgetUSD))
		}
		payload.DurationMS = res.DurationMS
		payload.CostUSD = res.CostUSD
		payload.NumTurns = res.NumTurns
	}
	d.history.Append(rec)

	if err := d.git.Commit(ctx, commitMessage(req, true)); err != nil {
		log.Warn("git commit failed", zap.Error(err))
	}

	events.Emit(d.bus, events.RequestCompleted, "dispatcher", payload)
	events.Emit(d.bus, events.SessionComplete, "dispatcher", events.SessionPayload{
		RequestID: req.ID,
		Service:   req.Service,
	})
	log.Info("request completed", zap.String("service", req.Service))
}

// finalizeFailure applies the retry decision: checkpoint plus revert to
// pending while attempts remain, otherwise failed, archived, and
// escalated.
func (d *Dispatcher) finalizeFailure(ctx context.Context, req *request.Request, attempt int, errText string, res *agent.Result) {
	log := d.logger.WithRequestID(req.ID)
	willRetry := attempt < d.cfg.MaxAttempts

	if err := d.sessions.WriteCheckpoint(req.Service, req.ID, attempt, errText); err != nil {
		log.Warn("checkpoint write failed", zap.Error(err))
	}

	to := request.StatusFailed
	if willRetry {
		to = request.StatusPending
	}
	if err := d.store.SetStatus(req, to); err != nil {
		log.Warn("failure status write failed", zap.Error(err))
		return
	}
	rec := history.Record{
		RequestID:  req.ID,
		FromStatus: string(request.StatusInProgress),
		ToStatus:   string(to),
		Actor:      req.Service,
		Detail:     errText,
	}
	if res != nil {
		rec.DurationMS = res.DurationMS
		rec.CostUSD = res.CostUSD
		rec.Turns = res.NumTurns
	}
	d.history.Append(rec)

	if !willRetry {
		if err := d.store.Archive(req); err != nil {
			log.Warn("archive failed", zap.Error(err))
		}
		if _, err := d.store.CreateEscalation(req, errText); err != nil {
			log.Warn("escalation write failed", zap.Error(err))
		}
		if err := d.git.Commit(ctx, commitMessage(req, false)); err != nil {
			log.Warn("git commit failed", zap.Error(err))
		}
	}

	events.Emit(d.bus, events.RequestFailed, "dispatcher", events.RequestFailedPayload{
		RequestID: req.ID,
		Service:   req.Service,
		Error:     errText,
		WillRetry: willRetry,
		Attempt:   attempt,
	})
	events.Emit(d.bus, events.SessionError, "dispatcher", events.SessionPayload{
		RequestID: req.ID,
		Service:   req.Service,
		Error:     errText,
	})
	log.Warn("request attempt failed",
		zap.String("service", req.Service),
		zap.Int("attempt", attempt),
		zap.Bool("will_retry", willRetry),
		zap.String("error", errText))
}

// routingFailure handles errors before or during hand-off to an
// executor. The attempt is burned and the request fails terminally.
func (d *Dispatcher) routingFailure(req *request.Request, cause error) {
	log := d.logger.WithRequestID(req.ID)
	log.Error("routing failed", zap.Error(cause))

	if req.Status == request.StatusInProgress {
		if err := d.store.SetStatus(req, request.StatusFailed); err != nil {
			log.Warn("failure status write failed", zap.Error(err))
		} else if err := d.store.Archive(req); err != nil {
			log.Warn("archive failed", zap.Error(err))
		}
	}
	d.history.Append(history.Record{
		RequestID:  req.ID,
		FromStatus: string(req.Status),
		ToStatus:   string(request.StatusFailed),
		Actor:      req.Service,
		Detail:     cause.Error(),
	})
	events.Emit(d.bus, events.RequestFailed, "dispatcher", events.RequestFailedPayload{
		RequestID: req.ID,
		Service:   req.Service,
		Error:     cause.Error(),
		WillRetry: false,
		Attempt:   req.Attempts,
	})
}

func commitMessage(req *request.Request, ok bool) string {
	verb := "complete"
	if !ok {
		verb = "fail"
	}
	return fmt.Sprintf("hub: %s %s (%s)", verb, req.ID, req.Service)
}
