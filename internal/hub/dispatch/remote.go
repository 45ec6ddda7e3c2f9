package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relayhub/relayhub/internal/events"
	"github.com/relayhub/relayhub/internal/hub/a2a"
	"github.com/relayhub/relayhub/internal/hub/history"
	"github.com/relayhub/relayhub/internal/hub/request"
	"go.uber.org/zap"
)

// errIdleTimeout marks a remote stream that went silent for longer than
// the request timeout.
var errIdleTimeout = errors.New("remote stream idle timeout")

// runRemote hands the request to a remote service and consumes its task
// stream. Remote failures never retry: the remote owns its own retry
// policy, so attempts are not advanced here.
func (d *Dispatcher) runRemote(ctx context.Context, adm admission) {
	req := adm.req
	endpoint := adm.policy.RemoteEndpoint
	log := d.logger.WithRequestID(req.ID)

	if err := d.claim(req, req.Attempts, true); err != nil {
		d.routingFailure(req, err)
		return
	}

	stream, err := d.remote.Send(ctx, endpoint, &a2a.Message{
		RequestID: req.ID,
		From:      req.From,
		Priority:  string(req.Priority),
		Directive: req.Directive,
		Body:      req.Body,
	})
	if err != nil {
		d.remote.Invalidate(endpoint)
		d.remoteFailure(ctx, req, endpoint, fmt.Errorf("send to %s: %w", endpoint, err))
		return
	}
	defer stream.Close()

	taskID, err := d.consumeStream(ctx, req, stream)
	if err != nil {
		d.remote.Invalidate(endpoint)
		d.remoteFailure(ctx, req, endpoint, err)
		return
	}

	// Terminal completed. Fetch the snapshot for artifacts the stream
	// did not carry.
	task, err := d.remote.GetTask(ctx, endpoint, taskID)
	if err != nil {
		log.Warn("terminal task fetch failed", zap.Error(err))
	} else {
		for _, art := range task.Artifacts {
			if err := d.sessions.AppendOutput(req.ID, art.Data); err != nil {
				log.Warn("session log write failed", zap.Error(err))
			}
			events.Emit(d.bus, events.A2AArtifactUpdate, "dispatcher", events.A2AArtifactPayload{
				RequestID: req.ID,
				Service:   req.Service,
				TaskID:    taskID,
				Name:      art.Name,
				Data:      art.Data,
			})
		}
	}
	d.finalizeSuccess(ctx, req, nil)
}

// consumeStream iterates the task stream with an idle countdown between
// events. Returns the task id on terminal completed; any other outcome
// is an error.
func (d *Dispatcher) consumeStream(ctx context.Context, req *request.Request, stream *a2a.Stream) (string, error) {
	idle := d.cfg.RequestTimeoutDuration()
	timer := time.NewTimer(idle)
	defer timer.Stop()

	var taskID string
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			stream.Close()
			return "", errIdleTimeout
		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return "", err
				}
				return "", a2a.ErrStreamClosed
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)

			switch ev.Kind {
			case a2a.EventTaskCreated:
				taskID = ev.TaskID
				d.logger.Debug("remote task created",
					zap.String("request_id", req.ID),
					zap.String("task_id", ev.TaskID),
					zap.String("context_id", ev.ContextID))
			case a2a.EventStatusUpdate:
				events.Emit(d.bus, events.A2AStatusUpdate, "dispatcher", events.A2AStatusPayload{
					RequestID: req.ID,
					Service:   req.Service,
					TaskID:    taskID,
					State:     ev.State,
					Message:   ev.Message,
				})
				switch ev.State {
				case a2a.StateCompleted:
					return taskID, nil
				case a2a.StateFailed, a2a.StateCanceled, a2a.StateRejected:
					msg := ev.Message
					if msg == "" {
						msg = "remote task " + ev.State
					}
					return "", errors.New(msg)
				}
			case a2a.EventArtifactUpdate:
				if ev.Artifact != nil {
					events.Emit(d.bus, events.A2AArtifactUpdate, "dispatcher", events.A2AArtifactPayload{
						RequestID: req.ID,
						Service:   req.Service,
						TaskID:    taskID,
						Name:      ev.Artifact.Name,
						Data:      ev.Artifact.Data,
					})
				}
			}
		}
	}
}

// remoteFailure marks a remote request terminally failed.
func (d *Dispatcher) remoteFailure(ctx context.Context, req *request.Request, endpoint string, cause error) {
	log := d.logger.WithRequestID(req.ID)

	if err := d.store.SetStatus(req, request.StatusFailed); err != nil {
		log.Warn("failure status write failed", zap.Error(err))
		return
	}
	if err := d.store.Archive(req); err != nil {
		log.Warn("archive failed", zap.Error(err))
	}
	d.history.Append(history.Record{
		RequestID:  req.ID,
		FromStatus: string(request.StatusInProgress),
		ToStatus:   string(request.StatusFailed),
		Actor:      req.Service,
		Detail:     cause.Error(),
	})
	if err := d.git.Commit(ctx, commitMessage(req, false)); err != nil {
		log.Warn("git commit failed", zap.Error(err))
	}
	events.Emit(d.bus, events.RequestFailed, "dispatcher", events.RequestFailedPayload{
		RequestID: req.ID,
		Service:   req.Service,
		Error:     cause.Error(),
		WillRetry: false,
		Attempt:   req.Attempts,
	})
	log.Warn("remote request failed",
		zap.String("endpoint", endpoint),
		zap.Error(cause))
}
