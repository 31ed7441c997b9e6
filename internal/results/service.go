package results

import (
	"context"
	"log/slog"
	"time"

	"github.com/nodemesh/controlplane/internal/audit"
	"github.com/nodemesh/controlplane/internal/model"
)

// Service implements the results endpoint's submission and rejection
// recording, independent of the HTTP transport.
type Service struct {
	recorder Recorder
	cfg      Config
	log      *slog.Logger
}

// New constructs a Service.
func New(recorder Recorder, cfg Config, log *slog.Logger) *Service {
	return &Service{recorder: recorder, cfg: cfg, log: log}
}

// MaxCallDepth exposes the configured call-depth ceiling for the handler.
func (s *Service) MaxCallDepth() int {
	return s.cfg.MaxCallDepth
}

// Submit records a task result as an audit event. Every call succeeds once
// the audit collaborator has accepted the event; the caller sees success
// whether that acceptance queued the event or wrote it synchronously.
func (s *Service) Submit(ctx context.Context, nodeID string, traceID string, req Request, callDepth int) *Error {
	event := model.AuditEventPayload{
		TS:      time.Now().UnixMilli(),
		Level:   "INFO",
		NodeID:  nodeID,
		Source:  "results",
		TraceID: traceID,
		Content: "Task result submitted",
		Meta: map[string]any{
			"task_id":    req.TaskID,
			"status":     req.Status,
			"call_depth": callDepth,
			"error":      req.Error,
		},
	}

	if err := s.record(ctx, event); err != nil {
		return newError(KindInternalError, "recording task result: %v", err)
	}
	return nil
}

// RejectCallDepth records the call-depth rejection itself as a WARN audit
// intent, per spec.md §6.
func (s *Service) RejectCallDepth(ctx context.Context, nodeID string, traceID string, rawHeader string) {
	event := model.AuditEventPayload{
		TS:      time.Now().UnixMilli(),
		Level:   "WARN",
		NodeID:  nodeID,
		Source:  "results",
		TraceID: traceID,
		Content: "Task result rejected: invalid call depth",
		Meta: map[string]any{
			"x_call_depth": rawHeader,
		},
	}
	if err := s.record(ctx, event); err != nil {
		s.log.Error("recording call-depth rejection", "error", err)
	}
}

func (s *Service) record(ctx context.Context, event model.AuditEventPayload) error {
	if s.recorder.IsReady() {
		result, err := s.recorder.Enqueue(ctx, event, audit.EnqueueOptions{RouteTag: "results"})
		if err != nil {
			return err
		}
		if result.Accepted {
			return nil
		}
		// Backlog is saturated; fall through to the synchronous path so the
		// caller's submission is never silently dropped.
	}
	_, err := s.recorder.RecordAuditEvent(ctx, event, audit.EnqueueOptions{RouteTag: "results"})
	return err
}
