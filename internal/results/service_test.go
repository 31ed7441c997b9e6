package results

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/nodemesh/controlplane/internal/audit"
	"github.com/nodemesh/controlplane/internal/model"
)

type fakeRecorder struct {
	mu     sync.Mutex
	ready  bool
	events []model.AuditEventPayload
}

func (f *fakeRecorder) IsReady() bool { return f.ready }

func (f *fakeRecorder) Enqueue(ctx context.Context, event model.AuditEventPayload, opts audit.EnqueueOptions) (audit.EnqueueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return audit.EnqueueResult{Accepted: true}, nil
}

func (f *fakeRecorder) RecordAuditEvent(ctx context.Context, event model.AuditEventPayload, opts audit.EnqueueOptions) (*model.AuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return &model.AuditLog{Payload: event}, nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeRecorder) last() model.AuditEventPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseCallDepth_DefaultsToZero(t *testing.T) {
	depth, err := parseCallDepth("", 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if depth != 0 {
		t.Fatalf("depth = %d, want 0", depth)
	}
}

func TestParseCallDepth_RejectsNonInteger(t *testing.T) {
	_, err := parseCallDepth("abc", 16)
	if err == nil || err.Kind != KindInvalidCallDepth {
		t.Fatalf("expected INVALID_CALL_DEPTH, got %+v", err)
	}
}

func TestParseCallDepth_RejectsOutOfRange(t *testing.T) {
	if _, err := parseCallDepth("-1", 16); err == nil {
		t.Fatal("expected rejection of negative depth")
	}
	if _, err := parseCallDepth("17", 16); err == nil {
		t.Fatal("expected rejection of depth above max")
	}
}

func TestParseCallDepth_AcceptsBoundaryValues(t *testing.T) {
	if _, err := parseCallDepth("0", 16); err != nil {
		t.Fatalf("unexpected error at lower bound: %v", err)
	}
	if _, err := parseCallDepth("16", 16); err != nil {
		t.Fatalf("unexpected error at upper bound: %v", err)
	}
}

func TestService_SubmitRecordsAuditEvent(t *testing.T) {
	rec := &fakeRecorder{ready: true}
	svc := New(rec, DefaultConfig(), testLogger())

	err := svc.Submit(context.Background(), "node-1", "trace-1", Request{
		TaskID: "task-1",
		Status: StatusCompleted,
	}, 2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 audit event, got %d", rec.count())
	}
	if rec.last().Level != "INFO" {
		t.Fatalf("expected INFO level, got %q", rec.last().Level)
	}
	if rec.last().Meta["task_id"] != "task-1" {
		t.Fatalf("meta = %+v", rec.last().Meta)
	}
}

func TestService_SubmitFallsBackWhenNotReady(t *testing.T) {
	rec := &fakeRecorder{ready: false}
	svc := New(rec, DefaultConfig(), testLogger())

	err := svc.Submit(context.Background(), "node-1", "trace-1", Request{
		TaskID: "task-1",
		Status: StatusFailed,
		Error:  "boom",
	}, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected fallback recording, got %d events", rec.count())
	}
}

func TestService_RejectCallDepthRecordsWarn(t *testing.T) {
	rec := &fakeRecorder{ready: true}
	svc := New(rec, DefaultConfig(), testLogger())

	svc.RejectCallDepth(context.Background(), "node-1", "trace-1", "999")

	if rec.count() != 1 {
		t.Fatalf("expected 1 audit event, got %d", rec.count())
	}
	if rec.last().Level != "WARN" {
		t.Fatalf("expected WARN level, got %q", rec.last().Level)
	}
}
