package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nodemesh/controlplane/internal/audit"
	"github.com/nodemesh/controlplane/internal/model"
	"github.com/nodemesh/controlplane/internal/store"
)

// nodeListerAdapter satisfies plugin.NodeLister over the document store.
// The store's ListNodes has no notion of per-plugin visibility — spec.md
// §4.4.3 grants getNodes to any plugin holding node:read — so pluginID is
// only used as error context.
type nodeListerAdapter struct {
	st  *store.Cache
	log *slog.Logger
}

func newNodeListerAdapter(st *store.Cache, log *slog.Logger) *nodeListerAdapter {
	return &nodeListerAdapter{st: st, log: log}
}

func (a *nodeListerAdapter) ListNodesForPlugin(ctx context.Context, pluginID string) ([]model.Node, error) {
	nodes, err := a.st.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing nodes for plugin %s: %w", pluginID, err)
	}
	return nodes, nil
}

// auditEventBus satisfies plugin.EventBus by funneling plugin-published
// events into the audit pipeline as synthetic audit events, the same
// collaborator the Join Controller and results endpoint record against.
// This gives every plugin.publishEvent call the durability and hash-chain
// anchoring spec.md §4.2 already provides, instead of a second bespoke
// pub/sub path.
type auditEventBus struct {
	pipeline *audit.Pipeline
	required map[string]string
}

func newAuditEventBus(pipeline *audit.Pipeline, required map[string]string) *auditEventBus {
	return &auditEventBus{pipeline: pipeline, required: required}
}

func (b *auditEventBus) Publish(ctx context.Context, subject string, data any) error {
	payload, _ := data.(map[string]any)
	event := model.AuditEventPayload{
		Level:   "info",
		Source:  "plugin",
		Content: "plugin." + subject,
		Meta:    payload,
	}
	if b.pipeline.IsReady() {
		if _, err := b.pipeline.Enqueue(ctx, event, audit.EnqueueOptions{}); err != nil {
			return fmt.Errorf("publishing plugin event %s: %w", subject, err)
		}
		return nil
	}
	if _, err := b.pipeline.RecordAuditEvent(ctx, event, audit.EnqueueOptions{}); err != nil {
		return fmt.Errorf("publishing plugin event %s: %w", subject, err)
	}
	return nil
}

func (b *auditEventBus) RequiredPermission(subject string) string {
	return b.required[subject]
}
