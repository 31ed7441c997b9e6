package plugin

import (
	"context"
	"testing"

	"github.com/nodemesh/controlplane/internal/model"
)

type fakeNodeLister struct {
	nodes []model.Node
	err   error
}

func (f *fakeNodeLister) ListNodesForPlugin(ctx context.Context, pluginID string) ([]model.Node, error) {
	return f.nodes, f.err
}

type fakeEventBus struct {
	required  map[string]string
	published []string
}

func (f *fakeEventBus) Publish(ctx context.Context, subject string, data any) error {
	f.published = append(f.published, subject)
	return nil
}

func (f *fakeEventBus) RequiredPermission(subject string) string {
	return f.required[subject]
}

type fakeConfigStore struct {
	blobs map[string][]byte
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{blobs: make(map[string][]byte)}
}

func (f *fakeConfigStore) Load(ctx context.Context, pluginID string) ([]byte, bool, error) {
	blob, ok := f.blobs[pluginID]
	return blob, ok, nil
}

func (f *fakeConfigStore) Save(ctx context.Context, pluginID string, blob []byte) error {
	f.blobs[pluginID] = blob
	return nil
}

func newTestContextBridge() (*ContextBridge, *Permissions, *fakeEventBus, *fakeConfigStore) {
	perms := NewPermissions()
	events := &fakeEventBus{required: map[string]string{"admin.restart": "plugin:admin"}}
	configs := newFakeConfigStore()
	registry := NewRegistry()
	bridge := NewBridge(testLogger())
	router := NewRouter(registry, bridge, perms, func(string) (Worker, bool) { return nil, false }, testConfig())
	cb := NewContextBridge(perms, &fakeNodeLister{nodes: []model.Node{{NodeID: "n1"}}}, events, configs, router, testConfig())
	return cb, perms, events, configs
}

func TestContextBridge_GetNodesRequiresPermission(t *testing.T) {
	cb, _, _, _ := newTestContextBridge()
	_, err := cb.Handle(context.Background(), "plugin-a", "getNodes", nil)
	if err == nil || err.Kind != KindPermissionDenied {
		t.Fatalf("err = %v, want KindPermissionDenied", err)
	}
}

func TestContextBridge_GetNodesSucceedsWithPermission(t *testing.T) {
	cb, perms, _, _ := newTestContextBridge()
	perms.Grant("plugin-a", []string{"node:read"})

	result, err := cb.Handle(context.Background(), "plugin-a", "getNodes", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nodes, ok := result.([]model.Node)
	if !ok || len(nodes) != 1 {
		t.Fatalf("result = %v, want one node", result)
	}
}

func TestContextBridge_PublishEventRequiresSubjectPermission(t *testing.T) {
	cb, _, _, _ := newTestContextBridge()

	_, err := cb.Handle(context.Background(), "plugin-a", "publishEvent", map[string]any{"subject": "admin.restart"})
	if err == nil || err.Kind != KindPermissionDenied {
		t.Fatalf("err = %v, want KindPermissionDenied", err)
	}
}

func TestContextBridge_PublishEventSucceedsForUnguardedSubject(t *testing.T) {
	cb, _, events, _ := newTestContextBridge()

	_, err := cb.Handle(context.Background(), "plugin-a", "publishEvent", map[string]any{"subject": "node.updated", "data": map[string]any{"x": 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events.published) != 1 || events.published[0] != "node.updated" {
		t.Fatalf("published = %v", events.published)
	}
}

func TestContextBridge_SetConfigThenGetConfigRoundTrips(t *testing.T) {
	cb, _, _, _ := newTestContextBridge()

	_, err := cb.Handle(context.Background(), "plugin-a", "setConfig", map[string]any{"cfg": map[string]any{"apiKey": "abc"}})
	if err != nil {
		t.Fatalf("setConfig: %v", err)
	}

	result, err := cb.Handle(context.Background(), "plugin-a", "getConfig", nil)
	if err != nil {
		t.Fatalf("getConfig: %v", err)
	}
	cfg, ok := result.(map[string]any)
	if !ok || cfg["apiKey"] != "abc" {
		t.Fatalf("result = %v, want apiKey=abc", result)
	}
}

func TestContextBridge_GetConfigWithNothingSavedReturnsEmpty(t *testing.T) {
	cb, _, _, _ := newTestContextBridge()

	result, err := cb.Handle(context.Background(), "plugin-a", "getConfig", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg, ok := result.(map[string]any)
	if !ok || len(cfg) != 0 {
		t.Fatalf("result = %v, want empty map", result)
	}
}

func TestContextBridge_SetConfigRejectsOverQuota(t *testing.T) {
	cb, _, _, _ := newTestContextBridge()
	cb.cfg.ConfigQuotaMiB = 0

	huge := make(map[string]any)
	huge["blob"] = make([]byte, 64)

	_, err := cb.Handle(context.Background(), "plugin-a", "setConfig", map[string]any{"cfg": huge})
	if err == nil || err.Kind != KindPluginContextError {
		t.Fatalf("err = %v, want KindPluginContextError for over-quota config", err)
	}
}

func TestContextBridge_CallServiceRequiresPluginAccess(t *testing.T) {
	cb, _, _, _ := newTestContextBridge()
	_, err := cb.Handle(context.Background(), "plugin-a", "callService", map[string]any{"service": "weather", "method": "getForecast"})
	if err == nil || err.Kind != KindPermissionDenied {
		t.Fatalf("err = %v, want KindPermissionDenied", err)
	}
}

func TestContextBridge_UnknownMethod(t *testing.T) {
	cb, _, _, _ := newTestContextBridge()
	_, err := cb.Handle(context.Background(), "plugin-a", "doSomethingElse", nil)
	if err == nil || err.Kind != KindMethodNotFound {
		t.Fatalf("err = %v, want KindMethodNotFound", err)
	}
}
